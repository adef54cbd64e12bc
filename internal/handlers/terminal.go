package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/gluk-w/sandterm/internal/logging"
	"github.com/gluk-w/sandterm/internal/session"
	"github.com/gluk-w/sandterm/internal/termproto"
)

const (
	// Messages beyond this rate are dropped.
	terminalRateLimit = 200
	terminalRateBurst = 200

	maxReadBytes        = 1024 * 1024
	maxInputMessageSize = 64 * 1024
	maxResizeRows       = 500
	maxResizeCols       = 500

	// closeInvalidSession rejects a token that is unknown or expired.
	closeInvalidSession websocket.StatusCode = 4004

	finalWriteTimeout = 5 * time.Second
)

// outputQueue is an unbounded FIFO between a session's pump and one
// websocket connection.
type outputQueue struct {
	mu     sync.Mutex
	chunks []string
	notify chan struct{}
}

var _ session.Sink = (*outputQueue)(nil)

func newOutputQueue() *outputQueue {
	return &outputQueue{notify: make(chan struct{}, 1)}
}

func (q *outputQueue) Deliver(chunk string) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outputQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.chunks
	q.chunks = nil
	return out
}

// forward writes every queued chunk as an output message.
func (q *outputQueue) forward(ctx context.Context, conn *websocket.Conn) error {
	for _, chunk := range q.drain() {
		if err := conn.Write(ctx, websocket.MessageText, termproto.Output(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func clampSize(rows, cols int) (int, int) {
	if rows > maxResizeRows {
		rows = maxResizeRows
	}
	if cols > maxResizeCols {
		cols = maxResizeCols
	}
	return rows, cols
}

// TerminalWS attaches a websocket client to a live session's terminal.
//
// Output from the session is sent as {"type":"output"} messages in arrival
// order. Input and resize requests are read from the client. A second
// client attaching to the same session takes over its output. When the
// session ends while attached, the client gets a "Session closed" error and
// a normal close.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxReadBytes)

	ctx := r.Context()

	s := SessionMgr.GetSession(ctx, token)
	var detach func()
	ok := false
	q := newOutputQueue()
	if s != nil {
		detach, ok = SessionMgr.AttachOutputSink(token, q)
	}
	if !ok {
		conn.Write(ctx, websocket.MessageText, termproto.Error("Invalid or expired session"))
		conn.Close(closeInvalidSession, "Invalid or expired session")
		return
	}

	Metrics.BridgeOpened()
	defer Metrics.BridgeClosed()
	defer detach()
	log.Printf("Terminal attached: session=%s", logging.MaskToken(token))
	defer log.Printf("Terminal detached: session=%s", logging.MaskToken(token))

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Session output -> browser
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-q.notify:
				if err := q.forward(relayCtx, conn); err != nil {
					relayCancel()
					return
				}
			case <-s.Done():
				wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
				if err := q.forward(wctx, conn); err == nil {
					conn.Write(wctx, websocket.MessageText, termproto.Error("Session closed"))
				}
				cancel()
				conn.Close(websocket.StatusNormalClosure, "Session closed")
				return
			case <-relayCtx.Done():
				return
			}
		}
	}()

	limiter := rate.NewLimiter(terminalRateLimit, terminalRateBurst)

	// Browser -> session
	func() {
		defer relayCancel()
		for {
			_, data, err := conn.Read(relayCtx)
			if err != nil {
				return
			}

			if !limiter.Allow() {
				continue
			}

			msg, err := termproto.DecodeClient(data)
			if err != nil {
				conn.Write(relayCtx, websocket.MessageText, termproto.Error("Invalid message"))
				continue
			}

			switch m := msg.(type) {
			case termproto.Input:
				if len(m.Data) > maxInputMessageSize {
					log.Printf("Terminal input message too large: session=%s size=%d limit=%d",
						logging.MaskToken(token), len(m.Data), maxInputMessageSize)
					continue
				}
				SessionMgr.SendInput(relayCtx, token, []byte(m.Data))
			case termproto.Resize:
				rows, cols := clampSize(m.Rows, m.Cols)
				SessionMgr.ResizePTY(relayCtx, token, rows, cols)
			case termproto.Unknown:
				conn.Write(relayCtx, websocket.MessageText,
					termproto.Error("Unknown message type: "+logging.Sanitize(m.Type)))
			}
		}
	}()

	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "")
}
