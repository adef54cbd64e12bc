package session

import (
	"sync"
	"time"

	"github.com/gluk-w/sandterm/internal/sandbox"
)

// Sink receives a session's decoded terminal output. Deliver is called from
// the session's pump and must not block.
type Sink interface {
	Deliver(chunk string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(chunk string)

func (f SinkFunc) Deliver(chunk string) { f(chunk) }

// Session is the live state of one terminal session. It owns its sandbox
// and is released exactly once, by whichever caller removes it from the
// Table.
//
// At most one sink is attached at a time; attaching replaces the previous
// sink, which receives nothing further.
type Session struct {
	Token     string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time

	sandbox sandbox.Sandbox
	pty     sandbox.PTY
	pid     int

	sinkMu  sync.Mutex
	sink    Sink
	sinkGen uint64

	done     chan struct{}
	doneOnce sync.Once
	pumpDone chan struct{}
}

func newSession(token, sessionID string, createdAt, expiresAt time.Time, sb sandbox.Sandbox, p sandbox.PTY) *Session {
	return &Session{
		Token:     token,
		SessionID: sessionID,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		sandbox:   sb,
		pty:       p,
		pid:       p.PID(),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
}

// PID identifies the session's terminal inside its sandbox.
func (s *Session) PID() int { return s.pid }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// PumpDone is closed when the output pump has exited.
func (s *Session) PumpDone() <-chan struct{} { return s.pumpDone }

func (s *Session) cancel() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// attach installs sink and returns its generation.
func (s *Session) attach(sink Sink) uint64 {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sink = sink
	s.sinkGen++
	return s.sinkGen
}

// detach clears the sink only if generation gen is still attached.
func (s *Session) detach(gen uint64) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sinkGen == gen {
		s.sink = nil
	}
}

// deliver hands chunk to the attached sink, if any. Holding sinkMu across
// Deliver means a sink replaced by attach never sees a later chunk.
func (s *Session) deliver(chunk string) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sink != nil {
		s.sink.Deliver(chunk)
	}
}
