package session

import (
	"errors"
	"io"
	"log"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/gluk-w/sandterm/internal/logging"
	"github.com/gluk-w/sandterm/internal/metrics"
	"github.com/gluk-w/sandterm/internal/sandbox"
)

// chunkDecoder turns a byte stream into UTF-8 text. Invalid bytes become
// U+FFFD; a multi-byte sequence split across chunks is held until the rest
// arrives.
type chunkDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newChunkDecoder() *chunkDecoder {
	return &chunkDecoder{t: unicode.UTF8.NewDecoder()}
}

func (d *chunkDecoder) decode(p []byte) string {
	return d.run(p, false)
}

// flush decodes whatever is still pending as if the stream had ended.
func (d *chunkDecoder) flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	return d.run(nil, true)
}

func (d *chunkDecoder) run(p []byte, atEOF bool) string {
	src := p
	if len(d.pending) > 0 {
		src = append(d.pending, p...)
		d.pending = nil
	}

	// Each invalid byte expands to at most three bytes of U+FFFD.
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	var out []byte
	for len(src) > 0 {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		switch {
		case err == nil:
			return string(out)
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return string(out)
		case errors.Is(err, transform.ErrShortDst):
			continue
		default:
			return string(out) + string(utf8.RuneError)
		}
	}
	return string(out)
}

// runPump drains the session's terminal until the session is cancelled or
// the stream ends. Every chunk goes to the sink attached at that moment;
// with no sink the chunk is dropped. A stream that ends while the session
// is still live tears the session down.
func (m *Manager) runPump(s *Session) {
	defer close(s.pumpDone)

	decoders := make(map[sandbox.EventKind]*chunkDecoder)
	decoderFor := func(k sandbox.EventKind) *chunkDecoder {
		d, ok := decoders[k]
		if !ok {
			d = newChunkDecoder()
			decoders[k] = d
		}
		return d
	}

	for {
		if s.cancelled() {
			return
		}

		ev, err := s.pty.Recv()
		if s.cancelled() {
			return
		}
		if err != nil {
			for _, d := range decoders {
				if text := d.flush(); text != "" {
					s.deliver(text)
				}
			}
			if errors.Is(err, io.EOF) {
				log.Printf("[pump] session %s terminal output ended", logging.MaskToken(s.Token))
			} else {
				log.Printf("[pump] session %s stream error: %v", logging.MaskToken(s.Token), err)
			}
			m.teardown(s.Token, metrics.ReasonPumpExit)
			return
		}
		if len(ev.Data) == 0 {
			continue
		}

		m.metrics.AddPumpBytes(len(ev.Data))
		if text := decoderFor(ev.Kind).decode(ev.Data); text != "" {
			s.deliver(text)
		}
	}
}
