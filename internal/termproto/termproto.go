// Package termproto is the JSON message protocol spoken over a terminal
// websocket.
//
// Client messages:
//
//	{"type": "input",  "data": "ls\n"}
//	{"type": "resize", "rows": 24, "cols": 80}
//
// Server messages:
//
//	{"type": "output", "data": "..."}
//	{"type": "error",  "message": "..."}
package termproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	DefaultRows = 24
	DefaultCols = 80
)

// ErrMalformed is returned for payloads that are not a JSON object with a
// string "type" field.
var ErrMalformed = errors.New("malformed message")

// ClientMessage is one of Input, Resize or Unknown.
type ClientMessage interface {
	clientMessage()
}

// Input carries keystrokes for the terminal.
type Input struct {
	Data string
}

// Resize asks for a new terminal size.
type Resize struct {
	Rows int
	Cols int
}

// Unknown is a well-formed message with a type this protocol does not define.
type Unknown struct {
	Type string
}

func (Input) clientMessage()   {}
func (Resize) clientMessage()  {}
func (Unknown) clientMessage() {}

type wireClient struct {
	Type *string `json:"type"`
	Data string  `json:"data"`
	Rows *int    `json:"rows"`
	Cols *int    `json:"cols"`
}

// DecodeClient parses one client frame.
func DecodeClient(payload []byte) (ClientMessage, error) {
	var w wireClient
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch *w.Type {
	case "input":
		return Input{Data: w.Data}, nil
	case "resize":
		r := Resize{Rows: DefaultRows, Cols: DefaultCols}
		if w.Rows != nil {
			r.Rows = *w.Rows
		}
		if w.Cols != nil {
			r.Cols = *w.Cols
		}
		return r, nil
	default:
		return Unknown{Type: *w.Type}, nil
	}
}

type outputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Output encodes an "output" message.
func Output(data string) []byte {
	b, _ := json.Marshal(outputMsg{Type: "output", Data: data})
	return b
}

// Error encodes an "error" message.
func Error(message string) []byte {
	b, _ := json.Marshal(errorMsg{Type: "error", Message: message})
	return b
}
