package sandbox

import (
	"context"
	"errors"
	"os"
)

// ErrPTYNotFound is returned when a pid does not name an open terminal in
// the sandbox.
var ErrPTYNotFound = errors.New("pty not found")

// Size is a terminal size in character cells.
type Size struct {
	Rows uint16
	Cols uint16
}

type EventKind int

const (
	EventPTY EventKind = iota
	EventStdout
	EventStderr
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	default:
		return "pty"
	}
}

// Event is one chunk read from a terminal's output stream.
type Event struct {
	Kind EventKind
	Data []byte
}

// PTYOptions describes the terminal to open. No provider-side idle timeout
// is applied; callers own the terminal's lifetime.
type PTYOptions struct {
	Size  Size
	Cwd   string
	Shell string
	Env   map[string]string
}

// PTY is an open pseudo-terminal inside a sandbox.
type PTY interface {
	PID() int
	// Recv blocks until the next output event. It returns io.EOF once the
	// terminal's output stream has ended.
	Recv() (Event, error)
}

type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is an isolated environment exposing file, command and terminal
// operations. It is owned by exactly one session.
type Sandbox interface {
	ID() string
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Run(ctx context.Context, command string) (*CommandResult, error)
	OpenPTY(ctx context.Context, opts PTYOptions) (PTY, error)
	SendInput(ctx context.Context, pid int, data []byte) error
	ResizePTY(ctx context.Context, pid int, size Size) error
	KillPTY(ctx context.Context, pid int) error
	Kill(ctx context.Context) error
}

// Provider creates sandboxes on one backend.
type Provider interface {
	Name() string
	Create(ctx context.Context) (Sandbox, error)
}
