package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
)

const (
	labelManagedBy = "sandterm"
	readChunkSize  = 32 * 1024
	// Keeps each shell argument well under MAX_ARG_STRLEN.
	writeChunkSize = 48 * 1024
)

// execFunc runs a command to completion inside a sandbox.
type execFunc func(ctx context.Context, cmd []string) (stdout, stderr string, exitCode int, err error)

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// runShell runs command with sh in workDir.
func runShell(ctx context.Context, execFn execFunc, workDir, command string) (*CommandResult, error) {
	script := command
	if workDir != "" {
		script = fmt.Sprintf("cd %s 2>/dev/null; %s", shellQuote(workDir), command)
	}
	stdout, stderr, code, err := execFn(ctx, []string{"sh", "-c", script})
	if err != nil {
		return nil, err
	}
	return &CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

// writeFile writes data to p by piping base64 through the sandbox shell.
func writeFile(ctx context.Context, execFn execFunc, p string, data []byte, mode os.FileMode) error {
	b64 := base64.StdEncoding.EncodeToString(data)
	qp := shellQuote(p)

	redirect := ">"
	first := true
	for first || len(b64) > 0 {
		chunk := b64
		if len(chunk) > writeChunkSize {
			chunk = b64[:writeChunkSize]
		}
		b64 = b64[len(chunk):]

		var script string
		if first {
			script = fmt.Sprintf("mkdir -p %s && echo '%s' | base64 -d %s %s", shellQuote(path.Dir(p)), chunk, redirect, qp)
		} else {
			script = fmt.Sprintf("echo '%s' | base64 -d %s %s", chunk, redirect, qp)
		}
		_, stderr, code, err := execFn(ctx, []string{"sh", "-c", script})
		if err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		if code != 0 {
			return fmt.Errorf("write %s: %s", p, strings.TrimSpace(stderr))
		}
		first = false
		redirect = ">>"
	}

	_, stderr, code, err := execFn(ctx, []string{"sh", "-c", fmt.Sprintf("chmod %o %s", mode.Perm(), qp)})
	if err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	if code != 0 {
		return fmt.Errorf("chmod %s: %s", p, strings.TrimSpace(stderr))
	}
	return nil
}

// terminal adapts a byte stream pair into a PTY.
type terminal struct {
	pid    int
	out    io.Reader
	in     io.Writer
	resize func(ctx context.Context, size Size) error
	close  func() error

	buf       []byte
	closeOnce sync.Once
	closeErr  error
}

func (t *terminal) PID() int { return t.pid }

func (t *terminal) Recv() (Event, error) {
	if t.buf == nil {
		t.buf = make([]byte, readChunkSize)
	}
	n, err := t.out.Read(t.buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, t.buf[:n])
		return Event{Kind: EventPTY, Data: data}, nil
	}
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventPTY}, nil
}

func (t *terminal) shutdown() error {
	t.closeOnce.Do(func() {
		if t.close != nil {
			t.closeErr = t.close()
		}
	})
	return t.closeErr
}

// terminals is the set of open PTYs in one sandbox, keyed by pid.
type terminals struct {
	mu    sync.Mutex
	next  int
	byPID map[int]*terminal
}

// add registers t. A zero pid is replaced by the next sandbox-local id.
func (ts *terminals) add(t *terminal) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.byPID == nil {
		ts.byPID = make(map[int]*terminal)
	}
	if t.pid == 0 {
		ts.next++
		t.pid = ts.next
	}
	ts.byPID[t.pid] = t
}

func (ts *terminals) get(pid int) (*terminal, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.byPID[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrPTYNotFound)
	}
	return t, nil
}

func (ts *terminals) remove(pid int) *terminal {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.byPID[pid]
	delete(ts.byPID, pid)
	return t
}

func (ts *terminals) sendInput(pid int, data []byte) error {
	t, err := ts.get(pid)
	if err != nil {
		return err
	}
	_, err = t.in.Write(data)
	return err
}

func (ts *terminals) resize(ctx context.Context, pid int, size Size) error {
	t, err := ts.get(pid)
	if err != nil {
		return err
	}
	return t.resize(ctx, size)
}

// kill closes the terminal. Unknown pids are ignored.
func (ts *terminals) kill(pid int) error {
	t := ts.remove(pid)
	if t == nil {
		return nil
	}
	return t.shutdown()
}

func (ts *terminals) closeAll() {
	ts.mu.Lock()
	all := make([]*terminal, 0, len(ts.byPID))
	for pid, t := range ts.byPID {
		all = append(all, t)
		delete(ts.byPID, pid)
	}
	ts.mu.Unlock()

	for _, t := range all {
		t.shutdown()
	}
}

func envList(env map[string]string) []string {
	out := []string{"TERM=xterm-256color"}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
