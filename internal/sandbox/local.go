package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
)

// LocalProvider runs shells on this host, each sandbox rooted in its own
// temporary directory. Paths inside the sandbox are mapped under that root.
type LocalProvider struct {
	root string
	opts Options
}

func NewLocalProvider(opts Options) (*LocalProvider, error) {
	root := opts.LocalRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local sandbox root: %w", err)
	}
	return &LocalProvider{root: root, opts: opts}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Create(_ context.Context) (Sandbox, error) {
	dir, err := os.MkdirTemp(p.root, "sandterm-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	sb := &localSandbox{root: dir, workDir: p.opts.WorkDir}
	if err := os.MkdirAll(sb.hostPath(sb.workDir), 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	return sb, nil
}

type localSandbox struct {
	root    string
	workDir string
	terms   terminals
}

func (s *localSandbox) ID() string { return filepath.Base(s.root) }

// hostPath maps a sandbox path onto the host. Relative paths resolve
// against the working directory.
func (s *localSandbox) hostPath(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.workDir, p)
	}
	return filepath.Join(s.root, filepath.Clean("/"+p))
}

func (s *localSandbox) env() []string {
	return append(os.Environ(), "HOME="+s.hostPath(s.workDir))
}

func (s *localSandbox) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	target := s.hostPath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(target, mode)
}

func (s *localSandbox) Run(ctx context.Context, command string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.hostPath(s.workDir)
	cmd.Env = s.env()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (s *localSandbox) OpenPTY(_ context.Context, opts PTYOptions) (PTY, error) {
	shell := opts.Shell
	if _, err := exec.LookPath(shell); err != nil {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Dir = s.hostPath(opts.Cwd)
	cmd.Env = append(s.env(), envList(opts.Env)...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Size.Rows, Cols: opts.Size.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	go cmd.Wait()

	t := &terminal{
		pid: cmd.Process.Pid,
		out: eioReader{f},
		in:  f,
		resize: func(_ context.Context, size Size) error {
			return pty.Setsize(f, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
		},
		close: func() error {
			cmd.Process.Kill()
			return f.Close()
		},
	}
	s.terms.add(t)
	return t, nil
}

// eioReader reports the EIO a Linux pty master returns after the child
// exits as io.EOF.
type eioReader struct{ r io.Reader }

func (e eioReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

func (s *localSandbox) SendInput(_ context.Context, pid int, data []byte) error {
	return s.terms.sendInput(pid, data)
}

func (s *localSandbox) ResizePTY(ctx context.Context, pid int, size Size) error {
	return s.terms.resize(ctx, pid, size)
}

func (s *localSandbox) KillPTY(_ context.Context, pid int) error {
	return s.terms.kill(pid)
}

func (s *localSandbox) Kill(_ context.Context) error {
	s.terms.closeAll()
	return os.RemoveAll(s.root)
}

var _ Provider = (*LocalProvider)(nil)
