package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupLocalSandbox(t *testing.T) Sandbox {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this host")
	}
	p, err := NewLocalProvider(Options{WorkDir: "/home/user", LocalRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	sb, err := p.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { sb.Kill(context.Background()) })
	return sb
}

func TestLocalWriteFileAndRun(t *testing.T) {
	sb := setupLocalSandbox(t)
	ctx := context.Background()

	if err := sb.WriteFile(ctx, "/home/user/notes/a.txt", []byte("alpha"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res, err := sb.Run(ctx, "cat notes/a.txt; echo oops >&2; exit 2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "alpha" || res.Stderr != "oops\n" || res.ExitCode != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestLocalHostPathStaysInRoot(t *testing.T) {
	s := &localSandbox{root: "/tmp/sb", workDir: "/home/user"}

	tests := []struct {
		in, want string
	}{
		{"/home/user/a", "/tmp/sb/home/user/a"},
		{"a/b", "/tmp/sb/home/user/a/b"},
		{"/../../etc/passwd", "/tmp/sb/etc/passwd"},
	}
	for _, tt := range tests {
		if got := s.hostPath(tt.in); got != filepath.Clean(tt.want) {
			t.Errorf("hostPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocalPTYEcho(t *testing.T) {
	sb := setupLocalSandbox(t)
	ctx := context.Background()

	p, err := sb.OpenPTY(ctx, PTYOptions{Size: Size{Rows: 24, Cols: 80}, Cwd: "/home/user", Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("OpenPTY: %v", err)
	}
	if p.PID() <= 0 {
		t.Fatalf("expected host pid, got %d", p.PID())
	}

	found := make(chan struct{})
	go func() {
		var out strings.Builder
		for {
			ev, err := p.Recv()
			if err != nil {
				return
			}
			out.Write(ev.Data)
			if strings.Contains(out.String(), "42") {
				close(found)
				return
			}
		}
	}()

	if err := sb.ResizePTY(ctx, p.PID(), Size{Rows: 40, Cols: 120}); err != nil {
		t.Fatalf("ResizePTY: %v", err)
	}
	if err := sb.SendInput(ctx, p.PID(), []byte("echo $((40+2))\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	select {
	case <-found:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shell output")
	}

	if err := sb.KillPTY(ctx, p.PID()); err != nil {
		t.Fatalf("KillPTY: %v", err)
	}
	if err := sb.SendInput(ctx, p.PID(), []byte("x")); err == nil {
		t.Error("expected error sending input to a killed pty")
	}
}

func TestLocalKillRemovesRoot(t *testing.T) {
	root := t.TempDir()
	p, _ := NewLocalProvider(Options{WorkDir: "/home/user", LocalRoot: root})
	sb, err := p.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir := filepath.Join(root, sb.ID())
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected sandbox dir: %v", err)
	}
	if err := sb.Kill(context.Background()); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected sandbox dir removed, got %v", err)
	}
}
