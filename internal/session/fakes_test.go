package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/sandterm/internal/database"
	"github.com/gluk-w/sandterm/internal/sandbox"
)

// setupTestStore creates a record store over an in-memory SQLite database.
func setupTestStore(t *testing.T) *database.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&database.TerminalSession{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return database.NewStore(db)
}

type fakePTY struct {
	pid    int
	events chan sandbox.Event
	closed chan struct{}
	once   sync.Once
}

func newFakePTY(pid int) *fakePTY {
	return &fakePTY{pid: pid, events: make(chan sandbox.Event, 256), closed: make(chan struct{})}
}

func (p *fakePTY) PID() int { return p.pid }

func (p *fakePTY) Recv() (sandbox.Event, error) {
	select {
	case ev := <-p.events:
		return ev, nil
	case <-p.closed:
		return sandbox.Event{}, io.EOF
	}
}

func (p *fakePTY) emit(kind sandbox.EventKind, data string) {
	p.events <- sandbox.Event{Kind: kind, Data: []byte(data)}
}

func (p *fakePTY) end() {
	p.once.Do(func() { close(p.closed) })
}

// fakeSandbox echoes terminal input back as output.
type fakeSandbox struct {
	id string

	mu        sync.Mutex
	pty       *fakePTY
	ptyOpts   sandbox.PTYOptions
	inputs    []string
	sizes     []sandbox.Size
	files     map[string]string
	runs      []string
	killedPTY int
	killed    int

	openErr   error
	inputErr  error
	runResult *sandbox.CommandResult
	runErr    error
}

func (s *fakeSandbox) ID() string { return s.id }

func (s *fakeSandbox) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string]string)
	}
	s.files[path] = string(data)
	return nil
}

func (s *fakeSandbox) Run(_ context.Context, command string) (*sandbox.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, command)
	if s.runErr != nil {
		return nil, s.runErr
	}
	if s.runResult != nil {
		return s.runResult, nil
	}
	return &sandbox.CommandResult{}, nil
}

func (s *fakeSandbox) OpenPTY(_ context.Context, opts sandbox.PTYOptions) (sandbox.PTY, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.ptyOpts = opts
	s.pty = newFakePTY(42)
	return s.pty, nil
}

func (s *fakeSandbox) SendInput(_ context.Context, pid int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputErr != nil {
		return s.inputErr
	}
	if s.pty == nil || pid != s.pty.pid {
		return sandbox.ErrPTYNotFound
	}
	s.inputs = append(s.inputs, string(data))
	s.pty.emit(sandbox.EventPTY, string(data))
	return nil
}

func (s *fakeSandbox) ResizePTY(_ context.Context, pid int, size sandbox.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil || pid != s.pty.pid {
		return sandbox.ErrPTYNotFound
	}
	s.sizes = append(s.sizes, size)
	return nil
}

func (s *fakeSandbox) KillPTY(_ context.Context, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killedPTY++
	if s.pty != nil {
		s.pty.end()
	}
	return nil
}

func (s *fakeSandbox) Kill(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed++
	return errors.New("already gone")
}

func (s *fakeSandbox) killCounts() (pty, sandbox int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killedPTY, s.killed
}

type fakeProvider struct {
	mu        sync.Mutex
	created   []*fakeSandbox
	createErr error
	openErr   error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(_ context.Context) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	sb := &fakeSandbox{id: fmt.Sprintf("fake-%d", len(p.created)+1), openErr: p.openErr}
	p.created = append(p.created, sb)
	return sb, nil
}

func (p *fakeProvider) last() *fakeSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created[len(p.created)-1]
}

// failingStore fails record inserts.
type failingStore struct {
	RecordStore
}

func (failingStore) CreateSession(context.Context, *database.TerminalSession) error {
	return errors.New("disk full")
}

// collector is a Sink that records every chunk.
type collector struct {
	mu     sync.Mutex
	chunks []string
}

func (c *collector) Deliver(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

func (c *collector) joined() string {
	var out string
	for _, ch := range c.snapshot() {
		out += ch
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setupTestManager(t *testing.T) (*Manager, *fakeProvider, *database.Store) {
	t.Helper()
	store := setupTestStore(t)
	provider := &fakeProvider{}
	mgr := NewManager(Config{}, provider, store, nil)
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })
	return mgr, provider, store
}
