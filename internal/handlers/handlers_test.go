package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/sandterm/internal/database"
	"github.com/gluk-w/sandterm/internal/metrics"
	"github.com/gluk-w/sandterm/internal/sandbox"
	"github.com/gluk-w/sandterm/internal/session"
)

type testPTY struct {
	events chan sandbox.Event
	closed chan struct{}
	once   sync.Once
}

func (p *testPTY) PID() int { return 7 }

func (p *testPTY) Recv() (sandbox.Event, error) {
	select {
	case ev := <-p.events:
		return ev, nil
	case <-p.closed:
		return sandbox.Event{}, io.EOF
	}
}

// testSandbox echoes terminal input back as PTY output.
type testSandbox struct {
	mu     sync.Mutex
	pty    *testPTY
	sizes  []sandbox.Size
	runErr error
}

func (s *testSandbox) ID() string { return "test-sandbox" }

func (s *testSandbox) WriteFile(context.Context, string, []byte, os.FileMode) error { return nil }

func (s *testSandbox) Run(_ context.Context, command string) (*sandbox.CommandResult, error) {
	if s.runErr != nil {
		return nil, s.runErr
	}
	if command == "false" {
		return &sandbox.CommandResult{Stderr: "failed\n", ExitCode: 1}, nil
	}
	return &sandbox.CommandResult{Stdout: "ran: " + command + "\n"}, nil
}

func (s *testSandbox) OpenPTY(context.Context, sandbox.PTYOptions) (sandbox.PTY, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pty = &testPTY{events: make(chan sandbox.Event, 64), closed: make(chan struct{})}
	return s.pty, nil
}

func (s *testSandbox) SendInput(_ context.Context, _ int, data []byte) error {
	s.pty.events <- sandbox.Event{Kind: sandbox.EventPTY, Data: data}
	return nil
}

func (s *testSandbox) ResizePTY(_ context.Context, _ int, size sandbox.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, size)
	return nil
}

func (s *testSandbox) lastSize() (sandbox.Size, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sizes) == 0 {
		return sandbox.Size{}, false
	}
	return s.sizes[len(s.sizes)-1], true
}

func (s *testSandbox) KillPTY(context.Context, int) error {
	s.pty.once.Do(func() { close(s.pty.closed) })
	return nil
}

func (s *testSandbox) Kill(context.Context) error { return nil }

type testProvider struct {
	mu        sync.Mutex
	sandboxes []*testSandbox
	createErr error
	runErr    error
}

func (p *testProvider) Name() string { return "test" }

func (p *testProvider) Create(context.Context) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	sb := &testSandbox{runErr: p.runErr}
	p.sandboxes = append(p.sandboxes, sb)
	return sb, nil
}

func (p *testProvider) last() *testSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[len(p.sandboxes)-1]
}

// setupTestServer wires the handlers to an in-memory database and a fake
// sandbox provider.
func setupTestServer(t *testing.T) (*httptest.Server, *testProvider) {
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

	provider := &testProvider{}
	prevDB := database.DB
	database.DB = db
	Metrics = metrics.New()
	BackendName = provider.Name()
	SessionMgr = session.NewManager(session.Config{}, provider, database.NewStore(db), Metrics)

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/api/terminal/sessions", func(r chi.Router) {
		r.Post("/", CreateSession)
		r.Post("/{token}/execute", ExecuteCommand)
		r.Delete("/{token}", CloseSession)
		r.Get("/{token}/ws", TerminalWS)
	})
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		SessionMgr.CloseAll(context.Background())
		srv.Close()
		sqlDB.Close()
		database.DB = prevDB
		SessionMgr = nil
		Metrics = nil
		BackendName = ""
	})
	return srv, provider
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			buf, _ := json.Marshal(b)
			rd = bytes.NewReader(buf)
		}
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	code, body := doJSON(t, http.MethodPost, srv.URL+"/api/terminal/sessions", nil)
	if code != http.StatusOK {
		t.Fatalf("create session: status %d body %v", code, body)
	}
	tok, _ := body["session_token"].(string)
	if tok == "" {
		t.Fatalf("create session: missing token in %v", body)
	}
	return tok
}

func sessionURL(srv *httptest.Server, token, suffix string) string {
	return fmt.Sprintf("%s/api/terminal/sessions/%s%s", srv.URL, token, suffix)
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

var errBoom = errors.New("boom")
