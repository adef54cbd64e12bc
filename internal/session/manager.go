package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/sandterm/internal/database"
	"github.com/gluk-w/sandterm/internal/logging"
	"github.com/gluk-w/sandterm/internal/metrics"
	"github.com/gluk-w/sandterm/internal/sandbox"
)

const (
	DefaultTTL               = 10 * time.Minute
	DefaultRemoteCallTimeout = 15 * time.Second
	DefaultCommandTimeout    = 60 * time.Second
)

// DefaultPTYSize is the size every terminal opens with.
var DefaultPTYSize = sandbox.Size{Rows: 24, Cols: 80}

// RecordStore is the durable side of the session lifecycle.
// *database.Store implements it.
type RecordStore interface {
	CreateSession(ctx context.Context, rec *database.TerminalSession) error
	GetValidSession(ctx context.Context, token string, now time.Time) (*database.TerminalSession, error)
	DeactivateSession(ctx context.Context, token string) error
	DeactivateSessions(ctx context.Context, tokens []string) error
	ListExpiredSessions(ctx context.Context, now time.Time) ([]database.TerminalSession, error)
}

type Config struct {
	TTL               time.Duration
	PTYSize           sandbox.Size
	WorkDir           string
	Shell             string
	Seed              *sandbox.Seed
	RemoteCallTimeout time.Duration
	CommandTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.PTYSize.Rows == 0 || c.PTYSize.Cols == 0 {
		c.PTYSize = DefaultPTYSize
	}
	if c.WorkDir == "" {
		c.WorkDir = "/home/user"
	}
	if c.Shell == "" {
		c.Shell = "/bin/bash"
	}
	if c.RemoteCallTimeout <= 0 {
		c.RemoteCallTimeout = DefaultRemoteCallTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
}

type StartResult struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
	ExpiresIn int
}

type ExecResult struct {
	Output   string
	ExitCode int
}

// Manager creates, validates and tears down terminal sessions. The Table
// says whether a session's resources are live; the RecordStore says whether
// its token should still work. Every teardown goes through one path so the
// two cannot drift apart.
type Manager struct {
	cfg      Config
	provider sandbox.Provider
	store    RecordStore
	table    *Table
	metrics  *metrics.Metrics

	nowFn func() time.Time
}

func NewManager(cfg Config, provider sandbox.Provider, store RecordStore, m *metrics.Metrics) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		provider: provider,
		store:    store,
		table:    NewTable(),
		metrics:  m,
		nowFn:    time.Now,
	}
}

// Table returns the manager's session registry.
func (m *Manager) Table() *Table { return m.table }

func (m *Manager) now() time.Time { return m.nowFn().UTC() }

// bounded returns a context for a remote or store call made on behalf of
// ctx. Teardown passes detach so a departing caller cannot abort cleanup.
func (m *Manager) bounded(ctx context.Context, detach bool) (context.Context, context.CancelFunc) {
	if detach {
		ctx = context.WithoutCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.RemoteCallTimeout)
}

func (m *Manager) provisioningFailed(stage string, err error) error {
	m.metrics.ProvisioningFailed(stage)
	log.Printf("[session-mgr] failed to create session at %s: %v", stage, err)
	return &ProvisioningError{Stage: stage, Err: err}
}

// StartSession provisions a sandbox, seeds it, opens its terminal, records
// the session and starts its output pump. On error nothing stays
// registered and the sandbox has been released.
func (m *Manager) StartSession(ctx context.Context) (*StartResult, error) {
	sb, err := m.provider.Create(ctx)
	if err != nil {
		return nil, m.provisioningFailed(StageCreateSandbox, err)
	}
	release := func(pid int) {
		rctx, cancel := m.bounded(ctx, true)
		defer cancel()
		if pid != 0 {
			sb.KillPTY(rctx, pid)
		}
		if err := sb.Kill(rctx); err != nil {
			log.Printf("[session-mgr] WARNING: release sandbox %s: %v", sb.ID(), err)
		}
	}

	if m.cfg.Seed != nil {
		if err := m.cfg.Seed.Apply(ctx, sb, m.cfg.WorkDir); err != nil {
			release(0)
			return nil, m.provisioningFailed(StageSeedSandbox, err)
		}
	}

	p, err := sb.OpenPTY(ctx, sandbox.PTYOptions{
		Size:  m.cfg.PTYSize,
		Cwd:   m.cfg.WorkDir,
		Shell: m.cfg.Shell,
	})
	if err != nil {
		release(0)
		return nil, m.provisioningFailed(StageOpenPTY, err)
	}

	now := m.now()
	s := newSession(uuid.NewString(), uuid.NewString(), now, now.Add(m.cfg.TTL), sb, p)

	rec := &database.TerminalSession{
		SessionID: s.SessionID,
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt,
		IsActive:  true,
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		release(s.pid)
		return nil, m.provisioningFailed(StagePersistRecord, err)
	}

	m.table.Insert(s)
	go m.runPump(s)
	m.metrics.SessionStarted()

	log.Printf("[session-mgr] created session %s (sandbox %s, pid %d, expires %s)",
		logging.MaskToken(s.Token), sb.ID(), s.pid, s.ExpiresAt.Format(time.RFC3339))

	return &StartResult{
		Token:     s.Token,
		SessionID: s.SessionID,
		ExpiresAt: s.ExpiresAt,
		ExpiresIn: int(m.cfg.TTL / time.Second),
	}, nil
}

// GetSession returns the live session for token, or nil. A session that is
// registered but whose durable record is inactive or expired is torn down
// before nil is returned.
func (m *Manager) GetSession(ctx context.Context, token string) *Session {
	s := m.table.Get(token)
	if s == nil {
		return nil
	}

	sctx, cancel := m.bounded(ctx, false)
	rec, err := m.store.GetValidSession(sctx, token, m.now())
	cancel()
	if err != nil {
		log.Printf("[session-mgr] WARNING: validate session %s: %v", logging.MaskToken(token), err)
		return nil
	}
	if rec == nil {
		m.teardown(token, metrics.ReasonInvalid)
		return nil
	}
	return s
}

// SendInput writes data to the session's terminal. It reports false for an
// invalid session or a failed remote call; neither ends the session.
func (m *Manager) SendInput(ctx context.Context, token string, data []byte) bool {
	s := m.GetSession(ctx, token)
	if s == nil {
		return false
	}
	rctx, cancel := m.bounded(ctx, false)
	defer cancel()
	if err := s.sandbox.SendInput(rctx, s.pid, data); err != nil {
		log.Printf("[session-mgr] WARNING: send input to session %s: %v", logging.MaskToken(token), err)
		return false
	}
	return true
}

// ResizePTY resizes the session's terminal, with the same failure policy as
// SendInput.
func (m *Manager) ResizePTY(ctx context.Context, token string, rows, cols int) bool {
	if rows <= 0 || cols <= 0 || rows > 0xffff || cols > 0xffff {
		return false
	}
	s := m.GetSession(ctx, token)
	if s == nil {
		return false
	}
	rctx, cancel := m.bounded(ctx, false)
	defer cancel()
	if err := s.sandbox.ResizePTY(rctx, s.pid, sandbox.Size{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		log.Printf("[session-mgr] WARNING: resize session %s: %v", logging.MaskToken(token), err)
		return false
	}
	return true
}

// ExecuteCommand runs command to completion outside the terminal stream.
// Output is stdout followed by stderr.
func (m *Manager) ExecuteCommand(ctx context.Context, token, command string) (*ExecResult, error) {
	s := m.GetSession(ctx, token)
	if s == nil {
		return nil, ErrInvalidSession
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	res, err := s.sandbox.Run(cctx, command)
	if err != nil {
		return nil, &CommandError{Err: err}
	}
	return &ExecResult{Output: res.Stdout + res.Stderr, ExitCode: res.ExitCode}, nil
}

// SetOutputSink replaces the session's sink. A nil sink detaches. It
// reports false if the session is not registered.
func (m *Manager) SetOutputSink(token string, sink Sink) bool {
	s := m.table.Get(token)
	if s == nil {
		return false
	}
	s.attach(sink)
	return true
}

// AttachOutputSink installs sink and returns a detach func that clears it
// only while it is still the attached sink.
func (m *Manager) AttachOutputSink(token string, sink Sink) (detach func(), ok bool) {
	s := m.table.Get(token)
	if s == nil {
		return func() {}, false
	}
	gen := s.attach(sink)
	return func() { s.detach(gen) }, true
}

// CloseSession tears the session down and marks its record inactive. It is
// safe on closed and unknown tokens.
func (m *Manager) CloseSession(_ context.Context, token string) {
	m.teardown(token, metrics.ReasonExplicit)
}

// teardown is the single path out of the Table. It reports whether this
// call released the session.
func (m *Manager) teardown(token, reason string) bool {
	s := m.table.Remove(token)
	if s != nil {
		m.release(s, reason)
	}

	ctx, cancel := m.bounded(context.Background(), true)
	defer cancel()
	if err := m.store.DeactivateSession(ctx, token); err != nil {
		log.Printf("[session-mgr] WARNING: deactivate session %s: %v", logging.MaskToken(token), err)
	}
	return s != nil
}

// release stops the pump, then kills the terminal and the sandbox. Errors
// are logged and dropped.
func (m *Manager) release(s *Session, reason string) {
	s.cancel()

	ctx, cancel := m.bounded(context.Background(), true)
	defer cancel()
	if err := s.sandbox.KillPTY(ctx, s.pid); err != nil {
		log.Printf("[session-mgr] kill pty for session %s: %v", logging.MaskToken(s.Token), err)
	}
	if err := s.sandbox.Kill(ctx); err != nil {
		log.Printf("[session-mgr] kill sandbox %s: %v", s.sandbox.ID(), err)
	}

	m.metrics.SessionClosed(reason)
	log.Printf("[session-mgr] closed session %s (%s)", logging.MaskToken(s.Token), reason)
}

// CleanupExpired closes every live session whose record is active and past
// expiry, then marks all such records inactive in one write. It returns the
// number of live sessions released.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	recs, err := m.store.ListExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	tokens := make([]string, 0, len(recs))
	var expired []*Session
	for _, rec := range recs {
		tokens = append(tokens, rec.Token)
		if s := m.table.Remove(rec.Token); s != nil {
			expired = append(expired, s)
		}
	}
	m.releaseAll(expired, metrics.ReasonExpired)

	if err := m.store.DeactivateSessions(ctx, tokens); err != nil {
		return len(expired), err
	}
	log.Printf("[session-mgr] expired %d record(s), released %d live session(s)", len(tokens), len(expired))
	return len(expired), nil
}

// CloseAll tears down every registered session.
func (m *Manager) CloseAll(ctx context.Context) {
	tokens := m.table.Tokens()
	var all []*Session
	for _, tok := range tokens {
		if s := m.table.Remove(tok); s != nil {
			all = append(all, s)
		}
	}
	m.releaseAll(all, metrics.ReasonShutdown)

	if len(tokens) == 0 {
		return
	}
	sctx, cancel := m.bounded(ctx, true)
	defer cancel()
	if err := m.store.DeactivateSessions(sctx, tokens); err != nil {
		log.Printf("[session-mgr] WARNING: deactivate %d session(s) at shutdown: %v", len(tokens), err)
	}
}

// releaseAll releases sessions concurrently.
func (m *Manager) releaseAll(sessions []*Session, reason string) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.release(s, reason)
		}(s)
	}
	wg.Wait()
}
