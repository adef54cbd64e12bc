package session

import "sync"

// Table is the in-process registry of live sessions, keyed by token. It is
// the only structure mutated by request handlers, pumps and the reaper, and
// never calls out to a sandbox while holding its lock.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

func (t *Table) Get(token string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[token]
}

// Insert registers s. It returns false if the token is already taken.
func (t *Table) Insert(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.Token]; ok {
		return false
	}
	t.sessions[s.Token] = s
	return true
}

// Remove deletes token and returns the session it held, or nil. Exactly one
// caller observes a non-nil result for a given session.
func (t *Table) Remove(token string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[token]
	delete(t.sessions, token)
	return s
}

// Tokens returns a snapshot of the registered tokens.
func (t *Table) Tokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sessions))
	for tok := range t.sessions {
		out = append(out, tok)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
