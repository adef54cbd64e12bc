package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Store persists terminal session records. It relies on the database to
// serialize concurrent writes.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) CreateSession(ctx context.Context, rec *TerminalSession) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// GetValidSession returns the active, unexpired record for token, or nil if
// there is none.
func (s *Store) GetValidSession(ctx context.Context, token string, now time.Time) (*TerminalSession, error) {
	var rec TerminalSession
	err := s.db.WithContext(ctx).
		Where("token = ? AND is_active = ? AND expires_at > ?", token, true, now.UTC()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetSessionByToken returns the record for token regardless of state, or nil.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*TerminalSession, error) {
	var rec TerminalSession
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeactivateSession marks the record for token inactive. Unknown tokens are a no-op.
func (s *Store) DeactivateSession(ctx context.Context, token string) error {
	return s.DeactivateSessions(ctx, []string{token})
}

// DeactivateSessions marks every listed record inactive in one statement.
func (s *Store) DeactivateSessions(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&TerminalSession{}).
		Where("token IN ? AND is_active = ?", tokens, true).
		Update("is_active", false).Error
}

// ListExpiredSessions returns active records whose expiry is at or before now.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time) ([]TerminalSession, error) {
	var recs []TerminalSession
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND expires_at <= ?", true, now.UTC()).
		Order("expires_at").
		Find(&recs).Error
	return recs, err
}

// SetExpiry overwrites the expiry of a record. Only operators and tests use
// it; the session manager never extends a session.
func (s *Store) SetExpiry(ctx context.Context, token string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Model(&TerminalSession{}).
		Where("token = ?", token).
		Update("expires_at", expiresAt.UTC()).Error
}

// CountActive returns the number of records still flagged active.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TerminalSession{}).Where("is_active = ?", true).Count(&count).Error
	return count, err
}
