// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/teller/internal/domain"
)

// Repository persists conversation sessions, one record per session ID.
type Repository interface {
	// GetSession retrieves a session by ID. It returns nil, nil when the
	// session does not exist. Expired sessions are returned with status
	// expired.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// SaveSession creates or replaces a session record. It returns
	// domain.ErrSessionExpired when the stored record is already expired.
	SaveSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, sessionID string) error

	// ExpireIdle marks sessions not updated since now-ttl as expired and
	// returns their IDs.
	ExpireIdle(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error)

	// PurgeExpired removes expired sessions older than the retention window.
	PurgeExpired(ctx context.Context, retention time.Duration, now time.Time) (int64, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func encodeSession(s *domain.Session) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to save invalid session: %w", err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return b, nil
}

func decodeSession(b []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func markExpired(b []byte, now time.Time) ([]byte, error) {
	s, err := decodeSession(b)
	if err != nil {
		return nil, err
	}
	s.Status = domain.StatusExpired
	s.UpdatedAt = now
	return json.Marshal(s)
}
