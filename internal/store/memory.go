package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/teller/internal/domain"
)

// MemoryStore implements Repository in process memory. Records are kept
// encoded so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	status    domain.Status
	updatedAt time.Time
	data      []byte
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// GetSession retrieves a session by ID.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(rec.data)
}

// SaveSession creates or replaces a session record.
func (m *MemoryStore) SaveSession(_ context.Context, session *domain.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[session.ID]; ok && cur.status == domain.StatusExpired {
		return domain.ErrSessionExpired
	}
	m.records[session.ID] = memoryRecord{status: session.Status, updatedAt: session.UpdatedAt, data: data}
	return nil
}

// DeleteSession removes a session record.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
	return nil
}

// ExpireIdle marks idle sessions as expired.
func (m *MemoryStore) ExpireIdle(_ context.Context, ttl time.Duration, now time.Time) ([]string, error) {
	threshold := now.Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, rec := range m.records {
		if rec.status == domain.StatusExpired || !rec.updatedAt.Before(threshold) {
			continue
		}
		data, err := markExpired(rec.data, now)
		if err != nil {
			return expired, err
		}
		m.records[id] = memoryRecord{status: domain.StatusExpired, updatedAt: now, data: data}
		expired = append(expired, id)
	}
	return expired, nil
}

// PurgeExpired removes expired sessions older than retention.
func (m *MemoryStore) PurgeExpired(_ context.Context, retention time.Duration, now time.Time) (int64, error) {
	threshold := now.Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rec := range m.records {
		if rec.status == domain.StatusExpired && rec.updatedAt.Before(threshold) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
