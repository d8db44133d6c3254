package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/teller/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. Pragmas are applied
	// to every pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(updated_at) WHERE status != 'expired';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM sessions WHERE session_id = ?`, sessionID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return decodeSession([]byte(record))
}

// SaveSession creates or replaces a session record. Expired records are
// never overwritten.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	record, err := encodeSession(session)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sessions (session_id, user_id, status, record_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		record_json = excluded.record_json,
		updated_at = excluded.updated_at
	WHERE sessions.status != 'expired'`

	return withBusyRetry(ctx, "SaveSession", session.ID, func() error {
		result, err := s.db.ExecContext(ctx, query,
			session.ID, session.UserID, string(session.Status), string(record),
			session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrSessionExpired
		}
		return nil
	})
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return withBusyRetry(ctx, "DeleteSession", sessionID, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// ExpireIdle marks idle sessions as expired. A session saved between the
// scan and the update keeps its status.
func (s *SQLiteStore) ExpireIdle(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error) {
	threshold := now.Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, record_json FROM sessions WHERE status != 'expired' AND updated_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}

	type candidate struct{ id, record string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.record); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	if closeErr := rows.Close(); closeErr != nil {
		slog.Warn("failed to close idle sessions rows", "error", closeErr)
	}

	var expired []string
	for _, c := range candidates {
		record, err := markExpired([]byte(c.record), now)
		if err != nil {
			slog.Warn("Skipping undecodable session during expiry", "session_id", c.id, "error", err)
			continue
		}
		err = withBusyRetry(ctx, "ExpireIdle", c.id, func() error {
			result, err := s.db.ExecContext(ctx, `
				UPDATE sessions SET status = ?, record_json = ?, updated_at = ?
				WHERE session_id = ? AND status != 'expired' AND updated_at < ?`,
				string(domain.StatusExpired), string(record), now.Unix(), c.id, threshold)
			if err != nil {
				return fmt.Errorf("expire session: %w", err)
			}
			if n, _ := result.RowsAffected(); n == 1 {
				expired = append(expired, c.id)
			}
			return nil
		})
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// PurgeExpired removes expired sessions older than retention.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	threshold := now.Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE status = 'expired' AND updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// isConflict reports SQLITE_BUSY and "database is locked" errors.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs fn, retrying SQLite lock conflicts with exponential
// backoff: 100ms, 200ms.
func withBusyRetry(ctx context.Context, op, sessionID string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !isConflict(err) || errors.Is(err, domain.ErrSessionExpired) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug(op+" failed with SQLITE_BUSY, retrying",
			"session_id", sessionID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s for %s failed after %d attempts: %w", op, sessionID, maxRetries, err)
}
