package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashureev/teller/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "teller:session:"
	// Sorted sets scored by last update, used by the expiry sweep.
	redisIdleIndex    = "teller:sessions:idle"
	redisExpiredIndex = "teller:sessions:expired"
)

// RedisStore implements Repository on Redis. Each session is a JSON string
// key; status changes are guarded with WATCH transactions.
type RedisStore struct {
	rdb *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(id string) string {
	return redisKeyPrefix + id
}

// GetSession retrieves a session by ID.
func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	b, err := r.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(b)
}

// SaveSession creates or replaces a session record unless it is expired.
func (r *RedisStore) SaveSession(ctx context.Context, session *domain.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	key := sessionKey(session.ID)

	return r.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get session: %w", err)
		}
		if err == nil {
			existing, decErr := decodeSession(cur)
			if decErr == nil && existing.Status == domain.StatusExpired {
				return domain.ErrSessionExpired
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if session.Status == domain.StatusExpired {
				pipe.ZRem(ctx, redisIdleIndex, session.ID)
				pipe.ZAdd(ctx, redisExpiredIndex, redis.Z{Score: float64(session.UpdatedAt.Unix()), Member: session.ID})
			} else {
				pipe.ZAdd(ctx, redisIdleIndex, redis.Z{Score: float64(session.UpdatedAt.Unix()), Member: session.ID})
			}
			return nil
		})
		return err
	})
}

// DeleteSession removes a session record.
func (r *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		pipe.ZRem(ctx, redisIdleIndex, sessionID)
		pipe.ZRem(ctx, redisExpiredIndex, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ExpireIdle marks sessions idle for longer than ttl as expired.
func (r *RedisStore) ExpireIdle(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error) {
	threshold := now.Add(-ttl).Unix()
	ids, err := r.rdb.ZRangeByScore(ctx, redisIdleIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(threshold, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}

	var expired []string
	for _, id := range ids {
		key := sessionKey(id)
		err := r.watch(ctx, key, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, redisIdleIndex, id)
					return nil
				})
				return err
			}
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			s, err := decodeSession(cur)
			if err != nil {
				return err
			}
			if s.Status == domain.StatusExpired || s.UpdatedAt.Unix() >= threshold {
				return nil
			}
			data, err := markExpired(cur, now)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.ZRem(ctx, redisIdleIndex, id)
				pipe.ZAdd(ctx, redisExpiredIndex, redis.Z{Score: float64(now.Unix()), Member: id})
				return nil
			})
			if err == nil {
				expired = append(expired, id)
			}
			return err
		})
		if err != nil {
			slog.Warn("Failed to expire session", "session_id", id, "error", err)
		}
	}
	return expired, nil
}

// PurgeExpired removes expired sessions older than retention.
func (r *RedisStore) PurgeExpired(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	threshold := now.Add(-retention).Unix()
	ids, err := r.rdb.ZRangeByScore(ctx, redisExpiredIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(threshold, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query expired sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
		members[i] = id
	}
	var del *redis.IntCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, redisExpiredIndex, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return del.Val(), nil
}

// watch runs fn in an optimistic transaction on key, retrying when another
// client modified the key concurrently.
func (r *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		err = r.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction on %s failed after %d attempts: %w", key, maxRetries, err)
}

// Ping verifies Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	if err := r.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
