package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/teller/internal/domain"
	"github.com/redis/go-redis/v9"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "teller.db"))
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	repos := map[string]Repository{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		db, _ := strconv.Atoi(os.Getenv("REDIS_TEST_DB"))
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
		if err := rdb.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush redis: %v", err)
		}
		t.Cleanup(func() { _ = rdb.Close() })
		repos["redis"] = NewRedisFromClient(rdb)
	}
	return repos
}

func newSession(id string, at time.Time) *domain.Session {
	s := domain.NewSession(id, "user-1", "corr-"+id, at)
	s.RecordTurn(domain.RoleUser, "transfer 250", at, 0)
	s.MergeEntities(map[string]string{"amount": "250.00"})
	s.Outstanding = []string{"from_account", "to_account"}
	s.Status = domain.StatusAwaitingInput
	s.Checkpoint.Node = domain.NodeRequestHumanInput
	s.Checkpoint.Intent = "transfer.money"
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := repo.GetSession(ctx, "missing")
			if err != nil || got != nil {
				t.Fatalf("GetSession(missing) = %v, %v; want nil, nil", got, err)
			}

			s := newSession("s-1", epoch)
			if err := repo.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() failed: %v", err)
			}
			got, err = repo.GetSession(ctx, "s-1")
			if err != nil {
				t.Fatalf("GetSession() failed: %v", err)
			}
			if got.Status != domain.StatusAwaitingInput || got.Checkpoint.Intent != "transfer.money" {
				t.Fatalf("unexpected session: %+v", got)
			}
			if got.Entities["amount"] != "250.00" || len(got.History) != 1 || len(got.Outstanding) != 2 {
				t.Fatalf("session state not preserved: %+v", got)
			}

			got.Entities["amount"] = "999.00"
			again, _ := repo.GetSession(ctx, "s-1")
			if again.Entities["amount"] != "250.00" {
				t.Fatal("store shares state with callers")
			}

			if err := repo.DeleteSession(ctx, "s-1"); err != nil {
				t.Fatalf("DeleteSession() failed: %v", err)
			}
			if got, _ := repo.GetSession(ctx, "s-1"); got != nil {
				t.Fatal("session still present after delete")
			}
		})
	}
}

func TestSaveRejectsInvalidSession(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newSession("s-bad", epoch)
			s.Outstanding = nil
			if err := repo.SaveSession(context.Background(), s); err == nil {
				t.Fatal("expected awaiting_input without outstanding fields to be rejected")
			}
		})
	}
}

func TestExpiredSessionsAreImmutable(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			idle := newSession("idle", epoch)
			fresh := newSession("fresh", epoch.Add(23*time.Hour))
			for _, s := range []*domain.Session{idle, fresh} {
				if err := repo.SaveSession(ctx, s); err != nil {
					t.Fatalf("SaveSession(%s) failed: %v", s.ID, err)
				}
			}

			now := epoch.Add(25 * time.Hour)
			expired, err := repo.ExpireIdle(ctx, 24*time.Hour, now)
			if err != nil {
				t.Fatalf("ExpireIdle() failed: %v", err)
			}
			if len(expired) != 1 || expired[0] != "idle" {
				t.Fatalf("expired = %v, want [idle]", expired)
			}

			got, _ := repo.GetSession(ctx, "idle")
			if got.Status != domain.StatusExpired {
				t.Fatalf("status = %s, want expired", got.Status)
			}

			got.Status = domain.StatusActive
			got.Outstanding = nil
			got.UpdatedAt = now
			if err := repo.SaveSession(ctx, got); !errors.Is(err, domain.ErrSessionExpired) {
				t.Fatalf("SaveSession(expired) err = %v, want ErrSessionExpired", err)
			}

			again, err := repo.ExpireIdle(ctx, 24*time.Hour, now)
			if err != nil || len(again) != 0 {
				t.Fatalf("second ExpireIdle() = %v, %v; want nothing", again, err)
			}

			purged, err := repo.PurgeExpired(ctx, time.Hour, now.Add(2*time.Hour))
			if err != nil {
				t.Fatalf("PurgeExpired() failed: %v", err)
			}
			if purged != 1 {
				t.Fatalf("purged = %d, want 1", purged)
			}
			if got, _ := repo.GetSession(ctx, "fresh"); got == nil {
				t.Fatal("active session purged")
			}
		})
	}
}

func TestSweepInvokesCallback(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	if err := repo.SaveSession(ctx, newSession("a", epoch)); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}

	var (
		mu  sync.Mutex
		ids []string
	)
	cfg := ExpiryConfig{Interval: time.Minute, TTL: time.Hour, Retention: 24 * time.Hour}
	Sweep(ctx, repo, cfg, epoch.Add(2*time.Hour), func(id string) {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
	})
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("callback ids = %v, want [a]", ids)
	}
}

func TestSQLiteConcurrentSaves(t *testing.T) {
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "teller.db"))
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newSession("s-"+strconv.Itoa(i%4), epoch.Add(time.Duration(i)*time.Second))
			if err := repo.SaveSession(ctx, s); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent SaveSession() failed: %v", err)
	}
}
