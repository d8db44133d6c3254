package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
version: 1
tools:
  - name: get_balance
    endpoint: %s/balance
    schema:
      type: object
      required: [account_id]
      properties:
        account_id: {type: string, pattern: "^[0-9]{8,12}$"}
    sensitive: [account_id]
    drop: [ssn]
  - name: get_limits
    endpoint: %s/limits
    schema:
      type: object
intents:
  - name: check.balance
    fields:
      - name: account_id
        type: account_id
    tools:
      - tool: get_balance
        params:
          account_id: entity:account_id
`

type staticSource struct{ c *catalog.Catalog }

func (s staticSource) Current() *catalog.Catalog { return s.c }

func newSource(t *testing.T, baseURL string) staticSource {
	t.Helper()
	c, err := catalog.Parse(fmt.Appendf(nil, testCatalog, baseURL, baseURL))
	require.NoError(t, err)
	return staticSource{c: c}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// scriptedTransport returns queued errors, then succeeds.
type scriptedTransport struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (s *scriptedTransport) Call(_ context.Context, req Request) (map[string]any, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return nil, err
		}
	}
	return map[string]any{"account_id": req.Params["account_id"], "balance": 100.5, "ssn": "123-45-6789"}, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func transient() error {
	return domain.NewError(domain.KindTransient, "test", fmt.Errorf("503"))
}

func newTestClient(t *testing.T, tr Transport, cfg Config) (*Client, *fakeClock, *[]time.Duration) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	var mu sync.Mutex
	c := New(newSource(t, "http://tools.test"), tr, cfg,
		WithClock(clock.Now),
		WithSleep(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
			return nil
		}),
	)
	return c, clock, &slept
}

func TestInvokeRejectsInvalidParamsWithoutNetwork(t *testing.T) {
	tr := &scriptedTransport{}
	c, _, _ := newTestClient(t, tr, DefaultConfig())

	inv, err := c.Invoke(context.Background(), "get_balance", map[string]any{"account_id": "abc"}, "corr-1")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Equal(t, domain.KindValidation, inv.Kind)
	assert.Equal(t, 0, tr.Calls())
	assert.Equal(t, 0, inv.Attempts)
}

func TestInvokeMasksResult(t *testing.T) {
	tr := &scriptedTransport{}
	c, _, _ := newTestClient(t, tr, DefaultConfig())

	inv, err := c.Invoke(context.Background(), "get_balance", map[string]any{"account_id": "123456789012"}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "****9012", inv.Result["account_id"])
	assert.NotContains(t, inv.Result, "ssn")
	assert.Equal(t, 100.5, inv.Result["balance"])
	assert.Equal(t, 1, inv.Attempts)
	assert.True(t, inv.Summary(time.Now()).OK)
}

func TestInvokeRetriesTransientWithBackoff(t *testing.T) {
	tr := &scriptedTransport{fail: func(n int) error {
		if n < 3 {
			return transient()
		}
		return nil
	}}
	c, _, slept := newTestClient(t, tr, DefaultConfig())

	inv, err := c.Invoke(context.Background(), "get_balance", map[string]any{"account_id": "123456789012"}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}, *slept)
	assert.Equal(t, StateClosed, c.circuit("get_balance"))
}

func TestInvokeDoesNotRetryNonTransient(t *testing.T) {
	tr := &scriptedTransport{fail: func(int) error {
		return domain.NewError(domain.KindAuthorization, "test", fmt.Errorf("403"))
	}}
	c, _, _ := newTestClient(t, tr, DefaultConfig())

	_, err := c.Invoke(context.Background(), "get_balance", map[string]any{"account_id": "123456789012"}, "corr-1")
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))
	assert.Equal(t, 1, tr.Calls())
}

func TestCircuitOpensAfterThresholdAndProbesOnce(t *testing.T) {
	var healthy atomic.Bool
	tr := &scriptedTransport{fail: func(int) error {
		if healthy.Load() {
			return nil
		}
		return transient()
	}}
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	c, clock, _ := newTestClient(t, tr, cfg)
	params := map[string]any{"account_id": "123456789012"}

	for range 2 {
		_, err := c.Invoke(context.Background(), "get_balance", params, "corr")
		assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	}
	assert.Equal(t, 6, tr.Calls())
	assert.Equal(t, StateOpen, c.circuit("get_balance"))

	_, err := c.Invoke(context.Background(), "get_balance", params, "corr")
	assert.Equal(t, domain.KindCircuitOpen, domain.KindOf(err))
	assert.Equal(t, 6, tr.Calls(), "open circuit must not reach the network")

	healthy.Store(true)
	// Other endpoints are unaffected.
	_, err = c.Invoke(context.Background(), "get_limits", map[string]any{}, "corr")
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), "get_balance", params, "corr")
	assert.Equal(t, domain.KindCircuitOpen, domain.KindOf(err), "cooldown has not elapsed")

	clock.Advance(cfg.BreakerCooldown)
	_, err = c.Invoke(context.Background(), "get_balance", params, "corr")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, c.circuit("get_balance"))
}

func TestFailedProbeReopensCircuit(t *testing.T) {
	tr := &scriptedTransport{fail: func(int) error { return transient() }}
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 1
	cfg.MaxAttempts = 1
	c, clock, _ := newTestClient(t, tr, cfg)
	params := map[string]any{"account_id": "123456789012"}

	_, _ = c.Invoke(context.Background(), "get_balance", params, "corr")
	require.Equal(t, StateOpen, c.circuit("get_balance"))

	clock.Advance(cfg.BreakerCooldown + time.Second)
	_, err := c.Invoke(context.Background(), "get_balance", params, "corr")
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.Equal(t, StateOpen, c.circuit("get_balance"))
	assert.Equal(t, 2, tr.Calls())

	_, err = c.Invoke(context.Background(), "get_balance", params, "corr")
	assert.Equal(t, domain.KindCircuitOpen, domain.KindOf(err))
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	b := &breaker{state: StateClosed}
	now := time.Unix(0, 0)
	b.failure(now, 1)
	require.Equal(t, StateOpen, b.snapshot())

	later := now.Add(time.Minute)
	assert.True(t, b.allow(later, time.Minute))
	assert.False(t, b.allow(later, time.Minute), "second caller must wait for the probe")
	b.success()
	assert.True(t, b.allow(later, time.Minute))
}

func TestBreakerThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("circuit opens exactly at the threshold", prop.ForAll(
		func(threshold, failures int) bool {
			b := &breaker{state: StateClosed}
			now := time.Unix(0, 0)
			for range failures {
				b.failure(now, threshold)
			}
			open := b.snapshot() == StateOpen
			return open == (failures >= threshold) && b.allow(now, time.Minute) == !open
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 12),
	))

	properties.Property("success always closes", prop.ForAll(
		func(failures int) bool {
			b := &breaker{state: StateClosed}
			now := time.Unix(0, 0)
			for range failures {
				b.failure(now, 100)
			}
			b.success()
			return b.snapshot() == StateClosed && b.failures == 0
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func TestHTTPTransportClassifiesStatus(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]any
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		switch status {
		case http.StatusOK:
			_, _ = w.Write([]byte(`{"data":{"account_id":"123456789012","balance":42}}`))
		default:
			_, _ = w.Write([]byte(`{"errorCode":"E1","message":"nope"}`))
		}
	}))
	defer srv.Close()

	source := newSource(t, srv.URL)
	tool, _ := source.Current().Tool("get_balance")
	tr := NewHTTPTransport(srv.Client())
	req := Request{Tool: tool, Params: map[string]any{"account_id": "123456789012"}, CorrelationID: "corr-9", Permission: "read:balance", Attempt: 2}

	data, err := tr.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", data["account_id"])
	assert.Equal(t, "corr-9", gotHeaders.Get(HeaderCorrelationID))
	assert.Equal(t, "read:balance", gotHeaders.Get(HeaderPermission))
	assert.Equal(t, "2", gotHeaders.Get(HeaderAttempt))
	assert.Equal(t, "corr-9:get_balance", gotHeaders.Get(HeaderIdempotencyKey))
	assert.Equal(t, "123456789012", gotBody["account_id"])

	cases := map[int]domain.ErrorKind{
		http.StatusInternalServerError: domain.KindTransient,
		http.StatusServiceUnavailable:  domain.KindTransient,
		http.StatusTooManyRequests:     domain.KindTransient,
		http.StatusUnauthorized:        domain.KindAuthorization,
		http.StatusForbidden:           domain.KindAuthorization,
		http.StatusUnprocessableEntity: domain.KindValidation,
		http.StatusConflict:            domain.KindTool,
	}
	for code, want := range cases {
		status = code
		_, err := tr.Call(context.Background(), req)
		assert.Equal(t, want, domain.KindOf(err), "status %d", code)
	}
}

func TestHTTPTransportBusinessRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errorCode":"INSUFFICIENT_FUNDS","message":"balance too low"}`))
	}))
	defer srv.Close()

	source := newSource(t, srv.URL)
	tool, _ := source.Current().Tool("get_balance")
	_, err := NewHTTPTransport(srv.Client()).Call(context.Background(), Request{Tool: tool, Params: map[string]any{}})
	assert.Equal(t, domain.KindTool, domain.KindOf(err))
}

func TestInvokeTimesOutSlowEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	c := New(newSource(t, srv.URL), NewHTTPTransport(srv.Client()), cfg,
		WithSleep(func(context.Context, time.Duration) error { return nil }))

	inv, err := c.Invoke(context.Background(), "get_balance", map[string]any{"account_id": "123456789012"}, "corr")
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.Equal(t, 2, inv.Attempts)
}
