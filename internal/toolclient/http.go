package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ashureev/teller/internal/domain"
)

// maxResponseSize bounds how much of a tool response is read.
const maxResponseSize = 1 << 20

// Header names sent with every tool call.
const (
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderPermission     = "X-Permission"
	HeaderAttempt        = "X-Attempt"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// envelope is the response shape of domain services: {data} on success,
// {errorCode, message} on failure.
type envelope struct {
	Data      map[string]any `json:"data"`
	ErrorCode string         `json:"errorCode"`
	Message   string         `json:"message"`
}

// HTTPTransport calls tools as JSON request/response services.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport using client, or a default client
// when nil. Per-call deadlines come from the context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, req Request) (map[string]any, error) {
	const op = "toolclient.Call"

	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, op, err)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, op, fmt.Errorf("call %s: %w", req.Tool.Name, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, op, fmt.Errorf("read %s response: %w", req.Tool.Name, err))
	}

	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil && resp.StatusCode < 300 {
			return nil, domain.NewError(domain.KindTool, op, fmt.Errorf("decode %s response: %w", req.Tool.Name, err))
		}
	}

	if kind := classifyStatus(resp.StatusCode); kind != "" {
		return nil, domain.NewError(kind, op, fmt.Errorf("%s returned %d %s: %s", req.Tool.Name, resp.StatusCode, env.ErrorCode, env.Message))
	}
	if env.ErrorCode != "" {
		return nil, domain.NewError(domain.KindTool, op, fmt.Errorf("%s rejected: %s: %s", req.Tool.Name, env.ErrorCode, env.Message))
	}
	if env.Data != nil {
		return env.Data, nil
	}

	var raw map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, domain.NewError(domain.KindTool, op, fmt.Errorf("decode %s response: %w", req.Tool.Name, err))
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var (
		httpReq *http.Request
		err     error
	)
	if req.Tool.Method == http.MethodGet {
		u, perr := url.Parse(req.Tool.Endpoint)
		if perr != nil {
			return nil, fmt.Errorf("parse endpoint: %w", perr)
		}
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		payload, merr := json.Marshal(req.Params)
		if merr != nil {
			return nil, fmt.Errorf("encode params: %w", merr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, req.Tool.Method, req.Tool.Endpoint, bytes.NewReader(payload))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderCorrelationID, req.CorrelationID)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(req.Attempt))
	// Retries reuse the key so a write that landed is not applied twice.
	httpReq.Header.Set(HeaderIdempotencyKey, req.CorrelationID+":"+req.Tool.Name)
	if req.Permission != "" {
		httpReq.Header.Set(HeaderPermission, req.Permission)
	}
	return httpReq, nil
}

// classifyStatus maps a non-2xx status to an error kind.
func classifyStatus(status int) domain.ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindAuthorization
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return domain.KindValidation
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return domain.KindTransient
	default:
		return domain.KindTool
	}
}
