package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/redact"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClassifyMethod is the full method name of the NLU classification RPC.
// Requests and responses are google.protobuf.Struct messages:
//
//	request:  {"text": string, "context": [string]}
//	response: {"intent": string, "confidence": number, "entities": {string: any}}
const ClassifyMethod = "/nlu.v1.IntentClassifier/Classify"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcConfig holds configuration for the NLU gRPC client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	ContextTurns     int
}

// DefaultGrpcConfig returns default configuration.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   2 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		ContextTurns:     4,
	}
}

// GrpcClassifier is the primary classifier backed by the NLU service.
type GrpcClassifier struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	cfg    GrpcConfig
	logger *slog.Logger
}

// NewGrpcClassifier connects to the NLU service and waits until the
// connection is ready or ConnectTimeout elapses.
func NewGrpcClassifier(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClassifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NLU service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("NLU service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to NLU service", "address", cfg.Address)
	return &GrpcClassifier{
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClassifier) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks whether the NLU service reports serving.
func (c *GrpcClassifier) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("NLU service status %s", resp.GetStatus())
	}
	return nil
}

// Classify implements Classifier.
func (c *GrpcClassifier) Classify(ctx context.Context, text string, history []domain.Turn) (Result, error) {
	var turns []any
	start := max(len(history)-c.cfg.ContextTurns, 0)
	for _, t := range history[start:] {
		turns = append(turns, string(t.Role)+": "+redact.Text(t.Text))
	}
	req, err := structpb.NewStruct(map[string]any{
		"text":    text,
		"context": turns,
	})
	if err != nil {
		return Result{}, fmt.Errorf("build classify request: %w", err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	return decodeClassification(resp), nil
}

func decodeClassification(resp *structpb.Struct) Result {
	fields := resp.GetFields()
	res := Result{
		Intent:     fields["intent"].GetStringValue(),
		Confidence: fields["confidence"].GetNumberValue(),
	}
	if ents := fields["entities"].GetStructValue(); ents != nil {
		res.Entities = make(map[string]string, len(ents.GetFields()))
		for k, v := range ents.GetFields() {
			switch v.GetKind().(type) {
			case *structpb.Value_StringValue:
				res.Entities[k] = v.GetStringValue()
			case *structpb.Value_NumberValue:
				res.Entities[k] = strconv.FormatFloat(v.GetNumberValue(), 'f', -1, 64)
			case *structpb.Value_BoolValue:
				res.Entities[k] = strconv.FormatBool(v.GetBoolValue())
			}
		}
	}
	return res
}
