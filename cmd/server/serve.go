package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/teller/internal/api"
	"github.com/ashureev/teller/internal/audit"
	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/compose"
	"github.com/ashureev/teller/internal/config"
	"github.com/ashureev/teller/internal/feedback"
	"github.com/ashureev/teller/internal/identity"
	"github.com/ashureev/teller/internal/intent"
	"github.com/ashureev/teller/internal/llm"
	"github.com/ashureev/teller/internal/middleware"
	"github.com/ashureev/teller/internal/store"
	"github.com/ashureev/teller/internal/toolclient"
	"github.com/ashureev/teller/internal/workflow"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func runServer(parent context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "session_backend", cfg.Session.Backend)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Catalog.
	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		slog.Error("Failed to load catalog", "error", err)
		return err
	}
	catalogs := catalog.NewStore(cat, cfg.Catalog.Path, logger)
	slog.Info("Catalog loaded", "path", cfg.Catalog.Path, "intents", len(cat.Intents), "tools", len(cat.Tools))
	if cfg.Catalog.Path != "" && cfg.Catalog.Watch {
		if err := catalogs.Watch(ctx); err != nil {
			slog.Warn("Catalog hot reload disabled", "error", err)
		}
	}

	// Session store.
	repo, err := openStore(ctx, cfg.Session)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		slog.Error("Session store health check failed", "error", err)
		return err
	}
	slog.Info("Session store connected", "backend", cfg.Session.Backend)

	// Conversation audit log.
	auditLog, err := audit.NewLogger(audit.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		return err
	}
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Intent cascade: remote NLU, in-process keyword model, LLM.
	parsers := feedback.NewRegistry()
	optionalChecks := map[string]api.Check{}

	var primary, secondary intent.Classifier
	keyword := intent.NewKeywordClassifier(catalogs, parsers)
	primary = keyword
	if cfg.Intent.PrimaryAddr != "" {
		gcfg := intent.DefaultGrpcConfig(cfg.Intent.PrimaryAddr)
		gcfg.ConnectTimeout = cfg.Intent.ConnectTimeout
		nlu, err := intent.NewGrpcClassifier(gcfg, logger)
		if err != nil {
			slog.Warn("NLU service unavailable, continuing with the in-process classifier", "address", cfg.Intent.PrimaryAddr, "error", err)
		} else {
			defer nlu.Close()
			primary, secondary = nlu, keyword
			optionalChecks["nlu"] = nlu.Health
		}
	}

	var (
		fallback  intent.Classifier
		generator compose.Generator
	)
	if cfg.LLM.APIKey != "" {
		model := llm.NewAnthropic(cfg.LLM.APIKey, cfg.LLM.Model, logger)
		fallback = intent.NewLLMClassifier(model, catalogs, parsers, 0)
		generator = model
		slog.Info("LLM enabled", "model", cfg.LLM.Model)
	} else {
		slog.Info("LLM disabled (ANTHROPIC_API_KEY not set), replies use templates")
	}

	resolver := intent.NewResolver(primary, secondary, fallback, catalogs,
		intent.Thresholds{High: cfg.Intent.High, Low: cfg.Intent.Low}, logger)

	// Tools.
	tools := toolclient.New(catalogs, toolclient.NewHTTPTransport(nil), toolclient.Config{
		Timeout:          cfg.Tools.Timeout,
		MaxAttempts:      cfg.Tools.MaxAttempts,
		Backoff:          cfg.Tools.Backoff,
		BreakerThreshold: cfg.Tools.BreakerThreshold,
		BreakerCooldown:  cfg.Tools.BreakerCooldown,
	}, toolclient.WithLogger(logger))

	composer := compose.New(generator, compose.Config{
		HistoryTurns: cfg.LLM.HistoryTurns,
		MaxTokens:    cfg.LLM.MaxTokens,
	}, logger)

	engine, err := workflow.New(workflow.Deps{
		Store:    repo,
		Catalog:  catalogs,
		Resolver: resolver,
		Tools:    tools,
		Feedback: feedback.NewCoordinator(parsers, feedback.Limits{
			MaxParseFailures:   cfg.Dialog.ParseMaxFailures,
			MaxConfirmAttempts: cfg.Dialog.ConfirmMaxAttempts,
		}),
		Composer:  composer,
		Escalator: workflow.NewLogEscalator(logger, auditLog),
		Audit:     auditLog,
		Logger:    logger,
	}, workflow.Config{
		SessionTTL:                  cfg.Session.TTL,
		FailureRunsBeforeEscalation: cfg.Dialog.FailureRunsBeforeEscalation,
		HistoryTurns:                cfg.LLM.HistoryTurns,
		MaxHistory:                  cfg.Session.MaxHistory,
	})
	if err != nil {
		slog.Error("Failed to initialize workflow engine", "error", err)
		return err
	}

	// Handlers.
	limiter := api.NewRateLimiter(cfg.RateLimitPerMinute)
	limiter.StartEviction(ctx)
	chatHandler := api.NewHandler(engine, limiter, logger)
	conns := api.NewConnRegistry()
	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}
	wsHandler := api.NewWebSocketHandler(chatHandler, conns, wsOriginPatterns(cfg))
	healthHandler := api.NewHealthHandler(map[string]api.Check{"session_store": repo.Ping}, optionalChecks)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(!cfg.IsDevelopment(), cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long lived
		IdleTimeout:  120 * time.Second,
	}

	// Start expiry worker.
	store.StartExpiryWorker(ctx, repo, store.ExpiryConfig{
		Interval:  cfg.Session.SweepInterval,
		TTL:       cfg.Session.TTL,
		Retention: cfg.Session.Retention,
	}, conns.CloseSession)

	// Start server.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server failed", "error", err)
			return err
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server stopped successfully")
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func openStore(ctx context.Context, cfg config.SessionConfig) (store.Repository, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return store.NewSQLite(cfg.DBPath)
	case config.BackendRedis:
		return store.NewRedis(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.BackendMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// wsOriginPatterns returns host patterns for websocket.Accept. Outside
// development only the frontend's host may connect.
func wsOriginPatterns(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	u, err := url.Parse(cfg.FrontendURL)
	if err != nil || u.Host == "" {
		return []string{cfg.FrontendURL}
	}
	return []string{u.Host}
}
