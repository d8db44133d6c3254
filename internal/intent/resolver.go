// Package intent resolves user messages to catalog intents through a
// cascade of classifiers.
package intent

import (
	"context"
	"log/slog"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Unknown is the intent returned when no classifier is confident enough.
const Unknown = "unknown"

// Stage names reported in Result.Source.
const (
	StagePrimary   = "primary"
	StageSecondary = "secondary"
	StageLLM       = "llm"
	StageNone      = "none"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "teller",
	Subsystem: "intent",
	Name:      "resolutions_total",
	Help:      "Intent resolutions by accepting stage and confidence tier",
}, []string{"stage", "tier"})

// Result is a classified message.
type Result struct {
	Intent        string            `json:"intent"`
	Confidence    float64           `json:"confidence"`
	Entities      map[string]string `json:"entities,omitempty"`
	LowConfidence bool              `json:"low_confidence,omitempty"`
	Source        string            `json:"source"`
}

// Classifier is one tier of the cascade.
type Classifier interface {
	Classify(ctx context.Context, text string, history []domain.Turn) (Result, error)
}

// CatalogSource provides the active catalog.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Thresholds are the confidence tiers of the cascade.
type Thresholds struct {
	High float64
	Low  float64
}

// DefaultThresholds returns the default tiers.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.70, Low: 0.50}
}

// Resolver runs the classifier cascade. It holds no mutable state and is
// safe for concurrent use.
type Resolver struct {
	primary   Classifier
	secondary Classifier
	fallback  Classifier
	source    CatalogSource
	defaults  Thresholds
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewResolver creates a resolver. Any classifier may be nil and is then
// skipped.
func NewResolver(primary, secondary, fallback Classifier, source CatalogSource, defaults Thresholds, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		primary:   primary,
		secondary: secondary,
		fallback:  fallback,
		source:    source,
		defaults:  defaults,
		logger:    logger,
		tracer:    otel.Tracer("github.com/ashureev/teller/internal/intent"),
	}
}

// Resolve classifies message. A message no tier is confident about yields
// intent Unknown with zero confidence and a nil error.
func (r *Resolver) Resolve(ctx context.Context, message string, history []domain.Turn) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "intent.Resolve")
	defer span.End()

	res, err := r.resolve(ctx, message, history)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	tier := "high"
	switch {
	case res.Intent == Unknown:
		tier = "none"
	case res.LowConfidence:
		tier = "low"
	}
	resolutionsTotal.WithLabelValues(res.Source, tier).Inc()
	span.SetAttributes(
		attribute.String("intent.name", res.Intent),
		attribute.Float64("intent.confidence", res.Confidence),
		attribute.String("intent.source", res.Source),
	)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, message string, history []domain.Turn) (Result, error) {
	primary, err := r.classify(ctx, r.primary, StagePrimary, message, history)
	if err != nil {
		return Result{}, err
	}
	if primary.Confidence >= r.thresholds(primary.Intent).High {
		return r.accept(primary, false), nil
	}

	secondary, err := r.classify(ctx, r.secondary, StageSecondary, message, history)
	if err != nil {
		return Result{}, err
	}
	if secondary.Confidence > primary.Confidence && secondary.Confidence >= r.thresholds(secondary.Intent).High {
		return r.accept(mergeEntities(secondary, primary), false), nil
	}

	best, other := primary, secondary
	if secondary.Confidence > primary.Confidence {
		best, other = secondary, primary
	}
	if best.Confidence >= r.thresholds(best.Intent).Low {
		return r.accept(mergeEntities(best, other), true), nil
	}

	llm, err := r.classify(ctx, r.fallback, StageLLM, message, history)
	if err != nil {
		return Result{}, err
	}
	if llm.Confidence >= r.thresholds(llm.Intent).Low {
		return r.accept(mergeEntities(llm, best), true), nil
	}
	return Result{Intent: Unknown, Source: StageNone}, nil
}

// classify runs one tier. Classifier failures are logged and treated as a
// zero-confidence answer; only context errors abort the cascade.
func (r *Resolver) classify(ctx context.Context, c Classifier, stage, message string, history []domain.Turn) (Result, error) {
	if c == nil {
		return Result{Source: stage}, nil
	}
	res, err := c.Classify(ctx, message, history)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.logger.Warn("Intent classifier failed", "stage", stage, "error", err)
		return Result{Source: stage}, nil
	}
	res.Source = stage
	if !r.known(res.Intent) {
		res.Confidence = 0
	}
	return res, nil
}

func (r *Resolver) accept(res Result, low bool) Result {
	res.LowConfidence = low
	if res.Entities == nil {
		res.Entities = map[string]string{}
	}
	return res
}

func (r *Resolver) known(name string) bool {
	if name == "" || name == Unknown {
		return false
	}
	if r.source == nil {
		return true
	}
	_, ok := r.source.Current().Intent(name)
	return ok
}

func (r *Resolver) thresholds(name string) Thresholds {
	th := r.defaults
	if r.source == nil {
		return th
	}
	if i, ok := r.source.Current().Intent(name); ok && i.Thresholds != nil {
		if i.Thresholds.High > 0 {
			th.High = i.Thresholds.High
		}
		if i.Thresholds.Low > 0 {
			th.Low = i.Thresholds.Low
		}
	}
	return th
}

// mergeEntities fills entities missing from res with those other found for
// the same intent.
func mergeEntities(res, other Result) Result {
	if other.Intent != res.Intent || len(other.Entities) == 0 {
		return res
	}
	merged := make(map[string]string, len(res.Entities)+len(other.Entities))
	for k, v := range other.Entities {
		merged[k] = v
	}
	for k, v := range res.Entities {
		merged[k] = v
	}
	res.Entities = merged
	return res
}
