package workflow

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ashureev/teller/internal/audit"
	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/toolclient"
	"golang.org/x/sync/errgroup"
)

// executeTools runs the intent's pending steps in dependency waves. Steps
// in a wave run concurrently and all of them complete before the session
// advances. Steps that already succeeded in this workflow are skipped.
func (e *Engine) executeTools(ctx context.Context, t *turn) (domain.Node, error) {
	s := t.s
	s.Status = domain.StatusActive
	ctx = toolclient.WithPermission(ctx, t.intent.Permission)

	pending := e.pendingSteps(t)
	for len(pending) > 0 {
		s.Checkpoint.PendingTools = stepNames(pending)

		var wave, blocked []catalog.Step
		for _, step := range pending {
			if e.depsSatisfied(s, step) {
				wave = append(wave, step)
			} else {
				blocked = append(blocked, step)
			}
		}
		if len(wave) == 0 {
			return t.fail(domain.NewError(domain.KindInternal, "workflow.ExecuteTools",
				fmt.Errorf("steps %v wait on results that are not available", stepNames(blocked)))), nil
		}

		invs := make([]toolclient.Invocation, len(wave))
		errs := make([]error, len(wave))
		var g errgroup.Group
		for i, step := range wave {
			params, err := e.resolveParams(s, t.intent, step)
			if err != nil {
				invs[i] = toolclient.Invocation{Tool: step.Tool, CorrelationID: s.CorrelationID, Kind: domain.KindOf(err), Message: err.Error()}
				errs[i] = err
				continue
			}
			g.Go(func() error {
				invs[i], errs[i] = e.deps.Tools.Invoke(ctx, step.Tool, params, s.CorrelationID)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return nodeSuspend, ctx.Err()
		}

		var firstErr error
		for i, step := range wave {
			s.RecordResult(invs[i].Summary(e.deps.Now()))
			e.audit(s, t.channel, audit.EventToolCall, "", map[string]any{
				"tool":           step.Tool,
				"ok":             errs[i] == nil,
				"attempts":       invs[i].Attempts,
				"error_kind":     string(invs[i].Kind),
				"correlation_id": s.CorrelationID,
			})
			if errs[i] != nil && firstErr == nil {
				firstErr = attributeEntities(errs[i], step)
			}
		}
		if firstErr != nil {
			s.Checkpoint.PendingTools = stepNames(append(failedSteps(s, wave), blocked...))
			return t.fail(firstErr), nil
		}
		pending = blocked
	}

	s.Checkpoint.PendingTools = nil
	return domain.NodeGenerateResponse, nil
}

func (e *Engine) pendingSteps(t *turn) []catalog.Step {
	var pending []catalog.Step
	for _, step := range t.intent.Tools {
		if r, ok := t.s.Result(step.Tool); ok && r.OK {
			continue
		}
		pending = append(pending, step)
	}
	return pending
}

func (e *Engine) depsSatisfied(s *domain.Session, step catalog.Step) bool {
	for _, dep := range step.Dependencies() {
		if r, ok := s.Result(dep); !ok || !r.OK {
			return false
		}
	}
	return true
}

func failedSteps(s *domain.Session, wave []catalog.Step) []catalog.Step {
	var failed []catalog.Step
	for _, step := range wave {
		if r, ok := s.Result(step.Tool); ok && !r.OK {
			failed = append(failed, step)
		}
	}
	return failed
}

func stepNames(steps []catalog.Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Tool
	}
	return names
}

// resolveParams binds a step's parameters to collected entities, earlier
// tool results and session attributes. Other values are literals.
func (e *Engine) resolveParams(s *domain.Session, in *catalog.Intent, step catalog.Step) (map[string]any, error) {
	const op = "workflow.resolveParams"
	params := make(map[string]any, len(step.Params))
	for name, raw := range step.Params {
		ref, ok := raw.(string)
		if !ok {
			params[name] = raw
			continue
		}
		switch {
		case strings.HasPrefix(ref, catalog.BindEntity):
			key := strings.TrimPrefix(ref, catalog.BindEntity)
			v, ok := s.Entities[key]
			if !ok {
				return nil, &domain.Error{Kind: domain.KindValidation, Op: op, Fields: []string{key}, Err: fmt.Errorf("entity %s not collected", key)}
			}
			f, _ := in.Field(key)
			coerced, err := coerce(f, v)
			if err != nil {
				return nil, &domain.Error{Kind: domain.KindValidation, Op: op, Fields: []string{key}, Err: err}
			}
			params[name] = coerced
		case strings.HasPrefix(ref, catalog.BindResult):
			tool, field, _ := strings.Cut(strings.TrimPrefix(ref, catalog.BindResult), ".")
			r, ok := s.Result(tool)
			if !ok || !r.OK {
				return nil, domain.NewError(domain.KindInternal, op, fmt.Errorf("result of %s not available", tool))
			}
			if v, ok := r.Result[field]; ok {
				params[name] = v
			}
		case strings.HasPrefix(ref, catalog.BindSession):
			switch strings.TrimPrefix(ref, catalog.BindSession) {
			case "user_id":
				params[name] = s.UserID
			case "session_id":
				params[name] = s.ID
			case "correlation_id":
				params[name] = s.CorrelationID
			default:
				return nil, domain.NewError(domain.KindInternal, op, fmt.Errorf("unknown session binding %q", ref))
			}
		default:
			params[name] = ref
		}
	}
	return params, nil
}

func coerce(f catalog.Field, v string) (any, error) {
	switch f.Type {
	case catalog.FieldAmount:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s is not an amount", f.DisplayName())
		}
		return n, nil
	case catalog.FieldInteger:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s is not a whole number", f.DisplayName())
		}
		return n, nil
	default:
		return v, nil
	}
}

// attributeEntities rewrites a validation error's parameter names into the
// entity names they are bound to.
func attributeEntities(err error, step catalog.Step) error {
	if domain.KindOf(err) != domain.KindValidation {
		return err
	}
	var entities []string
	for _, field := range domain.FieldsOf(err) {
		key := field
		if ref, ok := step.Params[field].(string); ok && strings.HasPrefix(ref, catalog.BindEntity) {
			key = strings.TrimPrefix(ref, catalog.BindEntity)
		} else if _, bound := step.Params[field]; bound {
			// Bound to something the user cannot correct.
			continue
		}
		if !slices.Contains(entities, key) {
			entities = append(entities, key)
		}
	}
	return &domain.Error{Kind: domain.KindValidation, Op: "workflow.ExecuteTools", Fields: entities, Err: err}
}
