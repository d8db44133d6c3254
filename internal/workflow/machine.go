package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/compose"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/feedback"
	"github.com/ashureev/teller/internal/intent"
)

// Entry points for replies to a suspended session. They are not persisted.
const (
	nodeResumeInput        domain.Node = "resume_input"
	nodeResumeConfirmation domain.Node = "resume_confirmation"
	// nodeSuspend stops the machine, leaving the checkpoint as the last
	// step set it.
	nodeSuspend domain.Node = ""
)

// run executes nodes until one suspends or finishes the workflow.
func (e *Engine) run(ctx context.Context, t *turn, node domain.Node) error {
	for node != nodeSuspend {
		if node != nodeResumeInput && node != nodeResumeConfirmation {
			t.s.Checkpoint.Node = node
		}
		transitionsTotal.WithLabelValues(string(node)).Inc()

		var err error
		switch node {
		case domain.NodeAnalyzeIntent:
			node, err = e.analyzeIntent(ctx, t)
		case domain.NodeCheckRequiredData:
			node = e.checkRequiredData(t)
		case domain.NodeRequestHumanInput:
			node = e.requestHumanInput(t)
		case domain.NodeRequestConfirmation:
			node = e.requestConfirmation(t)
		case nodeResumeInput:
			node, err = e.resumeInput(ctx, t)
		case nodeResumeConfirmation:
			node, err = e.resumeConfirmation(t)
		case domain.NodeExecuteTools:
			node, err = e.executeTools(ctx, t)
		case domain.NodeGenerateResponse:
			node, err = e.generateResponse(ctx, t)
		case domain.NodeHandleError:
			node = e.handleError(ctx, t)
		case domain.NodeDone:
			node = nodeSuspend
		default:
			return fmt.Errorf("workflow: unknown node %q", node)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// fail routes a step failure to HandleError.
func (t *turn) fail(err error) domain.Node {
	t.err = err
	return domain.NodeHandleError
}

func (e *Engine) analyzeIntent(ctx context.Context, t *turn) (domain.Node, error) {
	res, err := e.deps.Resolver.Resolve(ctx, t.text, t.s.RecentTurns(e.cfg.HistoryTurns))
	if err != nil {
		return nodeSuspend, err
	}
	return e.applyClassification(t, res), nil
}

func (e *Engine) applyClassification(t *turn, res intent.Result) domain.Node {
	s := t.s
	in, ok := e.deps.Catalog.Current().Intent(res.Intent)
	if res.Intent == intent.Unknown || !ok {
		return t.fail(domain.NewError(domain.KindUnknownIntent, "workflow.AnalyzeIntent", fmt.Errorf("no intent for message")))
	}
	t.intent = in
	s.Checkpoint.Intent = in.Name
	s.Checkpoint.Confidence = res.Confidence
	s.Checkpoint.LowConfidence = res.LowConfidence

	declared := make(map[string]string, len(res.Entities))
	for k, v := range res.Entities {
		if _, ok := in.Field(k); ok {
			declared[k] = v
		}
	}
	s.MergeEntities(declared)
	e.logger.Info("Intent resolved",
		"session_id", s.ID,
		"intent", in.Name,
		"confidence", res.Confidence,
		"low_confidence", res.LowConfidence,
		"source", res.Source)
	return domain.NodeCheckRequiredData
}

func (e *Engine) checkRequiredData(t *turn) domain.Node {
	s := t.s
	s.Outstanding = s.Missing(t.intent.Required())
	switch {
	case len(s.Outstanding) > 0:
		return domain.NodeRequestHumanInput
	case t.intent.Write && !s.Checkpoint.Confirmed:
		return domain.NodeRequestConfirmation
	default:
		return domain.NodeExecuteTools
	}
}

func (e *Engine) requestHumanInput(t *turn) domain.Node {
	t.s.Status = domain.StatusAwaitingInput
	t.reply = t.prefix + feedback.RequestFields(t.intent, t.s.Outstanding)
	return nodeSuspend
}

func (e *Engine) requestConfirmation(t *turn) domain.Node {
	s := t.s
	s.Status = domain.StatusAwaitingConfirmation
	s.Checkpoint.ConfirmAttempts = 0
	t.reply = t.prefix + e.confirmText(t.intent, s)
	return nodeSuspend
}

func (e *Engine) confirmText(in *catalog.Intent, s *domain.Session) string {
	if text := compose.Render(in.Confirm, in, s.Entities, nil); text != "" {
		return text
	}
	desc := strings.TrimSuffix(strings.ToLower(in.Description), ".")
	if desc == "" {
		desc = in.Name
	}
	return "Shall I go ahead and " + desc + "? Reply yes or no."
}

// resumeInput applies a reply to the outstanding fields.
func (e *Engine) resumeInput(ctx context.Context, t *turn) (domain.Node, error) {
	s := t.s
	in, err := e.currentIntent(s)
	if err != nil {
		return t.fail(err), nil
	}
	t.intent = in

	if feedback.IsCancel(t.text) {
		e.cancelWorkflow(t)
		return nodeSuspend, nil
	}

	out := e.deps.Feedback.ApplyInput(s, in, t.text)
	if len(out.Filled) > 0 {
		return domain.NodeCheckRequiredData, nil
	}

	// Nothing parsed: the user may have changed the subject.
	res, err := e.deps.Resolver.Resolve(ctx, t.text, s.RecentTurns(e.cfg.HistoryTurns))
	if err != nil {
		return nodeSuspend, err
	}
	if res.Intent != intent.Unknown && res.Intent != in.Name && !res.LowConfidence {
		e.logger.Info("Switching intent while awaiting input", "session_id", s.ID, "from", in.Name, "to", res.Intent)
		e.startWorkflow(s)
		s.Checkpoint.Node = domain.NodeAnalyzeIntent
		return e.applyClassification(t, res), nil
	}

	if out.Exhausted {
		return t.fail(&domain.Error{
			Kind:   domain.KindParse,
			Op:     "workflow.RequestHumanInput",
			Fields: []string{out.Failed},
			Err:    fmt.Errorf("could not read %s after %d attempts", out.Failed, out.Failures),
		}), nil
	}
	t.reply = feedback.Reprompt(in, out.Failed)
	return nodeSuspend, nil
}

// resumeConfirmation applies a reply to the pending confirmation.
func (e *Engine) resumeConfirmation(t *turn) (domain.Node, error) {
	s := t.s
	in, err := e.currentIntent(s)
	if err != nil {
		return t.fail(err), nil
	}
	t.intent = in

	answer, exhausted := e.deps.Feedback.ApplyConfirmation(s, t.text)
	switch answer {
	case feedback.AnswerYes:
		s.Checkpoint.Confirmed = true
		s.Status = domain.StatusActive
		return domain.NodeExecuteTools, nil
	case feedback.AnswerNo:
		e.cancelWorkflow(t)
		return nodeSuspend, nil
	}
	if exhausted {
		return t.fail(domain.NewError(domain.KindParse, "workflow.RequestConfirmation",
			fmt.Errorf("no clear answer after %d confirmation attempts", s.Checkpoint.ConfirmAttempts))), nil
	}
	t.reply = "Sorry, I need a clear yes or no. " + e.confirmText(in, s)
	return nodeSuspend, nil
}

func (e *Engine) generateResponse(ctx context.Context, t *turn) (domain.Node, error) {
	s := t.s
	cat := e.deps.Catalog.Current()
	var tools []*catalog.Tool
	for _, name := range t.intent.ToolNames() {
		if tool, ok := cat.Tool(name); ok {
			tools = append(tools, tool)
		}
	}
	out, err := e.deps.Composer.Compose(ctx, compose.Input{
		Message:  t.text,
		Intent:   t.intent,
		Tools:    tools,
		Entities: s.Entities,
		Results:  s.Checkpoint.Results,
		History:  s.RecentTurns(e.cfg.HistoryTurns),
	})
	if err != nil {
		return nodeSuspend, err
	}
	t.reply = out.Text
	s.Status = domain.StatusCompleted
	s.Outstanding = nil
	s.Checkpoint.PendingTools = nil
	s.Checkpoint.FailureRuns = 0
	s.Checkpoint.LastError = ""
	return domain.NodeDone, nil
}
