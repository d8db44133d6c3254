// Package feedback matches user replies against pending data requests and
// confirmations.
package feedback

import (
	"strings"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
)

// Answer is the interpretation of a confirmation reply.
type Answer int

const (
	AnswerUnrecognized Answer = iota
	AnswerYes
	AnswerNo
)

var (
	yesPhrases = []string{"yes", "y", "yeah", "yep", "yup", "confirm", "confirmed", "ok", "okay", "sure", "proceed", "go ahead", "do it", "please do"}
	noPhrases  = []string{"no", "n", "nope", "nah", "cancel", "stop", "abort", "don't", "do not"}
	// Cancel phrases abandon the workflow from any suspended state.
	cancelPhrases = []string{"cancel", "stop", "abort", "never mind", "nevermind", "forget it", "quit"}
	retryPhrases  = []string{"retry", "try again", "again"}
)

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Trim(text, " .!?,;")
	return strings.Join(strings.Fields(text), " ")
}

func hasPhrase(text string, phrases []string) bool {
	for _, p := range phrases {
		if text == p || strings.HasPrefix(text, p+" ") || strings.HasPrefix(text, p+",") {
			return true
		}
	}
	return false
}

// ParseConfirmation interprets a reply to a confirmation request.
func ParseConfirmation(text string) Answer {
	n := normalize(text)
	yes := hasPhrase(n, yesPhrases)
	no := hasPhrase(n, noPhrases)
	// A reply mixing both answers anywhere is ambiguous.
	for _, tok := range strings.FieldsFunc(n, func(r rune) bool { return r == ' ' || r == ',' }) {
		switch tok {
		case "yes", "confirm":
			if no {
				yes = true
			}
		case "no", "cancel":
			if yes {
				no = true
			}
		}
	}
	switch {
	case yes && !no:
		return AnswerYes
	case no && !yes:
		return AnswerNo
	default:
		return AnswerUnrecognized
	}
}

// IsCancel reports whether text asks to abandon the current request.
func IsCancel(text string) bool {
	return hasPhrase(normalize(text), cancelPhrases)
}

// IsRetry reports whether text asks to retry a failed step.
func IsRetry(text string) bool {
	n := normalize(text)
	return hasPhrase(n, retryPhrases) || ParseConfirmation(n) == AnswerYes
}

// Limits bounds how often a reply may be re-prompted.
type Limits struct {
	MaxParseFailures   int
	MaxConfirmAttempts int
}

// Coordinator applies replies to a suspended session.
type Coordinator struct {
	parsers *Registry
	limits  Limits
}

// NewCoordinator creates a coordinator. A nil registry uses the defaults.
func NewCoordinator(parsers *Registry, limits Limits) *Coordinator {
	if parsers == nil {
		parsers = NewRegistry()
	}
	if limits.MaxParseFailures <= 0 {
		limits.MaxParseFailures = 3
	}
	if limits.MaxConfirmAttempts <= 0 {
		limits.MaxConfirmAttempts = 3
	}
	return &Coordinator{parsers: parsers, limits: limits}
}

// InputOutcome is the result of matching a reply against outstanding fields.
type InputOutcome struct {
	Filled []string
	// Failed is the field re-prompted when nothing could be parsed.
	Failed    string
	Failures  int
	Exhausted bool
}

// ApplyInput parses text against the session's outstanding fields, merges
// what it finds and recomputes the outstanding set.
func (c *Coordinator) ApplyInput(s *domain.Session, intent *catalog.Intent, text string) InputOutcome {
	fields := make([]catalog.Field, 0, len(s.Outstanding))
	for _, name := range s.Outstanding {
		if f, ok := intent.Field(name); ok {
			fields = append(fields, f)
		}
	}

	values := c.parsers.Fill(text, fields)
	if len(values) == 0 && len(fields) > 0 {
		failed := fields[0].Name
		if s.Checkpoint.ParseFailures == nil {
			s.Checkpoint.ParseFailures = make(map[string]int)
		}
		s.Checkpoint.ParseFailures[failed]++
		n := s.Checkpoint.ParseFailures[failed]
		return InputOutcome{Failed: failed, Failures: n, Exhausted: n >= c.limits.MaxParseFailures}
	}

	s.MergeEntities(values)
	s.Outstanding = s.Missing(intent.Required())
	s.Checkpoint.ParseFailures = nil

	out := InputOutcome{}
	for _, f := range fields {
		if _, ok := values[f.Name]; ok {
			out.Filled = append(out.Filled, f.Name)
		}
	}
	return out
}

// ApplyConfirmation interprets a confirmation reply. Unrecognized replies
// count toward the attempt limit; exhausted reports that it was reached.
func (c *Coordinator) ApplyConfirmation(s *domain.Session, text string) (answer Answer, exhausted bool) {
	answer = ParseConfirmation(text)
	if answer != AnswerUnrecognized {
		return answer, false
	}
	s.Checkpoint.ConfirmAttempts++
	return answer, s.Checkpoint.ConfirmAttempts >= c.limits.MaxConfirmAttempts
}

// Parsers returns the parser registry.
func (c *Coordinator) Parsers() *Registry {
	return c.parsers
}

// RequestFields renders one question per missing field, batched into a
// single message.
func RequestFields(intent *catalog.Intent, missing []string) string {
	var questions []string
	for _, name := range missing {
		f, ok := intent.Field(name)
		if !ok {
			continue
		}
		q := f.Prompt
		if q == "" {
			q = "What is the " + f.DisplayName() + "?"
		}
		questions = append(questions, q)
	}
	if len(questions) == 1 {
		return questions[0]
	}
	var b strings.Builder
	b.WriteString("To continue I need a few details:")
	for _, q := range questions {
		b.WriteString("\n- ")
		b.WriteString(q)
	}
	return b.String()
}

// Reprompt asks again for a field that could not be parsed.
func Reprompt(intent *catalog.Intent, field string) string {
	f, ok := intent.Field(field)
	if !ok {
		return "Sorry, I didn't catch that. Could you rephrase?"
	}
	q := f.Prompt
	if q == "" {
		q = "What is the " + f.DisplayName() + "?"
	}
	return "Sorry, I couldn't read the " + f.DisplayName() + " from that. " + q
}
