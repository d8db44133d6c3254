package feedback

import (
	"strings"
	"testing"
	"time"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
)

func mustIntent(t *testing.T, name string) *catalog.Intent {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	i, ok := c.Intent(name)
	if !ok {
		t.Fatalf("intent %s missing", name)
	}
	return i
}

func TestParsers(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name  string
		field catalog.Field
		text  string
		want  string
		ok    bool
	}{
		{"amount plain", catalog.Field{Type: catalog.FieldAmount}, "250", "250.00", true},
		{"amount currency", catalog.Field{Type: catalog.FieldAmount}, "send $1,200.5 please", "1200.50", true},
		{"amount dollars", catalog.Field{Type: catalog.FieldAmount}, "about 75 dollars", "75.00", true},
		{"amount zero", catalog.Field{Type: catalog.FieldAmount}, "0", "", false},
		{"amount not inside account", catalog.Field{Type: catalog.FieldAmount}, "123456789012", "", false},
		{"account digits", catalog.Field{Type: catalog.FieldAccountID}, "it's 123456789012", "123456789012", true},
		{"account prefixed", catalog.Field{Type: catalog.FieldAccountID}, "use ac-00123456", "AC-00123456", true},
		{"account too short", catalog.Field{Type: catalog.FieldAccountID}, "1234567", "", false},
		{"card last4", catalog.Field{Type: catalog.FieldCardLast4}, "ending 4242", "4242", true},
		{"integer digits", catalog.Field{Type: catalog.FieldInteger}, "3 months", "3", true},
		{"integer word", catalog.Field{Type: catalog.FieldInteger}, "six months please", "6", true},
		{"enum", catalog.Field{Type: catalog.FieldEnum, Values: []string{"lost", "stolen"}}, "It was Stolen yesterday", "stolen", true},
		{"enum miss", catalog.Field{Type: catalog.FieldEnum, Values: []string{"lost", "stolen"}}, "broken", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Parse(tt.text, tt.field)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Parse(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFillConsumesTokensInOrder(t *testing.T) {
	intent := mustIntent(t, "transfer.money")
	values := NewRegistry().Fill("move 250 from 123456789012 to 987654321098", intent.Fields)

	if values["from_account"] != "123456789012" || values["to_account"] != "987654321098" || values["amount"] != "250.00" {
		t.Fatalf("unexpected values: %v", values)
	}
}

func TestFillBindsAccountsByPreposition(t *testing.T) {
	intent := mustIntent(t, "transfer.money")
	from, to, amount := intent.Fields[0], intent.Fields[1], intent.Fields[2]
	tests := []struct {
		name   string
		text   string
		fields []catalog.Field
		want   map[string]string
	}{
		{
			name:   "destination before source",
			text:   "send 100 to 444455556666 from 111122223333",
			fields: intent.Fields,
			want:   map[string]string{"from_account": "111122223333", "to_account": "444455556666", "amount": "100.00"},
		},
		{
			name:   "destination only",
			text:   "to 444455556666",
			fields: intent.Fields,
			want:   map[string]string{"to_account": "444455556666"},
		},
		{
			name:   "filler words between",
			text:   "into my savings account 444455556666",
			fields: []catalog.Field{from, to},
			want:   map[string]string{"to_account": "444455556666"},
		},
		{
			name:   "no cue falls back to order",
			text:   "111122223333 and 444455556666",
			fields: []catalog.Field{from, to},
			want:   map[string]string{"from_account": "111122223333", "to_account": "444455556666"},
		},
		{
			name:   "cue for a field not asked",
			text:   "to 444455556666",
			fields: []catalog.Field{from, amount},
			want:   map[string]string{},
		},
		{
			name:   "verb before number is not a cue",
			text:   "I want to send 444455556666",
			fields: []catalog.Field{from, to},
			want:   map[string]string{"from_account": "444455556666"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewRegistry().Fill(tt.text, tt.fields)
			if len(got) != len(tt.want) {
				t.Fatalf("Fill(%q) = %v, want %v", tt.text, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("Fill(%q)[%s] = %q, want %q", tt.text, k, got[k], v)
				}
			}
		})
	}
}

func TestFillTextFieldTakesRemainder(t *testing.T) {
	intent := mustIntent(t, "bill.pay")
	values := NewRegistry().Fill("City Power 120", intent.Fields[1:])
	if values["payee"] != "City Power" || values["amount"] != "120.00" {
		t.Fatalf("unexpected values: %v", values)
	}

	// A text field behind an unfilled typed field stays empty.
	values = NewRegistry().Fill("City Power", intent.Fields)
	if len(values) != 0 {
		t.Fatalf("expected no values, got %v", values)
	}
}

func TestApplyInputEscalatesAfterThreeFailures(t *testing.T) {
	intent := mustIntent(t, "transfer.money")
	c := NewCoordinator(nil, Limits{})
	s := domain.NewSession("s1", "u1", "c1", time.Now())
	s.Outstanding = intent.Required()
	s.Status = domain.StatusAwaitingInput

	for i := 1; i <= 3; i++ {
		out := c.ApplyInput(s, intent, "no idea")
		if out.Failed != "from_account" || out.Failures != i {
			t.Fatalf("attempt %d: unexpected outcome %+v", i, out)
		}
		if out.Exhausted != (i == 3) {
			t.Fatalf("attempt %d: exhausted = %v", i, out.Exhausted)
		}
	}
}

func TestApplyInputMergesAndRecomputesOutstanding(t *testing.T) {
	intent := mustIntent(t, "transfer.money")
	c := NewCoordinator(nil, Limits{})
	s := domain.NewSession("s1", "u1", "c1", time.Now())
	s.Outstanding = intent.Required()
	s.Checkpoint.ParseFailures = map[string]int{"from_account": 2}

	out := c.ApplyInput(s, intent, "123456789012")
	if len(out.Filled) != 1 || out.Filled[0] != "from_account" {
		t.Fatalf("unexpected filled: %v", out.Filled)
	}
	if strings.Join(s.Outstanding, ",") != "to_account,amount" {
		t.Fatalf("unexpected outstanding: %v", s.Outstanding)
	}
	if s.Checkpoint.ParseFailures != nil {
		t.Fatal("parse failures should reset after a successful reply")
	}
}

func TestParseConfirmation(t *testing.T) {
	tests := map[string]Answer{
		"yes":          AnswerYes,
		"Yes please!":  AnswerYes,
		"confirm":      AnswerYes,
		"go ahead":     AnswerYes,
		"no":           AnswerNo,
		"Cancel.":      AnswerNo,
		"maybe":        AnswerUnrecognized,
		"yes, no":      AnswerUnrecognized,
		"nothing else": AnswerUnrecognized,
	}
	for in, want := range tests {
		if got := ParseConfirmation(in); got != want {
			t.Errorf("ParseConfirmation(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApplyConfirmationBounded(t *testing.T) {
	c := NewCoordinator(nil, Limits{MaxConfirmAttempts: 3})
	s := domain.NewSession("s1", "u1", "c1", time.Now())
	for i := 1; i <= 3; i++ {
		answer, exhausted := c.ApplyConfirmation(s, "maybe")
		if answer != AnswerUnrecognized || exhausted != (i == 3) {
			t.Fatalf("attempt %d: answer=%v exhausted=%v", i, answer, exhausted)
		}
	}
}

func TestRequestFieldsBatchesQuestions(t *testing.T) {
	intent := mustIntent(t, "transfer.money")
	msg := RequestFields(intent, intent.Required())
	for _, f := range intent.Fields {
		if !strings.Contains(msg, f.Prompt) {
			t.Fatalf("message %q missing prompt for %s", msg, f.Name)
		}
	}
	if single := RequestFields(intent, []string{"amount"}); single != "How much would you like to transfer?" {
		t.Fatalf("single question = %q", single)
	}
}
