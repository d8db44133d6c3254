package feedback

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/teller/internal/catalog"
)

// Parser extracts a canonical value for field from text. It returns the
// byte span it consumed so later fields do not read the same token.
type Parser func(text string, field catalog.Field) (value string, span []int, ok bool)

var (
	amountPattern    = regexp.MustCompile(`(?i)(?:\$\s?|usd\s?)?\b(\d{1,3}(?:,\d{3})+|\d{1,7})(?:\.(\d{1,2}))?\b(?:\s?(?:usd|dollars?|bucks))?`)
	accountPattern   = regexp.MustCompile(`(?i)\b(?:([a-z]{2,4})-?)?(\d{8,12})\b`)
	last4Pattern     = regexp.MustCompile(`\b\d{4}\b`)
	integerPattern   = regexp.MustCompile(`\b\d{1,6}\b`)
	wordPattern      = regexp.MustCompile(`(?i)\b[a-z]+\b`)
	numberWordValues = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
		"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	}
)

func parseAmount(text string, _ catalog.Field) (string, []int, bool) {
	for _, m := range amountPattern.FindAllStringSubmatchIndex(text, -1) {
		whole := strings.ReplaceAll(text[m[2]:m[3]], ",", "")
		frac := "0"
		if m[4] >= 0 {
			frac = text[m[4]:m[5]]
		}
		v, err := strconv.ParseFloat(whole+"."+frac, 64)
		if err != nil || v <= 0 {
			continue
		}
		return strconv.FormatFloat(v, 'f', 2, 64), m[:2], true
	}
	return "", nil, false
}

func parseAccountID(text string, _ catalog.Field) (string, []int, bool) {
	m := accountPattern.FindStringSubmatchIndex(text)
	if m == nil {
		return "", nil, false
	}
	digits := text[m[4]:m[5]]
	if m[2] >= 0 {
		return strings.ToUpper(text[m[2]:m[3]]) + "-" + digits, m[:2], true
	}
	return digits, m[:2], true
}

func parseCardLast4(text string, _ catalog.Field) (string, []int, bool) {
	loc := last4Pattern.FindStringIndex(text)
	if loc == nil {
		return "", nil, false
	}
	return text[loc[0]:loc[1]], loc, true
}

func parseInteger(text string, _ catalog.Field) (string, []int, bool) {
	if loc := integerPattern.FindStringIndex(text); loc != nil {
		n, err := strconv.Atoi(text[loc[0]:loc[1]])
		if err == nil {
			return strconv.Itoa(n), loc, true
		}
	}
	for _, loc := range wordPattern.FindAllStringIndex(text, -1) {
		if n, ok := numberWordValues[strings.ToLower(text[loc[0]:loc[1]])]; ok {
			return strconv.Itoa(n), loc, true
		}
	}
	return "", nil, false
}

func parseEnum(text string, field catalog.Field) (string, []int, bool) {
	lower := strings.ToLower(text)
	for _, v := range field.Values {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(v)) + `\b`)
		if err != nil {
			continue
		}
		if loc := re.FindStringIndex(lower); loc != nil {
			return v, loc, true
		}
	}
	return "", nil, false
}

// Registry maps field types to parsers.
type Registry struct {
	parsers map[catalog.FieldType]Parser
}

// NewRegistry returns a registry with the built-in typed parsers. Text
// fields are filled from whatever the typed parsers leave over.
func NewRegistry() *Registry {
	return &Registry{parsers: map[catalog.FieldType]Parser{
		catalog.FieldAmount:    parseAmount,
		catalog.FieldAccountID: parseAccountID,
		catalog.FieldCardLast4: parseCardLast4,
		catalog.FieldInteger:   parseInteger,
		catalog.FieldEnum:      parseEnum,
	}}
}

// Register installs or replaces the parser for a field type.
func (r *Registry) Register(t catalog.FieldType, p Parser) {
	r.parsers[t] = p
}

// Parse runs the parser for a single field.
func (r *Registry) Parse(text string, field catalog.Field) (string, bool) {
	p, ok := r.parsers[field.Type]
	if !ok {
		return "", false
	}
	v, _, ok := p(text, field)
	return v, ok
}

// Fill extracts values for fields from one reply. Account numbers preceded
// by "from" or "to" go to the matching source or destination field first.
// Remaining typed fields are parsed in order, each consuming its token. The
// first text field is then filled with the remaining text, provided every
// typed field before it was filled.
func (r *Registry) Fill(text string, fields []catalog.Field) map[string]string {
	values := make(map[string]string)
	work := []byte(text)

	r.bindByCue(text, work, fields, values)

	for _, f := range fields {
		if _, done := values[f.Name]; done {
			continue
		}
		p, ok := r.parsers[f.Type]
		if !ok {
			continue
		}
		v, span, ok := p(string(work), f)
		if !ok {
			continue
		}
		values[f.Name] = v
		blank(work, span)
	}

	rest := cleanRemainder(string(work))
	if rest == "" {
		return values
	}
	for _, f := range fields {
		if f.Type == catalog.FieldText {
			values[f.Name] = rest
			break
		}
		if _, filled := values[f.Name]; !filled {
			break
		}
	}
	return values
}

type direction int

const (
	dirNone direction = iota
	dirFrom
	dirTo
)

// cueFillers may sit between a preposition and the account number.
var cueFillers = map[string]bool{
	"my": true, "the": true, "account": true, "acct": true, "number": true,
	"no": true, "savings": true, "checking": true, "ending": true, "in": true,
}

// fieldDirection reports whether an account field is a source or a
// destination, judged by its name and label.
func fieldDirection(f catalog.Field) direction {
	name := strings.ToLower(f.Name)
	label := strings.ToLower(f.Label)
	switch {
	case strings.HasPrefix(name, "from_") || strings.Contains(label, "source"):
		return dirFrom
	case strings.HasPrefix(name, "to_") || strings.Contains(label, "destination"):
		return dirTo
	}
	return dirNone
}

// cueBefore returns the direction named by the preposition closest to pos,
// skipping filler words such as "my account".
func cueBefore(text string, pos int) direction {
	words := strings.Fields(strings.ToLower(text[:pos]))
	for i := len(words) - 1; i >= 0; i-- {
		w := strings.Trim(words[i], ",.;:#")
		switch w {
		case "from":
			return dirFrom
		case "to", "into":
			return dirTo
		}
		if !cueFillers[w] {
			return dirNone
		}
	}
	return dirNone
}

// bindByCue assigns account numbers that follow "from", "to" or "into" to
// the source or destination field among fields. A cued number whose
// direction has no field here is blanked so order cannot place it against
// the user's wording.
func (r *Registry) bindByCue(text string, work []byte, fields []catalog.Field, values map[string]string) {
	p, ok := r.parsers[catalog.FieldAccountID]
	if !ok {
		return
	}
	directional := make(map[direction]catalog.Field)
	for _, f := range fields {
		if f.Type != catalog.FieldAccountID {
			continue
		}
		if d := fieldDirection(f); d != dirNone {
			if _, seen := directional[d]; !seen {
				directional[d] = f
			}
		}
	}
	if len(directional) == 0 {
		return
	}

	scan := []byte(text)
	for {
		v, span, ok := p(string(scan), catalog.Field{Type: catalog.FieldAccountID})
		if !ok || span[1] <= span[0] {
			return
		}
		blank(scan, span)
		d := cueBefore(text, span[0])
		if d == dirNone {
			continue
		}
		if f, ok := directional[d]; ok {
			if _, done := values[f.Name]; !done {
				values[f.Name] = v
			}
		}
		blank(work, span)
	}
}

func blank(b []byte, span []int) {
	for i := span[0]; i < span[1]; i++ {
		b[i] = ' '
	}
}

func cleanRemainder(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, " ,.;:-")
	for _, filler := range []string{"and ", "to ", "from ", "for "} {
		if strings.HasPrefix(strings.ToLower(s), filler) {
			s = strings.TrimSpace(s[len(filler):])
		}
	}
	if len(wordPattern.FindAllString(s, -1)) == 0 && len(s) < 3 {
		return ""
	}
	return s
}

// Describe renders a collected value for display, masking identifiers.
func Describe(field catalog.Field, value string) string {
	switch field.Type {
	case catalog.FieldAccountID:
		if len(value) > 4 {
			return "ending in " + value[len(value)-4:]
		}
	case catalog.FieldAmount:
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return fmt.Sprintf("%.2f", v)
		}
	}
	return value
}
