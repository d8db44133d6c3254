package compose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/teller/internal/catalog"
	"github.com/ashureev/teller/internal/domain"
	"github.com/ashureev/teller/internal/feedback"
	"github.com/ashureev/teller/internal/redact"
)

var placeholderPattern = regexp.MustCompile(`\{(entity|result):([A-Za-z0-9_.]+)\}`)

const unavailable = "unavailable"

// Render fills {entity:name} and {result:tool.path} placeholders. Entity
// values are rendered for display and identifiers stay masked.
func Render(tmpl string, intent *catalog.Intent, entities map[string]string, results []domain.ToolSummary) string {
	if tmpl == "" {
		return ""
	}
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := placeholderPattern.FindStringSubmatch(m)
		switch sub[1] {
		case "entity":
			return renderEntity(intent, entities, sub[2])
		default:
			return renderResult(results, sub[2])
		}
	})
	return redact.Text(out)
}

func renderEntity(intent *catalog.Intent, entities map[string]string, name string) string {
	v, ok := entities[name]
	if !ok || v == "" {
		return unavailable
	}
	if intent != nil {
		if f, ok := intent.Field(name); ok {
			return feedback.Describe(f, v)
		}
	}
	return v
}

func renderResult(results []domain.ToolSummary, ref string) string {
	tool, path, ok := strings.Cut(ref, ".")
	if !ok {
		return unavailable
	}
	for _, r := range results {
		if r.Tool != tool || !r.OK {
			continue
		}
		var cur any = r.Result
		for _, key := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return unavailable
			}
			cur, ok = m[key]
			if !ok {
				return unavailable
			}
		}
		return formatValue(cur)
	}
	return unavailable
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return unavailable
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', 2, 64)
	default:
		return fmt.Sprint(t)
	}
}
