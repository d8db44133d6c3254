// Package redact masks sensitive values before they leave the tool boundary.
package redact

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const maskPrefix = "****"

var (
	// Card-number shaped runs, optionally grouped with spaces or dashes.
	cardPattern = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	ssnPattern  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	// Long identifier runs in free text, such as account numbers typed by the user.
	identifierPattern = regexp.MustCompile(`\b[A-Za-z]{0,4}-?\d{8,19}\b`)
)

// LastFour replaces all but the last four alphanumerics of v with a mask.
func LastFour(v string) string {
	var kept []rune
	for _, r := range v {
		if ('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') {
			kept = append(kept, r)
		}
	}
	if len(kept) <= 4 {
		return maskPrefix
	}
	return maskPrefix + string(kept[len(kept)-4:])
}

// Fields returns a deep copy of v with masked keys replaced by LastFour
// tokens and dropped keys removed, at any nesting depth. Key matching is
// case-insensitive.
func Fields(v map[string]any, mask, drop []string) map[string]any {
	if v == nil {
		return nil
	}
	m := toSet(mask)
	d := toSet(drop)
	out, _ := walk(v, m, d).(map[string]any)
	return out
}

func walk(v any, mask, drop map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key := strings.ToLower(k)
			if _, ok := drop[key]; ok {
				continue
			}
			if _, ok := mask[key]; ok {
				out[k] = maskValue(val)
				continue
			}
			out[k] = walk(val, mask, drop)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val, mask, drop)
		}
		return out
	default:
		return v
	}
}

func maskValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return LastFour(t)
	case float64:
		return LastFour(strconv.FormatFloat(t, 'f', -1, 64))
	case map[string]any, []any:
		return maskPrefix
	default:
		return LastFour(fmt.Sprint(t))
	}
}

func toSet(keys []string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[strings.ToLower(k)] = struct{}{}
	}
	return s
}

// Sensitive returns the substrings of s that match the output denylist.
func Sensitive(s string) []string {
	var hits []string
	hits = append(hits, cardPattern.FindAllString(s, -1)...)
	hits = append(hits, ssnPattern.FindAllString(s, -1)...)
	return hits
}

// ContainsSensitive reports whether s matches the output denylist.
func ContainsSensitive(s string) bool {
	return cardPattern.MatchString(s) || ssnPattern.MatchString(s)
}

// Text masks identifiers, card numbers and SSNs embedded in free text.
func Text(s string) string {
	s = ssnPattern.ReplaceAllString(s, "***-**-****")
	s = cardPattern.ReplaceAllStringFunc(s, LastFour)
	return identifierPattern.ReplaceAllStringFunc(s, LastFour)
}
