package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/teller/internal/domain"
)

const minimalCatalog = `
version: 1
tools:
  - name: lookup
    endpoint: ${LOOKUP_URL:-http://lookup.local}/v1
    schema:
      type: object
      required: [id]
      properties:
        id: {type: string}
        count: {type: integer, minimum: 1}
intents:
  - name: lookup.thing
    fields:
      - name: id
        type: text
    tools:
      - tool: lookup
        params:
          id: entity:id
`

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	transfer, ok := c.Intent("transfer.money")
	if !ok {
		t.Fatal("transfer.money missing from default catalog")
	}
	if !transfer.Write {
		t.Fatal("transfer.money must be a write intent")
	}
	want := []string{"from_account", "to_account", "amount"}
	got := transfer.Required()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("required fields = %v, want %v", got, want)
	}
	fraud, _ := c.Intent("fraud.report")
	if deps := fraud.Tools[1].Dependencies(); len(deps) != 1 || deps[0] != "block_card" {
		t.Fatalf("report_fraud dependencies = %v", deps)
	}
	tool, _ := c.Tool("get_account_balance")
	if !strings.HasSuffix(tool.Endpoint, "/v1/accounts/balance") || strings.Contains(tool.Endpoint, "${") {
		t.Fatalf("endpoint not expanded: %s", tool.Endpoint)
	}
	if tool.Method != "POST" {
		t.Fatalf("default method = %q", tool.Method)
	}
}

func TestToolValidateNamesOffendingFields(t *testing.T) {
	c, err := Parse([]byte(minimalCatalog))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	tool, _ := c.Tool("lookup")

	if err := tool.Validate(map[string]any{"id": "abc", "count": 2}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	tests := []struct {
		name   string
		params map[string]any
		field  string
	}{
		{"missing required", map[string]any{"count": 2}, "id"},
		{"wrong type", map[string]any{"id": 42}, "id"},
		{"out of range", map[string]any{"id": "abc", "count": 0}, "count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.Validate(tt.params)
			if domain.KindOf(err) != domain.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			fields := domain.FieldsOf(err)
			found := false
			for _, f := range fields {
				if f == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %q in fields %v", tt.field, fields)
			}
		})
	}
}

func TestParseRejectsBrokenCatalogs(t *testing.T) {
	tests := map[string]string{
		"unknown tool": `
version: 1
tools:
  - name: a
    endpoint: http://a
    schema: {type: object}
intents:
  - name: x
    tools:
      - tool: missing
`,
		"forward dependency": `
version: 1
tools:
  - name: a
    endpoint: http://a
    schema: {type: object}
  - name: b
    endpoint: http://b
    schema: {type: object}
intents:
  - name: x
    tools:
      - tool: a
        params:
          ref: result:b.id
      - tool: b
`,
		"undeclared entity": `
version: 1
tools:
  - name: a
    endpoint: http://a
    schema: {type: object}
intents:
  - name: x
    tools:
      - tool: a
        params:
          id: entity:nope
`,
		"enum without values": `
version: 1
tools:
  - name: a
    endpoint: http://a
    schema: {type: object}
intents:
  - name: x
    fields:
      - name: color
        type: enum
`,
		"bad field type": `
version: 1
tools:
  - name: a
    endpoint: http://a
    schema: {type: object}
intents:
  - name: x
    fields:
      - name: when
        type: date
`,
		"reserved name": `
version: 1
tools:
  - name: a
    endpoint: http://a
    schema: {type: object}
intents:
  - name: unknown
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected Parse to fail")
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LOOKUP_URL", "http://override:1234")
	c, err := Parse([]byte(minimalCatalog))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	tool, _ := c.Tool("lookup")
	if tool.Endpoint != "http://override:1234/v1" {
		t.Fatalf("endpoint = %q", tool.Endpoint)
	}
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(minimalCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s := NewStore(c, path, nil)

	if err := os.WriteFile(path, []byte("version: 0\n"), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload of invalid catalog to fail")
	}
	if s.Current() != c {
		t.Fatal("previous catalog should stay active")
	}

	updated := strings.Replace(minimalCatalog, "lookup.thing", "lookup.other", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, ok := s.Current().Intent("lookup.other"); !ok {
		t.Fatal("reloaded catalog not installed")
	}
}
