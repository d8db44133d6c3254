// Package catalog loads the immutable intent and tool catalog.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ashureev/teller/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// FieldType selects the parser used for a required field.
type FieldType string

const (
	FieldAmount    FieldType = "amount"
	FieldAccountID FieldType = "account_id"
	FieldCardLast4 FieldType = "card_last4"
	FieldInteger   FieldType = "integer"
	FieldEnum      FieldType = "enum"
	FieldText      FieldType = "text"
)

// Binding prefixes accepted in step parameters.
const (
	BindEntity  = "entity:"
	BindResult  = "result:"
	BindSession = "session:"
)

// Field is a required entity of an intent.
type Field struct {
	Name   string    `yaml:"name" validate:"required"`
	Type   FieldType `yaml:"type" validate:"required,oneof=amount account_id card_last4 integer enum text"`
	Label  string    `yaml:"label"`
	Prompt string    `yaml:"prompt"`
	Values []string  `yaml:"values" validate:"required_if=Type enum"`
}

// DisplayName returns the label, falling back to the field name.
func (f Field) DisplayName() string {
	if f.Label != "" {
		return f.Label
	}
	return strings.ReplaceAll(f.Name, "_", " ")
}

// Step is one tool call of an intent with its parameter bindings.
type Step struct {
	Tool   string         `yaml:"tool" validate:"required"`
	Params map[string]any `yaml:"params"`
}

// Dependencies returns the tools whose results this step reads.
func (s Step) Dependencies() []string {
	var deps []string
	for _, v := range s.Params {
		ref, ok := v.(string)
		if !ok || !strings.HasPrefix(ref, BindResult) {
			continue
		}
		tool, _, _ := strings.Cut(strings.TrimPrefix(ref, BindResult), ".")
		if !slices.Contains(deps, tool) {
			deps = append(deps, tool)
		}
	}
	return deps
}

// Thresholds overrides the resolver confidence tiers for one intent.
type Thresholds struct {
	High float64 `yaml:"high" validate:"omitempty,gt=0,lte=1"`
	Low  float64 `yaml:"low" validate:"omitempty,gt=0,lte=1"`
}

// Intent is a supported user request.
type Intent struct {
	Name            string      `yaml:"name" validate:"required"`
	Description     string      `yaml:"description"`
	Permission      string      `yaml:"permission"`
	Write           bool        `yaml:"write"`
	Fields          []Field     `yaml:"fields" validate:"dive"`
	Tools           []Step      `yaml:"tools" validate:"dive"`
	Thresholds      *Thresholds `yaml:"thresholds"`
	TrainingPhrases []string    `yaml:"training_phrases"`
	Confirm         string      `yaml:"confirm"`
	Response        string      `yaml:"response"`
}

// Required returns the required field names in order.
func (i *Intent) Required() []string {
	names := make([]string, len(i.Fields))
	for n, f := range i.Fields {
		names[n] = f.Name
	}
	return names
}

// Field looks up a required field by name.
func (i *Intent) Field(name string) (Field, bool) {
	for _, f := range i.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ToolNames returns the tool sequence of the intent.
func (i *Intent) ToolNames() []string {
	names := make([]string, len(i.Tools))
	for n, s := range i.Tools {
		names[n] = s.Tool
	}
	return names
}

// Tool is a schema-described operation exposed by a domain service.
type Tool struct {
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description"`
	Endpoint    string         `yaml:"endpoint" validate:"required"`
	Method      string         `yaml:"method" validate:"omitempty,oneof=GET POST PUT"`
	Schema      map[string]any `yaml:"schema" validate:"required"`
	Sensitive   []string       `yaml:"sensitive"`
	Drop        []string       `yaml:"drop"`

	compiled *jsonschema.Schema
}

// Validate checks params against the tool schema. Failures are
// ValidationErrors naming the offending parameters.
func (t *Tool) Validate(params map[string]any) error {
	doc, err := jsonValue(params)
	if err != nil {
		return &domain.Error{Kind: domain.KindValidation, Op: "catalog.Validate", Err: err}
	}
	if err := t.compiled.Validate(doc); err != nil {
		fields := missingRequired(t.Schema, params)
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			fields = append(fields, leafLocations(ve)...)
		}
		slices.Sort(fields)
		return &domain.Error{
			Kind:   domain.KindValidation,
			Op:     "catalog.Validate",
			Fields: slices.Compact(fields),
			Err:    fmt.Errorf("tool %s: %w", t.Name, err),
		}
	}
	return nil
}

func missingRequired(schema map[string]any, params map[string]any) []string {
	req, _ := schema["required"].([]any)
	var missing []string
	for _, r := range req {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func leafLocations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		if len(ve.InstanceLocation) > 0 {
			return []string{ve.InstanceLocation[0]}
		}
		return nil
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafLocations(c)...)
	}
	return out
}

// Catalog is the validated, immutable set of intents and tools.
type Catalog struct {
	Version int       `yaml:"version" validate:"gte=1"`
	Tools   []*Tool   `yaml:"tools" validate:"required,dive"`
	Intents []*Intent `yaml:"intents" validate:"required,dive"`

	tools   map[string]*Tool
	intents map[string]*Intent
}

// Tool looks up a tool by name.
func (c *Catalog) Tool(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Intent looks up an intent by name.
func (c *Catalog) Intent(name string) (*Intent, bool) {
	i, ok := c.intents[name]
	return i, ok
}

// IntentNames returns intent names in catalog order.
func (c *Catalog) IntentNames() []string {
	names := make([]string, len(c.Intents))
	for n, i := range c.Intents {
		names[n] = i.Name
	}
	return names
}

// Default returns the embedded banking catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and compiles a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&c); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}

	c.tools = make(map[string]*Tool, len(c.Tools))
	for _, t := range c.Tools {
		if _, dup := c.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		t.Endpoint = expandEnv(t.Endpoint)
		if t.Method == "" {
			t.Method = "POST"
		}
		compiled, err := compileSchema(t.Name, t.Schema)
		if err != nil {
			return nil, err
		}
		t.compiled = compiled
		c.tools[t.Name] = t
	}

	c.intents = make(map[string]*Intent, len(c.Intents))
	for _, i := range c.Intents {
		if _, dup := c.intents[i.Name]; dup {
			return nil, fmt.Errorf("duplicate intent %q", i.Name)
		}
		if err := c.checkIntent(i); err != nil {
			return nil, err
		}
		c.intents[i.Name] = i
	}
	return &c, nil
}

func (c *Catalog) checkIntent(i *Intent) error {
	if i.Name == "unknown" {
		return fmt.Errorf("intent name %q is reserved", i.Name)
	}
	if i.Thresholds != nil && i.Thresholds.Low > i.Thresholds.High {
		return fmt.Errorf("intent %s: low threshold above high threshold", i.Name)
	}
	seen := make(map[string]bool, len(i.Tools))
	for _, step := range i.Tools {
		if _, ok := c.tools[step.Tool]; !ok {
			return fmt.Errorf("intent %s: unknown tool %q", i.Name, step.Tool)
		}
		if seen[step.Tool] {
			return fmt.Errorf("intent %s: tool %q listed twice", i.Name, step.Tool)
		}
		// Result bindings may only point at earlier steps, which rules out cycles.
		for _, dep := range step.Dependencies() {
			if !seen[dep] {
				return fmt.Errorf("intent %s: step %s depends on %q which does not precede it", i.Name, step.Tool, dep)
			}
		}
		for param, v := range step.Params {
			ref, ok := v.(string)
			if !ok || !strings.HasPrefix(ref, BindEntity) {
				continue
			}
			if _, ok := i.Field(strings.TrimPrefix(ref, BindEntity)); !ok {
				return fmt.Errorf("intent %s: param %s.%s binds undeclared field %q", i.Name, step.Tool, param, ref)
			}
		}
		seen[step.Tool] = true
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := jsonValue(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: schema: %w", name, err)
	}
	url := name + ".json"
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	compiled, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// jsonValue normalizes v into the shape encoding/json produces.
func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// expandEnv expands ${VAR} and ${VAR:-default} references.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, fallback, _ := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return fallback
	})
}
