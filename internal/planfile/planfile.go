package planfile

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/manish-psys/aioctl/internal/plan"
)

//go:embed schema.json
var schemaJSON string

// Load reads a plan file, validates it against the embedded schema, and
// returns the parsed plan with ordering constraints checked. Schema
// violations are reported all at once so the operator fixes the file in one
// round instead of replaying errors.
func Load(path string) (*plan.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*plan.Plan, error) {
	// Round-trip through generic YAML first so the schema sees unknown fields
	// and type mismatches before they are silently dropped by struct decoding.
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	var p plan.Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func validate(doc any) error {
	res, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewGoLoader(normalize(doc)),
	)
	if err != nil {
		return fmt.Errorf("validate plan: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid plan:\n  %s", strings.Join(msgs, "\n  "))
}

// normalize rewrites YAML's map[any]any containers into the map[string]any
// the schema validator expects.
func normalize(v any) any {
	switch val := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[fmt.Sprint(k)] = normalize(inner)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = normalize(inner)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = normalize(inner)
		}
		return s
	default:
		return v
	}
}
