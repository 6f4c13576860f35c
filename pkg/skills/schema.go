package skills

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind is the JSON type of a parameter.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindNumber, KindInteger, KindBoolean, KindObject, KindArray:
		return true
	}
	return false
}

// Property is one named parameter of a tool.
type Property struct {
	Name        string
	Kind        Kind
	Description string
	Required    bool
	// Enum restricts string values.
	Enum []string
	// Items is the element kind of an array; empty accepts anything.
	Items Kind
}

// Schema is the ordered parameter list of a tool. Validation is strict:
// arguments not named by a property are rejected.
type Schema []Property

// Violation describes one argument that failed validation.
type Violation struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Received string `json:"received"`
	Reason   string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (expected %s, received %s)", v.Field, v.Reason, v.Expected, v.Received)
}

var propertyNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// Check reports schema definition errors.
func (s Schema) Check() error {
	seen := make(map[string]bool, len(s))
	for i, p := range s {
		if !propertyNamePattern.MatchString(p.Name) {
			return fmt.Errorf("property %d: invalid name %q", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("property %q declared twice", p.Name)
		}
		seen[p.Name] = true
		if !p.Kind.valid() {
			return fmt.Errorf("property %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.Items != "" && (p.Kind != KindArray || !p.Items.valid()) {
			return fmt.Errorf("property %q: items %q only valid on arrays", p.Name, p.Items)
		}
		if len(p.Enum) > 0 && p.Kind != KindString {
			return fmt.Errorf("property %q: enum only valid on strings", p.Name)
		}
	}
	return nil
}

// Required returns the names of required properties in order.
func (s Schema) Required() []string {
	var out []string
	for _, p := range s {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Lookup returns the property called name.
func (s Schema) Lookup(name string) (Property, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// JSONSchema renders the schema as a JSON Schema object.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	for _, p := range s {
		def := map[string]any{"type": string(p.Kind)}
		if p.Description != "" {
			def["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			def["enum"] = append([]string(nil), p.Enum...)
		}
		if p.Kind == KindArray && p.Items != "" {
			def["items"] = map[string]any{"type": string(p.Items)}
		}
		props[p.Name] = def
	}
	required := s.Required()
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate checks args against the schema and returns a coerced copy.
// Coercions: numeric strings to numbers, "true"/"false" to booleans,
// integral numbers to int64 for integer properties.
func (s Schema) Validate(args map[string]any) (Args, []Violation) {
	out := make(Args, len(args))
	var violations []Violation

	for _, p := range s {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				violations = append(violations, Violation{
					Field:    p.Name,
					Expected: string(p.Kind),
					Received: describe(v),
					Reason:   "required property is missing",
				})
			}
			continue
		}
		coerced, vio := coerce(p.Name, p.Kind, p.Items, p.Enum, v)
		if len(vio) > 0 {
			violations = append(violations, vio...)
			continue
		}
		out[p.Name] = coerced
	}

	var unknown []string
	for name := range args {
		if _, ok := s.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		violations = append(violations, Violation{
			Field:    name,
			Expected: "no such property",
			Received: describe(args[name]),
			Reason:   "unknown property",
		})
	}

	if len(violations) > 0 {
		return nil, violations
	}
	return out, nil
}

func coerce(field string, kind, items Kind, enum []string, v any) (any, []Violation) {
	bad := func(reason string) []Violation {
		return []Violation{{Field: field, Expected: string(kind), Received: describe(v), Reason: reason}}
	}

	switch kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, bad("type mismatch")
		}
		if len(enum) > 0 && !contains(enum, s) {
			return nil, []Violation{{
				Field:    field,
				Expected: "one of " + strings.Join(enum, ", "),
				Received: strconv.Quote(s),
				Reason:   "value not allowed",
			}}
		}
		return s, nil

	case KindNumber:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, nil
			}
			return nil, bad("string is not numeric")
		}
		return nil, bad("type mismatch")

	case KindInteger:
		if f, ok := toFloat(v); ok {
			if f != math.Trunc(f) || math.IsInf(f, 0) {
				return nil, bad("number is not integral")
			}
			return int64(f), nil
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
				return int64(f), nil
			}
			return nil, bad("string is not an integer")
		}
		return nil, bad("type mismatch")

	case KindBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, bad("type mismatch")

	case KindObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return nil, bad("type mismatch")

	case KindArray:
		list, ok := v.([]any)
		if !ok {
			return nil, bad("type mismatch")
		}
		if items == "" {
			return list, nil
		}
		out := make([]any, len(list))
		var violations []Violation
		for i, item := range list {
			c, vio := coerce(fmt.Sprintf("%s[%d]", field, i), items, "", nil, item)
			if len(vio) > 0 {
				violations = append(violations, vio...)
				continue
			}
			out[i] = c
		}
		if len(violations) > 0 {
			return nil, violations
		}
		return out, nil
	}
	return nil, bad("unsupported kind")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// SchemaFromJSON converts a JSON Schema "properties" object, as published
// by MCP servers, into a Schema. Properties are ordered required first,
// then by name. Unknown types map to string.
func SchemaFromJSON(properties map[string]any, required []string) Schema {
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	req := make(map[string]bool, len(required))
	for _, r := range required {
		req[r] = true
	}
	sort.Slice(names, func(i, j int) bool {
		if req[names[i]] != req[names[j]] {
			return req[names[i]]
		}
		return names[i] < names[j]
	})

	schema := make(Schema, 0, len(names))
	for _, name := range names {
		p := Property{Name: name, Kind: KindString, Required: req[name]}
		if def, ok := properties[name].(map[string]any); ok {
			if t, ok := def["type"].(string); ok && Kind(t).valid() {
				p.Kind = Kind(t)
			}
			if d, ok := def["description"].(string); ok {
				p.Description = d
			}
			if p.Kind == KindString {
				if enum, ok := def["enum"].([]any); ok {
					for _, e := range enum {
						if s, ok := e.(string); ok {
							p.Enum = append(p.Enum, s)
						}
					}
				}
			}
			if p.Kind == KindArray {
				if items, ok := def["items"].(map[string]any); ok {
					if t, ok := items["type"].(string); ok && Kind(t).valid() {
						p.Items = Kind(t)
					}
				}
			}
		}
		schema = append(schema, p)
	}
	return schema
}
