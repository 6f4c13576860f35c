// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package skills holds the skill registry: named groups of tools with typed
// parameter schemas, enable/disable state and tier membership.
package skills

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rcli/relay/pkg/llm"
)

// WireSeparator joins skill and tool in model-facing function names, which
// may not contain dots.
const WireSeparator = "__"

var (
	skillNamePattern = regexp.MustCompile(`^[a-z0-9]+([_-][a-z0-9]+)*$`)
	toolNamePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
)

const maxWireNameLen = 64

// Args are validated, coerced tool arguments.
type Args map[string]any

// String returns the string argument key, or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Float returns the numeric argument key.
func (a Args) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the integer argument key.
func (a Args) Int(key string) int64 {
	switch v := a[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Bool returns the boolean argument key.
func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// Has reports whether key was supplied.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Handler executes a tool. It must return promptly once ctx is done.
type Handler func(ctx context.Context, args Args) (any, error)

// ToolSpec declares one tool of a skill.
type ToolSpec struct {
	Name                 string
	Description          string
	Parameters           Schema
	Handler              Handler
	RequiresConfirmation bool
}

// Skill is a named, ordered group of tools.
type Skill struct {
	Name        string
	Description string
	Category    string
	Tools       []ToolSpec
	// Source names where the skill came from (builtin, a manifest path).
	Source string
}

// Tool is a registered tool bound to its skill. Tools are immutable.
type Tool struct {
	skill    string
	category string
	spec     ToolSpec
}

// QualifiedName returns "skill.tool".
func (t *Tool) QualifiedName() string { return t.skill + "." + t.spec.Name }

// WireName returns "skill__tool", the function name offered to the model.
func (t *Tool) WireName() string { return t.skill + WireSeparator + t.spec.Name }

func (t *Tool) Name() string { return t.spec.Name }
func (t *Tool) SkillName() string { return t.skill }
func (t *Tool) Category() string { return t.category }
func (t *Tool) Description() string { return t.spec.Description }
func (t *Tool) Parameters() Schema { return t.spec.Parameters }
func (t *Tool) RequiresConfirmation() bool { return t.spec.RequiresConfirmation }
func (t *Tool) Handler() Handler { return t.spec.Handler }

// Definition renders the tool for a chat request.
func (t *Tool) Definition() llm.Tool {
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        t.WireName(),
			Description: t.spec.Description,
			Parameters:  t.spec.Parameters.JSONSchema(),
		},
	}
}

// Definitions renders tools in order.
func Definitions(tools []*Tool) []llm.Tool {
	out := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Definition())
	}
	return out
}

// SplitName splits "skill.tool" or "skill__tool" into its parts.
func SplitName(name string) (skill, tool string, ok bool) {
	if s, t, found := strings.Cut(name, WireSeparator); found {
		return s, t, s != "" && t != ""
	}
	if s, t, found := strings.Cut(name, "."); found {
		return s, t, s != "" && t != ""
	}
	return "", "", false
}

// validateSkill checks names, handlers and schemas without touching any
// registry state.
func validateSkill(s Skill) error {
	if !skillNamePattern.MatchString(s.Name) {
		return fmt.Errorf("skill name %q must match %s", s.Name, skillNamePattern)
	}
	for i, spec := range s.Tools {
		if !toolNamePattern.MatchString(spec.Name) {
			return fmt.Errorf("tool %d of %s: invalid name %q", i, s.Name, spec.Name)
		}
		if len(s.Name)+len(WireSeparator)+len(spec.Name) > maxWireNameLen {
			return fmt.Errorf("tool %s.%s: name longer than %d characters", s.Name, spec.Name, maxWireNameLen)
		}
		if spec.Handler == nil {
			return fmt.Errorf("tool %s.%s: missing handler", s.Name, spec.Name)
		}
		if err := spec.Parameters.Check(); err != nil {
			return fmt.Errorf("tool %s.%s: %w", s.Name, spec.Name, err)
		}
	}
	return nil
}

// CheckTool reports why spec could not be registered under skill, or nil.
func CheckTool(skill string, spec ToolSpec) error {
	return validateSkill(Skill{Name: skill, Tools: []ToolSpec{spec}})
}
