package skills

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rcli/relay/pkg/errors"
)

// SkillInfo describes a registered skill for listings.
type SkillInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category,omitempty"`
	Enabled     bool     `json:"enabled"`
	Tools       []string `json:"tools"`
	Source      string   `json:"source,omitempty"`
}

type entry struct {
	skill   Skill
	tools   []*Tool
	enabled bool
}

// Registry maps skill names to skills and their ordered tools. It is safe
// for concurrent use; listings are snapshots.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	tools   map[string]*Tool // by qualified name
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		tools:   make(map[string]*Tool),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an enabled skill. It fails without side effects when the
// skill is malformed or any name collides.
func (r *Registry) Register(s Skill) error {
	if err := validateSkill(s); err != nil {
		return errors.New(errors.CodeInvalidInput, "invalid skill", err).
			WithContext("skill", s.Name)
	}

	tools := make([]*Tool, 0, len(s.Tools))
	local := make(map[string]bool, len(s.Tools))
	for _, spec := range s.Tools {
		t := &Tool{skill: s.Name, category: s.Category, spec: spec}
		t.spec.Parameters = append(Schema(nil), spec.Parameters...)
		if local[t.QualifiedName()] {
			return duplicateTool(t.QualifiedName())
		}
		local[t.QualifiedName()] = true
		tools = append(tools, t)
	}
	s.Tools = append([]ToolSpec(nil), s.Tools...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[s.Name]; exists {
		return errors.New(errors.CodeDuplicateSkill, "skill already registered", nil).
			WithContext("skill", s.Name)
	}
	for _, t := range tools {
		if _, exists := r.tools[t.QualifiedName()]; exists {
			return duplicateTool(t.QualifiedName())
		}
	}

	r.entries[s.Name] = &entry{skill: s, tools: tools, enabled: true}
	r.order = append(r.order, s.Name)
	for _, t := range tools {
		r.tools[t.QualifiedName()] = t
	}
	r.logger.Debug("registry.skill.registered",
		slog.String("skill", s.Name),
		slog.Int("tools", len(tools)),
		slog.String("source", s.Source),
	)
	return nil
}

func duplicateTool(name string) error {
	return errors.New(errors.CodeDuplicateTool, "tool name already registered", nil).
		WithContext("tool", name)
}

// AddTools appends tools to an already registered skill, which is how
// plugins contribute to an existing namespace. Either all tools are added
// or none.
func (r *Registry) AddTools(skill string, specs ...ToolSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[skill]
	if !ok {
		return skillNotFound(skill)
	}
	candidate := e.skill
	candidate.Tools = specs
	if err := validateSkill(candidate); err != nil {
		return errors.New(errors.CodeInvalidInput, "invalid tool", err).
			WithContext("skill", skill)
	}

	added := make([]*Tool, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		t := &Tool{skill: skill, category: e.skill.Category, spec: spec}
		t.spec.Parameters = append(Schema(nil), spec.Parameters...)
		q := t.QualifiedName()
		if _, exists := r.tools[q]; exists || seen[q] {
			return duplicateTool(q)
		}
		seen[q] = true
		added = append(added, t)
	}

	e.skill.Tools = append(append([]ToolSpec(nil), e.skill.Tools...), specs...)
	e.tools = append(append([]*Tool(nil), e.tools...), added...)
	for _, t := range added {
		r.tools[t.QualifiedName()] = t
	}
	r.logger.Debug("registry.tools.added",
		slog.String("skill", skill),
		slog.Int("tools", len(added)),
	)
	return nil
}

// MustRegister registers s and panics on error. For static built-ins.
func (r *Registry) MustRegister(s Skill) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Unregister removes a skill and all of its tools.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return skillNotFound(name)
	}
	for _, t := range e.tools {
		delete(r.tools, t.QualifiedName())
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Debug("registry.skill.unregistered", slog.String("skill", name))
	return nil
}

// SetEnabled enables or disables a skill. Calls already dispatched keep
// running.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return skillNotFound(name)
	}
	if e.enabled != enabled {
		e.enabled = enabled
		r.logger.Info("registry.skill.toggled",
			slog.String("skill", name),
			slog.Bool("enabled", enabled),
		)
	}
	return nil
}

// IsEnabled reports whether the named skill exists and is enabled.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.enabled
}

func skillNotFound(name string) error {
	return errors.New(errors.CodeNotFound, "skill not registered", nil).
		WithContext("skill", name)
}

// ListActiveTools returns the enabled tools the policy admits, in skill
// registration order and then declaration order. The slice is a snapshot.
func (r *Registry) ListActiveTools(p Policy) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, name := range r.order {
		e := r.entries[name]
		if !e.enabled || !p.admitsSkill(e.skill) {
			continue
		}
		for _, t := range e.tools {
			if p.admitsTool(context.Background(), t) {
				out = append(out, t)
			}
		}
	}
	return out
}

// Resolve finds a tool by "skill.tool" or "skill__tool". Tools of disabled
// skills are not resolvable.
func (r *Registry) Resolve(name string) (*Tool, error) {
	skill, tool, ok := SplitName(name)
	if !ok {
		return nil, unknownTool(name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[skill]
	if !ok || !e.enabled {
		return nil, unknownTool(name)
	}
	t, ok := r.tools[skill+"."+tool]
	if !ok {
		return nil, unknownTool(name)
	}
	return t, nil
}

func unknownTool(name string) error {
	return errors.New(errors.CodeUnknownTool, "unknown tool: "+name, nil).
		WithContext("tool", name).
		WithRecoverable(true)
}

// Skills lists registered skills in registration order.
func (r *Registry) Skills() []SkillInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SkillInfo, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		info := SkillInfo{
			Name:        e.skill.Name,
			Description: e.skill.Description,
			Category:    e.skill.Category,
			Enabled:     e.enabled,
			Source:      e.skill.Source,
			Tools:       make([]string, 0, len(e.tools)),
		}
		for _, t := range e.tools {
			info.Tools = append(info.Tools, t.QualifiedName())
		}
		out = append(out, info)
	}
	return out
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
