package skills

import (
	"context"
	"strings"

	"github.com/rcli/relay/pkg/config"
	"github.com/rcli/relay/pkg/governance"
)

// Mode selects how many tools are offered per turn.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeLite     Mode = "lite"
	ModeStandard Mode = "standard"
	ModeAuto     Mode = "auto"
)

// ParseMode maps a config value to a Mode, defaulting to auto.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFull:
		return ModeFull
	case ModeLite:
		return ModeLite
	case ModeStandard:
		return ModeStandard
	}
	return ModeAuto
}

// Policy decides which registered tools are candidates for a turn.
// The zero Policy admits every enabled tool.
type Policy struct {
	// Filter applies blacklist/whitelist selection and governance denies.
	Filter *governance.ToolFilter
	// Mode lite or standard restricts tools to Members.
	Mode Mode
	// Members are the skill names or categories of the active tier.
	Members []string
}

func (p Policy) tiered() bool {
	return p.Mode == ModeLite || p.Mode == ModeStandard
}

func (p Policy) admitsSkill(s Skill) bool {
	if !p.tiered() {
		return true
	}
	for _, m := range p.Members {
		if m == s.Name || (s.Category != "" && m == s.Category) {
			return true
		}
	}
	return false
}

func (p Policy) admitsTool(ctx context.Context, t *Tool) bool {
	if p.Filter == nil {
		return true
	}
	names := []string{t.SkillName()}
	if t.Category() != "" {
		names = append(names, t.Category())
	}
	names = append(names, t.QualifiedName())
	return !p.Filter.Visible(ctx, names...).IsDenied()
}

// PolicyFromConfig builds the policy for mode from the skills section.
// engine may be nil.
func PolicyFromConfig(sc config.SkillsConfig, mode Mode, engine governance.PolicyEngine) Policy {
	var opts []governance.ToolFilterOption
	if strings.EqualFold(sc.Selection, "whitelist") {
		opts = append(opts, governance.WithAllowlist(sc.Enabled))
	} else {
		opts = append(opts, governance.WithDenylist(sc.Disabled))
	}
	if engine != nil {
		opts = append(opts, governance.WithPolicyEngine(engine))
	}

	p := Policy{Filter: governance.NewToolFilter(opts...), Mode: mode}
	switch mode {
	case ModeLite:
		p.Members = sc.Lite
		if len(p.Members) == 0 {
			p.Members = config.LiteSkills
		}
	case ModeStandard:
		p.Members = sc.Standard
		if len(p.Members) == 0 {
			p.Members = config.StandardSkills
		}
	}
	return p
}
