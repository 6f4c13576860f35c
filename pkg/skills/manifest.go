package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name looked up in each manifest directory.
const ManifestFile = "SKILL.md"

// Manifest declares a skill backed by an MCP server. The YAML frontmatter
// of SKILL.md carries the metadata; the markdown body is kept as
// instructions.
type Manifest struct {
	Name        string
	Description string
	Category    string
	// Tools restricts which server tools are imported; empty imports all.
	Tools []string
	// RequireConfirmation lists tool names that need approval.
	RequireConfirmation []string
	Disabled            bool
	// Command runs a local server over stdio; URL reaches a remote one
	// over streamable HTTP. Exactly one is set.
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Body    string
	Path                string
	Dir                 string
}

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

type frontmatter struct {
	Name                string `yaml:"name"`
	Description         string `yaml:"description"`
	Category            string `yaml:"category"`
	Tools               any    `yaml:"allowed-tools"`
	RequireConfirmation any    `yaml:"require-confirmation"`
	Enabled             *bool  `yaml:"enabled"`
	MCP                 struct {
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args"`
		Env     map[string]string `yaml:"env"`
		URL     string            `yaml:"url"`
	} `yaml:"mcp"`
}

// LoadManifests scans root for subdirectories containing SKILL.md.
// A missing root yields no manifests.
func LoadManifests(root string) ([]Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := LoadManifest(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// LoadManifest parses a single SKILL.md file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return Manifest{}, err
	}
	var parsed frontmatter
	if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
		return Manifest{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	tools, err := normalizeList("allowed-tools", parsed.Tools)
	if err != nil {
		return Manifest{}, err
	}
	confirm, err := normalizeList("require-confirmation", parsed.RequireConfirmation)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Name:                strings.TrimSpace(parsed.Name),
		Description:         strings.TrimSpace(parsed.Description),
		Category:            strings.TrimSpace(parsed.Category),
		Tools:               tools,
		RequireConfirmation: confirm,
		Disabled:            parsed.Enabled != nil && !*parsed.Enabled,
		Command:             strings.TrimSpace(parsed.MCP.Command),
		Args:                parsed.MCP.Args,
		Env:                 parsed.MCP.Env,
		URL:                 strings.TrimSpace(parsed.MCP.URL),
		Body:                strings.TrimSpace(body),
		Path:                path,
		Dir:                 filepath.Dir(path),
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Wants reports whether the server tool name should be imported.
func (m Manifest) Wants(tool string) bool {
	return len(m.Tools) == 0 || contains(m.Tools, tool)
}

// NeedsConfirmation reports whether tool is listed in require-confirmation.
func (m Manifest) NeedsConfirmation(tool string) bool {
	return contains(m.RequireConfirmation, tool) || contains(m.RequireConfirmation, "*")
}

func splitFrontmatter(content string) (string, string, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", errors.New("missing frontmatter")
	}
	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return "", "", errors.New("invalid frontmatter")
	}
	return strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}

func (m Manifest) validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if utf8.RuneCountInString(m.Name) > maxNameLen {
		return fmt.Errorf("name exceeds %d characters", maxNameLen)
	}
	if !skillNamePattern.MatchString(m.Name) {
		return fmt.Errorf("name must match %s", skillNamePattern)
	}
	if dir := filepath.Base(m.Dir); dir != m.Name {
		return fmt.Errorf("name must match directory name (%s)", dir)
	}
	if m.Description == "" {
		return errors.New("description is required")
	}
	if utf8.RuneCountInString(m.Description) > maxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}
	if (m.Command == "") == (m.URL == "") {
		return errors.New("exactly one of mcp.command and mcp.url is required")
	}
	return nil
}

// normalizeList accepts a space separated string or a YAML list.
func normalizeList(field string, value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return dedupe(strings.Fields(v)), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", field)
			}
			out = append(out, s)
		}
		return dedupe(out), nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list", field)
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
