// Package config loads relay settings from defaults, YAML files, RELAY_
// environment variables and command-line overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/rcli/relay/pkg/errors"
)

// EnvPrefix is the prefix for environment overrides (RELAY_LLM_MODEL -> llm.model).
const EnvPrefix = "RELAY_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	LLM        LLMConfig        `koanf:"llm"`
	Agent      AgentConfig      `koanf:"agent"`
	Skills     SkillsConfig     `koanf:"skills"`
	Governance GovernanceConfig `koanf:"governance"`
	Memory     MemoryConfig     `koanf:"memory"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider         string        `koanf:"provider"` // ollama, openai, anthropic, gemini, qwen, mock
	Model            string        `koanf:"model"`
	BaseURL          string        `koanf:"base_url"`
	APIKey           string        `koanf:"api_key"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	MaxRetries       int           `koanf:"max_retries"`
	MaxContextTokens int           `koanf:"max_context_tokens"`
	MaxTokens        int           `koanf:"max_tokens"`
	Temperature      float64       `koanf:"temperature"`
}

// AgentConfig controls the orchestration loop.
type AgentConfig struct {
	MaxIterations       int           `koanf:"max_iterations"`
	SkillTimeout        time.Duration `koanf:"skill_timeout"`
	ConfirmationTimeout time.Duration `koanf:"confirmation_timeout"`
	ParallelTools       int           `koanf:"parallel_tools"`
	SystemPrompt        string        `koanf:"system_prompt"`
	AgentsMD            bool          `koanf:"agents_md"`
}

// SkillsConfig controls which skills are visible and how many tools are
// advertised per turn.
type SkillsConfig struct {
	Selection           string   `koanf:"selection"` // blacklist, whitelist
	Mode                string   `koanf:"mode"`      // full, lite, standard, auto
	Enabled             []string `koanf:"enabled"`
	Disabled            []string `koanf:"disabled"`
	RequireConfirmation []string `koanf:"require_confirmation"`
	Lite                []string `koanf:"lite"`
	Standard            []string `koanf:"standard"`
	LiteCeiling         int      `koanf:"lite_ceiling"`
	StandardCeiling     int      `koanf:"standard_ceiling"`
	MaxDegradeSteps     int      `koanf:"max_degrade_steps"`
	ManifestsDir        string   `koanf:"manifests_dir"`
}

type GovernanceConfig struct {
	Policies []PolicyRuleConfig `koanf:"policies"`
	// Redact names what is masked in tool output: secret, email,
	// credit_card, ip_address or all.
	Redact        []string `koanf:"redact"`
	FlagInjection bool     `koanf:"flag_injection"`
}

type PolicyRuleConfig struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"` // allow, deny, pending
	Type   string `koanf:"type"`   // tool, mcp
	Name   string `koanf:"name"`   // glob
	Reason string `koanf:"reason"`
}

type MemoryConfig struct {
	ConversationStore string `koanf:"conversation_store"` // inmemory, file, sqlite
	Path              string `koanf:"path"`
	Truncation        string `koanf:"truncation"` // none, window, tokens, summarize
	MaxMessages       int    `koanf:"max_messages"`
	MaxTokens         int    `koanf:"max_tokens"`
	// SummarizeCount is how many old messages one summary replaces.
	// Zero means half of max_messages.
	SummarizeCount int `koanf:"summarize_count"`
	// SessionTTL forgets sessions idle for longer. Zero keeps them forever.
	SessionTTL time.Duration `koanf:"session_ttl"`

	Ranking         string `koanf:"ranking"` // keyword, vector
	QdrantAddr      string `koanf:"qdrant_addr"`
	Collection      string `koanf:"collection"`
	EmbedderBaseURL string `koanf:"embedder_base_url"`
	EmbedderModel   string `koanf:"embedder_model"`
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

// LiteSkills and StandardSkills are the default tier members. Entries may
// name a skill or a category.
var (
	LiteSkills     = []string{"datetime", "math", "text", "json", "crypto", "fs", "code"}
	StandardSkills = append(append([]string(nil), LiteSkills...),
		"pdf", "markdown", "yaml", "csv", "regex", "archive", "git", "http", "sql", "translate")
)

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("llm.provider", "ollama")
	k.Set("llm.model", "qwen2.5-coder:7b-instruct-q5_K_M")
	k.Set("llm.base_url", "http://localhost:11434")
	k.Set("llm.request_timeout", "30s")
	k.Set("llm.max_retries", 3)
	k.Set("llm.max_context_tokens", 8192)
	k.Set("llm.max_tokens", 4096)
	k.Set("llm.temperature", 0.7)

	k.Set("agent.max_iterations", 10)
	k.Set("agent.skill_timeout", "60s")
	k.Set("agent.confirmation_timeout", "30s")
	k.Set("agent.parallel_tools", 4)

	k.Set("skills.selection", "blacklist")
	k.Set("skills.mode", "auto")
	k.Set("skills.lite", LiteSkills)
	k.Set("skills.standard", StandardSkills)
	k.Set("skills.lite_ceiling", 5)
	k.Set("skills.standard_ceiling", 15)
	k.Set("skills.max_degrade_steps", 3)

	k.Set("governance.redact", []string{"secret"})
	k.Set("governance.flag_injection", true)

	k.Set("memory.conversation_store", "inmemory")
	k.Set("memory.truncation", "none")
	k.Set("memory.max_messages", 50)
	k.Set("memory.max_tokens", 4000)
	k.Set("memory.ranking", "keyword")
	k.Set("memory.qdrant_addr", "localhost:6334")
	k.Set("memory.collection", "relay_tools")
	k.Set("memory.embedder_base_url", "http://localhost:11434")
	k.Set("memory.embedder_model", "nomic-embed-text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_timeout_seconds", 10)
}

// Load reads defaults, the optional YAML file at path and RELAY_ environment
// variables.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile behaves like Load and then layers config.<profile>.yaml,
// found next to path, when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(loadOptions{path: path, profile: profile})
}

type loadOptions struct {
	path    string
	profile string
	sets    []keyValue
}

type keyValue struct {
	key   string
	value any
}

func load(opts loadOptions) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if opts.path != "" {
		if err := k.Load(file.Provider(opts.path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "failed to load config file", err).
				WithContext("path", opts.path)
		}
		if p := profilePath(opts.path, opts.profile); p != "" {
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return nil, errors.New(errors.CodeInvalidInput, "failed to load profile config", err).
					WithContext("path", p)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, kv := range opts.sets {
		if err := k.Set(kv.key, kv.value); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "invalid override", err).
				WithContext("key", kv.key)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps RELAY_LLM_BASE_URL to llm.base_url: the first segment names
// the section, the rest is the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

func profilePath(path, profile string) string {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return ""
	}
	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// Validate rejects values the rest of relay cannot interpret.
func (c *Config) Validate() error {
	check := func(field, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("invalid %s %q (want one of %s)", field, value, strings.Join(allowed, ", ")), nil).
			WithContext("field", field)
	}
	if err := check("skills.selection", c.Skills.Selection, "blacklist", "whitelist"); err != nil {
		return err
	}
	if err := check("skills.mode", c.Skills.Mode, "full", "lite", "standard", "auto"); err != nil {
		return err
	}
	if err := check("memory.conversation_store", c.Memory.ConversationStore, "inmemory", "file", "sqlite"); err != nil {
		return err
	}
	if err := check("memory.truncation", c.Memory.Truncation, "none", "window", "tokens", "summarize"); err != nil {
		return err
	}
	if err := check("memory.ranking", c.Memory.Ranking, "keyword", "vector"); err != nil {
		return err
	}
	if err := check("telemetry.exporter", c.Telemetry.Exporter, "none", "stdout", "otlp"); err != nil {
		return err
	}
	if c.Agent.MaxIterations < 1 {
		return errors.New(errors.CodeInvalidInput, "agent.max_iterations must be at least 1", nil)
	}
	if c.LLM.MaxContextTokens < 1 {
		return errors.New(errors.CodeInvalidInput, "llm.max_context_tokens must be positive", nil)
	}
	return nil
}
