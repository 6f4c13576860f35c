// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"testing"
)

func TestLoadWithCLIOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	writeFile(t, path, "llm:\n  provider: ollama\n  model: model-a\n")
	t.Setenv("RELAY_LLM_PROVIDER", "openai")

	cfg, err := LoadWithCLI([]string{
		"--config", path,
		"--set", "llm.provider=mock",
		"--set", "agent.max_iterations=3",
		"--set=skills.disabled=[git, ssh]",
		"--set", "telemetry.otlp_insecure=true",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.LLM.Provider != "mock" {
		t.Fatalf("expected cli override provider, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "model-a" {
		t.Fatalf("expected file model, got %s", cfg.LLM.Model)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Fatalf("expected max_iterations 3, got %d", cfg.Agent.MaxIterations)
	}
	if len(cfg.Skills.Disabled) != 2 || cfg.Skills.Disabled[1] != "ssh" {
		t.Fatalf("expected disabled list override, got %v", cfg.Skills.Disabled)
	}
	if !cfg.Telemetry.OTLPInsecure {
		t.Fatalf("expected otlp_insecure=true")
	}
}

func TestParseCLIKeepsOtherArgs(t *testing.T) {
	opts, err := ParseCLI([]string{"chat", "--profile=dev", "--config", "x.yaml", "-v", "hello"})
	if err != nil {
		t.Fatalf("ParseCLI failed: %v", err)
	}
	if opts.ConfigPath != "x.yaml" || opts.Profile != "dev" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	want := []string{"chat", "-v", "hello"}
	if len(opts.Args) != len(want) {
		t.Fatalf("expected args %v, got %v", want, opts.Args)
	}
	for i := range want {
		if opts.Args[i] != want[i] {
			t.Fatalf("expected args %v, got %v", want, opts.Args)
		}
	}
}

func TestParseCLIErrors(t *testing.T) {
	tests := [][]string{
		{"--config"},
		{"--set"},
		{"--set", "invalid"},
		{"--set", "=value"},
	}
	for _, args := range tests {
		if _, err := ParseCLI(args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestLoadWithCLIProfile(t *testing.T) {
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, basePath, "llm:\n  provider: \"ollama\"\n")
	writeFile(t, filepath.Join(tmpDir, "config.dev.yaml"), "llm:\n  provider: \"mock\"\n")

	tests := []struct {
		name string
		args []string
	}{
		{"profile flag", []string{"--config", basePath, "--profile", "dev"}},
		{"env flag alias", []string{"--config", basePath, "--env", "dev"}},
		{"equals form", []string{"--config=" + basePath, "--profile=dev"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithCLI(tc.args)
			if err != nil {
				t.Fatalf("LoadWithCLI failed: %v", err)
			}
			if cfg.LLM.Provider != "mock" {
				t.Errorf("provider: got %s, want mock", cfg.LLM.Provider)
			}
		})
	}
}
