// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// CLIOptions holds the configuration flags found on a command line.
type CLIOptions struct {
	ConfigPath string
	Profile    string
	Sets       map[string]any
	// Args are the arguments that are not configuration flags, in order.
	Args []string
}

// ParseCLI extracts --config, --profile (alias --env) and repeated
// --set key=value flags. Values are decoded as YAML, so --set
// skills.disabled=[git,ssh] yields a list and --set llm.max_retries=5 an int.
func ParseCLI(args []string) (CLIOptions, error) {
	opts := CLIOptions{Sets: map[string]any{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "-config", "--profile", "-profile", "--env", "-env", "--set", "-set":
		default:
			opts.Args = append(opts.Args, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("flag %s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch strings.TrimLeft(name, "-") {
		case "config":
			opts.ConfigPath = value
		case "profile", "env":
			opts.Profile = value
		case "set":
			key, raw, ok := strings.Cut(value, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return opts, fmt.Errorf("invalid --set %q, expected key=value", value)
			}
			opts.Sets[key] = decodeValue(raw)
		}
	}
	return opts, nil
}

func decodeValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

// Load resolves the configuration described by the options.
func (o CLIOptions) Load() (*Config, error) {
	opts := loadOptions{path: o.ConfigPath, profile: o.Profile}
	for key, value := range o.Sets {
		opts.sets = append(opts.sets, keyValue{key: key, value: value})
	}
	return load(opts)
}

// LoadWithCLI parses args with ParseCLI and loads the resulting
// configuration. Non-configuration arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := ParseCLI(args)
	if err != nil {
		return nil, err
	}
	return opts.Load()
}
