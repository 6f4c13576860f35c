// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rcli/relay/pkg/config"
)

var version = "dev"

type globalFlags struct {
	Config      config.CLIOptions
	SessionID   string
	Approval    string
	JSON        bool
	Watch       bool
	NoTelemetry bool
	Help        bool
	Timeout     time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("flags", err.Error()), false)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		printVersion(global)
		return
	case "help":
		printUsage()
		return
	}

	cfg, err := global.Config.Load()
	if err != nil {
		fatal(NewConfigError(err, global.Config.ConfigPath), global.JSON)
	}

	switch cmd {
	case "chat":
		err = runChat(ctx, global, cfg, rest)
	case "ask":
		err = runAsk(ctx, global, cfg, rest)
	case "skills":
		err = runSkills(ctx, global, cfg, rest)
	case "tools":
		err = runTools(ctx, global, cfg, rest)
	case "mcp":
		err = runMCP(ctx, global, cfg, rest)
	default:
		err = NewInvalidArgumentError(cmd, "unknown command")
	}
	if err != nil {
		fatal(err, global.JSON)
	}
}

// parseGlobalFlags reads the flags that precede the command. Configuration
// flags (--config, --profile, --set) are delegated to config.ParseCLI.
func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	opts, err := config.ParseCLI(args)
	if err != nil {
		return globalFlags{}, nil, err
	}
	flags := globalFlags{
		Config:    opts,
		SessionID: getenv("RELAY_SESSION", ""),
		Approval:  "auto",
		Timeout:   30 * time.Second,
	}
	rest := opts.Args
	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		if arg == "--" {
			return flags, rest[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, rest[i:], nil
		}
		name, value, hasValue := strings.Cut(arg, "=")
		needValue := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(rest) {
				return "", fmt.Errorf("missing value for %s", name)
			}
			i++
			return rest[i], nil
		}
		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
		case "--watch":
			flags.Watch = true
		case "--no-telemetry":
			flags.NoTelemetry = true
		case "--session":
			v, err := needValue()
			if err != nil {
				return flags, nil, err
			}
			flags.SessionID = v
		case "--approval":
			v, err := needValue()
			if err != nil {
				return flags, nil, err
			}
			flags.Approval = v
		case "--timeout":
			v, err := needValue()
			if err != nil {
				return flags, nil, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func printVersion(flags globalFlags) {
	if flags.JSON {
		printJSON(map[string]string{"version": version})
		return
	}
	fmt.Println(version)
}

func printUsage() {
	fmt.Println(`relay - tool-calling assistant runtime

Usage:
  relay [global flags] <command> [args]

Global flags:
  --config <path>        YAML config file
  --profile <name>       Overlay config.<name>.yaml
  --set key=value        Override config (repeatable)
  --session <id>         Conversation session (default: new session)
  --approval <mode>      Confirmations: auto|ask|approve|deny
  --watch                Reload config on change (chat only)
  --no-telemetry         Disable trace and metric export
  --timeout <dur>        Timeout for listing commands (default 30s)
  --json                 JSON output

Commands:
  chat                         Interactive session
  ask <message>                One-shot question
  skills list                  Registered skills and their state
  skills enable|disable <name> Toggle a skill and print the active tools
  tools select <message>       Show which tools would be offered
  tools call <tool> [json]     Run one tool directly, e.g. math.add '{"a":1,"b":2}'
  mcp serve [--http addr]      Serve the active tools over MCP
  version`)
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err, false)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncateMessage(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func fatal(err error, asJSON bool) {
	if ce, ok := err.(*CLIError); ok {
		ce.PrintError(asJSON)
	} else {
		PrintSimpleError(err, asJSON)
	}
	os.Exit(1)
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
