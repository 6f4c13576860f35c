// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rcli/relay/pkg/agent"
	"github.com/rcli/relay/pkg/config"
	"github.com/rcli/relay/pkg/core"
	"github.com/rcli/relay/pkg/governance"
)

// progress prints tool activity to w as a turn runs.
func progress(w io.Writer) core.EventEmitter {
	return core.EmitterFunc(func(_ context.Context, e core.Event) {
		switch e.Type {
		case core.EventToolDispatched:
			fmt.Fprintf(w, "  -> %v\n", e.Payload["tool"])
		case core.EventToolResult:
			fmt.Fprintf(w, "  <- %v %v (%vms)\n", e.Payload["tool"], e.Payload["outcome"], e.Payload["duration_ms"])
		}
	})
}

type turnOutput struct {
	Session    string `json:"session"`
	State      string `json:"state"`
	Iterations int    `json:"iterations"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

func runAsk(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" {
		return NewInvalidArgumentError("message", "ask needs a message")
	}
	var emitter core.EventEmitter
	if !flags.JSON {
		emitter = progress(os.Stderr)
	}
	a, err := newApp(ctx, flags, cfg, appOptions{withAgent: true, emitter: emitter})
	if err != nil {
		return err
	}
	defer a.close()

	session, err := a.agent.Session(ctx, flags.SessionID)
	if err != nil {
		return err
	}
	res, err := session.HandleUserMessage(ctx, message)
	printTurn(session.ID(), res, err, flags.JSON)
	return err
}

func runChat(ctx context.Context, flags globalFlags, cfg *config.Config, _ []string) error {
	var emitter core.EventEmitter
	if !flags.JSON {
		emitter = progress(os.Stdout)
	}
	a, err := newApp(ctx, flags, cfg, appOptions{withAgent: true, emitter: emitter})
	if err != nil {
		return err
	}
	defer a.close()

	if flags.Watch {
		watcher, err := config.WatchCLI(ctx, flags.Config,
			config.WithDebounce(200*time.Millisecond),
			config.WithWatchLogger(a.logger),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not watch config: %v\n", err)
		} else {
			defer watcher.Stop()
			watcher.OnChange(func(newCfg *config.Config) {
				a.reload(newCfg)
				if !flags.JSON {
					fmt.Println("\n[Config reloaded]")
				}
			})
		}
	}

	session, err := a.agent.Session(ctx, flags.SessionID)
	if err != nil {
		return err
	}
	if !flags.JSON {
		fmt.Printf("relay %s | %s (%s) | session %s\n", version, cfg.LLM.Provider, cfg.LLM.Model, session.ID())
		fmt.Println("Type /help for commands, 'exit' or Ctrl+D to quit.")
	}
	return runREPL(ctx, a, session, a.stdin(), flags.JSON)
}

// runREPL reads user messages from in until EOF or exit. Confirmation
// prompts raised during a turn read from the same lines.
func runREPL(ctx context.Context, a *app, session *agent.Session, in *governance.Lines, jsonOutput bool) error {
	for {
		if !jsonOutput {
			fmt.Print("\n> ")
		}
		line, err := in.Next(ctx)
		if err != nil {
			if !jsonOutput {
				fmt.Println()
			}
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case strings.HasPrefix(input, "/"):
			if quit := handleCommand(ctx, a, session, input, jsonOutput); quit {
				return nil
			}
			continue
		}

		res, err := session.HandleUserMessage(ctx, input)
		printTurn(session.ID(), res, err, jsonOutput)
	}
}

func printTurn(sessionID string, res *agent.Result, err error, jsonOutput bool) {
	out := turnOutput{Session: sessionID}
	if res != nil {
		out.State = string(res.State)
		out.Iterations = res.Iterations
		out.Response = res.Final
	}
	if err != nil {
		out.Error = err.Error()
	}
	if jsonOutput {
		printJSON(out)
		return
	}
	if err != nil {
		// The error turn appended by the agent carries the user-facing text.
		if res != nil && len(res.Conversation) > 0 {
			if last := res.Conversation[len(res.Conversation)-1]; last.IsError() {
				fmt.Fprintln(os.Stderr, last.Content)
				return
			}
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(out.Response)
}

// handleCommand runs a REPL slash command. It reports whether the REPL
// should exit.
func handleCommand(ctx context.Context, a *app, session *agent.Session, input string, jsonOutput bool) bool {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	switch cmd {
	case "/help":
		fmt.Println(`Commands:
  /skills              List skills
  /enable <skill>      Enable a skill
  /disable <skill>     Disable a skill
  /tools [message]     Show the tools the next turn would offer
  /history             Show this session's turns
  /reset               Clear this session
  /exit                Quit`)
	case "/skills":
		printSkills(a, jsonOutput)
	case "/enable", "/disable":
		if len(args) != 1 {
			fmt.Printf("usage: %s <skill>\n", cmd)
			break
		}
		if err := a.registry.SetEnabled(args[0], cmd == "/enable"); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			break
		}
		printActiveTools(a, jsonOutput)
	case "/tools":
		if err := explainSelection(ctx, a, strings.Join(args, " "), jsonOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	case "/history":
		for _, m := range session.Conversation() {
			line := m.Content
			if len(m.ToolCalls) > 0 {
				names := make([]string, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					names = append(names, tc.Function.Name)
				}
				line = "calls " + strings.Join(names, ", ")
			}
			fmt.Printf("%-9s %s\n", m.Role, truncateMessage(line, 100))
		}
	case "/reset":
		if err := session.Reset(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			break
		}
		fmt.Println("Session cleared.")
	case "/exit", "/quit":
		return true
	default:
		fmt.Printf("Unknown command: %s (try /help)\n", cmd)
	}
	return false
}
