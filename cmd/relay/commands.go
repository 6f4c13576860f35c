package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rcli/relay/pkg/budget"
	"github.com/rcli/relay/pkg/config"
	"github.com/rcli/relay/pkg/dispatch"
	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/llm"
	"github.com/rcli/relay/pkg/mcp"
	"github.com/rcli/relay/pkg/skills"
)

func runSkills(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	a, err := newApp(ctx, flags, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	switch sub {
	case "list":
		printSkills(a, flags.JSON)
		return nil
	case "enable", "disable":
		if len(args) != 2 {
			return NewInvalidArgumentError("skill", "usage: relay skills "+sub+" <name>")
		}
		if err := a.registry.SetEnabled(args[1], sub == "enable"); err != nil {
			if errors.HasCode(err, errors.CodeNotFound) {
				return NewNotFoundError("skills", args[1])
			}
			return err
		}
		printActiveTools(a, flags.JSON)
		return nil
	default:
		return NewInvalidArgumentError(sub, "unknown skills command")
	}
}

const toolsUsage = "usage: relay tools select <message> | relay tools call <skill.tool> ['<json>']"

func runTools(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return NewInvalidArgumentError("tools", toolsUsage)
	}
	switch args[0] {
	case "select":
		return runToolSelect(ctx, flags, cfg, args[1:])
	case "call":
		return runToolCall(ctx, flags, cfg, args[1:], os.Stdout)
	default:
		return NewInvalidArgumentError("tools", toolsUsage)
	}
}

func runToolSelect(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()

	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" {
		return NewInvalidArgumentError("message", "tools select needs a message")
	}
	a, err := newApp(ctx, flags, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	return explainSelection(ctx, a, message, flags.JSON)
}

// runToolCall runs one tool without the model. The call goes through the
// dispatcher like a model's would: schema validation, policy rules,
// confirmation and the skill timeout all apply. Only tools the current
// policy offers can be called.
func runToolCall(ctx context.Context, flags globalFlags, cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 || len(args) > 2 {
		return NewInvalidArgumentError("tools", toolsUsage)
	}
	req := dispatch.Request{CallID: "cli-" + strconv.FormatInt(time.Now().UnixNano(), 36), Name: args[0]}
	if len(args) == 2 {
		req.RawArguments = args[1]
	}

	a, err := newApp(ctx, flags, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	p, _ := a.policy()
	res := a.dispatcher.Dispatch(ctx, offeredTools(a.registry.ListActiveTools(p)), req)
	return printCall(out, res, flags.JSON)
}

// offeredTools resolves names among tools by qualified or wire name.
type offeredTools []*skills.Tool

func (o offeredTools) Resolve(name string) (*skills.Tool, error) {
	for _, t := range o {
		if t.QualifiedName() == name || t.WireName() == name {
			return t, nil
		}
	}
	return nil, errors.New(errors.CodeUnknownTool, "unknown tool: "+name, nil)
}

type callOutput struct {
	Tool       string           `json:"tool"`
	Outcome    dispatch.Outcome `json:"outcome"`
	Content    string           `json:"content"`
	DurationMS int64            `json:"duration_ms"`
}

// printCall writes the tool's output and turns a failed call into an
// error carrying the outcome's code.
func printCall(w io.Writer, res dispatch.Result, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(callOutput{
			Tool:       res.Tool,
			Outcome:    res.Outcome,
			Content:    res.Content(),
			DurationMS: res.Duration.Milliseconds(),
		})
	} else if res.OK() {
		fmt.Fprintln(w, res.Content())
	}
	if res.OK() {
		return nil
	}

	code := errors.CodeToolFailure
	switch res.Outcome {
	case dispatch.OutcomeValidationError:
		code = errors.CodeValidation
	case dispatch.OutcomeTimeout:
		code = errors.CodeTimeout
	case dispatch.OutcomeConfirmationDenied:
		code = errors.CodeConfirmationDenied
	case dispatch.OutcomeExecutionError:
		if strings.HasPrefix(res.Error, "unknown tool:") {
			code = errors.CodeUnknownTool
		}
	}
	re := errors.New(code, res.Error, nil).
		WithContext("tool", res.Tool).
		WithContext("outcome", string(res.Outcome))
	hint := ""
	if code == errors.CodeUnknownTool {
		hint = "run 'relay skills list' to see the active tools"
	}
	return NewCLIError(re, hint)
}

func runMCP(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	if len(args) == 0 || args[0] != "serve" {
		return NewInvalidArgumentError("mcp", "usage: relay mcp serve [--http addr]")
	}
	var addr string
	for i := 1; i < len(args); i++ {
		switch {
		case args[i] == "--http" && i+1 < len(args):
			i++
			addr = args[i]
		case strings.HasPrefix(args[i], "--http="):
			addr = strings.TrimPrefix(args[i], "--http=")
		default:
			return NewInvalidArgumentError(args[i], "unknown mcp serve flag")
		}
	}

	// stdin carries the protocol, so nobody can answer a prompt.
	if mode := strings.ToLower(flags.Approval); mode != "approve" {
		flags.Approval = "deny"
	}
	a, err := newApp(ctx, flags, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	p, _ := a.policy()
	srv := mcp.NewServer("relay", version, a.registry, a.dispatcher, p)
	if flags.Watch {
		watcher, err := config.WatchCLI(ctx, flags.Config,
			config.WithDebounce(200*time.Millisecond),
			config.WithWatchLogger(a.logger),
		)
		if err != nil {
			a.logger.Warn("relay.config.watch_failed", "error", err.Error())
		} else {
			defer watcher.Stop()
			watcher.OnChange(func(newCfg *config.Config) {
				a.reload(newCfg)
				p, _ := a.policy()
				srv.SetPolicy(p)
			})
		}
	}

	a.logger.Info("relay.mcp.serving", "tools", len(srv.Tools()), "http", addr)
	if addr != "" {
		return srv.ServeHTTP(addr)
	}
	return srv.ServeStdio()
}

type skillRow struct {
	skills.SkillInfo
	Active int `json:"active_tools"`
}

func printSkills(a *app, jsonOutput bool) {
	p, _ := a.policy()
	active := make(map[string]int)
	for _, t := range a.registry.ListActiveTools(p) {
		active[t.SkillName()]++
	}
	infos := a.registry.Skills()
	rows := make([]skillRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, skillRow{SkillInfo: info, Active: active[info.Name]})
	}
	if jsonOutput {
		printJSON(rows)
		return
	}
	w := newTabWriter()
	writeRow(w, "NAME", "ENABLED", "ACTIVE", "CATEGORY", "TOOLS", "SOURCE")
	for _, r := range rows {
		source := r.Source
		if source == "" {
			source = "builtin"
		}
		writeRow(w, r.Name, strconv.FormatBool(r.Enabled), strconv.Itoa(r.Active),
			r.Category, truncateMessage(strings.Join(r.Tools, ","), 60), source)
	}
	w.Flush()
}

func printActiveTools(a *app, jsonOutput bool) {
	p, mode := a.policy()
	tools := a.registry.ListActiveTools(p)
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.QualifiedName())
	}
	if jsonOutput {
		printJSON(map[string]any{"mode": mode, "active_tools": names})
		return
	}
	fmt.Printf("%d active tools (%s mode)\n", len(names), mode)
	for _, n := range names {
		fmt.Println("  " + n)
	}
}

type selectionOutput struct {
	Mode            skills.Mode `json:"mode"`
	SuggestedMode   skills.Mode `json:"suggested_mode"`
	Candidates      int         `json:"candidates"`
	Tools           []string    `json:"tools"`
	EstimatedTokens int         `json:"estimated_tokens"`
	Degraded        bool        `json:"degraded"`
	Error           string      `json:"error,omitempty"`
}

// explainSelection runs the budgeter for message as if it opened a new
// conversation and prints what would be offered.
func explainSelection(ctx context.Context, a *app, message string, jsonOutput bool) error {
	if message == "" {
		message = "help"
	}
	p, mode := a.policy()
	candidates := a.registry.ListActiveTools(p)
	prompt, err := systemPrompt(a.cfg.Agent)
	if err != nil {
		return err
	}
	var history []llm.Message
	if prompt != "" {
		history = append(history, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: message})

	out := selectionOutput{
		Mode:          mode,
		SuggestedMode: budget.SuggestMode(a.cfg.LLM.MaxContextTokens),
		Candidates:    len(candidates),
	}
	sel, err := a.budgeter.Select(ctx, budget.Input{
		Tools:            candidates,
		Message:          message,
		History:          history,
		Mode:             mode,
		MaxContextTokens: a.cfg.LLM.MaxContextTokens,
	})
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Mode = sel.Mode
		out.Tools = sel.Names()
		out.EstimatedTokens = sel.EstimatedTokens
		out.Degraded = sel.Degraded
	}

	if jsonOutput {
		printJSON(out)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Printf("mode %s (suggested %s), %d of %d tools, ~%d tokens", out.Mode, out.SuggestedMode, len(out.Tools), out.Candidates, out.EstimatedTokens)
	if out.Degraded {
		fmt.Print(", degraded")
	}
	fmt.Println()
	for _, n := range out.Tools {
		fmt.Println("  " + n)
	}
	return nil
}
