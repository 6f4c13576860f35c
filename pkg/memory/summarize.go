package memory

import (
	"context"
	"strings"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/llm"
)

// Summarizer condenses old turns into a short text.
type Summarizer func(ctx context.Context, messages []ConversationMessage) (string, error)

// Chatter is the model call a summarizer needs. *llm.Client implements it.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

const summaryPrompt = "Summarize the conversation below in a few sentences. " +
	"Keep facts, decisions, file names and tool results the user may refer to later. " +
	"Reply with the summary only."

// maxSummaryInput bounds the transcript sent for one summary, in bytes.
const maxSummaryInput = 32 << 10

// ModelSummarizer asks model, through client, for a summary of the turns.
func ModelSummarizer(client Chatter, model string) Summarizer {
	return func(ctx context.Context, messages []ConversationMessage) (string, error) {
		resp, err := client.Chat(ctx, llm.ChatRequest{
			Model: model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: summaryPrompt},
				{Role: llm.RoleUser, Content: transcript(messages)},
			},
		})
		if err != nil {
			return "", errors.New(errors.CodeMemoryError, "summarize conversation", err).
				WithContext("messages", len(messages))
		}
		summary := strings.TrimSpace(resp.Content)
		if summary == "" {
			return "", errors.New(errors.CodeMemoryError, "model returned an empty summary", nil)
		}
		return summary, nil
	}
}

// transcript renders turns one per line as "role: content". Tool calls are
// listed by name, and the oldest lines go first when the text is too long.
func transcript(messages []ConversationMessage) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.IsError() {
			continue
		}
		var b strings.Builder
		b.WriteString(m.Role)
		if m.Name != "" {
			b.WriteString(" (" + m.Name + ")")
		}
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
		for _, tc := range m.ToolCalls {
			b.WriteString(" [call " + tc.Function.Name + " " + tc.Function.Arguments + "]")
		}
		lines = append(lines, b.String())
	}
	out := strings.Join(lines, "\n")
	for len(out) > maxSummaryInput && len(lines) > 1 {
		lines = lines[1:]
		out = strings.Join(lines, "\n")
	}
	return out
}
