package memory

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rcli/relay/pkg/config"
	"github.com/rcli/relay/pkg/errors"
)

// stamp fills the ID, session and timestamp a store assigns on append.
func stamp(sessionID string, msg ConversationMessage) ConversationMessage {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return msg
}

// read applies the session TTL and the truncation strategy to a stored
// session. stale reports that the whole session expired.
func (c ConversationConfig) read(ctx context.Context, msgs []ConversationMessage) (view []ConversationMessage, stale bool, err error) {
	if len(msgs) == 0 {
		return nil, false, nil
	}
	if c.SessionTTL > 0 && time.Since(msgs[len(msgs)-1].CreatedAt) > c.SessionTTL {
		return nil, true, nil
	}
	if c.TruncationStrategy == nil {
		return msgs, false, nil
	}
	view, err = c.TruncationStrategy.Truncate(ctx, msgs)
	return view, false, err
}

// recent returns the newest whole groups holding at most limit messages.
// The newest group is kept even when it alone is larger. A non-positive
// limit keeps everything.
func recent(msgs []ConversationMessage, limit int) []ConversationMessage {
	if limit <= 0 || len(msgs) <= limit {
		return append([]ConversationMessage(nil), msgs...)
	}
	gs := groups(msgs)
	start := len(gs) - 1
	n := len(gs[start])
	for start > 0 && n+len(gs[start-1]) <= limit {
		start--
		n += len(gs[start])
	}
	out := make([]ConversationMessage, 0, n)
	for _, g := range gs[start:] {
		out = append(out, g...)
	}
	return out
}

// expire splits msgs by age. A group goes when its first message predates
// cutoff, so tool results never outlive their call.
func expire(msgs []ConversationMessage, cutoff time.Time) (kept, dropped []ConversationMessage) {
	for _, g := range groups(msgs) {
		if g[0].CreatedAt.Before(cutoff) {
			dropped = append(dropped, g...)
			continue
		}
		kept = append(kept, g...)
	}
	return kept, dropped
}

// StrategyFromConfig maps memory.truncation to a strategy; "none" gives nil.
// "summarize" needs summarize and falls back to a window without one.
func StrategyFromConfig(mc config.MemoryConfig, summarize Summarizer) TruncationStrategy {
	switch mc.Truncation {
	case "window":
		return NewWindowStrategy(mc.MaxMessages, true)
	case "tokens":
		return NewTokenStrategy(mc.MaxTokens, true)
	case "summarize":
		if summarize == nil {
			return NewWindowStrategy(mc.MaxMessages, true)
		}
		count := mc.SummarizeCount
		if count <= 0 {
			count = max(mc.MaxMessages/2, 2)
		}
		return NewSummarizationStrategy(mc.MaxMessages, count, summarize)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FromConfig opens the conversation store named by memory.conversation_store,
// reading through strategy. The returned Closer releases it.
func FromConfig(ctx context.Context, mc config.MemoryConfig, strategy TruncationStrategy) (ConversationMemory, io.Closer, error) {
	cc := ConversationConfig{TruncationStrategy: strategy, SessionTTL: mc.SessionTTL}
	switch mc.ConversationStore {
	case "", "inmemory":
		return NewInMemoryConversation(cc), nopCloser{}, nil
	case "file":
		dir := mc.Path
		if dir == "" {
			dir = filepath.Join(".relay", "conversations")
		}
		store, err := NewFileConversation(dir, cc)
		if err != nil {
			return nil, nil, errors.New(errors.CodeMemoryError, "failed to open conversation directory", err)
		}
		return store, nopCloser{}, nil
	case "sqlite":
		path := mc.Path
		if path == "" {
			path = filepath.Join(".relay", "relay.db")
		}
		db, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		store, err := NewSQLiteConversation(ctx, SQLiteConfig{DB: db, ConversationConfig: cc})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, store, nil
	}
	return nil, nil, errors.New(errors.CodeInvalidInput, "unknown conversation store: "+mc.ConversationStore, nil)
}
