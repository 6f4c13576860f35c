// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcli/relay/pkg/errors"
)

const logExt = ".jsonl"

var unsafeSessionChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileConversation keeps one JSON Lines log per session. An append writes
// its whole batch with a single write; expiry rewrites the log and renames
// it into place.
type FileConversation struct {
	mu     sync.RWMutex
	dir    string
	config ConversationConfig
}

func NewFileConversation(dir string, config ConversationConfig) (*FileConversation, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to create conversation directory", err).
			WithContext("dir", dir)
	}
	return &FileConversation{dir: dir, config: config}, nil
}

// logPath maps a session ID to a file inside dir. Characters outside
// [A-Za-z0-9._-] become underscores and dot-only names are prefixed.
func (f *FileConversation) logPath(sessionID string) string {
	name := unsafeSessionChars.ReplaceAllString(sessionID, "_")
	if strings.Trim(name, ".") == "" {
		name = "_" + name
	}
	return filepath.Join(f.dir, name+logExt)
}

func (f *FileConversation) AppendMessage(ctx context.Context, sessionID string, msg ConversationMessage) error {
	return f.AppendMessages(ctx, sessionID, []ConversationMessage{msg})
}

func (f *FileConversation) AppendMessages(_ context.Context, sessionID string, msgs []ConversationMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, msg := range msgs {
		if err := enc.Encode(stamp(sessionID, msg)); err != nil {
			return errors.New(errors.CodeMemoryError, "failed to encode message", err).
				WithContext("session_id", sessionID)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.logPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to open conversation log", err).
			WithContext("session_id", sessionID)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		_ = file.Close()
		return errors.New(errors.CodeMemoryError, "failed to append conversation", err).
			WithContext("session_id", sessionID)
	}
	return file.Close()
}

// load reads a session log. A final line without its newline is a torn
// append and is skipped; any other bad line is an error.
func (f *FileConversation) load(sessionID string) ([]ConversationMessage, error) {
	data, err := os.ReadFile(f.logPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to read conversation log", err).
			WithContext("session_id", sessionID)
	}

	lines := bytes.Split(data, []byte{'\n'})
	var msgs []ConversationMessage
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg ConversationMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, errors.New(errors.CodeMemoryError, "corrupt conversation log", err).
				WithContext("session_id", sessionID).
				WithContext("line", strconv.Itoa(i+1))
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (f *FileConversation) raw(sessionID string) ([]ConversationMessage, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.load(sessionID)
}

func (f *FileConversation) GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	msgs, err := f.raw(sessionID)
	if err != nil {
		return nil, err
	}
	view, stale, err := f.config.read(ctx, msgs)
	if stale {
		return nil, f.Clear(ctx, sessionID)
	}
	return view, err
}

// GetRecentMessages returns the newest whole exchanges, at most limit
// messages unless the newest exchange alone is larger.
func (f *FileConversation) GetRecentMessages(_ context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	msgs, err := f.raw(sessionID)
	if err != nil {
		return nil, err
	}
	return recent(msgs, limit), nil
}

func (f *FileConversation) Clear(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.logPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return errors.New(errors.CodeMemoryError, "failed to remove conversation log", err).
			WithContext("session_id", sessionID)
	}
	return nil
}

func (f *FileConversation) DeleteOldMessages(_ context.Context, sessionID string, olderThan time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs, err := f.load(sessionID)
	if err != nil || len(msgs) == 0 {
		return err
	}
	kept, dropped := expire(msgs, time.Now().Add(-olderThan))
	if len(dropped) == 0 {
		return nil
	}
	if len(kept) == 0 {
		return os.Remove(f.logPath(sessionID))
	}
	return f.rewrite(sessionID, kept)
}

func (f *FileConversation) rewrite(sessionID string, msgs []ConversationMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			return errors.New(errors.CodeMemoryError, "failed to encode message", err)
		}
	}
	path := f.logPath(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errors.New(errors.CodeMemoryError, "failed to write conversation log", err).
			WithContext("session_id", sessionID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.New(errors.CodeMemoryError, "failed to replace conversation log", err).
			WithContext("session_id", sessionID)
	}
	return nil
}

// ListSessions returns the stored log names, which equal the session IDs
// unless sanitizing changed them.
func (f *FileConversation) ListSessions() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var sessions []string
	for _, entry := range entries {
		if name := entry.Name(); !entry.IsDir() && strings.HasSuffix(name, logExt) {
			sessions = append(sessions, strings.TrimSuffix(name, logExt))
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}
