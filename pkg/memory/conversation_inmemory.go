// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type thread struct {
	msgs []ConversationMessage
}

func (t *thread) snapshot() []ConversationMessage {
	return append([]ConversationMessage(nil), t.msgs...)
}

// InMemoryConversation keeps sessions in process memory. Nothing survives
// a restart.
type InMemoryConversation struct {
	mu      sync.RWMutex
	threads map[string]*thread
	config  ConversationConfig
}

func NewInMemoryConversation(config ConversationConfig) *InMemoryConversation {
	return &InMemoryConversation{
		threads: make(map[string]*thread),
		config:  config,
	}
}

func (m *InMemoryConversation) AppendMessage(ctx context.Context, sessionID string, msg ConversationMessage) error {
	return m.AppendMessages(ctx, sessionID, []ConversationMessage{msg})
}

// AppendMessages adds msgs under one lock, so readers never see part of a
// batch.
func (m *InMemoryConversation) AppendMessages(_ context.Context, sessionID string, msgs []ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[sessionID]
	if !ok {
		t = &thread{}
		m.threads[sessionID] = t
	}
	for _, msg := range msgs {
		t.msgs = append(t.msgs, stamp(sessionID, msg))
	}
	return nil
}

func (m *InMemoryConversation) raw(sessionID string) []ConversationMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.threads[sessionID]; ok {
		return t.snapshot()
	}
	return nil
}

func (m *InMemoryConversation) GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	view, stale, err := m.config.read(ctx, m.raw(sessionID))
	if stale {
		return nil, m.Clear(ctx, sessionID)
	}
	return view, err
}

// GetRecentMessages returns the newest whole exchanges, at most limit
// messages unless the newest exchange alone is larger.
func (m *InMemoryConversation) GetRecentMessages(_ context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	return recent(m.raw(sessionID), limit), nil
}

func (m *InMemoryConversation) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, sessionID)
	return nil
}

func (m *InMemoryConversation) DeleteOldMessages(_ context.Context, sessionID string, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[sessionID]
	if !ok {
		return nil
	}
	kept, _ := expire(t.msgs, time.Now().Add(-olderThan))
	if len(kept) == 0 {
		delete(m.threads, sessionID)
		return nil
	}
	t.msgs = kept
	return nil
}

// ListSessions returns the session IDs in lexical order.
func (m *InMemoryConversation) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *InMemoryConversation) MessageCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.threads[sessionID]; ok {
		return len(t.msgs)
	}
	return 0
}
