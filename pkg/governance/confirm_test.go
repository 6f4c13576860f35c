// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStaticConfirmer(t *testing.T) {
	req := ConfirmationRequest{Tool: "fs.write_file"}
	if !AlwaysApprove.Confirm(context.Background(), req).IsAllowed() {
		t.Fatal("expected approval")
	}
	if !AlwaysDeny.Confirm(context.Background(), req).IsDenied() {
		t.Fatal("expected denial")
	}
	if d := (StaticConfirmer{}).Confirm(context.Background(), req); !d.IsDenied() || d.Reason == "" {
		t.Fatalf("zero decision must deny with a reason, got %+v", d)
	}
	pending := StaticConfirmer{Decision: Decision{Status: DecisionStatusPending}}
	if !pending.Confirm(context.Background(), req).IsDenied() {
		t.Fatal("pending is not an approval")
	}
}

func TestConsoleConfirmer(t *testing.T) {
	tests := []struct {
		input   string
		allowed bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
	}
	for _, tc := range tests {
		var out bytes.Buffer
		c := NewConsoleConfirmer(WithConsoleInput(strings.NewReader(tc.input)), WithConsoleOutput(&out))
		d := c.Confirm(context.Background(), ConfirmationRequest{
			Tool:      "fs.write_file",
			Arguments: map[string]any{"path": "/tmp/x", "content": "hi"},
			RuleID:    "confirm:fs",
		})
		if d.IsAllowed() != tc.allowed {
			t.Errorf("input %q: expected allowed=%v, got %+v", tc.input, tc.allowed, d)
		}
		printed := out.String()
		if !strings.Contains(printed, "fs.write_file") || !strings.Contains(printed, `path = "/tmp/x"`) {
			t.Errorf("prompt missing call details: %q", printed)
		}
	}
}

func TestConsoleConfirmerTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c := NewConsoleConfirmer(WithConsoleInput(r), WithConsoleOutput(io.Discard), WithConsoleTimeout(20*time.Millisecond))

	start := time.Now()
	d := c.Confirm(context.Background(), ConfirmationRequest{Tool: "ssh.exec"})
	if !d.IsDenied() {
		t.Fatalf("expected timeout to deny, got %+v", d)
	}
	if time.Since(start) > time.Second {
		t.Fatal("confirmer did not honor its timeout")
	}
}

func TestConsoleConfirmerTimeoutLeavesNextLine(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	lines := NewLines(r)
	c := NewConsoleConfirmer(WithConsoleLines(lines), WithConsoleOutput(io.Discard), WithConsoleTimeout(20*time.Millisecond))

	if d := c.Confirm(context.Background(), ConfirmationRequest{Tool: "ssh.exec"}); !d.IsDenied() {
		t.Fatalf("expected timeout to deny, got %+v", d)
	}

	// What the user types after the timeout belongs to the next reader.
	go func() { _, _ = io.WriteString(w, "list files\n") }()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	line, err := lines.Next(ctx)
	if err != nil || line != "list files" {
		t.Fatalf("Next = %q, %v", line, err)
	}

	go func() { _, _ = io.WriteString(w, "y\n") }()
	c = NewConsoleConfirmer(WithConsoleLines(lines), WithConsoleOutput(io.Discard), WithConsoleTimeout(time.Second))
	if d := c.Confirm(context.Background(), ConfirmationRequest{Tool: "ssh.exec"}); !d.IsAllowed() {
		t.Fatalf("expected approval after an earlier timeout, got %+v", d)
	}
}

func TestConsoleConfirmerClosedInput(t *testing.T) {
	c := NewConsoleConfirmer(WithConsoleInput(strings.NewReader("")), WithConsoleOutput(io.Discard))
	d := c.Confirm(context.Background(), ConfirmationRequest{Tool: "fs.write_file"})
	if !d.IsDenied() || d.Reason != "confirmation input closed" {
		t.Fatalf("expected a closed-input denial, got %+v", d)
	}
}

func TestLines(t *testing.T) {
	lines := NewLines(strings.NewReader("one\ntwo"))
	ctx := context.Background()
	for _, want := range []string{"one", "two"} {
		if got, err := lines.Next(ctx); err != nil || got != want {
			t.Fatalf("Next = %q, %v, want %q", got, err, want)
		}
	}
	if _, err := lines.Next(ctx); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if _, err := lines.Next(ctx); err != io.EOF {
		t.Fatalf("EOF should repeat, got %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	r, w := io.Pipe()
	defer w.Close()
	if _, err := NewLines(r).Next(canceled); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRecordingConfirmer(t *testing.T) {
	store := NewMemoryApprovalStore()
	c := RecordingConfirmer{Next: AlwaysDeny, Store: store, SessionID: "s1"}

	d := c.Confirm(context.Background(), ConfirmationRequest{
		CallID:    "call-1",
		Tool:      "fs.write_file",
		Arguments: map[string]any{"path": "a.txt"},
	})
	if !d.IsDenied() {
		t.Fatalf("expected deny, got %+v", d)
	}
	records, err := store.List(context.Background(), ApprovalFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].Status != ApprovalStatusRejected || records[0].CallID != "call-1" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}
