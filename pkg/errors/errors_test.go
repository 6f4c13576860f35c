// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("network timeout")
	re := New(CodeTimeout, "tool execution timed out", cause)

	if re.Code != CodeTimeout {
		t.Errorf("expected CodeTimeout, got %v", re.Code)
	}
	if re.Message != "tool execution timed out" {
		t.Errorf("expected message 'tool execution timed out', got %q", re.Message)
	}
	if !errors.Is(re, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestBuilders(t *testing.T) {
	re := New(CodeToolFailure, "tool failed", nil).
		WithContext("tool", "math.divide").
		WithAttribute("retry_count", "3")

	if re.Context["tool"] != "math.divide" {
		t.Errorf("expected context tool to be 'math.divide'")
	}
	if re.Attributes["retry_count"] != "3" {
		t.Errorf("expected attribute retry_count")
	}
	if re.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}
	re.WithRecoverable(true)
	if !re.Recoverable || re.RecoverableString() != "true" {
		t.Errorf("expected recoverable to be true after WithRecoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		re       *RelayError
		expected string
	}{
		{
			name:     "with cause",
			re:       New(CodeTimeout, "operation timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] operation timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			re:       New(CodeUnknownTool, "unknown tool: fs.read", nil),
			expected: "[UNKNOWN_TOOL] unknown tool: fs.read",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.re.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAsRelayError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{name: "nil error", err: nil, expected: ""},
		{name: "already RelayError", err: New(CodeToolFailure, "failed", nil), expected: CodeToolFailure},
		{name: "wrapped RelayError", err: fmt.Errorf("outer: %w", New(CodeValidation, "bad", nil)), expected: CodeValidation},
		{name: "generic error", err: errors.New("generic error"), expected: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re := AsRelayError(tt.err)
			if tt.expected == "" {
				if re != nil {
					t.Errorf("expected nil for nil error")
				}
				return
			}
			if re == nil {
				t.Fatalf("expected non-nil RelayError")
			}
			if re.Code != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, re.Code)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	inner := New(CodeTimeout, "model request timed out", nil)
	outer := New(CodeLLMError, "model call failed", inner)

	if !HasCode(outer, CodeLLMError) {
		t.Errorf("expected outer code to match")
	}
	if !HasCode(outer, CodeTimeout) {
		t.Errorf("expected nested code to match")
	}
	if HasCode(outer, CodeValidation) {
		t.Errorf("unexpected match for CodeValidation")
	}
	if HasCode(errors.New("plain"), CodeInternal) {
		t.Errorf("plain errors carry no code")
	}
	if HasCode(nil, CodeInternal) {
		t.Errorf("nil carries no code")
	}
}

func TestMarshalJSON(t *testing.T) {
	re := New(CodeToolFailure, "tool failed", errors.New("network error")).
		WithContext("tool", "http.get").
		WithRecoverable(true)

	data, err := json.Marshal(re)
	if err != nil {
		t.Fatalf("unexpected error marshaling: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unexpected error unmarshaling: %v", err)
	}
	if result["code"] != "TOOL_FAILURE" {
		t.Errorf("expected code 'TOOL_FAILURE', got %v", result["code"])
	}
	if result["error"] != "network error" {
		t.Errorf("expected cause in error field, got %v", result["error"])
	}
	if result["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{CodeNotFound, 404},
		{CodeUnknownTool, 404},
		{CodeUnauthorized, 401},
		{CodeConfirmationDenied, 403},
		{CodeInvalidInput, 400},
		{CodeValidation, 400},
		{CodeDuplicateTool, 409},
		{CodeTimeout, 408},
		{CodeRateLimit, 429},
		{CodeBudgetExceeded, 413},
		{CodeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if re := New(tt.code, "test", nil); re.StatusCode != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, re.StatusCode)
			}
		})
	}
}
