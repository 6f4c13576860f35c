// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for relay.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies relay errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeToolFailure indicates a tool handler returned an error.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeContextLost indicates the caller context ended while waiting.
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeMemoryError indicates a conversation store error.
	CodeMemoryError ErrorCode = "MEMORY_ERROR"

	// CodeLLMError indicates a model client error.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeDuplicateSkill indicates a skill name is already registered.
	CodeDuplicateSkill ErrorCode = "DUPLICATE_SKILL_NAME"

	// CodeDuplicateTool indicates a qualified tool name is already registered.
	CodeDuplicateTool ErrorCode = "DUPLICATE_TOOL_NAME"

	// CodeUnknownTool indicates a tool is not registered or its skill is disabled.
	CodeUnknownTool ErrorCode = "UNKNOWN_TOOL"

	// CodeValidation indicates tool arguments did not match the schema.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeConfirmationDenied indicates a gated tool call was refused.
	CodeConfirmationDenied ErrorCode = "CONFIRMATION_DENIED"

	// CodeBudgetExceeded indicates a request cannot fit the model context.
	CodeBudgetExceeded ErrorCode = "CONTEXT_BUDGET_EXCEEDED"

	// CodeIterationCap indicates the tool loop hit its round-trip limit.
	CodeIterationCap ErrorCode = "ITERATION_CAP_EXCEEDED"

	// CodeCanceled indicates the owner canceled the session.
	CodeCanceled ErrorCode = "CANCELED"
)

// RelayError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type RelayError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *RelayError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		StatusCode  int                    `json:"status_code"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Attributes:  e.Attributes,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new RelayError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *RelayError {
	return &RelayError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *RelayError) WithContext(key string, value interface{}) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *RelayError) WithAttribute(key, value string) *RelayError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *RelayError) WithRecoverable(recoverable bool) *RelayError {
	e.Recoverable = recoverable
	return e
}

// AsRelayError returns the first RelayError in err's chain, or wraps err
// as an internal error when there is none.
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if stderrors.As(err, &re) {
		return re
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether any RelayError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var re *RelayError
		if !stderrors.As(err, &re) {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Err
	}
	return false
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *RelayError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound, CodeUnknownTool:
		return 404
	case CodeUnauthorized:
		return 401
	case CodeConfirmationDenied:
		return 403
	case CodeInvalidInput, CodeValidation:
		return 400
	case CodeDuplicateSkill, CodeDuplicateTool:
		return 409
	case CodeTimeout:
		return 408
	case CodeRateLimit:
		return 429
	case CodeBudgetExceeded:
		return 413
	case CodeCanceled:
		return 499
	default:
		return 500
	}
}
