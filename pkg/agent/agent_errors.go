// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/rcli/relay/pkg/errors"
)

// WrapLLMError wraps a model failure. An error that already carries
// CodeLLMError or CodeRateLimit is returned with the model attached.
func WrapLLMError(err error, model string) *errors.RelayError {
	if err == nil {
		return nil
	}
	if re := errors.AsRelayError(err); re != nil && (re.Code == errors.CodeLLMError || re.Code == errors.CodeRateLimit) {
		if _, ok := re.Context["model"]; !ok {
			re.WithContext("model", model)
		}
		return re.WithAttribute("llm.model", model)
	}
	return errors.New(errors.CodeLLMError, "LLM call failed", err).
		WithContext("model", model).
		WithAttribute("llm.model", model).
		WithRecoverable(true)
}

// WrapToolError wraps a tool execution error with appropriate context.
func WrapToolError(err error, toolName, toolCallID string) *errors.RelayError {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeToolFailure, "tool execution failed", err).
		WithContext("tool_name", toolName).
		WithContext("tool_call_id", toolCallID).
		WithAttribute("tool.name", toolName).
		WithRecoverable(true)
}

// WrapMemoryError wraps a conversation store error.
func WrapMemoryError(err error, operation string) *errors.RelayError {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeMemoryError, "memory operation failed", err).
		WithContext("operation", operation).
		WithAttribute("memory.operation", operation).
		WithRecoverable(true)
}

// WrapIterationCapError reports a turn that used every iteration without
// a final answer.
func WrapIterationCapError(maxIterations int) *errors.RelayError {
	return errors.New(errors.CodeIterationCap,
		fmt.Sprintf("no final answer after %d iterations", maxIterations), nil).
		WithContext("max_iterations", maxIterations).
		WithRecoverable(false)
}

// NewBudgetError reports a request that cannot fit the model context.
// Errors that already carry CodeBudgetExceeded are returned unchanged.
func NewBudgetError(err error, budget int) *errors.RelayError {
	if re := errors.AsRelayError(err); re != nil && re.Code == errors.CodeBudgetExceeded {
		return re
	}
	return errors.New(errors.CodeBudgetExceeded, "request too large for model context", err).
		WithContext("budget", budget).
		WithRecoverable(false)
}

// WrapCanceled reports a turn stopped by its caller.
func WrapCanceled(err error) *errors.RelayError {
	return errors.New(errors.CodeCanceled, "turn canceled", err).WithRecoverable(false)
}

// NewInvalidInputError creates a new invalid input error.
func NewInvalidInputError(msg string) *errors.RelayError {
	return errors.New(errors.CodeInvalidInput, msg, nil).
		WithRecoverable(false)
}

// userMessage is the text of the error turn appended for err.
func userMessage(err error) string {
	var re *errors.RelayError
	if !stderrors.As(err, &re) {
		return "Error: " + err.Error()
	}
	switch re.Code {
	case errors.CodeBudgetExceeded:
		return "Error: request too large for model context. " + re.Message
	case errors.CodeIterationCap:
		return "Stopped: " + re.Message + ". The task may be only partly done."
	case errors.CodeCanceled:
		return "Canceled."
	case errors.CodeLLMError, errors.CodeRateLimit:
		return "Error: the model could not be reached (" + re.Error() + ")"
	}
	return "Error: " + re.Error()
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (err == nil || stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded) || errors.HasCode(err, errors.CodeCanceled))
}
