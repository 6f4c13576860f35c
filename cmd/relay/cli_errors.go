// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the relay CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rcli/relay/pkg/errors"
)

// CLIError wraps RelayError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.RelayError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(re *errors.RelayError, hint string) *CLIError {
	return &CLIError{
		RelayError: re,
		Hint:       hint,
	}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.RelayError == nil {
		return "unknown error"
	}
	msg := e.RelayError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError prints the error with appropriate formatting.
func (e *CLIError) PrintError(asJSON bool) {
	if asJSON {
		writeErrorJSON(string(e.Code), e.RelayError.Error(), e.Hint)
		return
	}
	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", FormatErrorCode(e.Code), e.RelayError.Error())
	if e.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Hint)
	}
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	re := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument %s: %s", arg, reason), nil).
		WithContext("argument", arg).
		WithContext("reason", reason).
		WithRecoverable(false)
	return NewCLIError(re, "run 'relay help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	re := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath).
		WithRecoverable(false)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(re, hint)
}

// NewProviderError reports a model endpoint that could not be set up.
func NewProviderError(err error, provider string) *CLIError {
	re := errors.New(errors.CodeLLMError, "model provider unavailable", err).
		WithContext("provider", provider)
	return NewCLIError(re, "check llm.provider, llm.base_url and llm.api_key")
}

// NewNotFoundError creates a not found error with CLI hints.
func NewNotFoundError(resource, name string) *CLIError {
	re := errors.New(errors.CodeNotFound, fmt.Sprintf("%s '%s' not found", resource, name), nil).
		WithContext("resource", resource).
		WithContext("name", name).
		WithRecoverable(false)
	return NewCLIError(re, fmt.Sprintf("run 'relay %s list' to see what is available", resource))
}

// PrintSimpleError prints a simple error message (for non-RelayError cases).
func PrintSimpleError(err error, asJSON bool) {
	if asJSON {
		code := "UNKNOWN"
		if re := errors.AsRelayError(err); re != nil && re.Code != errors.CodeInternal {
			code = string(re.Code)
		}
		writeErrorJSON(code, err.Error(), "")
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
}

func writeErrorJSON(code, message, hint string) {
	body := map[string]map[string]string{"error": {"code": code, "message": message}}
	if hint != "" {
		body["error"]["hint"] = hint
	}
	payload, _ := json.Marshal(body)
	fmt.Fprintln(os.Stderr, string(payload))
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeRateLimit:
		return "Rate Limited"
	case errors.CodeToolFailure:
		return "Tool Failure"
	case errors.CodeLLMError:
		return "LLM Error"
	case errors.CodeMemoryError:
		return "Memory Error"
	case errors.CodeBudgetExceeded:
		return "Context Budget Exceeded"
	case errors.CodeIterationCap:
		return "Iteration Cap"
	case errors.CodeCanceled:
		return "Canceled"
	default:
		return string(code)
	}
}
