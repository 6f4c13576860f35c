package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/skills"
)

// Outcome classifies a dispatched call.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeValidationError    Outcome = "validation_error"
	OutcomeExecutionError     Outcome = "execution_error"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeConfirmationDenied Outcome = "confirmation_denied"
)

// Request is one tool call proposed by the model. Arguments wins over
// RawArguments when both are set.
type Request struct {
	CallID       string
	Name         string
	Arguments    map[string]any
	RawArguments string
}

// Result is the outcome of exactly one Request.
type Result struct {
	CallID     string
	Tool       string
	Outcome    Outcome
	Payload    string
	Error      string
	Violations []skills.Violation
	Duration   time.Duration
}

// OK reports whether the handler ran and returned normally.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Content is the text fed back to the model: the payload on success, a JSON
// error object otherwise.
func (r Result) Content() string {
	if r.OK() {
		return r.Payload
	}
	body := struct {
		Outcome    Outcome            `json:"outcome"`
		Error      string             `json:"error"`
		Violations []skills.Violation `json:"violations,omitempty"`
	}{r.Outcome, r.Error, r.Violations}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"outcome":%q,"error":%q}`, r.Outcome, r.Error)
	}
	return string(data)
}

// Err returns the failure as a RelayError, or nil on success.
func (r Result) Err() error {
	var code errors.ErrorCode
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeValidationError:
		code = errors.CodeValidation
	case OutcomeTimeout:
		code = errors.CodeTimeout
	case OutcomeConfirmationDenied:
		code = errors.CodeConfirmationDenied
	default:
		code = errors.CodeToolFailure
	}
	return errors.New(code, r.Error, nil).
		WithContext("tool", r.Tool).
		WithContext("call_id", r.CallID).
		WithRecoverable(true)
}

func render(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.RawMessage:
		return string(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("result is not serializable: %w", err)
	}
	return string(data), nil
}
