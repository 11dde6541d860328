package ledger

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInvalidOperation Kind = "invalid_operation"
	KindConcurrency      Kind = "concurrency"
)

// Error is the typed failure returned by engine operations. Callers map Kind
// to a transport status; Code names the rule or resource involved.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so errors.Is(err, ErrNotFound) works for every
// not-found code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidOperation = &Error{Kind: KindInvalidOperation}
	ErrConcurrency      = &Error{Kind: KindConcurrency}
)

func notFound(code, message string, details map[string]any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message, Details: details}
}

func invalid(code, message string, details map[string]any) *Error {
	return &Error{Kind: KindInvalidOperation, Code: code, Message: message, Details: details}
}

func concurrency(op string, attempts int, cause error) *Error {
	return &Error{
		Kind:    KindConcurrency,
		Code:    "concurrent_modification",
		Message: fmt.Sprintf("%s conflicted with a concurrent write; retry the operation", op),
		Details: map[string]any{"operation": op, "attempts": attempts},
		Err:     cause,
	}
}

func decisionNotFound(decisionID string) *Error {
	return notFound("decision_not_found", "decision not found", map[string]any{"decision_id": decisionID})
}

func versionNotFound(versionID string) *Error {
	return notFound("version_not_found", "decision version not found", map[string]any{"version_id": versionID})
}

func KindOf(err error) (Kind, bool) {
	var ledgerErr *Error
	if errors.As(err, &ledgerErr) {
		return ledgerErr.Kind, true
	}
	return "", false
}
