package shared

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can branch without parsing text.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindContention   Kind = "contention"
	KindTimeout      Kind = "timeout"
	KindBlocked      Kind = "blocked"
	KindPolicyDenied Kind = "policy_denied"
	KindInternal     Kind = "internal"
)

// Error is the structured failure shared by every core component.
// Field names the offending input for validation errors; ID names the
// referenced entity for not-found, timeout and blocked errors.
type Error struct {
	Kind    Kind
	Field   string
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	if e.ID != "" {
		b.WriteString(" ")
		b.WriteString(e.ID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed input on the named field.
func Validation(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity of the given kind ("task", "thread").
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, ID: id, Message: entity + " not found"}
}

// Timeout reports a bounded wait that elapsed.
func Timeout(id, format string, args ...any) error {
	return &Error{Kind: KindTimeout, ID: id, Message: fmt.Sprintf(format, args...)}
}

// Blocked reports a task that moved to the blocked state.
func Blocked(id, format string, args ...any) error {
	return &Error{Kind: KindBlocked, ID: id, Message: fmt.Sprintf(format, args...)}
}

// Contention wraps a busy error that outlived the retry budget.
func Contention(err error) error {
	return &Error{Kind: KindContention, Message: "store busy after retries", Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
