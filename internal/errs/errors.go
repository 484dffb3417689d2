// Package errs defines the stable error kinds observable at the core
// boundary. Every error carries the attempted model and token counts so
// callers and logs can account for failed spend decisions.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindBudgetExceeded         Kind = "budget_exceeded"
	KindDocumentBudgetExceeded Kind = "document_budget_exceeded"
	KindUpstreamFailure        Kind = "upstream_failure"
	KindParseFailure           Kind = "parse_failure"
	KindStoreUnavailable       Kind = "store_unavailable"
)

// Error is the single error type crossing the core boundary.
type Error struct {
	Kind         Kind
	Model        string
	InputTokens  int
	OutputTokens int
	Message      string
	Err          error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Model != "" {
		return fmt.Sprintf("%s: %s (model=%s, tokens_in=%d, tokens_out=%d)",
			e.Kind, msg, e.Model, e.InputTokens, e.OutputTokens)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works on
// wrapped chains.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithTokens attaches the model and token counts attempted when the
// error was raised.
func (e *Error) WithTokens(model string, in, out int) *Error {
	e.Model = model
	e.InputTokens = in
	e.OutputTokens = out
	return e
}

// IsKind walks the chain looking for an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
