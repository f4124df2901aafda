// Package diagnostics defines the fatal-error taxonomy described in
// spec.md §7: every error the system raises belongs to exactly one of
// four categories, and nothing is ever retried or partially recovered
// from — it propagates to the CLI, which prints it and exits non-zero.
package diagnostics

import "fmt"

// Category is one of the four fatal-error families.
type Category string

const (
	// Bundle covers bundle-access failures: open failed, missing
	// binding, unreadable row.
	Bundle Category = "bundle"
	// PlantTime covers compiler failures: malformed JSON, unknown
	// opcode spelling, missing operand, unknown global, unknown
	// sys-function, duplicate label, unresolved label, bad PUSH_BOOL.
	PlantTime Category = "plant-time"
	// LoadTime covers driver failures: entry point not found, or
	// multiple entry points presented without a selection.
	LoadTime Category = "load-time"
	// RunTime covers interpreter failures: stack under/overflow,
	// arity mismatch, non-function callee, sys-function type
	// mismatch, CHECK_BOOL violation, division by zero, recursive
	// lazy evaluation, heap exhaustion, DONE with the wrong arity.
	RunTime Category = "run-time"
)

// Error is a typed, fatal failure. Op names the operation that failed
// (an opcode, a table name, a CLI step); Err carries the underlying
// cause, if any.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Category, e.Op)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a diagnostics.Error wrapping err.
func New(category Category, op string, err error) *Error {
	return &Error{Category: category, Op: op, Err: err}
}

// Newf builds a diagnostics.Error from a formatted message, with no
// wrapped cause.
func Newf(category Category, op, format string, args ...any) *Error {
	return &Error{Category: category, Op: op, Err: fmt.Errorf(format, args...)}
}
