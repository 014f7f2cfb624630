// Package rexerr defines the error taxonomy shared by every stage of the
// rex object loader: opening and parsing the ELF, materializing maps,
// planning relocations, and driving the two-phase kernel load.
package rexerr

import (
	"errors"
	"fmt"
)

// Kind classifies why a loader operation failed. Every error the loader
// returns to a caller carries exactly one Kind.
type Kind int

const (
	// BadInput covers path-open failures, ELF signature/layout problems,
	// mmap failures, and a required section missing when a later phase
	// needs it.
	BadInput Kind = iota

	// UnsupportedRelocation is returned when a .rela.dyn entry is neither
	// a PIE-relative fixup nor a global-data fixup.
	UnsupportedRelocation

	// KernelRejected wraps a failing map-create, base-load, or
	// per-program-load kernel operation.
	KernelRejected

	// Internal covers scratch-file I/O failures (write, open, unlink).
	Internal
)

func (k Kind) String() string {
	switch k {
	case BadInput:
		return "bad input"
	case UnsupportedRelocation:
		return "unsupported relocation"
	case KernelRejected:
		return "kernel rejected"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across loader package
// boundaries. It always names the operation that failed and the Kind that
// classifies it, and wraps the underlying cause so callers can still use
// errors.Is/errors.As against it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op, wrapping err under kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf unwraps err looking for a *Error and returns its Kind.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
