// Package xerrors attaches call-site information to errors so the logger can
// report where a failure was created or wrapped.
//
// New, Newf, WithStack and EnsureTrace capture a full stack. Wrap and Wrapf
// record only the caller's PC, which is enough to build an error chain with
// positions without paying for a stack at every layer.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// Stacker is implemented by errors carrying a captured stack.
type Stacker interface {
	StackPCs() []uintptr
}

// Caller is implemented by errors carrying a single wrap site.
type Caller interface {
	PC() uintptr
}

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// skip counts frames above the exported function that called us
func stack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+3, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stack(0)}
}

// Newf is New with fmt formatting. %w verbs are honored.
func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stack(0)}
}

// WithStack attaches the caller's stack to err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stack(0)}
}

// EnsureTrace is WithStack unless some error in the chain already has a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if len(StackOf(err)) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stack(0)}
}

// Wrap prefixes err with msg and records the call site.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller(0)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller(0)}
}

// StackOf returns the outermost stack captured anywhere in err's chain.
func StackOf(err error) []uintptr {
	var s Stacker
	if errors.As(err, &s) && s != nil {
		return s.StackPCs()
	}
	return nil
}

// IsWrapper reports whether err is one of this package's wrapper types,
// which carry position data but no meaning of their own.
func IsWrapper(err error) bool {
	switch err.(type) {
	case *stacked, *wrapped:
		return true
	}
	return false
}
