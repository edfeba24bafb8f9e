// Package fault defines the two error kinds raised by the vAMM core.
//
// Arithmetic faults come from checked integer operations (overflow,
// unsigned underflow, division by zero). Validation faults come from an
// explicit invariant check. Both abort the enclosing operation; callers
// match them with errors.Is against ErrArithmetic and ErrValidation.
package fault

import (
	"errors"
	"fmt"
)

// Kind tags a fault.
type Kind uint8

const (
	KindArithmetic Kind = iota + 1
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindArithmetic:
		return "arithmetic"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

var (
	// ErrArithmetic matches every arithmetic fault.
	ErrArithmetic = errors.New("fault: arithmetic error")

	// ErrValidation matches every validation fault.
	ErrValidation = errors.New("fault: validation error")
)

// Error carries the kind, the operation that failed and an optional
// message. Op is context only; two faults of the same kind match each
// other regardless of where they were raised.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s error in %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Op, e.Msg)
}

// Is reports whether target is the sentinel for this fault's kind or
// another fault of the same kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrArithmetic:
		return e.Kind == KindArithmetic
	case ErrValidation:
		return e.Kind == KindValidation
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// Arithmetic returns an arithmetic fault raised in op.
func Arithmetic(op string) error {
	return &Error{Kind: KindArithmetic, Op: op}
}

// Validation returns a validation fault raised in op.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or 0 when err is not a fault.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
