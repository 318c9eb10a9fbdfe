package value

import (
	"errors"
	"reflect"
	"strconv"
)

var (
	// ErrNotYetResolved is returned when a dependency slot is read before the
	// scheduler filled it. It always indicates a defect in phase ordering.
	ErrNotYetResolved = errors.New("value: dependency not yet resolved")

	// ErrSlotAlreadyFilled is returned on a second write to a Slot.
	ErrSlotAlreadyFilled = errors.New("value: slot already filled")

	// ErrNoInvoker is returned when a Factory expression is resolved without an Invoker.
	ErrNoInvoker = errors.New("value: no invoker configured for factory values")
)

// ConversionError is returned when a literal cannot be converted to its target type.
type ConversionError struct {
	Value string
	Type  reflect.Type
	Err   error
}

func (e *ConversionError) Error() string {
	msg := "value: cannot convert " + strconv.Quote(e.Value) + " to " + typeName(e.Type)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// TypeMismatchError is returned when a resolved value is not assignable to the
// type expected at the injection point.
type TypeMismatchError struct {
	Expr Expr
	Got  reflect.Type
	Want reflect.Type
}

func (e *TypeMismatchError) Error() string {
	src := "<nil>"
	if e.Expr != nil {
		src = e.Expr.String()
	}
	return "value: " + src + " yields " + typeName(e.Got) + ", not assignable to " + typeName(e.Want)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
