package joinpoint

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyInvoked is returned by a second Invoke on the same Joinpoint.
var ErrAlreadyInvoked = errors.New("joinpoint: already invoked")

// MemberNotFoundError means no member of the requested name accepts the
// given arguments.
type MemberNotFoundError struct {
	Kind   Kind
	Owner  string
	Member string
	Arity  int

	// Candidates lists every member with the requested name, any arity.
	Candidates []string

	// ArityMatch is true when some candidate had the right arity but rejected
	// an argument type.
	ArityMatch bool
}

func (e *MemberNotFoundError) Error() string {
	msg := fmt.Sprintf("joinpoint: no %s %s.%s accepting %d argument(s)", e.Kind, e.Owner, e.Member, e.Arity)
	if len(e.Candidates) > 0 {
		msg += "; candidates: " + strings.Join(e.Candidates, ", ")
	}
	return msg
}

// AmbiguousOverloadError means more than one member accepts the arguments.
type AmbiguousOverloadError struct {
	Owner      string
	Member     string
	Candidates []string
}

func (e *AmbiguousOverloadError) Error() string {
	return fmt.Sprintf("joinpoint: ambiguous call to %s.%s; candidates: %s",
		e.Owner, e.Member, strings.Join(e.Candidates, ", "))
}

// InvocationError wraps any failure raised while invoking a bound member.
type InvocationError struct {
	Kind   Kind
	Owner  string
	Member string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("joinpoint: invoking %s %s.%s: %v", e.Kind, e.Owner, e.Member, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
