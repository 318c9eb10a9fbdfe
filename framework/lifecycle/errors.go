package lifecycle

import (
	"errors"
	"fmt"

	"github.com/km-arc/go-mc/framework/state"
)

var (
	// ErrNotInstalled is returned by Instance before the bean is INSTALLED.
	ErrNotInstalled = errors.New("lifecycle: bean not installed")

	// ErrUnknownBean is returned for a name that is not part of the deployment.
	ErrUnknownBean = errors.New("lifecycle: unknown bean")

	// ErrAlreadyInstalled is returned when a bean name is installed twice.
	ErrAlreadyInstalled = errors.New("lifecycle: bean already installed")

	// ErrNoInstance is returned when a constructor or factory produced nil.
	ErrNoInstance = errors.New("lifecycle: no instance produced")

	// ErrUnknownModule is returned when a bean names a class loader the
	// deployment does not have.
	ErrUnknownModule = errors.New("lifecycle: unknown module")
)

// PhaseError is the failure of one bean entering one state.
type PhaseError struct {
	Bean  string
	Phase state.State
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("lifecycle: %s entering %s: %v", e.Bean, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
