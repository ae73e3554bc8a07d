package assembly

import (
	"errors"
	"fmt"

	"github.com/notargets/IGAKernel/element"
)

// ErrInvalidState is returned when an operation is called in a state that
// does not allow it
var ErrInvalidState = errors.New("invalid engine state")

// AssemblyError reports an element kernel that failed or panicked. The
// engine is left in the Failed state.
type AssemblyError struct {
	Rank    int
	Element element.Element
	Err     error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("rank %d: kernel failed on element %v: %v", e.Rank, e.Element.Index, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

func stateError(op string, s State) error {
	return fmt.Errorf("%s in state %s: %w", op, s, ErrInvalidState)
}
