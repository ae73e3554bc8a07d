package bspline

import "fmt"

// DomainError reports a parametric coordinate outside [knot[p], knot[n]].
// It is local to the call and recoverable by the caller.
type DomainError struct {
	T      float64
	Lo, Hi float64
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("parametric coordinate %v outside spline domain [%v, %v]", e.T, e.Lo, e.Hi)
}
