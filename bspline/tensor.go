package bspline

import (
	"fmt"
	"strings"
)

// TensorSpace is the tensor product of one-dimensional spline spaces. The
// global index space is the Cartesian product of the per-direction basis
// counts. It is immutable and shared read-only by all workers.
type TensorSpace struct {
	knots []*KnotVector
}

// NewTensorSpace builds a space from one knot vector per direction
func NewTensorSpace(kvs ...*KnotVector) (*TensorSpace, error) {
	if len(kvs) == 0 {
		return nil, fmt.Errorf("tensor space needs at least one direction")
	}
	for d, kv := range kvs {
		if kv == nil {
			return nil, fmt.Errorf("knot vector for direction %d is nil", d)
		}
	}
	ts := &TensorSpace{knots: make([]*KnotVector, len(kvs))}
	copy(ts.knots, kvs)
	return ts, nil
}

// Dim returns the number of parametric directions
func (ts *TensorSpace) Dim() int { return len(ts.knots) }

// Knots returns the knot vector of direction d
func (ts *TensorSpace) Knots(d int) *KnotVector { return ts.knots[d] }

// NumBasis returns the number of basis functions per direction
func (ts *TensorSpace) NumBasis() []int {
	n := make([]int, len(ts.knots))
	for d, kv := range ts.knots {
		n[d] = kv.NumBasis()
	}
	return n
}

// Periods reports which directions are periodic
func (ts *TensorSpace) Periods() []bool {
	per := make([]bool, len(ts.knots))
	for d, kv := range ts.knots {
		per[d] = kv.Periodic()
	}
	return per
}

// Degrees returns the degree per direction
func (ts *TensorSpace) Degrees() []int {
	p := make([]int, len(ts.knots))
	for d, kv := range ts.knots {
		p[d] = kv.Degree()
	}
	return p
}

// NumElements returns the number of non-degenerate elements per direction
func (ts *TensorSpace) NumElements() []int {
	ne := make([]int, len(ts.knots))
	for d, kv := range ts.knots {
		ne[d] = kv.NumElements()
	}
	return ne
}

// Size returns the total number of tensor-product basis functions
func (ts *TensorSpace) Size() int {
	n := 1
	for _, kv := range ts.knots {
		n *= kv.NumBasis()
	}
	return n
}

func (ts *TensorSpace) String() string {
	var sb strings.Builder
	sb.WriteString("TensorSpace(")
	for d, kv := range ts.knots {
		if d > 0 {
			sb.WriteString(" x ")
		}
		sb.WriteString(fmt.Sprintf("[p=%d n=%d]", kv.Degree(), kv.NumBasis()))
		if kv.Periodic() {
			sb.WriteString("*")
		}
	}
	sb.WriteString(")")
	return sb.String()
}
