package element

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Element is one cell of the tensor-product mesh: a non-empty knot interval
// in every direction
type Element struct {
	Index []int // element position along each direction
	Spans []int // knot span per direction
}

// First writes the global index of the first non-zero basis function in
// each direction, span-p, into out
func (e Element) First(degrees []int, out []int) {
	for d, s := range e.Spans {
		out[d] = s - degrees[d]
	}
}

func (e Element) String() string {
	return fmt.Sprintf("Element(%v spans=%v)", e.Index, e.Spans)
}

// MatrixKernel computes an element contribution to a bilinear form. out is
// NumLocal x NumLocal, zeroed, with rows and columns in local basis order.
// Kernels must be deterministic and must not keep references to eb or out.
type MatrixKernel interface {
	ElementMatrix(eb *ElementBasis, out *mat.Dense) error
}

// VectorKernel computes an element contribution to a linear form. out has
// NumLocal zeroed entries in local basis order.
type VectorKernel interface {
	ElementVector(eb *ElementBasis, out *mat.VecDense) error
}

// MatrixKernelFunc adapts a function to MatrixKernel
type MatrixKernelFunc func(eb *ElementBasis, out *mat.Dense) error

func (f MatrixKernelFunc) ElementMatrix(eb *ElementBasis, out *mat.Dense) error { return f(eb, out) }

// VectorKernelFunc adapts a function to VectorKernel
type VectorKernelFunc func(eb *ElementBasis, out *mat.VecDense) error

func (f VectorKernelFunc) ElementVector(eb *ElementBasis, out *mat.VecDense) error {
	return f(eb, out)
}
