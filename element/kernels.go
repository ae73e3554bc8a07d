package element

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mass returns the kernel of the L2 inner product, ∫ N_a N_b
func Mass() MatrixKernel {
	return MatrixKernelFunc(func(eb *ElementBasis, out *mat.Dense) error {
		n := eb.NumLocal()
		ders := make([]int, eb.Dim())
		vals := make([]float64, n)
		eb.ForEachQuad(func(q int, _ []float64, w float64) {
			for a := range vals {
				vals[a] = eb.Value(a, q, ders)
			}
			for a := 0; a < n; a++ {
				for b := 0; b < n; b++ {
					out.Set(a, b, out.At(a, b)+w*vals[a]*vals[b])
				}
			}
		})
		return nil
	})
}

// Stiffness returns the kernel of the Laplacian, ∫ ∇N_a · ∇N_b
func Stiffness() MatrixKernel {
	return MatrixKernelFunc(func(eb *ElementBasis, out *mat.Dense) error {
		if eb.Derivatives() < 1 {
			return fmt.Errorf("stiffness needs first derivatives, basis has order %d", eb.Derivatives())
		}
		n := eb.NumLocal()
		grads := make([][]float64, n)
		for a := range grads {
			grads[a] = make([]float64, eb.Dim())
		}
		eb.ForEachQuad(func(q int, _ []float64, w float64) {
			for a := range grads {
				eb.Gradient(a, q, grads[a])
			}
			for a := 0; a < n; a++ {
				for b := 0; b < n; b++ {
					out.Set(a, b, out.At(a, b)+w*floats.Dot(grads[a], grads[b]))
				}
			}
		})
		return nil
	})
}

// Load returns the kernel of the linear form ∫ f N_a
func Load(f func(x []float64) float64) VectorKernel {
	return VectorKernelFunc(func(eb *ElementBasis, out *mat.VecDense) error {
		ders := make([]int, eb.Dim())
		eb.ForEachQuad(func(q int, x []float64, w float64) {
			fx := f(x)
			for a := 0; a < eb.NumLocal(); a++ {
				out.SetVec(a, out.AtVec(a)+w*fx*eb.Value(a, q, ders))
			}
		})
		return nil
	})
}
