package quadrature

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// JacobiGQ computes the N+1 point Gauss quadrature for the Jacobi weight
// (1-x)^alpha (1+x)^beta on [-1, 1], returning nodes in ascending order.
// The nodes are the eigenvalues of the symmetric tridiagonal Jacobi matrix and
// the weights come from the first component of each eigenvector.
func JacobiGQ(alpha, beta float64, N int) (X, W []float64, err error) {
	if N < 0 {
		return nil, nil, fmt.Errorf("quadrature order must be non-negative, got %d", N)
	}
	if N == 0 {
		return []float64{(beta - alpha) / (alpha + beta + 2.)}, []float64{Gamma0(alpha, beta)}, nil
	}

	h1 := make([]float64, N+1)
	for i := 0; i < N+1; i++ {
		h1[i] = 2*float64(i) + alpha + beta
	}

	// main diagonal: d0[i] = -(β²-α²)/((2i+α+β)*(2i+α+β+2))
	d0 := make([]float64, N+1)
	fac := beta*beta - alpha*alpha
	for i := 0; i < N+1; i++ {
		val := h1[i]
		d0[i] = fac / (val * (val + 2.))
	}
	// 0/0 at i=0 when alpha+beta == 0
	if alpha+beta < 10*1e-16 {
		d0[0] = 0.
	}

	d1 := make([]float64, N)
	for i := 0; i < N; i++ {
		ip1 := float64(i + 1)
		val := h1[i]
		d1[i] = 2.0 / (val + 2.0) * math.Sqrt(
			ip1*(ip1+alpha+beta)*(ip1+alpha)*(ip1+beta)/(val+1)/(val+3),
		)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(NewSymTriDiagonal(d0, d1), true); !ok {
		return nil, nil, fmt.Errorf("eigenvalue decomposition failed for N=%d", N)
	}
	x := eig.Values(nil)

	vecs := mat.NewDense(N+1, N+1, nil)
	eig.VectorsTo(vecs)
	g0 := Gamma0(alpha, beta)

	order := make([]int, N+1)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return x[order[i]] < x[order[j]] })

	X = make([]float64, N+1)
	W = make([]float64, N+1)
	for i, k := range order {
		v := vecs.At(0, k)
		X[i] = x[k]
		W[i] = v * v * g0
	}
	return X, W, nil
}

// Gamma0 is the integral of the Jacobi weight over [-1, 1]
func Gamma0(alpha, beta float64) float64 {
	ab1 := alpha + beta + 1.
	a1 := alpha + 1.
	b1 := beta + 1.
	return math.Gamma(a1) * math.Gamma(b1) * math.Pow(2, ab1) / ab1 / math.Gamma(ab1)
}

// NewSymTriDiagonal builds a symmetric tridiagonal matrix from its diagonal
// d0 and first off-diagonal d1
func NewSymTriDiagonal(d0, d1 []float64) *mat.SymDense {
	n := len(d0)
	tri := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		tri.SetSym(i, i, d0[i])
		if i < n-1 {
			tri.SetSym(i, i+1, d1[i])
		}
	}
	return tri
}
