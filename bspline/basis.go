package bspline

import (
	"fmt"
)

// Evaluator computes the p+1 non-zero basis functions of a knot vector and
// their derivatives at a point. It owns the triangular work table, so one
// Evaluator must not be shared between goroutines; create one per worker.
type Evaluator struct {
	kv          *KnotVector
	ndu         [][]float64 // ndu[j][r], r >= j: basis values; r < j: knot differences
	a           [2][]float64
	left, right []float64
}

// NewEvaluator allocates the work tables for kv
func NewEvaluator(kv *KnotVector) *Evaluator {
	p := kv.degree
	ev := &Evaluator{
		kv:    kv,
		ndu:   make([][]float64, p+1),
		left:  make([]float64, p+1),
		right: make([]float64, p+1),
	}
	for j := range ev.ndu {
		ev.ndu[j] = make([]float64, p+1)
	}
	ev.a[0] = make([]float64, p+1)
	ev.a[1] = make([]float64, p+1)
	return ev
}

// KnotVector returns the knot vector this evaluator was built for
func (ev *Evaluator) KnotVector() *KnotVector { return ev.kv }

// NewTable allocates an output table for Evaluate with nders derivative orders
func (ev *Evaluator) NewTable(nders int) [][]float64 {
	out := make([][]float64, nders+1)
	for k := range out {
		out[k] = make([]float64, ev.kv.degree+1)
	}
	return out
}

// Evaluate fills out[k][j] with the k-th derivative of basis function
// span-p+j at t, for k = 0 .. len(out)-1, and returns span. Derivative
// orders above the degree are zero.
func (ev *Evaluator) Evaluate(t float64, out [][]float64) (span int, err error) {
	span, err = ev.kv.FindSpan(t)
	if err != nil {
		return -1, err
	}
	if err = ev.EvaluateSpan(span, t, out); err != nil {
		return -1, err
	}
	return span, nil
}

// EvaluateSpan is Evaluate with a caller supplied span. The caller guarantees
// knot[span] <= t <= knot[span+1] and that the interval is not empty, which
// lets element loops evaluate element-end quadrature points on the element
// they belong to.
func (ev *Evaluator) EvaluateSpan(span int, t float64, out [][]float64) error {
	var (
		p     = ev.kv.degree
		U     = ev.kv.knots
		ndu   = ev.ndu
		left  = ev.left
		right = ev.right
	)
	if len(out) == 0 {
		return fmt.Errorf("output table has no rows")
	}
	for k := range out {
		if len(out[k]) < p+1 {
			return fmt.Errorf("output row %d has length %d, need %d", k, len(out[k]), p+1)
		}
	}
	if span < p || span >= ev.kv.numSplines() || !(U[span] < U[span+1]) {
		return fmt.Errorf("invalid knot span %d for %v", span, ev.kv)
	}

	// Triangular table, degree 0 up to p
	ndu[0][0] = 1
	for j := 1; j <= p; j++ {
		left[j] = t - U[span+1-j]
		right[j] = U[span+j] - t
		saved := 0.
		for r := 0; r < j; r++ {
			ndu[j][r] = right[r+1] + left[j-r]
			temp := ndu[r][j-1] / ndu[j][r]
			ndu[r][j] = saved + right[r+1]*temp
			saved = left[j-r] * temp
		}
		ndu[j][j] = saved
	}
	for j := 0; j <= p; j++ {
		out[0][j] = ndu[j][p]
	}

	nders := len(out) - 1
	for k := p + 1; k <= nders; k++ {
		for j := range out[k][:p+1] {
			out[k][j] = 0
		}
	}
	n := min(nders, p)
	if n == 0 {
		return nil
	}

	// Derivatives from the same table
	a := ev.a
	for r := 0; r <= p; r++ {
		s1, s2 := 0, 1
		a[0][0] = 1
		for k := 1; k <= n; k++ {
			d := 0.
			rk, pk := r-k, p-k
			if r >= k {
				a[s2][0] = a[s1][0] / ndu[pk+1][rk]
				d = a[s2][0] * ndu[rk][pk]
			}
			j1 := 1
			if rk < -1 {
				j1 = -rk
			}
			j2 := k - 1
			if r-1 > pk {
				j2 = p - r
			}
			for j := j1; j <= j2; j++ {
				a[s2][j] = (a[s1][j] - a[s1][j-1]) / ndu[pk+1][rk+j]
				d += a[s2][j] * ndu[rk+j][pk]
			}
			if r <= pk {
				a[s2][k] = -a[s1][k-1] / ndu[pk+1][r]
				d += a[s2][k] * ndu[r][pk]
			}
			out[k][r] = d
			s1, s2 = s2, s1
		}
	}
	fac := float64(p)
	for k := 1; k <= n; k++ {
		for j := 0; j <= p; j++ {
			out[k][j] *= fac
		}
		fac *= float64(p - k)
	}
	return nil
}

// BasisValues holds the non-zero basis functions at one point
type BasisValues struct {
	// Span is the knot span containing the point
	Span int
	// Values[k][j] is the k-th derivative of basis function Span-p+j
	Values [][]float64
}

// First returns the global index of the leftmost non-zero basis function
func (bv BasisValues) First() int {
	return bv.Span - (len(bv.Values[0]) - 1)
}

// Indices returns the global indices of the non-zero basis functions. On a
// periodic knot vector they may run past NumBasis and wrap around.
func (bv BasisValues) Indices() []int {
	idx := make([]int, len(bv.Values[0]))
	for j := range idx {
		idx[j] = bv.First() + j
	}
	return idx
}

// Basis evaluates the basis functions and nders derivatives at t. It
// allocates; hot loops should hold an Evaluator instead.
func (kv *KnotVector) Basis(t float64, nders int) (BasisValues, error) {
	if nders < 0 {
		return BasisValues{}, fmt.Errorf("derivative order must be non-negative, got %d", nders)
	}
	ev := NewEvaluator(kv)
	out := ev.NewTable(nders)
	span, err := ev.Evaluate(t, out)
	if err != nil {
		return BasisValues{}, err
	}
	return BasisValues{Span: span, Values: out}, nil
}
