package bspline

import (
	"fmt"
	"math"
)

// KnotVector is a non-decreasing knot sequence together with the spline
// degree it defines. It is immutable after construction and may be shared
// between goroutines.
type KnotVector struct {
	knots    []float64
	degree   int
	periodic bool
}

// NewKnotVector validates and copies knots.
//
// Requirements: degree >= 0, len(knots) >= 2*(degree+1), knots are finite and
// non-decreasing, and the parametric domain [knots[p], knots[n]] is not empty.
func NewKnotVector(knots []float64, degree int) (*KnotVector, error) {
	if degree < 0 {
		return nil, fmt.Errorf("degree must be non-negative, got %d", degree)
	}
	if len(knots) < 2*(degree+1) {
		return nil, fmt.Errorf("knot vector of length %d too short for degree %d (need at least %d)",
			len(knots), degree, 2*(degree+1))
	}
	for i, k := range knots {
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return nil, fmt.Errorf("knot %d is not finite: %v", i, k)
		}
		if i > 0 && k < knots[i-1] {
			return nil, fmt.Errorf("knots must be non-decreasing: knot[%d]=%v < knot[%d]=%v",
				i, k, i-1, knots[i-1])
		}
	}
	kv := &KnotVector{
		knots:  make([]float64, len(knots)),
		degree: degree,
	}
	copy(kv.knots, knots)

	lo, hi := kv.Domain()
	if !(lo < hi) {
		return nil, fmt.Errorf("empty parametric domain [%v, %v]", lo, hi)
	}
	return kv, nil
}

// OpenUniform builds a clamped knot vector with nelements equal intervals on [a, b]
func OpenUniform(nelements, degree int, a, b float64) (*KnotVector, error) {
	if nelements < 1 {
		return nil, fmt.Errorf("need at least one element, got %d", nelements)
	}
	if !(a < b) {
		return nil, fmt.Errorf("invalid interval [%v, %v]", a, b)
	}
	knots := make([]float64, 0, nelements+1+2*degree)
	for i := 0; i < degree; i++ {
		knots = append(knots, a)
	}
	h := (b - a) / float64(nelements)
	for i := 0; i <= nelements; i++ {
		x := a + float64(i)*h
		if i == nelements {
			x = b
		}
		knots = append(knots, x)
	}
	for i := 0; i < degree; i++ {
		knots = append(knots, b)
	}
	return NewKnotVector(knots, degree)
}

// PeriodicUniform builds a uniform knot vector on [a, b] whose nelements+p
// splines, with the last p identified with the first p, span a periodic
// space of nelements basis functions. The knots extend p intervals past
// either end of [a, b].
func PeriodicUniform(nelements, degree int, a, b float64) (*KnotVector, error) {
	if nelements < 1 {
		return nil, fmt.Errorf("need at least one element, got %d", nelements)
	}
	if !(a < b) {
		return nil, fmt.Errorf("invalid interval [%v, %v]", a, b)
	}
	h := (b - a) / float64(nelements)
	knots := make([]float64, nelements+2*degree+1)
	for i := range knots {
		switch i - degree {
		case 0:
			knots[i] = a
		case nelements:
			knots[i] = b
		default:
			knots[i] = a + float64(i-degree)*h
		}
	}
	kv, err := NewKnotVector(knots, degree)
	if err != nil {
		return nil, err
	}
	kv.periodic = true
	return kv, nil
}

// Periodic reports whether the basis wraps around the domain
func (kv *KnotVector) Periodic() bool { return kv.periodic }

// Degree returns the spline degree p
func (kv *KnotVector) Degree() int { return kv.degree }

// Len returns the number of knots
func (kv *KnotVector) Len() int { return len(kv.knots) }

// NumBasis returns the number of basis functions, len(knots) - p - 1. A
// periodic vector identifies the last p splines with the first p and has p
// fewer.
func (kv *KnotVector) NumBasis() int {
	if kv.periodic {
		return kv.numSplines() - kv.degree
	}
	return kv.numSplines()
}

// numSplines counts the splines the knots define before any identification
func (kv *KnotVector) numSplines() int { return len(kv.knots) - kv.degree - 1 }

// At returns knot i
func (kv *KnotVector) At(i int) float64 { return kv.knots[i] }

// Knots returns a copy of the knot sequence
func (kv *KnotVector) Knots() []float64 {
	out := make([]float64, len(kv.knots))
	copy(out, kv.knots)
	return out
}

// Domain returns the parametric domain [knot[p], knot[n]]
func (kv *KnotVector) Domain() (lo, hi float64) {
	return kv.knots[kv.degree], kv.knots[kv.numSplines()]
}

// FindSpan returns the knot span s containing t, with knot[s] <= t < knot[s+1]
// and p <= s <= n-1.
//
// A t equal to an interior knot belongs to the interval on its right
// (right-continuity). The right end of the domain belongs to the last
// non-empty interval. Values outside the domain fail with *DomainError.
func (kv *KnotVector) FindSpan(t float64) (int, error) {
	lo, hi := kv.Domain()
	if math.IsNaN(t) || t < lo || t > hi {
		return -1, &DomainError{T: t, Lo: lo, Hi: hi}
	}
	n := kv.numSplines()
	if t == hi {
		s := n - 1
		for kv.knots[s] == hi {
			s--
		}
		return s, nil
	}
	// invariant: knots[low] <= t < knots[high]
	low, high := kv.degree, n
	for high-low > 1 {
		mid := (low + high) / 2
		if t < kv.knots[mid] {
			high = mid
		} else {
			low = mid
		}
	}
	return low, nil
}

// ElementSpans returns the span index of every non-degenerate knot interval
// inside the domain, in increasing order. Element e covers
// [knot[s], knot[s+1]] with s = ElementSpans()[e] and touches basis functions
// s-p .. s. On a periodic vector those indices run up to NumBasis()+p-1 and
// wrap modulo NumBasis().
func (kv *KnotVector) ElementSpans() []int {
	var spans []int
	for s := kv.degree; s < kv.numSplines(); s++ {
		if kv.knots[s] < kv.knots[s+1] {
			spans = append(spans, s)
		}
	}
	return spans
}

// NumElements returns the number of non-degenerate intervals
func (kv *KnotVector) NumElements() int {
	return len(kv.ElementSpans())
}

// Breakpoints returns the distinct knot values inside the domain
func (kv *KnotVector) Breakpoints() []float64 {
	spans := kv.ElementSpans()
	bp := make([]float64, 0, len(spans)+1)
	for _, s := range spans {
		bp = append(bp, kv.knots[s])
	}
	return append(bp, kv.knots[spans[len(spans)-1]+1])
}

// Greville returns the Greville abscissae, one per basis function. Periodic
// abscissae are wrapped into the domain.
func (kv *KnotVector) Greville() []float64 {
	n, p := kv.NumBasis(), kv.degree
	lo, hi := kv.Domain()
	g := make([]float64, n)
	for i := 0; i < n; i++ {
		if p == 0 {
			g[i] = 0.5 * (kv.knots[i] + kv.knots[i+1])
			continue
		}
		var sum float64
		for j := i + 1; j <= i+p; j++ {
			sum += kv.knots[j]
		}
		g[i] = sum / float64(p)
		if kv.periodic && g[i] < lo {
			g[i] += hi - lo
		}
	}
	return g
}

func (kv *KnotVector) String() string {
	if kv.periodic {
		return fmt.Sprintf("KnotVector(p=%d, n=%d, periodic, knots=%v)", kv.degree, kv.NumBasis(), kv.knots)
	}
	return fmt.Sprintf("KnotVector(p=%d, n=%d, knots=%v)", kv.degree, kv.NumBasis(), kv.knots)
}
