package quadrature

import (
	"fmt"
)

// Rule is a quadrature rule on the reference interval [-1, 1]
type Rule struct {
	Points  []float64
	Weights []float64
}

// GaussLegendre returns the n point Gauss-Legendre rule, exact for
// polynomials of degree 2n-1
func GaussLegendre(n int) (Rule, error) {
	if n < 1 {
		return Rule{}, fmt.Errorf("Gauss-Legendre rule needs at least one point, got %d", n)
	}
	x, w, err := JacobiGQ(0, 0, n-1)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Points: x, Weights: w}, nil
}

// Len returns the number of points
func (r Rule) Len() int { return len(r.Points) }

// Map writes the rule mapped affinely onto [a, b] into pts and wts
func (r Rule) Map(a, b float64, pts, wts []float64) {
	half := 0.5 * (b - a)
	mid := 0.5 * (b + a)
	for i, x := range r.Points {
		pts[i] = mid + half*x
		wts[i] = half * r.Weights[i]
	}
}
