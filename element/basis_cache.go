package element

import (
	"fmt"

	"github.com/notargets/IGAKernel/bspline"
	"github.com/notargets/IGAKernel/quadrature"
	"github.com/notargets/IGAKernel/utils"
)

// Basis1D is the quadrature data of one element along one direction
type Basis1D struct {
	Span    int
	First   int           // global index of the first non-zero basis function
	Points  []float64     // quadrature points mapped onto the knot interval
	Weights []float64     // mapped weights
	Values  [][][]float64 // Values[q][k][j]: k-th derivative of basis First+j at point q
}

// BasisCache holds the basis tables of every element of a tensor space at
// the chosen quadrature points. Building it is the only place the basis is
// evaluated; afterwards it is read-only and may be shared between workers.
type BasisCache struct {
	space   *bspline.TensorSpace
	nders   int
	degrees []int
	dirs    [][]Basis1D // [direction][element along direction]

	lshape, qshape []int
	local, quad    [][]int // row-major multi-indices of local functions and quadrature points
}

// NewBasisCache evaluates the basis and nders derivatives at points[d]
// Gauss-Legendre points per element in each direction
func NewBasisCache(space *bspline.TensorSpace, points []int, nders int) (*BasisCache, error) {
	nd := space.Dim()
	if len(points) != nd {
		return nil, fmt.Errorf("quadrature given for %d directions, space has %d", len(points), nd)
	}
	if nders < 0 {
		return nil, fmt.Errorf("derivative order must be non-negative, got %d", nders)
	}
	bc := &BasisCache{
		space:   space,
		nders:   nders,
		degrees: space.Degrees(),
		dirs:    make([][]Basis1D, nd),
		lshape:  make([]int, nd),
		qshape:  append([]int(nil), points...),
	}
	for d := 0; d < nd; d++ {
		kv := space.Knots(d)
		rule, err := quadrature.GaussLegendre(points[d])
		if err != nil {
			return nil, fmt.Errorf("direction %d: %w", d, err)
		}
		ev := bspline.NewEvaluator(kv)
		p := kv.Degree()
		bc.lshape[d] = p + 1
		for _, span := range kv.ElementSpans() {
			b := Basis1D{
				Span:    span,
				First:   span - p,
				Points:  make([]float64, rule.Len()),
				Weights: make([]float64, rule.Len()),
				Values:  make([][][]float64, rule.Len()),
			}
			rule.Map(kv.At(span), kv.At(span+1), b.Points, b.Weights)
			for q, x := range b.Points {
				b.Values[q] = ev.NewTable(nders)
				// interior Gauss points never sit on a knot, so the span is known
				if err := ev.EvaluateSpan(span, x, b.Values[q]); err != nil {
					return nil, err
				}
			}
			bc.dirs[d] = append(bc.dirs[d], b)
		}
	}
	bc.local = multiIndices(bc.lshape)
	bc.quad = multiIndices(bc.qshape)
	return bc, nil
}

func multiIndices(shape []int) [][]int {
	out := make([][]int, utils.Product(shape))
	for i := range out {
		out[i] = make([]int, len(shape))
		utils.Unravel(i, shape, out[i])
	}
	return out
}

// Space returns the tensor space
func (bc *BasisCache) Space() *bspline.TensorSpace { return bc.space }

// Degrees returns the spline degree per direction
func (bc *BasisCache) Degrees() []int { return append([]int(nil), bc.degrees...) }

// Derivatives returns the highest derivative order tabulated
func (bc *BasisCache) Derivatives() int { return bc.nders }

// NumElements returns the element count per direction
func (bc *BasisCache) NumElements() []int {
	n := make([]int, len(bc.dirs))
	for d := range n {
		n[d] = len(bc.dirs[d])
	}
	return n
}

// Element returns the basis data of the element at idx
func (bc *BasisCache) Element(idx []int) (*ElementBasis, error) {
	if len(idx) != len(bc.dirs) {
		return nil, fmt.Errorf("element index %v has wrong dimension, want %d", idx, len(bc.dirs))
	}
	eb := &ElementBasis{
		Element: Element{Index: append([]int(nil), idx...), Spans: make([]int, len(idx))},
		Dirs:    make([]*Basis1D, len(idx)),
		cache:   bc,
	}
	for d, i := range idx {
		if i < 0 || i >= len(bc.dirs[d]) {
			return nil, fmt.Errorf("element index %v outside %v", idx, bc.NumElements())
		}
		eb.Dirs[d] = &bc.dirs[d][i]
		eb.Element.Spans[d] = bc.dirs[d][i].Span
	}
	return eb, nil
}

// ElementBasis is what a kernel sees of one element: the tensor-product
// basis functions that are non-zero on it, evaluated at its quadrature
// points. Local basis functions and quadrature points are both numbered
// row-major over their per-direction indices.
type ElementBasis struct {
	Element Element
	Dirs    []*Basis1D
	cache   *BasisCache
}

// Dim returns the number of directions
func (eb *ElementBasis) Dim() int { return len(eb.Dirs) }

// Derivatives returns the highest derivative order available
func (eb *ElementBasis) Derivatives() int { return eb.cache.nders }

// NumLocal returns the number of non-zero basis functions, Π(p+1)
func (eb *ElementBasis) NumLocal() int { return len(eb.cache.local) }

// NumQuad returns the number of quadrature points
func (eb *ElementBasis) NumQuad() int { return len(eb.cache.quad) }

// LocalMultiIndex writes the per-direction index of local function a into out
func (eb *ElementBasis) LocalMultiIndex(a int, out []int) {
	copy(out, eb.cache.local[a])
}

// GlobalIndex writes the global basis multi-index of local function a.
// Along a periodic direction it may exceed the basis count by up to the
// degree and is not wrapped.
func (eb *ElementBasis) GlobalIndex(a int, out []int) {
	for d, j := range eb.cache.local[a] {
		out[d] = eb.Dirs[d].First + j
	}
}

// Value returns the derivative of local function a at quadrature point q,
// with ders[d] the derivative order along direction d
func (eb *ElementBasis) Value(a, q int, ders []int) float64 {
	la, lq := eb.cache.local[a], eb.cache.quad[q]
	v := 1.
	for d, b := range eb.Dirs {
		v *= b.Values[lq[d]][ders[d]][la[d]]
	}
	return v
}

// Gradient writes the first derivatives of local function a at quadrature
// point q into out. It needs Derivatives() >= 1.
func (eb *ElementBasis) Gradient(a, q int, out []float64) {
	la, lq := eb.cache.local[a], eb.cache.quad[q]
	for d := range out {
		v := 1.
		for e, b := range eb.Dirs {
			k := 0
			if e == d {
				k = 1
			}
			v *= b.Values[lq[e]][k][la[e]]
		}
		out[d] = v
	}
}

// Weight returns the quadrature weight of point q
func (eb *ElementBasis) Weight(q int) float64 {
	w := 1.
	for d, i := range eb.cache.quad[q] {
		w *= eb.Dirs[d].Weights[i]
	}
	return w
}

// Point writes the coordinates of quadrature point q into out
func (eb *ElementBasis) Point(q int, out []float64) {
	for d, i := range eb.cache.quad[q] {
		out[d] = eb.Dirs[d].Points[i]
	}
}

// ForEachQuad visits every quadrature point with its coordinates and
// weight. The coordinate slice is reused between calls.
func (eb *ElementBasis) ForEachQuad(fn func(q int, x []float64, w float64)) {
	x := make([]float64, eb.Dim())
	for q := range eb.cache.quad {
		eb.Point(q, x)
		fn(q, x, eb.Weight(q))
	}
}
