package distributed

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/utils"
)

// StencilMatrix is a distributed banded operator on a VectorSpace. Row g
// couples only to columns g+k with k in [-pad, pad]^N, so each local grid
// point stores Π(2·pad+1) coefficients indexed by the offset k. Along a
// periodic direction g+k wraps modulo the basis count.
type StencilMatrix struct {
	*Array
	space   *VectorSpace
	pads    []int
	stencil []int // 2*pad+1 per direction
}

func newStencilMatrix(s *VectorSpace) *StencilMatrix {
	pads := s.part.Pads
	stencil := make([]int, len(pads))
	for d, p := range pads {
		stencil[d] = 2*p + 1
	}
	return &StencilMatrix{
		Array:   NewArray(s.part, utils.Product(stencil)),
		space:   s,
		pads:    pads,
		stencil: stencil,
	}
}

// Space returns the vector space the matrix acts on
func (m *StencilMatrix) Space() *VectorSpace { return m.space }

// StencilShape returns 2·pad+1 per direction
func (m *StencilMatrix) StencilShape() []int { return append([]int(nil), m.stencil...) }

// entry returns the data index of (row, col)
func (m *StencilMatrix) entry(row, col []int) (int, error) {
	off, err := m.offset(row)
	if err != nil {
		return -1, err
	}
	comp := 0
	for d := range m.pads {
		k := col[d] - row[d]
		switch {
		case m.part.Periodic(d):
			// the representative in [-pad, n-pad) is unique while n > 2·pad
			k = utils.Mod(k+m.pads[d], m.part.NumBasis[d]) - m.pads[d]
		case col[d] < 0 || col[d] >= m.part.NumBasis[d]:
			return -1, fmt.Errorf("%w: column %v outside the domain", ErrOutOfRange, col)
		}
		if k < -m.pads[d] || k > m.pads[d] {
			return -1, fmt.Errorf("%w: column %v outside the stencil of row %v", ErrOutOfRange, col, row)
		}
		comp = comp*m.stencil[d] + k + m.pads[d]
	}
	return off + comp, nil
}

// AddLocal adds val to entry (row, col); row may be owned or ghost
func (m *StencilMatrix) AddLocal(row, col []int, val float64) error {
	i, err := m.entry(row, col)
	if err != nil {
		return err
	}
	m.MarkPending()
	m.data[i] += val
	return nil
}

// Get returns the local value of entry (row, col)
func (m *StencilMatrix) Get(row, col []int) (float64, error) {
	i, err := m.entry(row, col)
	if err != nil {
		return 0, err
	}
	return m.data[i], nil
}

// forEachStencil visits the in-domain columns of row with their component
// index. Columns along periodic directions are not wrapped.
func (m *StencilMatrix) forEachStencil(row []int, fn func(col []int, comp int)) {
	nd := len(m.pads)
	col := make([]int, nd)
	k := make([]int, nd)
	for comp := 0; comp < m.ncomp; comp++ {
		utils.Unravel(comp, m.stencil, k)
		inside := true
		for d := 0; d < nd; d++ {
			col[d] = row[d] + k[d] - m.pads[d]
			if m.part.Periodic(d) {
				continue
			}
			if col[d] < 0 || col[d] >= m.part.NumBasis[d] {
				inside = false
				break
			}
		}
		if inside {
			fn(col, comp)
		}
	}
}

// ForEachOwnedEntry visits every structurally present entry of the owned
// rows, zeros included. Columns are wrapped into the global domain.
func (m *StencilMatrix) ForEachOwnedEntry(fn func(row, col []int, val float64)) {
	w := make([]int, len(m.pads))
	m.forEachOwned(func(row []int, off int) {
		m.forEachStencil(row, func(col []int, comp int) {
			m.part.Wrap(col, w)
			fn(row, w, m.data[off+comp])
		})
	})
}

// ToGlobalArray returns the whole operator as a dense matrix on every
// worker. Rows and columns follow the row-major global numbering. It is
// collective and reads only owned rows.
func (m *StencilMatrix) ToGlobalArray(ctx context.Context) (*mat.Dense, error) {
	n := m.space.NumGlobal()
	npts := m.part.NumBasis
	buf := make([]float64, n*n)
	m.ForEachOwnedEntry(func(row, col []int, val float64) {
		buf[utils.Ravel(row, npts)*n+utils.Ravel(col, npts)] = val
	})
	sum, err := comm.AllreduceSum(ctx, m.space.comm, buf)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(n, n, sum), nil
}

// FromGlobalArray loads owned and ghost rows from a dense global matrix,
// leaving the matrix reconciled. Entries outside the stencil are dropped.
func (m *StencilMatrix) FromGlobalArray(a mat.Matrix) error {
	n := m.space.NumGlobal()
	if r, c := a.Dims(); r != n || c != n {
		return fmt.Errorf("global matrix is %dx%d, want %dx%d", r, c, n, n)
	}
	npts := m.part.NumBasis
	clear(m.data)
	w := make([]int, len(npts))
	m.part.LocalBox().ForEach(func(row []int) {
		off := m.part.LocalFlat(row) * m.ncomp
		m.part.Wrap(row, w)
		i := utils.Ravel(w, npts)
		m.forEachStencil(row, func(col []int, comp int) {
			m.part.Wrap(col, w)
			m.data[off+comp] = a.At(i, utils.Ravel(w, npts))
		})
	})
	m.MarkReconciled()
	return nil
}

// Exchange reconciles the matrix rows with the neighbours
func (m *StencilMatrix) Exchange(ctx context.Context) error {
	return m.space.Exchange(ctx, m)
}

// MatVec computes y = A x on the owned rows. x must be reconciled so its
// ghost entries hold neighbour values; y is left pending and needs an
// Exchange before its ghost entries are used.
func (m *StencilMatrix) MatVec(x, y *Vector) error {
	if x.space != m.space || y.space != m.space {
		return fmt.Errorf("matvec operands belong to a different space")
	}
	if x.Pending() {
		return fmt.Errorf("matvec: input vector has unreconciled ghost entries")
	}
	if x == y {
		return fmt.Errorf("matvec: input and output must differ")
	}
	y.MarkPending()
	m.forEachOwned(func(row []int, off int) {
		var sum float64
		m.forEachStencil(row, func(col []int, comp int) {
			sum += m.data[off+comp] * x.data[m.part.LocalFlat(col)]
		})
		y.data[m.part.LocalFlat(row)] = sum
	})
	return nil
}
