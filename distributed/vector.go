package distributed

import (
	"context"
	"fmt"

	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/utils"
)

// Vector is a distributed coefficient vector, one value per basis function.
// Owned entries are authoritative; ghost entries are either staged
// contributions (pending) or owner copies (after Exchange).
type Vector struct {
	*Array
	space *VectorSpace
}

// Space returns the vector space the vector belongs to
func (v *Vector) Space() *VectorSpace { return v.space }

// AddLocal adds val to global index g, which may be owned or ghost
func (v *Vector) AddLocal(g []int, val float64) error {
	off, err := v.offset(g)
	if err != nil {
		return err
	}
	v.MarkPending()
	v.data[off] += val
	return nil
}

// Set overwrites owned global index g. Ghost copies of g held by other
// workers pick up the new value on the next Exchange. Non-owned indices are
// rejected with ErrOutOfRange; stage ghost contributions with AddLocal.
func (v *Vector) Set(g []int, val float64) error {
	off, err := v.offset(g)
	if err != nil {
		return err
	}
	if !v.part.Owns(g) {
		return fmt.Errorf("%w: set of %v, not owned by rank %d", ErrOutOfRange, g, v.part.Rank)
	}
	v.MarkPending()
	v.data[off] = val
	return nil
}

// Get returns the local value at g
func (v *Vector) Get(g []int) (float64, error) {
	off, err := v.offset(g)
	if err != nil {
		return 0, err
	}
	return v.data[off], nil
}

// ForEachOwned visits the owned entries in row-major order. The index slice
// is reused between calls.
func (v *Vector) ForEachOwned(fn func(g []int, val float64)) {
	v.forEachOwned(func(g []int, off int) { fn(g, v.data[off]) })
}

// OwnedToGlobal writes the owned entries into dst, a row-major array over the
// global index space. Other entries of dst are left untouched.
func (v *Vector) OwnedToGlobal(dst []float64) error {
	npts := v.part.NumBasis
	if len(dst) != utils.Product(npts) {
		return fmt.Errorf("global array has %d entries, want %d", len(dst), utils.Product(npts))
	}
	v.forEachOwned(func(g []int, off int) {
		dst[utils.Ravel(g, npts)] = v.data[off]
	})
	return nil
}

// ToGlobalArray returns the whole vector as a row-major global array on
// every worker. It is collective and reads only owned entries, so it should
// follow an Exchange when contributions are pending.
func (v *Vector) ToGlobalArray(ctx context.Context) ([]float64, error) {
	buf := make([]float64, v.space.NumGlobal())
	if err := v.OwnedToGlobal(buf); err != nil {
		return nil, err
	}
	// disjoint owned blocks: the sum only adds zeros
	return comm.AllreduceSum(ctx, v.space.comm, buf)
}

// FromGlobalArray loads owned and ghost entries from a row-major global
// array, leaving the vector reconciled
func (v *Vector) FromGlobalArray(src []float64) error {
	npts := v.part.NumBasis
	if len(src) != utils.Product(npts) {
		return fmt.Errorf("global array has %d entries, want %d", len(src), utils.Product(npts))
	}
	clear(v.data)
	w := make([]int, len(npts))
	v.part.LocalBox().ForEach(func(g []int) {
		v.part.Wrap(g, w)
		v.data[v.part.LocalFlat(g)] = src[utils.Ravel(w, npts)]
	})
	v.MarkReconciled()
	return nil
}

// Exchange reconciles the vector with its neighbours
func (v *Vector) Exchange(ctx context.Context) error {
	return v.space.Exchange(ctx, v)
}

// Dot returns the global inner product of the owned entries of v and w.
// It is collective.
func (v *Vector) Dot(ctx context.Context, w *Vector) (float64, error) {
	if w.space != v.space {
		return 0, fmt.Errorf("dot product of vectors from different spaces")
	}
	var local float64
	v.forEachOwned(func(_ []int, off int) {
		local += v.data[off] * w.data[off]
	})
	sum, err := comm.AllreduceSum(ctx, v.space.comm, []float64{local})
	if err != nil {
		return 0, err
	}
	return sum[0], nil
}

// Copy returns a vector with the same values and state
func (v *Vector) Copy() *Vector {
	a := *v.Array
	a.data = append([]float64(nil), v.data...)
	return &Vector{Array: &a, space: v.space}
}
