// Package distributed holds coefficient containers spread over the workers
// of a Cartesian decomposition. Each worker stores its owned block plus a
// ghost layer as wide as the spline degree in every direction.
package distributed

import (
	"errors"
	"fmt"

	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

// ErrOutOfRange marks an index outside the local box, the global domain or
// the stencil
var ErrOutOfRange = errors.New("index out of range")

// Array is a worker's local buffer: NumComponents values per grid point of
// the partition's local shape, row-major, components contiguous.
//
// Writes stage contributions. The first write after a reconcile clears the
// ghost cells, so from then on they hold only what this worker added and the
// next exchange adds them into their owners.
type Array struct {
	part    partitions.Partition
	shape   []int
	ncomp   int
	data    []float64
	pending bool
}

// NewArray allocates a zeroed, reconciled array over p
func NewArray(p partitions.Partition, ncomp int) *Array {
	shape := p.Shape()
	return &Array{
		part:  p,
		shape: shape,
		ncomp: ncomp,
		data:  make([]float64, utils.Product(shape)*ncomp),
	}
}

// Data returns the backing slice
func (a *Array) Data() []float64 { return a.data }

// NumComponents returns the number of values per grid point
func (a *Array) NumComponents() int { return a.ncomp }

// Partition returns the partition the array is laid out over
func (a *Array) Partition() partitions.Partition { return a.part }

// Pending reports whether contributions have been staged since the last
// exchange
func (a *Array) Pending() bool { return a.pending }

// MarkReconciled records that ghost cells hold owner copies again
func (a *Array) MarkReconciled() { a.pending = false }

// MarkPending switches a reconciled array into staging mode, clearing the
// ghost copies
func (a *Array) MarkPending() {
	if a.pending {
		return
	}
	g := make([]int, len(a.shape))
	for flat := 0; flat < len(a.data)/a.ncomp; flat++ {
		a.part.Global(flat, g)
		if !a.part.Owns(g) {
			clear(a.data[flat*a.ncomp : (flat+1)*a.ncomp])
		}
	}
	a.pending = true
}

// Zero clears every value. A zero array is reconciled.
func (a *Array) Zero() {
	clear(a.data)
	a.pending = false
}

// offset returns the index of component 0 of grid point g
func (a *Array) offset(g []int) (int, error) {
	flat := a.part.LocalFlat(g)
	if flat < 0 {
		return -1, fmt.Errorf("%w: %v not in local box %v of rank %d",
			ErrOutOfRange, g, a.part.LocalBox(), a.part.Rank)
	}
	return flat * a.ncomp, nil
}

// forEachOwned visits the owned grid points in row-major order with their
// component-0 offsets
func (a *Array) forEachOwned(fn func(g []int, off int)) {
	a.part.OwnedBox().ForEach(func(g []int) {
		fn(g, a.part.LocalFlat(g)*a.ncomp)
	})
}
