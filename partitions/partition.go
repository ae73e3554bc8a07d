package partitions

import (
	"fmt"
	"math"

	"github.com/notargets/IGAKernel/utils"
)

// Partition is one worker's share of the tensor-product index space: a
// contiguous owned range [Starts[d], Ends[d]) per direction plus a ghost
// region Pads[d] wide on each side
type Partition struct {
	Rank   int
	Coords []int // position in the worker grid

	Starts []int // first owned global index per direction
	Ends   []int // one past the last owned global index
	Pads   []int // ghost width per direction

	NumBasis []int  // global basis counts, for clipping the ghost region to the domain
	Periods  []bool // directions that wrap around; nil means none
}

// Periodic reports whether direction d wraps around
func (p Partition) Periodic(d int) bool { return p.Periods != nil && p.Periods[d] }

// Dim returns the number of directions
func (p Partition) Dim() int { return len(p.Starts) }

// OwnedShape returns the owned extent per direction
func (p Partition) OwnedShape() []int {
	sh := make([]int, len(p.Starts))
	for d := range sh {
		sh[d] = p.Ends[d] - p.Starts[d]
	}
	return sh
}

// Shape returns the local buffer shape, owned extent plus two ghost widths
func (p Partition) Shape() []int {
	sh := p.OwnedShape()
	for d := range sh {
		sh[d] += 2 * p.Pads[d]
	}
	return sh
}

// NumOwned returns the number of owned grid points
func (p Partition) NumOwned() int {
	return utils.Product(p.OwnedShape())
}

// OwnedBox returns the owned global index box
func (p Partition) OwnedBox() utils.Box {
	return utils.NewBox(p.Starts, p.Ends)
}

// ExtendedBox returns the global box covered by the local buffer, which
// extends past the domain at physical boundaries
func (p Partition) ExtendedBox() utils.Box {
	b := utils.NewBox(p.Starts, p.Ends)
	for d := range b.Lo {
		b.Lo[d] -= p.Pads[d]
		b.Hi[d] += p.Pads[d]
	}
	return b
}

// LocalBox returns the extended box clipped to the global domain. Periodic
// directions are not clipped: their ghost indices run past the ends of
// [0, NumBasis) and stand for the wrapped indices.
func (p Partition) LocalBox() utils.Box {
	lo, hi := make([]int, p.Dim()), append([]int(nil), p.NumBasis...)
	ext := p.ExtendedBox()
	for d := range lo {
		if p.Periodic(d) {
			lo[d], hi[d] = ext.Lo[d], ext.Hi[d]
		}
	}
	return ext.Intersect(utils.NewBox(lo, hi))
}

// Owns reports whether global index g is owned by this partition. Indices
// are not wrapped, so a ghost index past a periodic end is never owned.
func (p Partition) Owns(g []int) bool {
	for d := range p.Starts {
		if g[d] < p.Starts[d] || g[d] >= p.Ends[d] {
			return false
		}
	}
	return true
}

// place maps index x along direction d into the buffer range
// [Starts[d]-Pads[d], Ends[d]+Pads[d]). Along a periodic direction x is
// taken as given when it already lies in the range, else its images x±n
// are tried.
func (p Partition) place(d, x int) (int, bool) {
	lo, hi := p.Starts[d]-p.Pads[d], p.Ends[d]+p.Pads[d]
	if p.Periodic(d) {
		n := p.NumBasis[d]
		switch {
		case x >= lo && x < hi:
		case x+n >= lo && x+n < hi:
			x += n
		case x-n >= lo && x-n < hi:
			x -= n
		default:
			return 0, false
		}
		return x, true
	}
	if x < 0 || x >= p.NumBasis[d] || x < lo || x >= hi {
		return 0, false
	}
	return x, true
}

// Contains reports whether g maps into the local buffer and lies inside the
// global domain
func (p Partition) Contains(g []int) bool {
	return p.LocalFlat(g) >= 0
}

// LocalFlat returns the flat offset of global index g in the local buffer,
// or -1 when g is not contained
func (p Partition) LocalFlat(g []int) int {
	if len(g) != len(p.Starts) {
		return -1
	}
	flat := 0
	for d := range p.Starts {
		x, ok := p.place(d, g[d])
		if !ok {
			return -1
		}
		ext := p.Ends[d] - p.Starts[d] + 2*p.Pads[d]
		flat = flat*ext + x - p.Starts[d] + p.Pads[d]
	}
	return flat
}

// Wrap writes g reduced into [0, NumBasis) along periodic directions into
// out. Other directions are copied.
func (p Partition) Wrap(g, out []int) {
	for d := range g {
		out[d] = g[d]
		if p.Periodic(d) {
			out[d] = utils.Mod(g[d], p.NumBasis[d])
		}
	}
}

// Global writes the global index of local flat offset into g
func (p Partition) Global(flat int, g []int) {
	utils.Unravel(flat, p.Shape(), g)
	for d := range g {
		g[d] += p.Starts[d] - p.Pads[d]
	}
}

func (p Partition) String() string {
	return fmt.Sprintf("Partition(rank=%d coords=%v owned=%v-%v pads=%v periods=%v)",
		p.Rank, p.Coords, p.Starts, p.Ends, p.Pads, p.Periods)
}

// PartitionStats summarises the load balance of a decomposition
type PartitionStats struct {
	NumPartitions int
	MinOwned      int
	MaxOwned      int
	AvgOwned      float64
	Imbalance     float64 // MaxOwned / AvgOwned
}

// Statistics computes load balance metrics over all partitions
func (dc *Decomposition) Statistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: dc.size,
		MinOwned:      math.MaxInt32,
	}
	total := 0
	for r := 0; r < dc.size; r++ {
		n := dc.Partition(r).NumOwned()
		total += n
		stats.MinOwned = min(stats.MinOwned, n)
		stats.MaxOwned = max(stats.MaxOwned, n)
	}
	stats.AvgOwned = float64(total) / float64(dc.size)
	stats.Imbalance = float64(stats.MaxOwned) / stats.AvgOwned
	return stats
}
