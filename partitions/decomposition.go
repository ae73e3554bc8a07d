package partitions

import (
	"sort"

	"github.com/notargets/IGAKernel/utils"
)

// Decomposition splits an N-dimensional tensor-product index space across a
// Cartesian grid of workers. Every worker can compute every other worker's
// partition from the same inputs, so building it needs no communication.
type Decomposition struct {
	npts []int // basis functions per direction
	pads []int // ghost width per direction (the spline degree)
	dims []int // workers per direction
	size int

	periods []bool // directions that wrap around

	starts, ends [][]int // [direction][grid coordinate]
}

// SplitRange divides [0, total) into parts contiguous ranges as evenly as
// possible; the first total%parts ranges get one extra index.
// SplitRange(10, 3) gives [0,4) [4,7) [7,10).
func SplitRange(total, parts int) (starts, ends []int) {
	starts = make([]int, parts)
	ends = make([]int, parts)
	q, r := total/parts, total%parts
	pos := 0
	for c := 0; c < parts; c++ {
		n := q
		if c < r {
			n++
		}
		starts[c] = pos
		pos += n
		ends[c] = pos
	}
	return starts, ends
}

// Option configures a Decomposition
type Option func(*Decomposition)

// WithPeriods marks the directions that wrap around. Along a periodic
// direction the first and last workers are neighbours, and ghost indices
// past either end of the index range hold copies of the opposite end.
func WithPeriods(periods ...bool) Option {
	return func(dc *Decomposition) {
		dc.periods = append([]bool(nil), periods...)
	}
}

// NewDecomposition builds the decomposition of npts basis functions per
// direction over a worker grid of shape dims holding size workers, with
// ghost width pads (the spline degree) per direction.
//
// Fails with *ConfigurationError if the shapes disagree, if the worker grid
// does not hold exactly size workers, if a direction has more workers than
// basis functions, or if an owned range is narrower than its ghost width in
// a split or periodic direction (the ghost region would then reach past the
// immediate neighbour). A periodic direction also needs more than twice its
// ghost width in basis functions so that stencil offsets name distinct
// columns.
func NewDecomposition(npts, pads, dims []int, size int, opts ...Option) (*Decomposition, error) {
	nd := len(npts)
	if nd == 0 {
		return nil, configErrorf("npts", "at least one direction is required")
	}
	if len(pads) != nd || len(dims) != nd {
		return nil, configErrorf("worker_grid_shape",
			"dimension mismatch: %d basis counts, %d ghost widths, %d grid factors",
			nd, len(pads), len(dims))
	}
	for d := 0; d < nd; d++ {
		if npts[d] < 1 {
			return nil, configErrorf("npts", "direction %d has %d basis functions", d, npts[d])
		}
		if pads[d] < 0 {
			return nil, configErrorf("pads", "direction %d has negative ghost width %d", d, pads[d])
		}
		if dims[d] < 1 {
			return nil, configErrorf("worker_grid_shape", "direction %d has %d workers", d, dims[d])
		}
	}
	if p := utils.Product(dims); p != size {
		return nil, configErrorf("worker_grid_shape",
			"grid %v holds %d workers but %d are running", dims, p, size)
	}

	dc := &Decomposition{
		npts:   append([]int(nil), npts...),
		pads:   append([]int(nil), pads...),
		dims:   append([]int(nil), dims...),
		size:   size,
		starts: make([][]int, nd),
		ends:   make([][]int, nd),
	}
	for _, opt := range opts {
		opt(dc)
	}
	if dc.periods == nil {
		dc.periods = make([]bool, nd)
	}
	if len(dc.periods) != nd {
		return nil, configErrorf("periodic", "has %d entries for %d directions", len(dc.periods), nd)
	}
	for d := 0; d < nd; d++ {
		if dims[d] > npts[d] {
			return nil, configErrorf("worker_grid_shape",
				"direction %d has %d workers for %d basis functions (empty owned range)",
				d, dims[d], npts[d])
		}
		dc.starts[d], dc.ends[d] = SplitRange(npts[d], dims[d])
		if dc.periods[d] && npts[d] <= 2*pads[d] {
			return nil, configErrorf("periodic",
				"direction %d has %d basis functions, periodic needs more than %d",
				d, npts[d], 2*pads[d])
		}
		if dims[d] > 1 || dc.periods[d] {
			for c := 0; c < dims[d]; c++ {
				if ext := dc.ends[d][c] - dc.starts[d][c]; ext < pads[d] {
					return nil, configErrorf("worker_grid_shape",
						"direction %d: worker %d owns %d indices, fewer than the ghost width %d",
						d, c, ext, pads[d])
				}
			}
		}
	}
	return dc, nil
}

// Dim returns the number of directions
func (dc *Decomposition) Dim() int { return len(dc.npts) }

// Size returns the number of workers
func (dc *Decomposition) Size() int { return dc.size }

// NumBasis returns the global basis count per direction
func (dc *Decomposition) NumBasis() []int { return append([]int(nil), dc.npts...) }

// Pads returns the ghost width per direction
func (dc *Decomposition) Pads() []int { return append([]int(nil), dc.pads...) }

// Dims returns the worker grid shape
func (dc *Decomposition) Dims() []int { return append([]int(nil), dc.dims...) }

// Periods reports which directions wrap around
func (dc *Decomposition) Periods() []bool { return append([]bool(nil), dc.periods...) }

// Ranges returns every worker's owned range along direction d
func (dc *Decomposition) Ranges(d int) (starts, ends []int) {
	return append([]int(nil), dc.starts[d]...), append([]int(nil), dc.ends[d]...)
}

// Coords returns the worker grid coordinates of rank (row-major)
func (dc *Decomposition) Coords(rank int) []int {
	c := make([]int, len(dc.dims))
	utils.Unravel(rank, dc.dims, c)
	return c
}

// Rank returns the rank at grid coordinates, false if they lie off the
// grid. Coordinates wrap along periodic directions.
func (dc *Decomposition) Rank(coords []int) (int, bool) {
	c := make([]int, len(coords))
	for d, x := range coords {
		switch {
		case dc.periods[d]:
			x = utils.Mod(x, dc.dims[d])
		case x < 0 || x >= dc.dims[d]:
			return -1, false
		}
		c[d] = x
	}
	return utils.Ravel(c, dc.dims), true
}

// Partition returns the partition of rank
func (dc *Decomposition) Partition(rank int) Partition {
	coords := dc.Coords(rank)
	p := Partition{
		Rank:     rank,
		Coords:   coords,
		Starts:   make([]int, len(coords)),
		Ends:     make([]int, len(coords)),
		Pads:     append([]int(nil), dc.pads...),
		NumBasis: append([]int(nil), dc.npts...),
		Periods:  append([]bool(nil), dc.periods...),
	}
	for d, c := range coords {
		p.Starts[d] = dc.starts[d][c]
		p.Ends[d] = dc.ends[d][c]
	}
	return p
}

// Owner returns the rank owning global index g. Indices wrap along periodic
// directions.
func (dc *Decomposition) Owner(g []int) (int, bool) {
	coords := make([]int, len(g))
	for d, x := range g {
		if dc.periods[d] {
			x = utils.Mod(x, dc.npts[d])
		}
		if x < 0 || x >= dc.npts[d] {
			return -1, false
		}
		// ends is increasing; find the first range ending past x
		coords[d] = sort.SearchInts(dc.ends[d], x+1)
	}
	return dc.Rank(coords)
}

// ComputeDims factors size workers into a grid over len(npts) directions,
// giving each prime factor to the direction with the most basis functions
// per worker. A direction only takes a factor if every worker along it
// still owns at least pads[d] indices. Fails if no direction can take a
// factor.
func ComputeDims(size int, npts, pads []int) ([]int, error) {
	if size < 1 {
		return nil, configErrorf("workers", "need at least one worker, got %d", size)
	}
	if len(npts) == 0 {
		return nil, configErrorf("npts", "at least one direction is required")
	}
	if len(pads) != len(npts) {
		return nil, configErrorf("pads", "has %d entries for %d directions", len(pads), len(npts))
	}
	dims := make([]int, len(npts))
	for d := range dims {
		dims[d] = 1
	}
	for _, f := range primeFactors(size) {
		best := -1
		bestLoad := 0.
		for d := range dims {
			if n := dims[d] * f; n > npts[d] || npts[d]/n < pads[d] {
				continue
			}
			load := float64(npts[d]) / float64(dims[d])
			if best < 0 || load > bestLoad {
				best, bestLoad = d, load
			}
		}
		if best < 0 {
			return nil, configErrorf("workers",
				"cannot place %d workers on a grid of %v basis functions with ghost widths %v",
				size, npts, pads)
		}
		dims[best] *= f
	}
	return dims, nil
}

// primeFactors returns the prime factors of n, largest first
func primeFactors(n int) []int {
	var fs []int
	for f := 2; f*f <= n; f++ {
		for n%f == 0 {
			fs = append(fs, f)
			n /= f
		}
	}
	if n > 1 {
		fs = append(fs, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(fs)))
	return fs
}
