package partitions

import (
	"fmt"
	"sort"

	"github.com/notargets/IGAKernel/utils"
)

// NeighborPlan holds the index lists one worker uses to talk to one
// neighbour. Pick and Place are flat offsets into the local buffer and are
// produced by a row-major traversal of the global boxes, so the neighbour's
// Place for this worker lines up entry by entry with this worker's Pick.
//
// Across a periodic boundary the neighbour's indices are translated by
// Shift into this worker's frame, and a worker alone along a periodic
// direction is its own neighbour.
type NeighborPlan struct {
	Rank   int
	Offset []int // neighbour grid coordinates minus mine, each in {-1,0,1}
	Shift  []int // added to the neighbour's global indices to reach my frame

	Ghost  utils.Box // my ghost region owned by the neighbour, in my frame
	Shared utils.Box // my owned region inside the neighbour's ghost region

	Place []int // local offsets of Ghost: written on update, sent on reduce
	Pick  []int // local offsets of Shared: sent on update, accumulated on reduce
}

// HaloPlan is the full communication schedule of one worker
type HaloPlan struct {
	Rank      int
	Partition Partition
	Neighbors []NeighborPlan
}

// Neighbor returns the first plan entry for rank q, nil if q is not a
// neighbour. Along periodic directions a rank can appear under more than
// one offset; use Entry to tell them apart.
func (hp *HaloPlan) Neighbor(q int) *NeighborPlan {
	for i := range hp.Neighbors {
		if hp.Neighbors[i].Rank == q {
			return &hp.Neighbors[i]
		}
	}
	return nil
}

// Entry returns the plan entry for rank q at grid offset, nil if none
func (hp *HaloPlan) Entry(q int, offset []int) *NeighborPlan {
	for i := range hp.Neighbors {
		nb := &hp.Neighbors[i]
		if nb.Rank == q && sameInts(nb.Offset, offset) {
			return nb
		}
	}
	return nil
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func negate(a []int) []int {
	out := make([]int, len(a))
	for i, x := range a {
		out[i] = -x
	}
	return out
}

// NumGhost returns the number of ghost cells covered by the plan
func (hp *HaloPlan) NumGhost() int {
	n := 0
	for _, nb := range hp.Neighbors {
		n += len(nb.Place)
	}
	return n
}

// Neighbors returns, in rank order, every worker whose owned box
// intersects the extended box of rank, edge and corner neighbours included.
// Non-periodic directions at the domain boundary contribute no neighbour.
// Each rank is listed once; rank itself appears only when it wraps onto
// itself along a periodic direction.
func (dc *Decomposition) Neighbors(rank int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, nb := range dc.neighborOffsets(rank) {
		if !seen[nb.rank] {
			seen[nb.rank] = true
			out = append(out, nb.rank)
		}
	}
	sort.Ints(out)
	return out
}

type neighborOffset struct {
	rank   int
	offset []int
	shift  []int
}

func (dc *Decomposition) neighborOffsets(rank int) []neighborOffset {
	nd := dc.Dim()
	me := dc.Partition(rank)
	local := me.LocalBox()
	coords := dc.Coords(rank)

	// Owned extents are at least the ghost width in every split or periodic
	// direction, so only the immediate 3^N-1 grid neighbours can intersect.
	shape := make([]int, nd)
	for d := range shape {
		shape[d] = 3
	}
	var out []neighborOffset
	off := make([]int, nd)
	nc := make([]int, nd)
	for k := 0; k < utils.Product(shape); k++ {
		utils.Unravel(k, shape, off)
		self := true
		shift := make([]int, nd)
		for d := range off {
			off[d]--
			nc[d] = coords[d] + off[d]
			if off[d] != 0 {
				self = false
			}
			if dc.periods[d] {
				switch {
				case nc[d] < 0:
					shift[d] = -dc.npts[d]
				case nc[d] >= dc.dims[d]:
					shift[d] = dc.npts[d]
				}
			}
		}
		if self {
			continue
		}
		q, ok := dc.Rank(nc)
		if !ok {
			continue
		}
		if local.Intersect(dc.Partition(q).OwnedBox().Shift(shift)).Empty() {
			continue
		}
		out = append(out, neighborOffset{rank: q, offset: append([]int(nil), off...), shift: shift})
	}
	return out
}

// HaloPlan builds the communication schedule of rank
func (dc *Decomposition) HaloPlan(rank int) *HaloPlan {
	me := dc.Partition(rank)
	hp := &HaloPlan{Rank: rank, Partition: me}
	myOwned := me.OwnedBox()
	myLocal := me.LocalBox()
	for _, nb := range dc.neighborOffsets(rank) {
		other := dc.Partition(nb.rank)
		np := NeighborPlan{
			Rank:   nb.rank,
			Offset: nb.offset,
			Shift:  nb.shift,
			Ghost:  myLocal.Intersect(other.OwnedBox().Shift(nb.shift)),
			Shared: myOwned.Intersect(other.LocalBox().Shift(nb.shift)),
		}
		np.Place = localOffsets(me, np.Ghost)
		np.Pick = localOffsets(me, np.Shared)
		hp.Neighbors = append(hp.Neighbors, np)
	}
	return hp
}

// BuildHaloPlans builds the schedule of every worker, indexed by rank
func (dc *Decomposition) BuildHaloPlans() []*HaloPlan {
	plans := make([]*HaloPlan, dc.size)
	for r := range plans {
		plans[r] = dc.HaloPlan(r)
	}
	return plans
}

func localOffsets(p Partition, b utils.Box) []int {
	idx := make([]int, 0, b.Size())
	b.ForEach(func(g []int) {
		idx = append(idx, p.LocalFlat(g))
	})
	return idx
}

// VerifyHaloPlans checks a complete set of plans for index validity,
// sender/receiver symmetry and ghost coverage
func VerifyHaloPlans(plans []*HaloPlan) error {
	byRank := make(map[int]*HaloPlan, len(plans))
	for _, hp := range plans {
		byRank[hp.Rank] = hp
	}

	for _, hp := range plans {
		p := hp.Partition
		local := utils.Product(p.Shape())
		g := make([]int, p.Dim())

		// Verify 1: local validity
		for _, nb := range hp.Neighbors {
			if len(nb.Place) != nb.Ghost.Size() || len(nb.Pick) != nb.Shared.Size() {
				return fmt.Errorf("rank %d neighbour %d: index list length does not match its box",
					hp.Rank, nb.Rank)
			}
			for _, idx := range nb.Pick {
				if idx < 0 || idx >= local {
					return fmt.Errorf("invalid pick index %d for rank %d (max %d)", idx, hp.Rank, local-1)
				}
				p.Global(idx, g)
				if !p.Owns(g) {
					return fmt.Errorf("rank %d picks %v for rank %d but does not own it", hp.Rank, g, nb.Rank)
				}
			}
			for _, idx := range nb.Place {
				if idx < 0 || idx >= local {
					return fmt.Errorf("invalid place index %d for rank %d (max %d)", idx, hp.Rank, local-1)
				}
				p.Global(idx, g)
				if p.Owns(g) {
					return fmt.Errorf("rank %d places %v from rank %d into an owned cell", hp.Rank, g, nb.Rank)
				}
			}
		}

		// Verify 2: correspondence with the neighbour's plan
		for _, nb := range hp.Neighbors {
			other, ok := byRank[nb.Rank]
			if !ok {
				return fmt.Errorf("rank %d lists neighbour %d which has no plan", hp.Rank, nb.Rank)
			}
			back := other.Entry(hp.Rank, negate(nb.Offset))
			if back == nil {
				return fmt.Errorf("rank %d lists %d at offset %v as neighbour but not the reverse",
					hp.Rank, nb.Rank, nb.Offset)
			}
			if !sameInts(back.Shift, negate(nb.Shift)) {
				return fmt.Errorf("shift mismatch between ranks %d and %d: %v vs %v",
					hp.Rank, nb.Rank, nb.Shift, back.Shift)
			}
			if !nb.Ghost.Equal(back.Shared.Shift(nb.Shift)) || !nb.Shared.Equal(back.Ghost.Shift(nb.Shift)) {
				return fmt.Errorf("box mismatch between ranks %d and %d: ghost %v vs shared %v",
					hp.Rank, nb.Rank, nb.Ghost, back.Shared.Shift(nb.Shift))
			}
			if len(nb.Place) != len(back.Pick) || len(nb.Pick) != len(back.Place) {
				return fmt.Errorf("length mismatch: place[%d][%d]=%d, pick[%d][%d]=%d",
					hp.Rank, nb.Rank, len(nb.Place), nb.Rank, hp.Rank, len(back.Pick))
			}
		}

		// Verify 3: conservation, every in-domain ghost cell has exactly one source
		want := p.LocalBox().Size() - p.OwnedBox().Size()
		if got := hp.NumGhost(); got != want {
			return fmt.Errorf("conservation error on rank %d: %d ghost cells planned, %d in the ghost region",
				hp.Rank, got, want)
		}
	}
	return nil
}
