// Package halo reconciles the ghost regions of distributed containers with
// their owners.
package halo

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

// Container is a local buffer laid out over a partition's local box, with
// NumComponents values per grid point stored contiguously.
//
// A pending container holds staged contributions in its ghost cells. A
// reconciled one holds copies of the owners' values there.
type Container interface {
	Data() []float64
	NumComponents() int
	Pending() bool
	MarkReconciled()
}

// Exchanger runs the two-phase ghost exchange of one worker: ghost
// contributions are first added into their owners (reduce), then owned values
// are copied back into every ghost copy (update).
//
// Plan entries are grouped by neighbour rank and each phase sends one
// message per rank. Entries for the worker itself, which appear along
// periodic directions with a single worker, are copied locally.
type Exchanger struct {
	plan   *partitions.HaloPlan
	comm   comm.Comm
	logger *zap.Logger
	nlocal int
	peers  []peer
}

// peer lists the plan entries shared with one rank. send is in plan order;
// recv is in the order the peer sends, which is its plan order over the
// mirrored offsets.
type peer struct {
	rank       int
	send, recv []*partitions.NeighborPlan
}

func groupPeers(plan *partitions.HaloPlan) []peer {
	index := make(map[int]int)
	var peers []peer
	for i := range plan.Neighbors {
		nb := &plan.Neighbors[i]
		k, ok := index[nb.Rank]
		if !ok {
			k = len(peers)
			index[nb.Rank] = k
			peers = append(peers, peer{rank: nb.Rank})
		}
		peers[k].send = append(peers[k].send, nb)
	}
	for k := range peers {
		recv := append([]*partitions.NeighborPlan(nil), peers[k].send...)
		sort.SliceStable(recv, func(i, j int) bool {
			return mirroredLess(recv[i].Offset, recv[j].Offset)
		})
		peers[k].recv = recv
	}
	return peers
}

// mirroredLess orders offsets by the row-major order of their negations
func mirroredLess(a, b []int) bool {
	for d := range a {
		if a[d] != b[d] {
			return -a[d] < -b[d]
		}
	}
	return false
}

// Option configures an Exchanger
type Option func(*Exchanger)

// WithLogger sets the logger, zap.NewNop by default
func WithLogger(l *zap.Logger) Option {
	return func(x *Exchanger) { x.logger = utils.OrNop(l) }
}

// NewExchanger binds a worker's halo plan to its communicator
func NewExchanger(plan *partitions.HaloPlan, c comm.Comm, opts ...Option) (*Exchanger, error) {
	if plan == nil {
		return nil, fmt.Errorf("halo: nil plan")
	}
	if plan.Rank != c.Rank() {
		return nil, fmt.Errorf("halo: plan for rank %d used by rank %d", plan.Rank, c.Rank())
	}
	for _, nb := range plan.Neighbors {
		if nb.Rank < 0 || nb.Rank >= c.Size() {
			return nil, fmt.Errorf("halo: rank %d has invalid neighbour %d in a world of %d",
				plan.Rank, nb.Rank, c.Size())
		}
	}
	x := &Exchanger{
		plan:   plan,
		comm:   c,
		logger: zap.NewNop(),
		nlocal: utils.Product(plan.Partition.Shape()),
		peers:  groupPeers(plan),
	}
	for _, o := range opts {
		o(x)
	}
	x.logger = x.logger.With(zap.Int("rank", plan.Rank))
	return x, nil
}

// Plan returns the halo plan
func (x *Exchanger) Plan() *partitions.HaloPlan { return x.plan }

// Exchange reconciles a with the other workers. It is collective: every
// neighbour must call Exchange on its matching container. After it returns,
// every owned cell holds its own value plus all ghost contributions staged
// for it, every ghost cell holds a copy of its owner's value, and a is
// marked reconciled. Exchanging a reconciled container changes nothing.
func (x *Exchanger) Exchange(ctx context.Context, a Container) error {
	nc := a.NumComponents()
	data := a.Data()
	if len(data) != x.nlocal*nc {
		return fmt.Errorf("halo: container holds %d values, partition needs %d x %d",
			len(data), x.nlocal, nc)
	}
	pending := a.Pending()
	x.logger.Debug("halo exchange",
		zap.Int("neighbors", len(x.peers)),
		zap.Int("ncomp", nc),
		zap.Bool("pending", pending))

	// Reduce: ship staged ghost contributions to their owners
	payloads, err := x.post(ctx, comm.TagReduce, func(pr peer) []float64 {
		if !pending {
			return nil
		}
		return pickAll(data, pr.send, nc, func(nb *partitions.NeighborPlan) []int { return nb.Place })
	})
	if err != nil {
		return err
	}
	for k, pr := range x.peers {
		buf, err := x.receive(ctx, k, comm.TagReduce, payloads)
		if err != nil {
			return err
		}
		want := count(pr.recv, nc, func(nb *partitions.NeighborPlan) []int { return nb.Pick })
		switch len(buf) {
		case 0:
		case want:
			for _, nb := range pr.recv {
				for i, idx := range nb.Pick {
					for c := 0; c < nc; c++ {
						data[idx*nc+c] += buf[i*nc+c]
					}
				}
				buf = buf[len(nb.Pick)*nc:]
			}
		default:
			return comm.Malformed(x.plan.Rank, pr.rank, comm.TagReduce, len(buf), want)
		}
	}

	// Update: overwrite every ghost copy with its owner's value
	payloads, err = x.post(ctx, comm.TagUpdate, func(pr peer) []float64 {
		return pickAll(data, pr.send, nc, func(nb *partitions.NeighborPlan) []int { return nb.Pick })
	})
	if err != nil {
		return err
	}
	for k, pr := range x.peers {
		buf, err := x.receive(ctx, k, comm.TagUpdate, payloads)
		if err != nil {
			return err
		}
		want := count(pr.recv, nc, func(nb *partitions.NeighborPlan) []int { return nb.Place })
		if len(buf) != want {
			return comm.Malformed(x.plan.Rank, pr.rank, comm.TagUpdate, len(buf), want)
		}
		for _, nb := range pr.recv {
			for i, idx := range nb.Place {
				copy(data[idx*nc:(idx+1)*nc], buf[i*nc:(i+1)*nc])
			}
			buf = buf[len(nb.Place)*nc:]
		}
	}

	a.MarkReconciled()
	return nil
}

// post builds every peer's payload before anything is received, sends the
// remote ones and returns them all indexed like x.peers
func (x *Exchanger) post(ctx context.Context, tag comm.Tag, build func(peer) []float64) ([][]float64, error) {
	payloads := make([][]float64, len(x.peers))
	for k, pr := range x.peers {
		payloads[k] = build(pr)
	}
	for k, pr := range x.peers {
		if pr.rank == x.plan.Rank {
			continue
		}
		if err := x.comm.Send(ctx, pr.rank, tag, payloads[k]); err != nil {
			return nil, err
		}
	}
	return payloads, nil
}

func (x *Exchanger) receive(ctx context.Context, k int, tag comm.Tag, payloads [][]float64) ([]float64, error) {
	if x.peers[k].rank == x.plan.Rank {
		return payloads[k], nil
	}
	return x.comm.Recv(ctx, x.peers[k].rank, tag)
}

func count(nbs []*partitions.NeighborPlan, nc int, list func(*partitions.NeighborPlan) []int) int {
	n := 0
	for _, nb := range nbs {
		n += len(list(nb)) * nc
	}
	return n
}

func pickAll(data []float64, nbs []*partitions.NeighborPlan, nc int, list func(*partitions.NeighborPlan) []int) []float64 {
	var out []float64
	for _, nb := range nbs {
		out = append(out, pick(data, list(nb), nc)...)
	}
	return out
}

func pick(data []float64, idx []int, nc int) []float64 {
	out := make([]float64, 0, len(idx)*nc)
	for _, i := range idx {
		out = append(out, data[i*nc:(i+1)*nc]...)
	}
	return out
}
