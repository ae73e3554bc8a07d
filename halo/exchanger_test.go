package halo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type buffer struct {
	data    []float64
	ncomp   int
	pending bool
}

func (b *buffer) Data() []float64   { return b.data }
func (b *buffer) NumComponents() int { return b.ncomp }
func (b *buffer) Pending() bool      { return b.pending }
func (b *buffer) MarkReconciled()    { b.pending = false }

func newBuffer(p partitions.Partition, ncomp int) *buffer {
	return &buffer{data: make([]float64, utils.Product(p.Shape())*ncomp), ncomp: ncomp}
}

func TestExchangeTwoWorkers(t *testing.T) {
	// rank 0 owns [0,3), rank 1 owns [3,6); ghost width 1
	dc, err := partitions.NewDecomposition([]int{6}, []int{1}, []int{2}, 2)
	require.NoError(t, err)
	w, err := comm.NewWorld(2)
	require.NoError(t, err)

	bufs := make([]*buffer, 2)
	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < 2; r++ {
		c := w.Comm(r)
		eg.Go(func() error {
			x, err := NewExchanger(dc.HaloPlan(r), c, WithLogger(zaptest.NewLogger(t)))
			if err != nil {
				return err
			}
			p := dc.Partition(r)
			b := newBuffer(p, 2)
			bufs[r] = b
			// stage (1, 10) at global 2 and 3 on both workers
			for _, g := range [][]int{{2}, {3}} {
				i := p.LocalFlat(g)
				b.data[2*i] += 1
				b.data[2*i+1] += 10
			}
			b.pending = true
			if err := x.Exchange(ctx, b); err != nil {
				return err
			}
			return x.Exchange(ctx, b)
		})
	}
	require.NoError(t, eg.Wait())

	for r, b := range bufs {
		p := dc.Partition(r)
		assert.False(t, b.Pending())
		for _, g := range [][]int{{2}, {3}} {
			i := p.LocalFlat(g)
			assert.Equal(t, []float64{2, 20}, b.data[2*i:2*i+2], "rank %d global %v", r, g)
		}
	}
}

func TestExchangeNoNeighbours(t *testing.T) {
	dc, err := partitions.NewDecomposition([]int{4, 4}, []int{2, 2}, []int{1, 1}, 1)
	require.NoError(t, err)
	w, err := comm.NewWorld(1)
	require.NoError(t, err)
	x, err := NewExchanger(dc.HaloPlan(0), w.Comm(0))
	require.NoError(t, err)

	b := newBuffer(dc.Partition(0), 1)
	b.data[0] = 5
	b.pending = true
	require.NoError(t, x.Exchange(context.Background(), b))
	assert.False(t, b.Pending())
	assert.Equal(t, 5.0, b.data[0])

	assert.Error(t, x.Exchange(context.Background(), &buffer{data: make([]float64, 3), ncomp: 1}))
}

func TestExchangeMalformedPayload(t *testing.T) {
	dc, err := partitions.NewDecomposition([]int{6}, []int{1}, []int{2}, 2)
	require.NoError(t, err)
	w, err := comm.NewWorld(2)
	require.NoError(t, err)

	// rank 1 is replaced by a peer that sends a reduce payload of the wrong length
	ctx := context.Background()
	require.NoError(t, w.Comm(1).Send(ctx, 0, comm.TagReduce, []float64{1, 2, 3}))

	x, err := NewExchanger(dc.HaloPlan(0), w.Comm(0))
	require.NoError(t, err)
	err = x.Exchange(ctx, newBuffer(dc.Partition(0), 1))
	var ce *comm.CommunicationError
	require.True(t, errors.As(err, &ce))
	assert.ErrorIs(t, err, comm.ErrMalformed)
	assert.Equal(t, 1, ce.Peer)
}

func TestNewExchangerRejectsForeignPlan(t *testing.T) {
	dc, err := partitions.NewDecomposition([]int{6}, []int{1}, []int{2}, 2)
	require.NoError(t, err)
	w, err := comm.NewWorld(2)
	require.NoError(t, err)
	_, err = NewExchanger(dc.HaloPlan(1), w.Comm(0))
	assert.Error(t, err)
	_, err = NewExchanger(nil, w.Comm(0))
	assert.Error(t, err)

	small, err := comm.NewWorld(1)
	require.NoError(t, err)
	_, err = NewExchanger(dc.HaloPlan(0), small.Comm(0))
	assert.Error(t, err)
}

func TestExchangePeriodic(t *testing.T) {
	tests := []struct {
		name             string
		npts, pads, dims []int
		periods          []bool
	}{
		{"one worker wraps onto itself", []int{5}, []int{2}, []int{1}, []bool{true}},
		{"two workers", []int{6}, []int{1}, []int{2}, []bool{true}},
		{"three workers", []int{9}, []int{2}, []int{3}, []bool{true}},
		{"two workers, both directions", []int{6, 5}, []int{1, 2}, []int{2, 1}, []bool{true, true}},
		{"mixed", []int{6, 6}, []int{1, 1}, []int{3, 2}, []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := utils.Product(tt.dims)
			dc, err := partitions.NewDecomposition(tt.npts, tt.pads, tt.dims, size,
				partitions.WithPeriods(tt.periods...))
			require.NoError(t, err)

			// copies[k] counts the local cells of all workers that stand for
			// wrapped global index k
			copies := make([]float64, utils.Product(tt.npts))
			w := make([]int, len(tt.npts))
			for r := 0; r < size; r++ {
				p := dc.Partition(r)
				p.LocalBox().ForEach(func(g []int) {
					p.Wrap(g, w)
					copies[utils.Ravel(w, tt.npts)]++
				})
			}

			world, err := comm.NewWorld(size)
			require.NoError(t, err)
			bufs := make([]*buffer, size)
			eg, ctx := errgroup.WithContext(context.Background())
			for r := 0; r < size; r++ {
				c := world.Comm(r)
				eg.Go(func() error {
					x, err := NewExchanger(dc.HaloPlan(r), c)
					if err != nil {
						return err
					}
					p := dc.Partition(r)
					b := newBuffer(p, 1)
					bufs[r] = b
					p.LocalBox().ForEach(func(g []int) {
						b.data[p.LocalFlat(g)] = 1
					})
					b.pending = true
					return x.Exchange(ctx, b)
				})
			}
			require.NoError(t, eg.Wait())

			for r, b := range bufs {
				p := dc.Partition(r)
				p.LocalBox().ForEach(func(g []int) {
					p.Wrap(g, w)
					assert.Equal(t, copies[utils.Ravel(w, tt.npts)], b.data[p.LocalFlat(g)],
						"rank %d global %v", r, g)
				})
			}
		})
	}
}

func TestExchangePeriodicUpdateOnly(t *testing.T) {
	// owned cells hold their global index; ghosts past either end must
	// pick up the value from the opposite end of the domain
	dc, err := partitions.NewDecomposition([]int{7, 4}, []int{2, 1}, []int{2, 1}, 2,
		partitions.WithPeriods(true, true))
	require.NoError(t, err)
	npts := dc.NumBasis()
	world, err := comm.NewWorld(2)
	require.NoError(t, err)

	bufs := make([]*buffer, 2)
	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < 2; r++ {
		c := world.Comm(r)
		eg.Go(func() error {
			x, err := NewExchanger(dc.HaloPlan(r), c)
			if err != nil {
				return err
			}
			p := dc.Partition(r)
			b := newBuffer(p, 1)
			bufs[r] = b
			for i := range b.data {
				b.data[i] = -1
			}
			p.OwnedBox().ForEach(func(g []int) {
				b.data[p.LocalFlat(g)] = float64(utils.Ravel(g, npts))
			})
			return x.Exchange(ctx, b)
		})
	}
	require.NoError(t, eg.Wait())

	w := make([]int, 2)
	for r, b := range bufs {
		p := dc.Partition(r)
		p.LocalBox().ForEach(func(g []int) {
			p.Wrap(g, w)
			assert.Equal(t, float64(utils.Ravel(w, npts)), b.data[p.LocalFlat(g)], "rank %d global %v", r, g)
		})
	}
}
