package assembly

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/IGAKernel/bspline"
	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/element"
	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSpace(t *testing.T, nel []int, degrees []int) *bspline.TensorSpace {
	t.Helper()
	kvs := make([]*bspline.KnotVector, len(nel))
	for d := range nel {
		kv, err := bspline.OpenUniform(nel[d], degrees[d], 0, 1)
		require.NoError(t, err)
		kvs[d] = kv
	}
	ts, err := bspline.NewTensorSpace(kvs...)
	require.NoError(t, err)
	return ts
}

// periodicSpace wraps the directions with periodic[d] set
func periodicSpace(t *testing.T, nel, degrees []int, periodic []bool) *bspline.TensorSpace {
	t.Helper()
	kvs := make([]*bspline.KnotVector, len(nel))
	for d := range nel {
		build := bspline.OpenUniform
		if periodic[d] {
			build = bspline.PeriodicUniform
		}
		kv, err := build(nel[d], degrees[d], 0, 1)
		require.NoError(t, err)
		kvs[d] = kv
	}
	ts, err := bspline.NewTensorSpace(kvs...)
	require.NoError(t, err)
	return ts
}

type result struct {
	matrix *mat.Dense
	vector []float64
}

// assembleOn runs one assembly of mk and vk on a worker grid of shape dims
// and returns the global matrix and vector seen by each rank
func assembleOn(t *testing.T, space *bspline.TensorSpace, dims []int, mk element.MatrixKernel, vk element.VectorKernel, opts ...Option) []result {
	t.Helper()
	size := utils.Product(dims)
	dc, err := partitions.NewDecomposition(space.NumBasis(), space.Degrees(), dims, size,
		partitions.WithPeriods(space.Periods()...))
	require.NoError(t, err)
	w, err := comm.NewWorld(size)
	require.NoError(t, err)

	results := make([]result, size)
	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < size; r++ {
		c := w.Comm(r)
		eg.Go(func() error {
			e, err := NewEngine(space, dc, c, opts...)
			if err != nil {
				return err
			}
			if err := e.Assemble(ctx, mk, vk); err != nil {
				return err
			}
			m, err := e.Matrix()
			if err != nil {
				return err
			}
			v, err := e.Vector()
			if err != nil {
				return err
			}
			if results[r].matrix, err = m.ToGlobalArray(ctx); err != nil {
				return err
			}
			results[r].vector, err = v.ToGlobalArray(ctx)
			return err
		})
	}
	require.NoError(t, eg.Wait())
	return results
}

// The same problem assembled on 1, 2 and 4 workers gives the same global
// operator and right hand side
func TestAssemblyIndependentOfWorkerCount(t *testing.T) {
	space := testSpace(t, []int{6, 5}, []int{2, 2})
	load := element.Load(func(x []float64) float64 { return 1 })

	serial := assembleOn(t, space, []int{1, 1}, element.Mass(), load)[0]
	for _, dims := range [][]int{{2, 1}, {1, 2}, {2, 2}} {
		t.Run(fmt.Sprint(dims), func(t *testing.T) {
			for r, res := range assembleOn(t, space, dims, element.Mass(), load) {
				assert.True(t, mat.EqualApprox(serial.matrix, res.matrix, 1e-14), "rank %d", r)
				assert.InDeltaSlice(t, serial.vector, res.vector, 1e-14, "rank %d", r)
			}
		})
	}

	// constant field: mass entries sum to the area, load entries too
	assert.InDelta(t, 1.0, mat.Sum(serial.matrix), 1e-12)
	var s float64
	for _, v := range serial.vector {
		s += v
	}
	assert.InDelta(t, 1.0, s, 1e-12)
}

func TestStiffnessIndependentOfWorkerCount(t *testing.T) {
	space := testSpace(t, []int{8}, []int{3})
	serial := assembleOn(t, space, []int{1}, element.Stiffness(), nil)[0]
	parallel := assembleOn(t, space, []int{3}, element.Stiffness(), nil)
	for r, res := range parallel {
		assert.True(t, mat.EqualApprox(serial.matrix, res.matrix, 1e-12), "rank %d", r)
	}
	// constants are in the kernel of the Laplacian
	n, _ := serial.matrix.Dims()
	ones := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1)
	}
	var k1 mat.VecDense
	k1.MulVec(serial.matrix, ones)
	for i := 0; i < n; i++ {
		assert.InDelta(t, 0, k1.AtVec(i), 1e-10)
	}
}

// Elements next to the seam of a periodic direction write into ghost rows
// past the end of the index range; after the exchange they land on the
// wrapped rows and the operator is circulant
func TestPeriodicAssembly(t *testing.T) {
	const nel = 9
	space := periodicSpace(t, []int{nel}, []int{2}, []bool{true})
	require.Equal(t, []int{nel}, space.NumBasis())
	load := element.Load(func(x []float64) float64 { return 1 })

	serial := assembleOn(t, space, []int{1}, element.Mass(), load)[0]
	for _, workers := range []int{2, 3} {
		t.Run(fmt.Sprint(workers, " workers"), func(t *testing.T) {
			for r, res := range assembleOn(t, space, []int{workers}, element.Mass(), load) {
				assert.True(t, mat.EqualApprox(serial.matrix, res.matrix, 1e-14), "rank %d", r)
				assert.InDeltaSlice(t, serial.vector, res.vector, 1e-14, "rank %d", r)
			}
		})
	}

	// every periodic basis function integrates to one element width
	h := 1. / nel
	for i := 0; i < nel; i++ {
		assert.InDelta(t, h, serial.vector[i], 1e-14, "load %d", i)
		assert.InDelta(t, h, mat.Sum(serial.matrix.RowView(i)), 1e-14, "row %d", i)
		for j := 0; j < nel; j++ {
			assert.InDelta(t, serial.matrix.At(i, j), serial.matrix.At((i+1)%nel, (j+1)%nel), 1e-14,
				"entry (%d,%d)", i, j)
		}
	}
	// the seam couples the ends
	assert.Greater(t, serial.matrix.At(0, nel-1), 0.0)
	assert.Greater(t, serial.matrix.At(nel-1, 1), 0.0)
}

func TestPeriodicStiffnessMixedDirections(t *testing.T) {
	space := periodicSpace(t, []int{6, 4}, []int{2, 1}, []bool{true, false})
	serial := assembleOn(t, space, []int{1, 1}, element.Stiffness(), nil)[0]
	for _, dims := range [][]int{{2, 1}, {3, 2}} {
		t.Run(fmt.Sprint(dims), func(t *testing.T) {
			for r, res := range assembleOn(t, space, dims, element.Stiffness(), nil) {
				assert.True(t, mat.EqualApprox(serial.matrix, res.matrix, 1e-12), "rank %d", r)
			}
		})
	}
	n, _ := serial.matrix.Dims()
	ones := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1)
	}
	var k1 mat.VecDense
	k1.MulVec(serial.matrix, ones)
	for i := 0; i < n; i++ {
		assert.InDelta(t, 0, k1.AtVec(i), 1e-10)
	}
}

// An element whose basis functions straddle the partition boundary is
// assembled by one worker only, and its contributions to the other worker's
// rows arrive through the exchange
func TestSharedBoundaryElement(t *testing.T) {
	// degree 1, 4 elements, 5 basis functions: rank 0 owns [0,3), rank 1 [3,5)
	space := testSpace(t, []int{4}, []int{1})
	dc, err := partitions.NewDecomposition([]int{5}, []int{1}, []int{2}, 2)
	require.NoError(t, err)
	w, err := comm.NewWorld(2)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	boxes := make([]utils.Box, 2)
	vecs := make([][]float64, 2)
	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < 2; r++ {
		c := w.Comm(r)
		eg.Go(func() error {
			e, err := NewEngine(space, dc, c, WithMetrics(metrics))
			if err != nil {
				return err
			}
			boxes[r] = e.LocalElements()
			if err := e.Assemble(ctx, nil, element.Load(func([]float64) float64 { return 1 })); err != nil {
				return err
			}
			v, err := e.Vector()
			if err != nil {
				return err
			}
			vecs[r], err = v.ToGlobalArray(ctx)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	// element 2 spans basis 2 and 3; basis 2 is owned by rank 0
	assert.Equal(t, []int{0}, boxes[0].Lo)
	assert.Equal(t, []int{3}, boxes[0].Hi)
	assert.Equal(t, []int{3}, boxes[1].Lo)
	assert.Equal(t, []int{4}, boxes[1].Hi)
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.ElementsTotal.WithLabelValues("vector")))

	h := 0.25
	want := []float64{h / 2, h, h, h, h / 2}
	for r := range vecs {
		assert.InDeltaSlice(t, want, vecs[r], 1e-15, "rank %d", r)
	}
}

func TestLocalElementsTileTheMesh(t *testing.T) {
	space := testSpace(t, []int{7, 9}, []int{2, 3})
	dims := []int{2, 2}
	dc, err := partitions.NewDecomposition(space.NumBasis(), space.Degrees(), dims, 4)
	require.NoError(t, err)
	w, err := comm.NewWorld(4)
	require.NoError(t, err)

	count := make([]int, utils.Product(space.NumElements()))
	for r := 0; r < 4; r++ {
		e, err := NewEngine(space, dc, w.Comm(r))
		require.NoError(t, err)
		e.LocalElements().ForEach(func(idx []int) {
			count[utils.Ravel(idx, space.NumElements())]++
		})
	}
	for i, c := range count {
		assert.Equal(t, 1, c, "element %d", i)
	}
}

func TestKernelFailure(t *testing.T) {
	space := testSpace(t, []int{6}, []int{2})
	dc, err := partitions.NewDecomposition([]int{8}, []int{2}, []int{2}, 2)
	require.NoError(t, err)
	w, err := comm.NewWorld(2)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	boom := errors.New("boom")
	failing := element.MatrixKernelFunc(func(eb *element.ElementBasis, out *mat.Dense) error {
		if eb.Element.Index[0] == 4 {
			return boom
		}
		return nil
	})

	engines := make([]*Engine, 2)
	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < 2; r++ {
		c := w.Comm(r)
		eg.Go(func() error {
			e, err := NewEngine(space, dc, c, WithMetrics(metrics), WithLogger(zaptest.NewLogger(t)))
			if err != nil {
				return err
			}
			engines[r] = e
			return e.Assemble(ctx, failing, nil)
		})
	}
	err = eg.Wait()

	var ae *AssemblyError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ae.Rank)
	assert.Equal(t, []int{4}, ae.Element.Index)
	assert.Equal(t, []int{6}, ae.Element.Spans)

	// rank 1 failed in its kernel, rank 0 was cancelled before or while
	// waiting for rank 1 in the exchange
	assert.Equal(t, Failed, engines[1].State())
	assert.Equal(t, Failed, engines[0].State())
	assert.ErrorIs(t, engines[0].Err(), context.Canceled)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues("kernel")))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues("exchange"))+
			testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues("canceled")))

	_, err = engines[1].Matrix()
	assert.ErrorIs(t, err, ErrInvalidState)
	engines[1].Reset()
	assert.Equal(t, Idle, engines[1].State())
	assert.NoError(t, engines[1].Err())
}

func TestKernelPanicIsRecovered(t *testing.T) {
	space := testSpace(t, []int{3}, []int{1})
	dc, err := partitions.NewDecomposition([]int{4}, []int{1}, []int{1}, 1)
	require.NoError(t, err)
	w, err := comm.NewWorld(1)
	require.NoError(t, err)
	e, err := NewEngine(space, dc, w.Comm(0))
	require.NoError(t, err)

	require.NoError(t, e.Begin())
	err = e.AssembleVector(context.Background(), element.VectorKernelFunc(
		func(eb *element.ElementBasis, out *mat.VecDense) error {
			out.SetVec(99, 1)
			return nil
		}))
	var ae *AssemblyError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Error(), "kernel panic")
	assert.Equal(t, Failed, e.State())
}

func TestStateMachine(t *testing.T) {
	space := testSpace(t, []int{4}, []int{2})
	dc, err := partitions.NewDecomposition([]int{6}, []int{2}, []int{1}, 1)
	require.NoError(t, err)
	w, err := comm.NewWorld(1)
	require.NoError(t, err)
	e, err := NewEngine(space, dc, w.Comm(0))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, Idle, e.State())
	assert.ErrorIs(t, e.AssembleMatrix(ctx, element.Mass()), ErrInvalidState)
	assert.ErrorIs(t, e.Finish(ctx), ErrInvalidState)
	_, err = e.Vector()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, e.Begin())
	assert.Equal(t, Assembling, e.State())
	assert.ErrorIs(t, e.Begin(), ErrInvalidState)
	require.NoError(t, e.AssembleMatrix(ctx, element.Mass()))
	require.NoError(t, e.Finish(ctx))
	assert.Equal(t, Assembled, e.State())
	m1, err := e.Matrix()
	require.NoError(t, err)
	first, err := m1.ToGlobalArray(ctx)
	require.NoError(t, err)

	// a second assembly reuses and zeroes the containers
	e.Reset()
	require.NoError(t, e.Assemble(ctx, element.Mass(), nil))
	m2, err := e.Matrix()
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	second, err := m2.ToGlobalArray(ctx)
	require.NoError(t, err)
	assert.True(t, mat.Equal(first, second))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	e.Reset()
	require.NoError(t, e.Begin())
	assert.ErrorIs(t, e.AssembleMatrix(cancelled, element.Mass()), context.Canceled)
	assert.Equal(t, Failed, e.State())
}

func TestNewEngineValidation(t *testing.T) {
	space := testSpace(t, []int{4}, []int{2})
	w, err := comm.NewWorld(1)
	require.NoError(t, err)
	var ce *partitions.ConfigurationError

	dc, err := partitions.NewDecomposition([]int{7}, []int{2}, []int{1}, 1)
	require.NoError(t, err)
	_, err = NewEngine(space, dc, w.Comm(0))
	assert.True(t, errors.As(err, &ce), "basis count mismatch")

	dc, err = partitions.NewDecomposition([]int{6}, []int{1}, []int{1}, 1)
	require.NoError(t, err)
	_, err = NewEngine(space, dc, w.Comm(0))
	assert.True(t, errors.As(err, &ce), "ghost width mismatch")

	dc, err = partitions.NewDecomposition([]int{6, 6}, []int{2, 2}, []int{1, 1}, 1)
	require.NoError(t, err)
	_, err = NewEngine(space, dc, w.Comm(0))
	assert.True(t, errors.As(err, &ce), "dimension mismatch")

	dc, err = partitions.NewDecomposition([]int{6}, []int{2}, []int{1}, 1)
	require.NoError(t, err)
	_, err = NewEngine(space, dc, w.Comm(0), WithQuadrature([]int{0}))
	assert.Error(t, err)

	dc, err = partitions.NewDecomposition([]int{6}, []int{2}, []int{1}, 1, partitions.WithPeriods(true))
	require.NoError(t, err)
	_, err = NewEngine(space, dc, w.Comm(0))
	require.True(t, errors.As(err, &ce), "periodicity mismatch")
	assert.Equal(t, "periodic", ce.Field)
}

func TestTracingAndMetrics(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	space := testSpace(t, []int{6}, []int{2})
	assembleOn(t, space, []int{2}, element.Mass(), element.Load(func([]float64) float64 { return 2 }),
		WithTracer(tp.Tracer("test")), WithMetrics(metrics))

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 4, names["assembly.Engine.Assemble"])
	assert.Equal(t, 2, names["assembly.Engine.Finish"])
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.ElementsTotal.WithLabelValues("matrix")))
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.ElementsTotal.WithLabelValues("vector")))
	assert.Equal(t, 3, testutil.CollectAndCount(metrics.PhaseDurationSeconds))
}
