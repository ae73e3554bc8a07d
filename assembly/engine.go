// Package assembly drives element kernels over a worker's share of the mesh
// and scatters the results into distributed containers.
package assembly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/IGAKernel/bspline"
	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/distributed"
	"github.com/notargets/IGAKernel/element"
	"github.com/notargets/IGAKernel/halo"
	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

// State is the assembly life cycle of one worker
type State int

const (
	Idle State = iota
	Assembling
	Exchanging
	Assembled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Assembling:
		return "assembling"
	case Exchanging:
		return "exchanging"
	case Assembled:
		return "assembled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Engine assembles a stencil matrix and a vector on one worker. Every
// element is assembled by exactly one worker, the one owning its first basis
// function in every direction; contributions to rows owned elsewhere are
// reduced to their owners by Finish.
//
// An Engine is used by a single goroutine. Begin, Finish and Assemble are
// collective across the workers of the decomposition.
type Engine struct {
	rank     int
	space    *bspline.TensorSpace
	vs       *distributed.VectorSpace
	cache    *element.BasisCache
	elements utils.Box

	quad  []int
	nders int

	state  State
	err    error
	matrix *distributed.StencilMatrix
	vector *distributed.Vector

	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger, zap.NewNop by default
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = utils.OrNop(l) }
}

// WithMetrics records engine activity in m
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer, otel's global tracer by default
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithQuadrature sets the Gauss points per element per direction; the
// default is degree+1
func WithQuadrature(points []int) Option {
	return func(e *Engine) { e.quad = append([]int(nil), points...) }
}

// WithDerivatives sets the highest basis derivative order handed to
// kernels, 1 by default
func WithDerivatives(n int) Option {
	return func(e *Engine) { e.nders = n }
}

// WithBasisCache shares a prebuilt basis cache between engines. It overrides
// WithQuadrature and WithDerivatives.
func WithBasisCache(bc *element.BasisCache) Option {
	return func(e *Engine) { e.cache = bc }
}

// NewEngine creates the engine of worker c.Rank(). The decomposition must
// split the basis of space with ghost widths equal to the degrees, and wrap
// exactly the periodic directions of space.
func NewEngine(space *bspline.TensorSpace, decomp *partitions.Decomposition, c comm.Comm, opts ...Option) (*Engine, error) {
	e := &Engine{
		rank:   c.Rank(),
		space:  space,
		nders:  1,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/notargets/IGAKernel/assembly"),
	}
	for _, o := range opts {
		o(e)
	}
	base := e.logger
	e.logger = e.logger.With(zap.Int("rank", e.rank))

	nb, degrees := space.NumBasis(), space.Degrees()
	if decomp.Dim() != space.Dim() {
		return nil, &partitions.ConfigurationError{Field: "worker_grid_shape",
			Reason: fmt.Sprintf("decomposition has %d directions, space %d", decomp.Dim(), space.Dim())}
	}
	npts, pads := decomp.NumBasis(), decomp.Pads()
	periods, spacePeriods := decomp.Periods(), space.Periods()
	for d := range nb {
		if periods[d] != spacePeriods[d] {
			return nil, &partitions.ConfigurationError{Field: "periodic",
				Reason: fmt.Sprintf("direction %d: decomposition periodic=%v, space periodic=%v",
					d, periods[d], spacePeriods[d])}
		}
		if npts[d] != nb[d] {
			return nil, &partitions.ConfigurationError{Field: "npts",
				Reason: fmt.Sprintf("direction %d: decomposition has %d basis functions, space %d", d, npts[d], nb[d])}
		}
		if pads[d] != degrees[d] {
			return nil, &partitions.ConfigurationError{Field: "pads",
				Reason: fmt.Sprintf("direction %d: ghost width %d differs from degree %d", d, pads[d], degrees[d])}
		}
	}

	if e.cache == nil {
		if e.quad == nil {
			e.quad = make([]int, len(degrees))
			for d, p := range degrees {
				e.quad[d] = p + 1
			}
		}
		bc, err := element.NewBasisCache(space, e.quad, e.nders)
		if err != nil {
			return nil, err
		}
		e.cache = bc
	} else if e.cache.Space() != space {
		return nil, fmt.Errorf("basis cache was built for a different space")
	}

	vs, err := distributed.NewVectorSpace(decomp, c, halo.WithLogger(base))
	if err != nil {
		return nil, err
	}
	e.vs = vs
	e.elements = ownedElements(space, vs.Partition())
	e.logger.Debug("assembly engine ready",
		zap.Stringer("partition", vs.Partition()),
		zap.Int("elements", e.elements.Size()))
	return e, nil
}

// ownedElements returns the box of element indices whose first basis
// function lies in the owned range of p in every direction
func ownedElements(space *bspline.TensorSpace, p partitions.Partition) utils.Box {
	lo := make([]int, space.Dim())
	hi := make([]int, space.Dim())
	for d := range lo {
		kv := space.Knots(d)
		deg := kv.Degree()
		spans := kv.ElementSpans()
		lo[d] = sort.Search(len(spans), func(i int) bool { return spans[i]-deg >= p.Starts[d] })
		hi[d] = sort.Search(len(spans), func(i int) bool { return spans[i]-deg >= p.Ends[d] })
	}
	return utils.NewBox(lo, hi)
}

// State returns the current state
func (e *Engine) State() State { return e.state }

// Err returns the cause of the Failed state
func (e *Engine) Err() error { return e.err }

// Space returns the worker's vector space
func (e *Engine) Space() *distributed.VectorSpace { return e.vs }

// BasisCache returns the basis tables kernels are evaluated with
func (e *Engine) BasisCache() *element.BasisCache { return e.cache }

// LocalElements returns the box of element indices this worker assembles
func (e *Engine) LocalElements() utils.Box { return utils.NewBox(e.elements.Lo, e.elements.Hi) }

// Begin starts an assembly. Containers are allocated on first use and
// zeroed afterwards.
func (e *Engine) Begin() error {
	if e.state != Idle {
		return stateError("begin", e.state)
	}
	if e.matrix == nil {
		e.matrix = e.vs.NewStencilMatrix()
		e.vector = e.vs.NewVector()
	} else {
		e.matrix.Zero()
		e.vector.Zero()
	}
	e.state = Assembling
	return nil
}

// AssembleMatrix adds the contribution of k over every local element
func (e *Engine) AssembleMatrix(ctx context.Context, k element.MatrixKernel) error {
	if e.state != Assembling {
		return stateError("assemble matrix", e.state)
	}
	n := e.cache.Space().Dim()
	row := make([]int, n)
	col := make([]int, n)
	var out *mat.Dense
	return e.loop(ctx, "matrix", func(eb *element.ElementBasis) error {
		nl := eb.NumLocal()
		if out == nil {
			out = mat.NewDense(nl, nl, nil)
		} else {
			out.Zero()
		}
		if err := runKernel(func() error { return k.ElementMatrix(eb, out) }); err != nil {
			return err
		}
		for a := 0; a < nl; a++ {
			eb.GlobalIndex(a, row)
			for b := 0; b < nl; b++ {
				eb.GlobalIndex(b, col)
				if err := e.matrix.AddLocal(row, col, out.At(a, b)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// AssembleVector adds the contribution of k over every local element
func (e *Engine) AssembleVector(ctx context.Context, k element.VectorKernel) error {
	if e.state != Assembling {
		return stateError("assemble vector", e.state)
	}
	row := make([]int, e.cache.Space().Dim())
	var out *mat.VecDense
	return e.loop(ctx, "vector", func(eb *element.ElementBasis) error {
		nl := eb.NumLocal()
		if out == nil {
			out = mat.NewVecDense(nl, nil)
		} else {
			out.Zero()
		}
		if err := runKernel(func() error { return k.ElementVector(eb, out) }); err != nil {
			return err
		}
		for a := 0; a < nl; a++ {
			eb.GlobalIndex(a, row)
			if err := e.vector.AddLocal(row, out.AtVec(a)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) loop(ctx context.Context, form string, fn func(eb *element.ElementBasis) error) error {
	ctx, span := e.tracer.Start(ctx, "assembly.Engine.Assemble",
		trace.WithAttributes(
			attribute.Int("rank", e.rank),
			attribute.String("form", form),
			attribute.Int("elements", e.elements.Size()),
		),
	)
	defer span.End()
	start := time.Now()

	var (
		failure error
		reason  = "kernel"
	)
	e.elements.ForEach(func(idx []int) {
		if failure != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			failure, reason = fmt.Errorf("assemble %s: %w", form, err), "canceled"
			return
		}
		eb, err := e.cache.Element(idx)
		if err == nil {
			err = fn(eb)
		}
		if err != nil {
			failure = &AssemblyError{Rank: e.rank, Element: element.Element{
				Index: append([]int(nil), idx...),
				Spans: spansOf(eb),
			}, Err: err}
		}
	})
	if failure != nil {
		e.fail(reason, failure)
		span.RecordError(failure)
		span.SetStatus(codes.Error, "element assembly failed")
		return failure
	}

	if e.metrics != nil {
		e.metrics.ElementsTotal.WithLabelValues(form).Add(float64(e.elements.Size()))
		e.metrics.PhaseDurationSeconds.WithLabelValues("assemble_" + form).Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("assembled",
		zap.String("form", form),
		zap.Int("elements", e.elements.Size()),
		zap.Duration("elapsed", time.Since(start)))
	span.SetStatus(codes.Ok, "assembled")
	return nil
}

func spansOf(eb *element.ElementBasis) []int {
	if eb == nil {
		return nil
	}
	return append([]int(nil), eb.Element.Spans...)
}

// runKernel converts a kernel panic into an error
func runKernel(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return fn()
}

// Finish reconciles the matrix and then the vector with the other workers
func (e *Engine) Finish(ctx context.Context) error {
	if e.state != Assembling {
		return stateError("finish", e.state)
	}
	e.state = Exchanging
	ctx, span := e.tracer.Start(ctx, "assembly.Engine.Finish",
		trace.WithAttributes(
			attribute.Int("rank", e.rank),
			attribute.Int("neighbors", len(e.vs.Exchanger().Plan().Neighbors)),
		),
	)
	defer span.End()
	start := time.Now()

	if err := e.matrix.Exchange(ctx); err != nil {
		err = fmt.Errorf("matrix exchange: %w", err)
		e.fail("exchange", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		return err
	}
	if err := e.vector.Exchange(ctx); err != nil {
		err = fmt.Errorf("vector exchange: %w", err)
		e.fail("exchange", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		return err
	}

	if e.metrics != nil {
		e.metrics.PhaseDurationSeconds.WithLabelValues("exchange").Observe(time.Since(start).Seconds())
	}
	e.state = Assembled
	span.SetStatus(codes.Ok, "exchanged")
	return nil
}

// Assemble runs Begin, the given kernels and Finish. Either kernel may be
// nil.
func (e *Engine) Assemble(ctx context.Context, mk element.MatrixKernel, vk element.VectorKernel) error {
	if err := e.Begin(); err != nil {
		return err
	}
	if mk != nil {
		if err := e.AssembleMatrix(ctx, mk); err != nil {
			return err
		}
	}
	if vk != nil {
		if err := e.AssembleVector(ctx, vk); err != nil {
			return err
		}
	}
	return e.Finish(ctx)
}

// Reset returns the engine to Idle from any state, keeping its containers
// for reuse
func (e *Engine) Reset() {
	e.state = Idle
	e.err = nil
}

// Matrix returns the assembled matrix
func (e *Engine) Matrix() (*distributed.StencilMatrix, error) {
	if e.state != Assembled {
		return nil, stateError("matrix", e.state)
	}
	return e.matrix, nil
}

// Vector returns the assembled vector
func (e *Engine) Vector() (*distributed.Vector, error) {
	if e.state != Assembled {
		return nil, stateError("vector", e.state)
	}
	return e.vector, nil
}

func (e *Engine) fail(reason string, err error) {
	e.state = Failed
	e.err = err
	if e.metrics != nil {
		e.metrics.FailuresTotal.WithLabelValues(reason).Inc()
	}
	e.logger.Error("assembly failed", zap.String("reason", reason), zap.Error(err))
}
