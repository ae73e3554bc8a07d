// Package runner launches one goroutine per worker of a decomposed space
// and wires each with its endpoint, vector space and assembly engine.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/IGAKernel/assembly"
	"github.com/notargets/IGAKernel/bspline"
	"github.com/notargets/IGAKernel/comm"
	"github.com/notargets/IGAKernel/config"
	"github.com/notargets/IGAKernel/element"
	"github.com/notargets/IGAKernel/partitions"
	"github.com/notargets/IGAKernel/utils"
)

// Runner holds what the workers of a run share: the space, its
// decomposition, the basis tables and the observability sinks
type Runner struct {
	RunID  string
	Config *config.Config
	Space  *bspline.TensorSpace
	Decomp *partitions.Decomposition
	Cache  *element.BasisCache

	Logger   *zap.Logger
	Registry prometheus.Registerer
	Metrics  *assembly.Metrics

	tracer trace.Tracer
}

// Worker is the state handed to the function run on one rank
type Worker struct {
	Rank      int
	Comm      comm.Comm
	Engine    *assembly.Engine
	Partition partitions.Partition
	Logger    *zap.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger replaces the logger built from the logging configuration
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.Logger = l }
}

// WithRegistry registers the assembly metrics with reg instead of a private
// registry
func WithRegistry(reg prometheus.Registerer) Option {
	return func(r *Runner) { r.Registry = reg }
}

// WithTracer hands t to every engine
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// New prepares a run of cfg over space. Ghost widths equal the degrees.
func New(cfg *config.Config, space *bspline.TensorSpace, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(space.Dim()); err != nil {
		return nil, err
	}
	r := &Runner{
		RunID:  uuid.NewString(),
		Config: cfg,
		Space:  space,
	}
	for _, o := range opts {
		o(r)
	}
	if r.Logger == nil {
		l, err := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return nil, err
		}
		r.Logger = l
	}
	r.Logger = r.Logger.With(zap.String("run_id", r.RunID))
	if r.Registry == nil {
		r.Registry = prometheus.NewRegistry()
	}
	r.Metrics = assembly.NewMetrics(r.Registry)

	npts, pads := space.NumBasis(), space.Degrees()
	dims, err := cfg.WorkerGrid(npts, pads)
	if err != nil {
		return nil, err
	}
	periods, err := cfg.Periods(space.Periods())
	if err != nil {
		return nil, err
	}
	r.Decomp, err = partitions.NewDecomposition(npts, pads, dims, cfg.Workers,
		partitions.WithPeriods(periods...))
	if err != nil {
		return nil, err
	}

	quad := cfg.QuadraturePoints
	if quad == nil {
		quad = make([]int, space.Dim())
		for d, p := range space.Degrees() {
			quad[d] = p + 1
		}
	}
	if r.Cache, err = element.NewBasisCache(space, quad, cfg.Derivatives); err != nil {
		return nil, err
	}

	stats := r.Decomp.Statistics()
	r.Logger.Info("run prepared",
		zap.Ints("worker_grid", dims),
		zap.Ints("basis", npts),
		zap.Bools("periodic", periods),
		zap.Int("min_owned", stats.MinOwned),
		zap.Int("max_owned", stats.MaxOwned),
		zap.Float64("imbalance", stats.Imbalance))
	return r, nil
}

// Size returns the number of workers
func (r *Runner) Size() int { return r.Decomp.Size() }

// Run calls fn on every worker concurrently, each on its own goroutine and
// over a fresh message-passing world. The first error cancels the context
// of the others and is returned.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context, w *Worker) error) error {
	world, err := comm.NewWorld(r.Size(), comm.WithMailboxDepth(r.Config.MailboxDepth))
	if err != nil {
		return err
	}
	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < r.Size(); rank++ {
		c := world.Comm(rank)
		eg.Go(func() error {
			w, err := r.newWorker(c)
			if err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return fn(ctx, w)
		})
	}
	if err := eg.Wait(); err != nil {
		r.Logger.Error("run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	r.Logger.Info("run finished", zap.Int("workers", r.Size()), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Runner) newWorker(c comm.Comm) (*Worker, error) {
	logger := r.Logger.With(zap.Int("rank", c.Rank()))
	opts := []assembly.Option{
		assembly.WithLogger(r.Logger),
		assembly.WithMetrics(r.Metrics),
		assembly.WithBasisCache(r.Cache),
	}
	if r.tracer != nil {
		opts = append(opts, assembly.WithTracer(r.tracer))
	}
	e, err := assembly.NewEngine(r.Space, r.Decomp, c, opts...)
	if err != nil {
		return nil, err
	}
	return &Worker{
		Rank:      c.Rank(),
		Comm:      c,
		Engine:    e,
		Partition: e.Space().Partition(),
		Logger:    logger,
	}, nil
}

// Assemble runs one assembly of mk and vk on every worker and gathers the
// result. Either kernel may be nil, in which case its result is nil.
func (r *Runner) Assemble(ctx context.Context, mk element.MatrixKernel, vk element.VectorKernel) (*mat.Dense, []float64, error) {
	var (
		m *mat.Dense
		v []float64
	)
	err := r.Run(ctx, func(ctx context.Context, w *Worker) error {
		if err := w.Engine.Assemble(ctx, mk, vk); err != nil {
			return err
		}
		var (
			gm *mat.Dense
			gv []float64
		)
		if mk != nil {
			sm, err := w.Engine.Matrix()
			if err != nil {
				return err
			}
			if gm, err = sm.ToGlobalArray(ctx); err != nil {
				return err
			}
		}
		if vk != nil {
			dv, err := w.Engine.Vector()
			if err != nil {
				return err
			}
			if gv, err = dv.ToGlobalArray(ctx); err != nil {
				return err
			}
		}
		if w.Rank == 0 {
			m, v = gm, gv
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return m, v, nil
}
