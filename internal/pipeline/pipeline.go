package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/subclust/internal/aggregate"
	"github.com/Iron-Ham/subclust/internal/config"
	"github.com/Iron-Ham/subclust/internal/dispatcher"
	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/graphstore"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/metrics"
	"github.com/Iron-Ham/subclust/internal/scheduler"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Stage is a bit set of pipeline stages.
type Stage uint8

const (
	StagePartition Stage = 1 << iota
	StageCluster
	StageAggregate

	StageAll = StagePartition | StageCluster | StageAggregate
)

// Has reports whether s includes every stage of o.
func (s Stage) Has(o Stage) bool {
	return s&o == o
}

func (s Stage) String() string {
	var names []string
	if s.Has(StagePartition) {
		names = append(names, "partition")
	}
	if s.Has(StageCluster) {
		names = append(names, "cluster")
	}
	if s.Has(StageAggregate) {
		names = append(names, "aggregate")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

// Report summarizes one Run.
type Report struct {
	RunID      string
	Scratch    string
	Stages     Stage
	Resumed    bool
	Build      graphstore.BuildResult
	Checkpoint graphstore.CheckpointResult
	Partition  scheduler.Summary
	Cluster    dispatcher.Summary
	Aggregate  aggregate.Result
	Archive    string
	Duration   time.Duration
}

// Pipeline runs the stages of one subclust run.
type Pipeline struct {
	cfg  *config.Config
	opts options

	dir      scratch.Dir
	lock     *scratch.Lock
	manifest *scratch.Manifest
	store    *graphstore.Store
	logger   *logging.Logger
	ownsLog  bool
	bus      *event.Bus
	recorder *metrics.Recorder
}

// New creates a Pipeline for cfg.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	o := options{stages: StageAll}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pipeline{
		cfg:  cfg,
		opts: o,
		dir:  scratch.New(cfg.ScratchDir()),
	}
}

// Stages returns the stages Run will execute. Disabling clustering drops
// the cluster stage, and a full run without clustering stops after
// partitioning.
func (p *Pipeline) Stages() Stage {
	s := p.opts.stages
	if !p.cfg.Cluster.Enabled && s.Has(StageCluster) {
		s &^= StageCluster
		if s.Has(StagePartition) {
			s &^= StageAggregate
		}
	}
	return s
}

// Run executes the selected stages. The scratch lock is held until the
// stages finish; scratch disposal happens after it is released.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	stages := p.Stages()
	rep := &Report{Scratch: p.dir.Root(), Stages: stages}

	if err := p.check(stages); err != nil {
		return rep, err
	}
	if err := p.open(stages, rep); err != nil {
		p.close()
		return rep, err
	}

	err := p.run(ctx, stages, rep)
	p.writeMetrics()
	rep.Duration = time.Since(start)
	if err != nil {
		p.logger.Error("run failed", "stages", stages.String(), "error", err.Error())
		p.close()
		return rep, err
	}
	p.logger.Info("run finished", "stages", stages.String(), "duration", rep.Duration.String())
	p.close()

	if stages.Has(StageAggregate) {
		archive, err := aggregate.Dispose(p.dir, p.cfg.Output.Scratch, p.cfg.Output.Dir, p.cfg.Output.ArchiveExclude)
		if err != nil {
			return rep, err
		}
		rep.Archive = archive
	}
	return rep, nil
}

// check fails fast on configuration combinations the stages cannot run with.
func (p *Pipeline) check(stages Stage) error {
	if stages == 0 {
		return apperrors.NewConfigError("no stage to run", apperrors.ErrInvalidConfig)
	}
	if stages.Has(StagePartition) {
		if err := p.cfg.RequireInput(); err != nil {
			return err
		}
	}
	if stages.Has(StageCluster) {
		if err := p.cfg.RequireInflation(); err != nil {
			return err
		}
	}
	return nil
}

// open locks the scratch directory and builds or reopens its graph store.
func (p *Pipeline) open(stages Stage, rep *Report) error {
	root := p.dir.Root()
	fresh := p.cfg.Input.Resume == "" && stages.Has(StagePartition)
	if fresh {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create scratch directory: %w", err)
		}
	} else if _, err := os.Stat(root); err != nil {
		return apperrors.NewConfigError(fmt.Sprintf("scratch directory %s does not exist", root), apperrors.ErrMissingInput).
			WithField("input.resume")
	}

	p.lock = scratch.NewLock(root)
	if err := p.lock.TryLock(); err != nil {
		p.lock = nil
		return err
	}

	if err := p.openLogger(); err != nil {
		return err
	}
	p.bus = p.opts.bus
	if p.bus == nil {
		p.bus = event.NewBus(p.logger)
	}
	p.recorder = metrics.NewRecorder()
	p.recorder.Attach(p.bus)

	m, err := p.dir.ReadManifest()
	switch {
	case err == nil:
		if err := p.checkManifest(m, stages); err != nil {
			return err
		}
		rep.Resumed = true
	case apperrors.Is(err, apperrors.ErrNotFound) && fresh:
		if m, err = p.build(rep); err != nil {
			return err
		}
	default:
		return err
	}
	p.manifest = m
	rep.RunID = m.RunID
	p.logger = p.logger.WithRun(m.RunID)

	if !stages.Has(StagePartition) {
		return nil
	}
	if rep.Resumed {
		store, cp, err := graphstore.Open(p.dir)
		if err != nil {
			return err
		}
		p.store = store
		rep.Checkpoint = cp
		m.Resumes++
		if err := p.dir.WriteManifest(m); err != nil {
			return err
		}
		p.logger.Info("resuming run", "resumes", m.Resumes, "recorded", cp.Recorded, "seeds", cp.SeedsPresent, "rows", p.store.Len())
	}
	return nil
}

func (p *Pipeline) openLogger() error {
	if p.opts.logger != nil {
		p.logger = p.opts.logger
		return nil
	}
	rotation := logging.RotationConfig{
		MaxSizeMB:  p.cfg.Logging.MaxSizeMB,
		MaxBackups: p.cfg.Logging.MaxBackups,
		Compress:   true,
	}
	l, err := logging.NewLoggerWithRotation(p.dir.Root(), p.cfg.Logging.EffectiveLevel(), rotation, p.opts.mirror)
	if err != nil {
		return err
	}
	p.logger = l
	p.ownsLog = true
	return nil
}

// checkManifest verifies that an existing scratch directory can serve this run.
func (p *Pipeline) checkManifest(m *scratch.Manifest, stages Stage) error {
	if !stages.Has(StagePartition) {
		return nil
	}
	if err := m.Check(p.cfg.Graph.Symmetric); err != nil {
		return err
	}
	if p.cfg.Input.Resume == "" && p.cfg.Input.Graph != "" {
		input, err := filepath.Abs(p.cfg.Input.Graph)
		if err != nil {
			return err
		}
		if input != m.Input {
			return apperrors.NewCoordinationError(
				fmt.Sprintf("scratch directory belongs to %s", m.Input),
				apperrors.ErrManifestMismatch).WithPath(p.dir.Root())
		}
	}
	return nil
}

// build prepares a fresh scratch directory from the input graph.
func (p *Pipeline) build(rep *Report) (*scratch.Manifest, error) {
	input, err := filepath.Abs(p.cfg.Input.Graph)
	if err != nil {
		return nil, err
	}
	store, res, err := graphstore.Build(input, p.dir)
	if err != nil {
		return nil, err
	}
	p.store = store
	rep.Build = res

	m := scratch.NewManifest(input, p.cfg.Graph.Symmetric)
	m.Nodes = res.Universe
	m.Zeros = len(res.Zeros)
	if err := p.dir.WriteManifest(m); err != nil {
		return nil, err
	}
	p.logger.WithRun(m.RunID).Info("scratch directory built",
		"input", input, "rows", res.Rows, "universe", res.Universe, "zeros", len(res.Zeros))
	return m, nil
}

// run executes partitioning and clustering concurrently, then aggregation.
func (p *Pipeline) run(ctx context.Context, stages Stage, rep *Report) error {
	var sched *scheduler.Scheduler
	if stages.Has(StagePartition) {
		launcher, err := p.launcher()
		if err != nil {
			return err
		}
		sched = scheduler.New(p.dir, p.store, launcher, scheduler.Options{
			PoolSize:     p.cfg.Partition.PoolSize(),
			PollInterval: p.cfg.Partition.PollInterval(),
			ShuffleSeed:  p.cfg.Partition.ShuffleSeed,
			Logger:       p.logger,
			Bus:          p.bus,
		})
	}

	var disp *dispatcher.Dispatcher
	if stages.Has(StageCluster) {
		runner, err := p.runner()
		if err != nil {
			return err
		}
		disp = dispatcher.New(p.dir, runner, dispatcher.Options{
			Processes:    p.cfg.Cluster.Processes,
			Retries:      p.cfg.Cluster.Retries,
			Inflation:    p.cfg.Cluster.Inflation,
			Threads:      p.cfg.Cluster.Threads,
			PollInterval: p.cfg.Cluster.PollInterval(),
			Logger:       p.logger,
			Bus:          p.bus,
		})
		if sched == nil && !p.dir.IsDone() {
			p.logger.Warn("partitioning has not finished; clustering the partitions frozen so far")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	if sched != nil {
		g.Go(func() error {
			defer close(finished)
			sum, err := sched.Run(gctx)
			rep.Partition = sum
			return err
		})
	} else {
		close(finished)
	}
	if disp != nil {
		g.Go(func() error {
			sum, err := disp.Run(gctx, finished)
			rep.Cluster = sum
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !stages.Has(StageAggregate) {
		return nil
	}
	if !p.dir.IsDone() {
		return apperrors.NewCoordinationError("cannot aggregate before partitioning finishes",
			apperrors.ErrPartitioningIncomplete).WithStage("aggregate").WithPath(p.dir.Root())
	}
	res, err := aggregate.New(p.dir, aggregate.Options{
		OutputDir: p.cfg.Output.Dir,
		Relabel:   p.cfg.Input.Relabel,
		Matrix:    p.cfg.Output.Matrix,
		Logger:    p.logger,
		Bus:       p.bus,
	}).Run(ctx)
	rep.Aggregate = res
	return err
}

func (p *Pipeline) launcher() (scheduler.Launcher, error) {
	if p.opts.launcher != nil {
		return p.opts.launcher, nil
	}
	part := &p.cfg.Partition
	if part.Launcher == config.LauncherInProcess {
		return &scheduler.InProcessLauncher{
			Dir:          p.dir,
			Symmetric:    p.cfg.Graph.Symmetric,
			ScanInterval: part.ScanInterval(),
			Logger:       p.logger,
		}, nil
	}
	return &scheduler.ProcessLauncher{
		Executable:   p.opts.executable,
		Dir:          p.dir,
		Symmetric:    p.cfg.Graph.Symmetric,
		ScanInterval: part.ScanInterval(),
		LogLevel:     p.cfg.Logging.EffectiveLevel(),
	}, nil
}

func (p *Pipeline) runner() (dispatcher.Runner, error) {
	if p.opts.runner != nil {
		return p.opts.runner, nil
	}
	return dispatcher.NewExecRunner(p.cfg.Cluster.Tool, p.cfg.Cluster.Args)
}

// writeMetrics exports the run's metrics into the scratch directory and,
// when configured, to metrics.textfile.
func (p *Pipeline) writeMetrics() {
	if p.recorder == nil {
		return
	}
	paths := []string{p.dir.Metrics()}
	if p.cfg.Metrics.Textfile != "" {
		paths = append(paths, p.cfg.Metrics.Textfile)
	}
	for _, path := range paths {
		if err := p.recorder.WriteTextfile(path); err != nil {
			p.logger.Warn("metrics not written", "path", path, "error", err.Error())
		}
	}
}

// close releases the lock and the run log. It is safe to call on a
// partially opened pipeline.
func (p *Pipeline) close() {
	if p.recorder != nil && p.bus != nil {
		p.recorder.Detach(p.bus)
	}
	if p.ownsLog && p.logger != nil {
		_ = p.logger.Close()
		p.ownsLog = false
	}
	if p.logger == nil {
		p.logger = logging.NopLogger()
	}
	if p.lock != nil {
		_ = p.lock.Unlock()
		p.lock = nil
	}
}
