// Package dispatcher clusters frozen partitions with an external tool while
// partitioning is still running. It watches the frozen/ marker directory,
// prepares each partition's matrix, and runs the tool through a bounded
// worker pool. Tool failures are logged and reported; they never stop the
// run.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc/pool"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// debounce collapses bursts of marker creations into one sweep.
const debounce = 50 * time.Millisecond

// Options configures a Dispatcher.
type Options struct {
	Processes    int
	Retries      int
	Inflation    float64
	Threads      int
	PollInterval time.Duration
	Logger       *logging.Logger
	Bus          *event.Bus
}

// Summary counts what a Run did.
type Summary struct {
	Submitted int
	Completed int
	Failed    int
	Skipped   int // partitions that already had clusters
	Failures  []int64
}

// Dispatcher clusters frozen partitions.
type Dispatcher struct {
	dir    scratch.Dir
	runner Runner
	opts   Options
	logger *logging.Logger
	bus    *event.Bus
	retry  *RetryTracker

	mu        sync.Mutex
	submitted map[int64]struct{}
	summary   Summary
}

// New creates a Dispatcher.
func New(dir scratch.Dir, runner Runner, opts Options) *Dispatcher {
	if opts.Processes < 1 {
		opts.Processes = 1
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Dispatcher{
		dir:       dir,
		runner:    runner,
		opts:      opts,
		logger:    logger.WithStage("cluster"),
		bus:       opts.Bus,
		retry:     NewRetryTracker(),
		submitted: make(map[int64]struct{}),
	}
}

// Run dispatches frozen partitions as they appear. It keeps watching until
// finished is closed or the partitioning.done marker exists, then submits
// whatever is left and waits for every job. A nil finished channel relies on
// the marker alone.
func (d *Dispatcher) Run(ctx context.Context, finished <-chan struct{}) (Summary, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("file watching unavailable, polling only", "error", err.Error())
		watcher = nil
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(d.dir.FrozenRoot()); err != nil {
			d.logger.Warn("watch frozen directory, polling only", "error", err.Error())
		}
	}
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events, watchErrs = watcher.Events, watcher.Errors
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(d.opts.Processes)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(debounce)
	timer.Stop()

	draining := false
	for {
		if err := d.sweep(p); err != nil {
			_ = p.Wait()
			return d.snapshot(), err
		}
		if draining || ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
		case <-finished:
			draining = true
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				timer.Reset(debounce)
			}
		case <-timer.C:
		case <-ticker.C:
			draining = d.dir.IsDone()
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			d.logger.Warn("watch error", "error", err.Error())
		}
	}

	_ = p.Wait()
	sum := d.snapshot()
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	d.logger.Info("clustering finished", "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

func (d *Dispatcher) snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	sum := d.summary
	sum.Failures = d.retry.Failed()
	return sum
}

// sweep submits every frozen partition not seen before.
func (d *Dispatcher) sweep(p *pool.ContextPool) error {
	seeds, err := d.dir.FrozenSeeds()
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		d.mu.Lock()
		_, seen := d.submitted[seed]
		d.submitted[seed] = struct{}{}
		d.mu.Unlock()
		if seen {
			continue
		}

		if _, err := os.Stat(d.dir.PartitionFile(seed, scratch.ClustersFile)); err == nil {
			d.count(func(s *Summary) { s.Skipped++ })
			continue
		}
		d.count(func(s *Summary) { s.Submitted++ })
		p.Go(func(ctx context.Context) error {
			d.process(ctx, seed)
			return nil
		})
	}
	return nil
}

func (d *Dispatcher) count(fn func(*Summary)) {
	d.mu.Lock()
	fn(&d.summary)
	d.mu.Unlock()
}

// process clusters one partition, retrying failed invocations up to the
// configured limit. Failures that are not retryable end the partition at once.
func (d *Dispatcher) process(ctx context.Context, seed int64) {
	logger := d.logger.WithPartition(seed)
	start := time.Now()

	stats, err := PrepareMatrix(d.dir, seed)
	if err != nil {
		d.fail(logger, seed, 0, err)
		return
	}
	output := d.dir.PartitionFile(seed, scratch.ClustersFile)
	if stats.Edges == 0 {
		// No edges between members: every member is its own cluster.
		if err := writeSingletons(output, stats.Members); err != nil {
			d.fail(logger, seed, 0, err)
			return
		}
		d.complete(logger, seed, stats.Members, start)
		return
	}

	tmp := output + ".tmp"
	inv := Invocation{
		Seed:      seed,
		Input:     d.dir.PartitionFile(seed, scratch.MatrixFile),
		Output:    tmp,
		Inflation: d.opts.Inflation,
		Threads:   d.opts.Threads,
	}

	d.retry.Track(seed, d.opts.Retries)
	for attempt := 1; ; attempt++ {
		d.publish(event.NewClusterSubmittedEvent(seed, attempt))
		logger.Debug("running tool", "attempt", attempt, "members", stats.Members, "edges", stats.Edges)

		err := d.runner.Run(ctx, inv)
		if err == nil {
			err = os.Rename(tmp, output)
		}
		d.retry.RecordAttempt(seed, err)
		if err == nil {
			n, cerr := countClusters(output)
			if cerr != nil {
				logger.Warn("count clusters", "error", cerr.Error())
			}
			d.complete(logger, seed, n, start)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !d.retry.ShouldRetry(seed) {
			d.fail(logger, seed, attempt, err)
			return
		}
		logger.Warn("tool failed, retrying", "attempt", attempt, "error", err.Error())
	}
}

func (d *Dispatcher) complete(logger *logging.Logger, seed int64, clusters int, start time.Time) {
	elapsed := time.Since(start)
	d.count(func(s *Summary) { s.Completed++ })
	logger.Info("partition clustered", "clusters", clusters, "duration_ms", elapsed.Milliseconds())
	d.publish(event.NewClusterCompletedEvent(seed, clusters, elapsed))
}

func (d *Dispatcher) fail(logger *logging.Logger, seed int64, attempts int, err error) {
	d.count(func(s *Summary) { s.Failed++ })
	args := []any{"attempts", attempts, "error", err.Error()}
	var terr *apperrors.ToolError
	if apperrors.As(err, &terr) {
		terr.WithAttempt(attempts)
		args = append(args, "exit_code", terr.ExitCode, "output", terr.Output)
	}
	logger.Error("partition clustering failed", args...)
	d.publish(event.NewClusterFailedEvent(seed, attempts, err))
}

func (d *Dispatcher) publish(e event.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

// writeSingletons writes one cluster per local index.
func writeSingletons(path string, members int) error {
	var buf bytes.Buffer
	for i := range members {
		buf.WriteString(strconv.Itoa(i))
		buf.WriteByte('\n')
	}
	return scratch.WriteFileAtomic(path, buf.Bytes())
}

// countClusters counts the non-empty lines of a cluster file.
func countClusters(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}
