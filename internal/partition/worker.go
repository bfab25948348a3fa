// Package partition discovers one connected component of the graph by
// full-scan fixpoint expansion from a seed node.
//
// A worker owns its partition directory: it is the single writer of the
// progress file, the edge file, and (while running) status.json. The
// resolver is the single writer of the addition queue. Workers only read
// the shared row file and the ledger.
package partition

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/graphstore"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// ctxCheckRows is how many rows a scan reads between cancellation checks.
const ctxCheckRows = 4096

// Options configures a Worker.
type Options struct {
	Dir  scratch.Dir
	Seed int64
	// Symmetric graphs list every edge in both endpoint rows. When false a
	// row is also absorbed if it references a claimed node.
	Symmetric bool
	// ScanInterval pauses between scans.
	ScanInterval time.Duration
	// Resume rebuilds the hit and expanded sets from an existing progress
	// file instead of starting from the seed alone.
	Resume bool
	Logger *logging.Logger
}

// Worker expands a single partition.
type Worker struct {
	opts   Options
	logger *logging.Logger

	hits     map[int64]struct{}
	expanded map[int64]struct{}

	progress  *progressWriter
	edges     *edgeWriter
	addOffset int64
	status    Status
}

// NewWorker creates a worker for opts.Seed.
func NewWorker(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Worker{
		opts:     opts,
		logger:   logger.WithStage("partition").WithPartition(opts.Seed),
		hits:     make(map[int64]struct{}),
		expanded: make(map[int64]struct{}),
		status:   Status{Seed: opts.Seed, State: StateSeeded},
	}
}

// Run expands the partition until a full scan adds nothing, then classifies
// what it claimed and writes the final status. It returns the final status
// for FROZEN and ABORTED outcomes. A canceled context stops the worker
// between rows and returns ctx.Err(); the partial progress stays on disk
// for the resolver to harvest.
func (w *Worker) Run(ctx context.Context) (*Status, error) {
	if err := w.open(); err != nil {
		return nil, err
	}
	defer w.closeFiles()

	w.status.State = StateExpanding
	w.status.PID = os.Getpid()
	w.status.StartedAt = time.Now().UTC()
	if err := WriteStatus(w.opts.Dir, &w.status); err != nil {
		return nil, err
	}
	w.logger.Debug("expanding", "resume", w.opts.Resume, "hits", len(w.hits))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		absorbed, err := w.absorbAdditions()
		if err != nil {
			return nil, err
		}
		changed, err := w.scan(ctx)
		if err != nil {
			return nil, err
		}
		w.status.Scans++
		if err := w.flush(); err != nil {
			return nil, err
		}

		if !changed && absorbed == 0 {
			// One last look at the queue narrows the window in which the
			// resolver can inject after we have decided to stop.
			late, err := w.absorbAdditions()
			if err != nil {
				return nil, err
			}
			if late == 0 {
				break
			}
		}

		w.status.HitCount = len(w.hits)
		w.status.Expanded = len(w.expanded)
		if err := WriteStatus(w.opts.Dir, &w.status); err != nil {
			return nil, err
		}

		if w.opts.ScanInterval > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.opts.ScanInterval):
			}
		}
	}

	return w.finish()
}

// open prepares the partition directory and its private files.
func (w *Worker) open() error {
	dir := w.opts.Dir
	if err := os.MkdirAll(dir.Partition(w.opts.Seed), 0o755); err != nil {
		return fmt.Errorf("create partition directory: %w", err)
	}

	if w.opts.Resume {
		p, err := ReadProgress(dir.PartitionFile(w.opts.Seed, scratch.ProgressFile))
		if err != nil {
			return err
		}
		w.hits, w.expanded = p.Hits, p.Expanded
		if st, err := ReadStatus(dir, w.opts.Seed); err == nil {
			w.status.Reactivations = st.Reactivations
			w.status.Scans = st.Scans
		}
	}

	fresh := !w.opts.Resume
	var err error
	if w.progress, err = newProgressWriter(dir.PartitionFile(w.opts.Seed, scratch.ProgressFile), fresh); err != nil {
		return err
	}
	if w.edges, err = newEdgeWriter(dir.PartitionFile(w.opts.Seed, scratch.EdgesFile), fresh); err != nil {
		_ = w.progress.close()
		return err
	}

	w.claim(w.opts.Seed)
	return w.flush()
}

func (w *Worker) closeFiles() {
	if w.progress != nil {
		_ = w.progress.close()
	}
	if w.edges != nil {
		_ = w.edges.close()
	}
}

func (w *Worker) flush() error {
	if err := w.progress.flush(); err != nil {
		return fmt.Errorf("flush progress: %w", err)
	}
	if err := w.edges.flush(); err != nil {
		return fmt.Errorf("flush edges: %w", err)
	}
	return nil
}

// claim adds id to the hit set and reports whether it was new.
func (w *Worker) claim(id int64) bool {
	if _, ok := w.hits[id]; ok {
		return false
	}
	w.hits[id] = struct{}{}
	w.progress.record(tagHit, id)
	return true
}

func (w *Worker) claimed(id int64) bool {
	_, ok := w.hits[id]
	return ok
}

// absorbAdditions moves newly queued ids into the frontier.
func (w *Worker) absorbAdditions() (int, error) {
	path := w.opts.Dir.PartitionFile(w.opts.Seed, scratch.AdditionsFile)
	entries, next, err := ReadAdditions(path, w.addOffset)
	if err != nil {
		return 0, err
	}
	w.addOffset = next

	n := 0
	for _, a := range entries {
		for _, id := range a.Nodes {
			if w.claim(id) {
				n++
			}
		}
		w.logger.Debug("absorbed additions", "from", a.From, "nodes", len(a.Nodes))
	}
	return n, nil
}

// scan reads every remaining row once and expands the rows that belong to
// this partition. It reports whether anything was claimed or expanded.
func (w *Worker) scan(ctx context.Context) (bool, error) {
	changed := false
	rows := 0
	err := graphstore.ScanFile(w.opts.Dir.Rows(), func(r graphstore.Row) error {
		rows++
		if rows%ctxCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if _, done := w.expanded[r.ID]; done {
			return nil
		}
		if !w.claimed(r.ID) {
			if w.opts.Symmetric || !r.References(w.claimed) {
				return nil
			}
			w.claim(r.ID)
		}
		w.expand(r)
		changed = true
		return nil
	})
	return changed, err
}

// expand records r's edges and claims its neighbors.
func (w *Worker) expand(r graphstore.Row) {
	w.expanded[r.ID] = struct{}{}
	w.progress.record(tagExpanded, r.ID)
	for _, n := range r.Neighbors {
		if n.ID == r.ID {
			continue
		}
		w.edges.write(r.ID, n.ID, n.Weight)
		w.claim(n.ID)
	}
}

// finish classifies the unresolved frontier and writes the final status.
func (w *Worker) finish() (*Status, error) {
	var unresolved []int64
	hits := make([]int64, 0, len(w.expanded))
	for id := range w.hits {
		if _, ok := w.expanded[id]; ok {
			hits = append(hits, id)
		} else {
			unresolved = append(unresolved, id)
		}
	}
	slices.Sort(hits)
	slices.Sort(unresolved)

	var foreign, missing []int64
	if len(unresolved) > 0 {
		owner, err := graphstore.ReadLedger(w.opts.Dir.Ledger())
		if err != nil {
			return nil, err
		}
		for _, id := range unresolved {
			if _, ok := owner[id]; ok {
				foreign = append(foreign, id)
			} else {
				missing = append(missing, id)
			}
		}
	}

	st := &w.status
	st.Hits = hits
	st.HitCount = len(hits)
	st.Expanded = len(w.expanded)
	st.Foreign = foreign
	st.Missing = missing
	st.EndedAt = time.Now().UTC()

	if len(missing) > 0 {
		st.State = StateAborted
		gerr := apperrors.NewGraphError(fmt.Sprintf("%d claimed node(s) have no row", len(missing)), apperrors.ErrRowNotFound).
			WithSeed(w.opts.Seed).WithNode(missing[0])
		st.Error = gerr.Error()
		w.logger.Warn("partition aborted", "missing", len(missing), "first_missing", missing[0], "hits", len(hits))
	} else {
		st.State = StateFrozen
		w.logger.Info("partition frozen", "hits", len(hits), "foreign", len(foreign), "scans", st.Scans)
	}

	if err := WriteStatus(w.opts.Dir, st); err != nil {
		return nil, err
	}
	return st, nil
}
