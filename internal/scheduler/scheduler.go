// Package scheduler drives partition discovery: it keeps a bounded pool of
// workers busy, reaps and records the partitions they freeze, and calls the
// overlap resolver whenever the pool is saturated.
//
// The scheduler is the only writer of the ledger, the row file and the
// frozen/ markers. It runs on a single goroutine; workers communicate with
// it only through their partition directories.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/graphstore"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/resolver"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Options configures a Scheduler.
type Options struct {
	// PoolSize is the number of concurrent workers (at least 1).
	PoolSize int
	// PollInterval bounds how long the scheduler waits for a worker exit.
	PollInterval time.Duration
	// ShuffleSeed seeds the queue order; 0 uses the clock.
	ShuffleSeed int64
	Logger      *logging.Logger
	Bus         *event.Bus
}

// Summary counts what a Run did.
type Summary struct {
	Launched      int
	Frozen        int
	Merged        int // frozen partitions whose nodes were all recorded already
	Aborted       int
	Reactivated   int
	Terminated    int // partitions folded by the resolver
	ResolverRuns  int
	Skipped       int // seeds dropped at launch time
	RowsRemaining int
}

// Scheduler assigns every remaining row to a recorded partition.
type Scheduler struct {
	dir      scratch.Dir
	store    *graphstore.Store
	launcher Launcher
	resolver *resolver.Resolver
	opts     Options
	logger   *logging.Logger
	bus      *event.Bus

	active  map[int64]Handle
	queue   []int64
	skip    map[int64]struct{}
	wake    chan struct{}
	summary Summary
}

// New creates a Scheduler over store, whose ledger must be attached.
func New(dir scratch.Dir, store *graphstore.Store, launcher Launcher, opts Options) *Scheduler {
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scheduler{
		dir:      dir,
		store:    store,
		launcher: launcher,
		resolver: resolver.New(dir, logger, opts.Bus),
		opts:     opts,
		logger:   logger.WithStage("partition"),
		bus:      opts.Bus,
		active:   make(map[int64]Handle),
		skip:     make(map[int64]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Run partitions every remaining row and writes the partitioning.done
// marker. On error or cancellation every active worker is killed first.
func (s *Scheduler) Run(ctx context.Context) (sum Summary, err error) {
	defer func() {
		if err != nil {
			s.killAll()
		}
	}()

	if err := s.recover(); err != nil {
		return s.summary, err
	}
	s.queue = s.initialQueue()
	s.logger.Info("partitioning started", "rows", s.store.Len(), "queued", len(s.queue), "pool", s.opts.PoolSize)

	for len(s.queue) > 0 || len(s.active) > 0 {
		if err := ctx.Err(); err != nil {
			return s.summary, err
		}
		if err := s.fill(ctx); err != nil {
			return s.summary, err
		}
		if len(s.active) == 0 {
			continue
		}

		saturated := len(s.active) >= s.opts.PoolSize
		s.wait(ctx)
		if err := s.reap(ctx); err != nil {
			return s.summary, err
		}
		if saturated {
			if err := s.resolve(ctx); err != nil {
				return s.summary, err
			}
		}
	}

	s.summary.RowsRemaining = s.store.Len()
	if err := s.dir.MarkDone(); err != nil {
		return s.summary, err
	}
	s.logger.Info("partitioning finished",
		"frozen", s.summary.Frozen, "merged", s.summary.Merged, "aborted", s.summary.Aborted,
		"terminated", s.summary.Terminated, "rows_remaining", s.summary.RowsRemaining)
	return s.summary, nil
}

// recover repairs the scratch directory after an interrupted run: recorded
// partitions missing their frozen marker are finalized, aborted partitions
// are carried into the skip set, merged-away records are kept, and any
// other partition directory is stale and removed so its seed can be
// relaunched.
func (s *Scheduler) recover() error {
	ledger := s.store.Ledger()
	recorded := make(map[int64]struct{})
	if ledger != nil {
		for _, seed := range ledger.Seeds() {
			recorded[seed] = struct{}{}
			if err := s.finalizeRecorded(seed, ledger.Members(seed)); err != nil {
				return err
			}
		}
	}

	seeds, err := s.dir.PartitionSeeds()
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		if _, ok := recorded[seed]; ok {
			continue
		}
		if st, err := partition.ReadStatus(s.dir, seed); err == nil {
			switch st.State {
			case partition.StateAborted:
				s.skipAll(seed, st.Hits)
				continue
			case partition.StateMergedAway:
				continue
			}
		}
		s.logger.Debug("removing stale partition", "seed", seed)
		if err := s.dir.RemovePartition(seed); err != nil {
			return err
		}
	}
	return nil
}

// finalizeRecorded makes sure a recorded partition has a status listing
// exactly its recorded members and a frozen marker.
func (s *Scheduler) finalizeRecorded(seed int64, members []int64) error {
	if _, err := os.Stat(s.dir.FrozenMarker(seed)); err == nil {
		return nil
	}
	if _, err := os.Stat(s.dir.Partition(seed)); err != nil {
		s.logger.Warn("recorded partition has no directory", "seed", seed)
		return nil
	}
	st, err := partition.ReadStatus(s.dir, seed)
	if err != nil {
		st = &partition.Status{Seed: seed}
	}
	st.State = partition.StateFrozen
	st.Hits = members
	st.HitCount = len(members)
	st.Recorded = true
	if err := partition.WriteStatus(s.dir, st); err != nil {
		return err
	}
	s.logger.Info("finalized recorded partition", "seed", seed, "hits", len(members))
	return s.dir.MarkFrozen(seed)
}

// initialQueue orders the remaining row ids: node 0 first when present,
// the rest shuffled.
func (s *Scheduler) initialQueue() []int64 {
	ids := s.store.IDs()
	var head []int64
	if i, ok := slices.BinarySearch(ids, 0); ok {
		head = []int64{0}
		ids = slices.Delete(ids, i, i+1)
	}

	seed := s.opts.ShuffleSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return append(head, ids...)
}

// fill launches queued seeds until the pool is full or the queue is empty.
func (s *Scheduler) fill(ctx context.Context) error {
	if len(s.active) >= s.opts.PoolSize || len(s.queue) == 0 {
		return nil
	}
	claimed, err := s.claimedByActive()
	if err != nil {
		return err
	}
	for len(s.active) < s.opts.PoolSize && len(s.queue) > 0 {
		seed := s.queue[0]
		s.queue = s.queue[1:]
		if !s.eligible(seed, claimed) {
			s.summary.Skipped++
			continue
		}
		if err := s.launch(ctx, seed, false); err != nil {
			return err
		}
	}
	return nil
}

// eligible reports whether seed still needs a partition of its own.
func (s *Scheduler) eligible(seed int64, claimed map[int64]struct{}) bool {
	if _, ok := s.store.Get(seed); !ok {
		return false
	}
	if _, ok := s.skip[seed]; ok {
		return false
	}
	_, ok := claimed[seed]
	return !ok
}

// claimedByActive unions the current progress of every active worker.
func (s *Scheduler) claimedByActive() (map[int64]struct{}, error) {
	claimed := make(map[int64]struct{})
	for seed := range s.active {
		p, err := partition.ReadProgress(s.dir.PartitionFile(seed, scratch.ProgressFile))
		if err != nil {
			return nil, err
		}
		claimed[seed] = struct{}{}
		for id := range p.Hits {
			claimed[id] = struct{}{}
		}
	}
	return claimed, nil
}

func (s *Scheduler) launch(ctx context.Context, seed int64, resume bool) error {
	if !resume {
		if err := s.dir.RemovePartition(seed); err != nil {
			return err
		}
	}
	h, err := s.launcher.Launch(ctx, seed, resume)
	if err != nil {
		return apperrors.NewCoordinationError(fmt.Sprintf("launch worker for seed %d", seed),
			apperrors.Join(apperrors.ErrWorkerLaunch, err)).WithStage("partition")
	}
	s.active[seed] = h
	s.summary.Launched++
	go func() {
		<-h.Done()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}()

	s.logger.Debug("worker launched", "seed", seed, "resume", resume, "pid", h.PID(),
		"active", len(s.active), "queued", len(s.queue))
	s.publish(event.NewPartitionLaunchedEvent(seed, resume, len(s.active), len(s.queue)))
	return nil
}

// wait blocks until a worker exits, the poll interval elapses, or ctx ends.
func (s *Scheduler) wait(ctx context.Context) {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

// activeSeeds returns the active seeds in ascending order.
func (s *Scheduler) activeSeeds() []int64 {
	seeds := make([]int64, 0, len(s.active))
	for seed := range s.active {
		seeds = append(seeds, seed)
	}
	slices.Sort(seeds)
	return seeds
}

// reap settles every worker that has exited.
func (s *Scheduler) reap(ctx context.Context) error {
	for _, seed := range s.activeSeeds() {
		h := s.active[seed]
		select {
		case <-h.Done():
		default:
			continue
		}
		delete(s.active, seed)
		if err := s.settle(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// settle handles one exited worker according to its final status.
func (s *Scheduler) settle(ctx context.Context, h Handle) error {
	seed := h.Seed()
	st, err := partition.ReadStatus(s.dir, seed)
	if err != nil || !st.State.IsTerminal() {
		reason := "worker exited without a final status"
		if werr := h.Err(); werr != nil {
			reason = werr.Error()
		}
		if st == nil {
			st = &partition.Status{Seed: seed}
		}
		st.State = partition.StateAborted
		st.Error = reason
		st.EndedAt = time.Now().UTC()
		if p, perr := partition.ReadProgress(s.dir.PartitionFile(seed, scratch.ProgressFile)); perr == nil {
			st.Hits = sortedKeys(p.Hits)
		}
		if err := partition.WriteStatus(s.dir, st); err != nil {
			return err
		}
	}

	switch st.State {
	case partition.StateFrozen:
		return s.freeze(ctx, st)
	default:
		s.abort(st)
		return nil
	}
}

// abort keeps the partition directory for inspection and puts its nodes in
// the skip set.
func (s *Scheduler) abort(st *partition.Status) {
	s.skipAll(st.Seed, st.Hits)
	s.skipAll(st.Seed, st.Missing)
	s.summary.Aborted++
	s.logger.Warn("partition aborted", "seed", st.Seed, "hits", len(st.Hits),
		"missing", len(st.Missing), "reason", st.Error)
	s.publish(event.NewPartitionAbortedEvent(st.Seed, st.Missing, st.Error))
}

func (s *Scheduler) skipAll(seed int64, ids []int64) {
	s.skip[seed] = struct{}{}
	for _, id := range ids {
		s.skip[id] = struct{}{}
	}
}

// freeze records a frozen partition. Additions injected after the worker
// stopped looking send it back to work instead.
func (s *Scheduler) freeze(ctx context.Context, st *partition.Status) error {
	seed := st.Seed
	have := make(map[int64]struct{}, len(st.Hits)+len(st.Foreign)+len(st.Missing))
	for _, ids := range [][]int64{st.Hits, st.Foreign, st.Missing} {
		for _, id := range ids {
			have[id] = struct{}{}
		}
	}
	pending, err := partition.PendingAdditions(s.dir.PartitionFile(seed, scratch.AdditionsFile), have)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		st.Reactivations++
		if err := partition.WriteStatus(s.dir, st); err != nil {
			return err
		}
		s.summary.Reactivated++
		s.logger.Info("partition reactivated", "seed", seed, "pending", len(pending))
		s.publish(event.NewPartitionReactivatedEvent(seed, len(pending)))
		return s.launch(ctx, seed, true)
	}

	owner := int64(-1)
	unique := make([]int64, 0, len(st.Hits))
	if ledger := s.store.Ledger(); ledger != nil {
		for _, id := range st.Hits {
			if o, ok := ledger.Owner(id); ok {
				if owner < 0 {
					owner = o
				}
				continue
			}
			unique = append(unique, id)
		}
	} else {
		unique = append(unique, st.Hits...)
	}

	if len(unique) == 0 {
		s.summary.Merged++
		s.logger.Info("partition merged away", "seed", seed, "owner", owner, "hits", len(st.Hits))
		s.publish(event.NewPartitionMergedEvent(seed, owner, 0))
		return partition.MergeAway(s.dir, seed, owner, len(st.Hits))
	}
	if len(unique) < len(st.Hits) {
		s.logger.Warn("partition overlaps recorded nodes", "seed", seed,
			"hits", len(st.Hits), "unique", len(unique))
	}

	if err := s.store.RemoveRows(seed, unique); err != nil {
		return err
	}
	st.Hits = unique
	st.HitCount = len(unique)
	st.Recorded = true
	if err := partition.WriteStatus(s.dir, st); err != nil {
		return err
	}
	if err := s.dir.MarkFrozen(seed); err != nil {
		return err
	}

	s.summary.Frozen++
	remaining := s.store.Len()
	s.logger.Info("partition recorded", "seed", seed, "hits", len(unique), "rows_remaining", remaining)
	s.publish(event.NewPartitionFrozenEvent(seed, len(unique), remaining))
	return nil
}

// resolve runs the overlap resolver over the workers that are still running.
func (s *Scheduler) resolve(ctx context.Context) error {
	var targets []resolver.Target
	for _, seed := range s.activeSeeds() {
		h := s.active[seed]
		select {
		case <-h.Done():
			continue
		default:
		}
		targets = append(targets, h)
	}
	if len(targets) < 2 {
		return nil
	}

	res, err := s.resolver.Resolve(ctx, targets)
	s.summary.ResolverRuns++
	for _, t := range res.Terminations {
		delete(s.active, t.Seed)
		s.summary.Terminated++
	}
	return err
}

func (s *Scheduler) killAll() {
	for _, seed := range s.activeSeeds() {
		if err := s.active[seed].Kill(); err != nil {
			s.logger.Warn("kill worker", "seed", seed, "error", err.Error())
		}
		delete(s.active, seed)
	}
}

func (s *Scheduler) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func sortedKeys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
