// Package resolver detects concurrently active partitions that claimed the
// same nodes and folds each overlapping group into a single survivor.
package resolver

import (
	"context"
	"fmt"
	"slices"
	"time"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Target is an active partition the resolver may terminate.
type Target interface {
	Seed() int64
	// Kill stops the worker and returns once it has exited.
	Kill() error
}

// Termination describes one partition folded into a survivor.
type Termination struct {
	Seed      int64
	Survivor  int64
	Harvested int // ids handed to the survivor's addition queue
}

// Result summarizes one resolution pass.
type Result struct {
	Active       int
	Groups       int // overlapping groups with more than one member
	Terminations []Termination
	Duration     time.Duration
}

// Terminated returns the seeds that were killed.
func (r Result) Terminated() []int64 {
	out := make([]int64, len(r.Terminations))
	for i, t := range r.Terminations {
		out[i] = t.Seed
	}
	return out
}

// Resolver folds overlapping partitions.
type Resolver struct {
	dir    scratch.Dir
	logger *logging.Logger
	bus    *event.Bus
}

// New creates a Resolver for the scratch directory. bus may be nil.
func New(dir scratch.Dir, logger *logging.Logger, bus *event.Bus) *Resolver {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Resolver{dir: dir, logger: logger.WithStage("resolve"), bus: bus}
}

type snapshot struct {
	target Target
	hits   map[int64]struct{}
}

// Resolve snapshots every target's progress, groups targets whose hit sets
// intersect (transitively), keeps the largest member of each group (ties go
// to the lowest seed), and terminates the rest. Each terminated worker is
// killed, its final progress is re-read, the ids the survivor does not know
// yet are appended to the survivor's addition queue, and it is recorded as
// merged away into the survivor.
func (r *Resolver) Resolve(ctx context.Context, targets []Target) (Result, error) {
	start := time.Now()
	res := Result{Active: len(targets)}
	if len(targets) < 2 {
		return res, nil
	}

	snaps := make([]snapshot, len(targets))
	for i, t := range targets {
		p, err := partition.ReadProgress(r.dir.PartitionFile(t.Seed(), scratch.ProgressFile))
		if err != nil {
			return res, err
		}
		p.Hits[t.Seed()] = struct{}{}
		snaps[i] = snapshot{target: t, hits: p.Hits}
	}

	for _, group := range overlapGroups(snaps) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Groups++
		terms, err := r.fold(snaps, group)
		res.Terminations = append(res.Terminations, terms...)
		if err != nil {
			return res, err
		}
	}

	res.Duration = time.Since(start)
	if r.bus != nil {
		r.bus.Publish(event.NewResolverCompletedEvent(res.Active, res.Groups, res.Terminated(), res.Duration))
	}
	if res.Groups > 0 {
		r.logger.Info("resolved overlaps", "active", res.Active, "groups", res.Groups,
			"terminated", len(res.Terminations), "duration_ms", res.Duration.Milliseconds())
	}
	return res, nil
}

// overlapGroups returns the index groups of snapshots connected by shared
// ids, omitting partitions that overlap nobody. Groups are ordered by their
// lowest index.
func overlapGroups(snaps []snapshot) [][]int {
	uf := newUnionFind(len(snaps))
	owner := make(map[int64]int)
	for i, s := range snaps {
		for id := range s.hits {
			if j, ok := owner[id]; ok {
				uf.union(i, j)
			} else {
				owner[id] = i
			}
		}
	}

	byRoot := make(map[int][]int)
	var roots []int
	for i := range snaps {
		root := uf.find(i)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], i)
	}

	var groups [][]int
	for _, root := range roots {
		if g := byRoot[root]; len(g) > 1 {
			groups = append(groups, g)
		}
	}
	return groups
}

// survivorOf picks the largest snapshot of a group, lowest seed on ties.
func survivorOf(snaps []snapshot, group []int) int {
	best := group[0]
	for _, i := range group[1:] {
		a, b := snaps[i], snaps[best]
		if len(a.hits) > len(b.hits) ||
			(len(a.hits) == len(b.hits) && a.target.Seed() < b.target.Seed()) {
			best = i
		}
	}
	return best
}

// fold terminates every member of group except the survivor.
func (r *Resolver) fold(snaps []snapshot, group []int) ([]Termination, error) {
	sv := survivorOf(snaps, group)
	survivor := snaps[sv].target.Seed()
	known := snaps[sv].hits
	queue := r.dir.PartitionFile(survivor, scratch.AdditionsFile)

	var terms []Termination
	for _, i := range group {
		if i == sv {
			continue
		}
		victim := snaps[i].target
		seed := victim.Seed()
		if err := victim.Kill(); err != nil {
			r.logger.Warn("kill failed", "seed", seed, "error", err.Error())
		}

		// Re-read after the kill: the worker may have claimed more since
		// the snapshot.
		final, err := partition.ReadProgress(r.dir.PartitionFile(seed, scratch.ProgressFile))
		if err != nil {
			return terms, err
		}
		final.Hits[seed] = struct{}{}
		for id := range snaps[i].hits {
			final.Hits[id] = struct{}{}
		}

		var unique []int64
		for id := range final.Hits {
			if _, ok := known[id]; !ok {
				unique = append(unique, id)
				known[id] = struct{}{}
			}
		}
		slices.Sort(unique)

		if len(unique) > 0 {
			if err := partition.AppendAddition(queue, partition.Addition{From: seed, Nodes: unique}); err != nil {
				return terms, apperrors.NewCoordinationError(fmt.Sprintf("inject into partition %d", survivor), err).
					WithStage("resolve").WithPath(queue)
			}
		}
		if err := partition.MergeAway(r.dir, seed, survivor, len(final.Hits)); err != nil {
			r.logger.Warn("record terminated partition", "seed", seed, "error", err.Error())
		}

		terms = append(terms, Termination{Seed: seed, Survivor: survivor, Harvested: len(unique)})
		r.logger.Info("partition merged", "seed", seed, "survivor", survivor, "harvested", len(unique))
		if r.bus != nil {
			r.bus.Publish(event.NewPartitionMergedEvent(seed, survivor, len(unique)))
		}
	}
	return terms, nil
}
