package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/graphstore"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

func buildScratch(t *testing.T, graph string) (scratch.Dir, *graphstore.Store) {
	t.Helper()
	input := filepath.Join(t.TempDir(), "graph.tsv")
	if err := os.WriteFile(input, []byte(graph), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := scratch.New(filepath.Join(t.TempDir(), "scratch"))
	store, _, err := graphstore.Build(input, dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return dir, store
}

func inProcess(dir scratch.Dir) *InProcessLauncher {
	return &InProcessLauncher{Dir: dir, Symmetric: true}
}

func testOptions(pool int) Options {
	return Options{PoolSize: pool, PollInterval: 10 * time.Millisecond, ShuffleSeed: 42}
}

// ledgerGroups returns the recorded partitions as sorted id lists, ordered
// by their first id.
func ledgerGroups(t *testing.T, dir scratch.Dir) [][]int64 {
	t.Helper()
	owner, err := graphstore.ReadLedger(dir.Ledger())
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	bySeed := map[int64][]int64{}
	for id, seed := range owner {
		bySeed[seed] = append(bySeed[seed], id)
	}
	var groups [][]int64
	for _, ids := range bySeed {
		slices.Sort(ids)
		groups = append(groups, ids)
	}
	slices.SortFunc(groups, func(a, b []int64) int { return int(a[0] - b[0]) })
	return groups
}

const threeComponents = "1\t1\t2:1\n2\t1\t1:1\t3:1\n3\t1\t2:1\n" +
	"6\t1\t7:1\n7\t1\t6:1\n" +
	"10\t1\t11:1\n11\t1\t10:1\t12:1\n12\t1\t11:1\t13:1\n13\t1\t12:1\n"

func TestSchedulerSingleComponent(t *testing.T) {
	dir, store := buildScratch(t, "1\t1\t2:1\n2\t1\t1:1\t3:1\n3\t1\t2:1\n4\t1\n5\t1\n")

	sum, err := New(dir, store, inProcess(dir), testOptions(1)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([][]int64{{1, 2, 3}}, ledgerGroups(t, dir)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
	if sum.Frozen != 1 || sum.Aborted != 0 || sum.RowsRemaining != 0 {
		t.Errorf("Summary = %+v", sum)
	}
	if !dir.IsDone() {
		t.Error("partitioning.done was not written")
	}
	frozen, err := dir.FrozenSeeds()
	if err != nil || len(frozen) != 1 {
		t.Fatalf("FrozenSeeds = %v, %v", frozen, err)
	}
}

func TestSchedulerRecordsEveryComponent(t *testing.T) {
	dir, store := buildScratch(t, threeComponents)
	bus := event.NewBus(nil)
	frozenEvents := 0
	bus.Subscribe(event.TypePartitionFrozen, func(event.Event) { frozenEvents++ })

	opts := testOptions(3)
	opts.Bus = bus
	sum, err := New(dir, store, inProcess(dir), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := [][]int64{{1, 2, 3}, {6, 7}, {10, 11, 12, 13}}
	if diff := cmp.Diff(want, ledgerGroups(t, dir)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
	if store.Len() != 0 {
		t.Errorf("rows remaining = %d, want 0", store.Len())
	}
	if sum.Frozen != 3 || frozenEvents != 3 {
		t.Errorf("Frozen = %d, events = %d, want 3", sum.Frozen, frozenEvents)
	}

	// Every frozen partition's status lists exactly its recorded nodes.
	seeds, err := dir.FrozenSeeds()
	if err != nil {
		t.Fatal(err)
	}
	for _, seed := range seeds {
		st, err := partition.ReadStatus(dir, seed)
		if err != nil {
			t.Fatalf("ReadStatus(%d): %v", seed, err)
		}
		if !st.Recorded {
			t.Errorf("partition %d not marked recorded", seed)
		}
		if diff := cmp.Diff(store.Ledger().Members(seed), st.Hits); diff != "" {
			t.Errorf("partition %d hits mismatch (-ledger +status):\n%s", seed, diff)
		}
	}
}

func TestSchedulerMissingRowAborts(t *testing.T) {
	graph := "1\t1\t2:1\n2\t1\t1:1\t3:1\n3\t1\t2:1\t99:1\n6\t1\t7:1\n7\t1\t6:1\n"
	dir, store := buildScratch(t, graph)

	sum, err := New(dir, store, inProcess(dir), testOptions(2)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([][]int64{{6, 7}}, ledgerGroups(t, dir)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
	if sum.Aborted == 0 {
		t.Error("expected at least one aborted partition")
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, store.IDs()); diff != "" {
		t.Errorf("remaining rows mismatch (-want +got):\n%s", diff)
	}
	if !dir.IsDone() {
		t.Error("partitioning.done was not written")
	}
}

func TestSchedulerResumeRepairsScratch(t *testing.T) {
	dir, store := buildScratch(t, "1\t1\t2:1\n2\t1\t1:1\t3:1\n3\t1\t2:1\n6\t1\t7:1\n7\t1\t6:1\n")

	// Seed 1 was recorded, but the run died before its marker was written.
	if err := store.RemoveRows(1, []int64{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	stale := &partition.Status{Seed: 1, State: partition.StateFrozen, Hits: []int64{1, 2, 3}, Foreign: []int64{9}}
	if err := os.MkdirAll(dir.Partition(1), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := partition.WriteStatus(dir, stale); err != nil {
		t.Fatal(err)
	}
	// Seed 6 was mid-expansion.
	if err := os.MkdirAll(dir.Partition(6), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := partition.WriteStatus(dir, &partition.Status{Seed: 6, State: partition.StateExpanding}); err != nil {
		t.Fatal(err)
	}

	reopened, _, err := graphstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := New(dir, reopened, inProcess(dir), testOptions(1)).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(dir.FrozenMarker(1)); err != nil {
		t.Errorf("frozen marker for seed 1 missing: %v", err)
	}
	st, err := partition.ReadStatus(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Recorded || !cmp.Equal([]int64{1, 2, 3}, st.Hits) {
		t.Errorf("seed 1 status = %+v", st)
	}
	if diff := cmp.Diff([][]int64{{1, 2, 3}, {6, 7}}, ledgerGroups(t, dir)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerCanceled(t *testing.T) {
	dir, store := buildScratch(t, threeComponents)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(dir, store, inProcess(dir), testOptions(2)).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if dir.IsDone() {
		t.Error("a canceled run must not mark partitioning done")
	}
}

// doneHandle is a worker that has already exited.
type doneHandle struct {
	seed int64
	err  error
	done chan struct{}
}

func newDoneHandle(seed int64, err error) *doneHandle {
	h := &doneHandle{seed: seed, err: err, done: make(chan struct{})}
	close(h.done)
	return h
}

func (h *doneHandle) Seed() int64           { return h.seed }
func (h *doneHandle) PID() int              { return 0 }
func (h *doneHandle) Done() <-chan struct{} { return h.done }
func (h *doneHandle) Err() error            { return h.err }
func (h *doneHandle) Kill() error           { return nil }

// lateAdditionLauncher freezes a fresh partition with only its seed and
// then queues the rest of the graph to it, as if the resolver injected
// just after the worker's last check. A resumed launch absorbs the queue.
type lateAdditionLauncher struct {
	dir      scratch.Dir
	all      []int64
	launches int
}

func (l *lateAdditionLauncher) Launch(_ context.Context, seed int64, resume bool) (Handle, error) {
	l.launches++
	if err := os.MkdirAll(l.dir.Partition(seed), 0o755); err != nil {
		return nil, err
	}
	queue := l.dir.PartitionFile(seed, scratch.AdditionsFile)
	hits := []int64{seed}
	if resume {
		entries, _, err := partition.ReadAdditions(queue, 0)
		if err != nil {
			return nil, err
		}
		for _, a := range entries {
			hits = append(hits, a.Nodes...)
		}
		slices.Sort(hits)
	}
	st := &partition.Status{Seed: seed, State: partition.StateFrozen, Hits: hits}
	if prior, err := partition.ReadStatus(l.dir, seed); err == nil {
		st.Reactivations = prior.Reactivations
	}
	if err := partition.WriteStatus(l.dir, st); err != nil {
		return nil, err
	}
	if !resume {
		others := slices.DeleteFunc(slices.Clone(l.all), func(id int64) bool { return id == seed })
		if err := partition.AppendAddition(queue, partition.Addition{From: -1, Nodes: others}); err != nil {
			return nil, err
		}
	}
	return newDoneHandle(seed, nil), nil
}

func TestSchedulerReactivatesOnLateAdditions(t *testing.T) {
	dir, store := buildScratch(t, "1\t1\t2:1\n2\t1\t1:1\t3:1\n3\t1\t2:1\n")
	launcher := &lateAdditionLauncher{dir: dir, all: []int64{1, 2, 3}}

	sum, err := New(dir, store, launcher, testOptions(1)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Reactivated != 1 || sum.Frozen != 1 || launcher.launches != 2 {
		t.Errorf("Summary = %+v, launches = %d", sum, launcher.launches)
	}
	if diff := cmp.Diff([][]int64{{1, 2, 3}}, ledgerGroups(t, dir)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}

	seeds, _ := dir.FrozenSeeds()
	if len(seeds) != 1 {
		t.Fatalf("FrozenSeeds = %v", seeds)
	}
	st, err := partition.ReadStatus(dir, seeds[0])
	if err != nil {
		t.Fatal(err)
	}
	if st.Reactivations != 1 {
		t.Errorf("Reactivations = %d, want 1", st.Reactivations)
	}
}

// wholeComponentLauncher freezes every partition with the full component,
// as two workers racing over the same nodes would.
type wholeComponentLauncher struct {
	dir       scratch.Dir
	component []int64
}

func (l *wholeComponentLauncher) Launch(_ context.Context, seed int64, _ bool) (Handle, error) {
	if err := os.MkdirAll(l.dir.Partition(seed), 0o755); err != nil {
		return nil, err
	}
	progress := []byte(fmt.Sprintf("H %d\n", seed))
	if err := os.WriteFile(l.dir.PartitionFile(seed, scratch.ProgressFile), progress, 0o644); err != nil {
		return nil, err
	}
	st := &partition.Status{Seed: seed, State: partition.StateFrozen, Hits: l.component, HitCount: len(l.component)}
	if err := partition.WriteStatus(l.dir, st); err != nil {
		return nil, err
	}
	return newDoneHandle(seed, nil), nil
}

func TestSchedulerRecordsMergedAway(t *testing.T) {
	dir, store := buildScratch(t, "1\t1\t2:1\n2\t1\t1:1\t3:1\n3\t1\t2:1\n")
	launcher := &wholeComponentLauncher{dir: dir, component: []int64{1, 2, 3}}

	sum, err := New(dir, store, launcher, testOptions(2)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Frozen != 1 || sum.Merged != 1 {
		t.Fatalf("Summary = %+v, want 1 frozen and 1 merged", sum)
	}

	frozen, _ := dir.FrozenSeeds()
	if len(frozen) != 1 {
		t.Fatalf("FrozenSeeds = %v", frozen)
	}
	seeds, err := dir.PartitionSeeds()
	if err != nil {
		t.Fatal(err)
	}
	var merged *partition.Status
	for _, seed := range seeds {
		st, err := partition.ReadStatus(dir, seed)
		if err != nil {
			t.Fatalf("ReadStatus(%d): %v", seed, err)
		}
		if st.State == partition.StateMergedAway {
			merged = st
		}
	}
	if merged == nil {
		t.Fatalf("no merged_away status among partitions %v", seeds)
	}
	if merged.MergedInto == nil || *merged.MergedInto != frozen[0] {
		t.Errorf("MergedInto = %v, want %d", merged.MergedInto, frozen[0])
	}
	if merged.HitCount != 3 || len(merged.Hits) != 0 {
		t.Errorf("merged status = %+v, want HitCount 3 and no hits", merged)
	}
	if _, err := os.Stat(dir.PartitionFile(merged.Seed, scratch.ProgressFile)); !os.IsNotExist(err) {
		t.Errorf("merged partition progress still exists (err=%v)", err)
	}

	// A resumed run keeps the merged record.
	reopened, _, err := graphstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := New(dir, reopened, launcher, testOptions(2)).Run(context.Background()); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if st, err := partition.ReadStatus(dir, merged.Seed); err != nil || st.State != partition.StateMergedAway {
		t.Errorf("after resume: status = %+v, err = %v", st, err)
	}
}

// crashLauncher starts workers that die before writing any status.
type crashLauncher struct{}

func (crashLauncher) Launch(_ context.Context, seed int64, _ bool) (Handle, error) {
	return newDoneHandle(seed, errors.New("exit status 2")), nil
}

func TestSchedulerTreatsCrashAsAbort(t *testing.T) {
	dir, store := buildScratch(t, "1\t1\t2:1\n2\t1\t1:1\n")

	sum, err := New(dir, store, crashLauncher{}, testOptions(1)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Aborted != 2 || sum.Frozen != 0 {
		t.Errorf("Summary = %+v, want 2 aborted", sum)
	}
	st, err := partition.ReadStatus(dir, 1)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if st.State != partition.StateAborted || st.Error != "exit status 2" {
		t.Errorf("status = %+v", st)
	}
	if store.Len() != 2 {
		t.Errorf("rows remaining = %d, want 2", store.Len())
	}
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, int64, bool) (Handle, error) {
	return nil, errors.New("fork failed")
}

func TestSchedulerLaunchFailure(t *testing.T) {
	dir, store := buildScratch(t, "1\t1\t2:1\n2\t1\t1:1\n")
	_, err := New(dir, store, failingLauncher{}, testOptions(1)).Run(context.Background())
	if err == nil {
		t.Fatal("expected launch failure to stop the run")
	}
}

func TestProcessLauncherArgs(t *testing.T) {
	l := &ProcessLauncher{Dir: scratch.New("/tmp/s"), Symmetric: false, ScanInterval: 250 * time.Millisecond, LogLevel: "debug"}
	want := []string{
		"partition-worker", "--scratch", "/tmp/s", "--seed", "42",
		"--symmetric=false", "--scan-interval-ms", "250", "--log-level", "debug", "--resume",
	}
	if diff := cmp.Diff(want, l.Args(42, true)); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}
}
