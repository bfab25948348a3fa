package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

func newDir(t *testing.T) scratch.Dir {
	t.Helper()
	dir := scratch.New(filepath.Join(t.TempDir(), "scratch"))
	if err := dir.Init(); err != nil {
		t.Fatal(err)
	}
	return dir
}

// makeFrozen lays out a recorded partition the way the scheduler leaves it.
func makeFrozen(t *testing.T, dir scratch.Dir, seed int64, hits []int64, edges string) {
	t.Helper()
	if err := os.MkdirAll(dir.Partition(seed), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir.PartitionFile(seed, scratch.EdgesFile), []byte(edges), 0o644); err != nil {
		t.Fatal(err)
	}
	st := &partition.Status{Seed: seed, State: partition.StateFrozen, Hits: hits, Recorded: true}
	if err := partition.WriteStatus(dir, st); err != nil {
		t.Fatal(err)
	}
	if err := dir.MarkFrozen(seed); err != nil {
		t.Fatal(err)
	}
}

// fakeRunner puts every label of the matrix into one cluster. It fails the
// first failures[seed] invocations of a seed with a ToolError, or with a
// plain error when permanent is set.
type fakeRunner struct {
	mu        sync.Mutex
	calls     map[int64]int
	failures  map[int64]int
	permanent bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[int64]int{}, failures: map[int64]int{}}
}

func (f *fakeRunner) Run(_ context.Context, inv Invocation) error {
	f.mu.Lock()
	f.calls[inv.Seed]++
	n := f.calls[inv.Seed]
	fail := n <= f.failures[inv.Seed]
	f.mu.Unlock()
	if fail {
		if f.permanent {
			return errors.New("bad invocation")
		}
		return apperrors.NewToolError("tool crashed", apperrors.ErrToolFailed).WithSeed(inv.Seed)
	}

	data, err := os.ReadFile(inv.Input)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	var labels []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		for _, l := range fields[:2] {
			if !seen[l] {
				seen[l] = true
				labels = append(labels, l)
			}
		}
	}
	return os.WriteFile(inv.Output, []byte(strings.Join(labels, "\t")+"\n"), 0o644)
}

func (f *fakeRunner) callCount(seed int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[seed]
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func testOptions() Options {
	return Options{Processes: 2, Inflation: 2, PollInterval: 20 * time.Millisecond}
}

func TestPrepareMatrix(t *testing.T) {
	dir := newDir(t)
	// 9 is not a member, 1-1 is a self loop, and 1-2 appears twice.
	edges := "1\t2\t1\n2\t1\t3\n2\t3\t0.5\n3\t9\t1\n1\t1\t4\n"
	makeFrozen(t, dir, 1, []int64{3, 1, 2}, edges)

	stats, err := PrepareMatrix(dir, 1)
	if err != nil {
		t.Fatalf("PrepareMatrix: %v", err)
	}
	if stats != (MatrixStats{Members: 3, Edges: 2}) {
		t.Errorf("stats = %+v", stats)
	}

	matrix, err := os.ReadFile(dir.PartitionFile(1, scratch.MatrixFile))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("0\t1\t3\n1\t2\t0.5\n", string(matrix)); diff != "" {
		t.Errorf("matrix.abc mismatch (-want +got):\n%s", diff)
	}

	labels, err := partition.ReadLabels(dir.PartitionFile(1, scratch.LabelsFile))
	if err != nil {
		t.Fatalf("ReadLabels: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcherClustersFrozenPartitions(t *testing.T) {
	dir := newDir(t)
	makeFrozen(t, dir, 1, []int64{1, 2, 3}, "1\t2\t1\n2\t3\t1\n")
	makeFrozen(t, dir, 6, []int64{6, 7}, "6\t7\t1\n")
	runner := newFakeRunner()

	bus := event.NewBus(nil)
	var mu sync.Mutex
	completed := 0
	bus.Subscribe(event.TypeClusterCompleted, func(event.Event) {
		mu.Lock()
		completed++
		mu.Unlock()
	})
	opts := testOptions()
	opts.Bus = bus

	sum, err := New(dir, runner, opts).Run(context.Background(), closedChan())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 2 || sum.Failed != 0 || completed != 2 {
		t.Errorf("Summary = %+v, completed events = %d", sum, completed)
	}
	got, err := os.ReadFile(dir.PartitionFile(1, scratch.ClustersFile))
	if err != nil {
		t.Fatalf("clusters.txt: %v", err)
	}
	if string(got) != "0\t1\t2\n" {
		t.Errorf("clusters.txt = %q", got)
	}
	if _, err := os.Stat(dir.PartitionFile(1, scratch.ClustersFile) + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary output left behind")
	}
}

func TestDispatcherPicksUpLateMarkers(t *testing.T) {
	dir := newDir(t)
	runner := newFakeRunner()
	finished := make(chan struct{})

	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := New(dir, runner, testOptions()).Run(context.Background(), finished)
		done <- result{sum, err}
	}()

	makeFrozen(t, dir, 4, []int64{4, 5}, "4\t5\t1\n")
	deadline := time.Now().Add(5 * time.Second)
	for runner.callCount(4) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("partition 4 was never dispatched")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(finished)

	res := <-done
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if res.sum.Completed != 1 {
		t.Errorf("Summary = %+v", res.sum)
	}
}

func TestDispatcherStopsOnDoneMarker(t *testing.T) {
	dir := newDir(t)
	makeFrozen(t, dir, 1, []int64{1, 2}, "1\t2\t1\n")
	if err := dir.MarkDone(); err != nil {
		t.Fatal(err)
	}

	sum, err := New(dir, newFakeRunner(), testOptions()).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 1 {
		t.Errorf("Summary = %+v", sum)
	}
}

func TestDispatcherRetries(t *testing.T) {
	tests := []struct {
		name          string
		retries       int
		failures      int
		permanent     bool
		wantCompleted int
		wantCalls     int
	}{
		{name: "succeeds after retries", retries: 2, failures: 2, wantCompleted: 1, wantCalls: 3},
		{name: "no retries by default", retries: 0, failures: 1, wantCompleted: 0, wantCalls: 1},
		{name: "retries exhausted", retries: 1, failures: 5, wantCompleted: 0, wantCalls: 2},
		{name: "non-retryable failure", retries: 3, failures: 1, permanent: true, wantCompleted: 0, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newDir(t)
			makeFrozen(t, dir, 1, []int64{1, 2}, "1\t2\t1\n")
			runner := newFakeRunner()
			runner.failures[1] = tt.failures
			runner.permanent = tt.permanent

			bus := event.NewBus(nil)
			failedEvents := 0
			bus.Subscribe(event.TypeClusterFailed, func(event.Event) { failedEvents++ })
			opts := testOptions()
			opts.Retries = tt.retries
			opts.Bus = bus

			d := New(dir, runner, opts)
			sum, err := d.Run(context.Background(), closedChan())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if sum.Completed != tt.wantCompleted {
				t.Errorf("Completed = %d, want %d", sum.Completed, tt.wantCompleted)
			}
			if got := runner.callCount(1); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantCompleted == 0 {
				if diff := cmp.Diff([]int64{1}, sum.Failures); diff != "" {
					t.Errorf("Failures mismatch (-want +got):\n%s", diff)
				}
				if failedEvents != 1 {
					t.Errorf("failed events = %d, want 1", failedEvents)
				}
			}
		})
	}
}

func TestDispatcherSkipsClusteredPartitions(t *testing.T) {
	dir := newDir(t)
	makeFrozen(t, dir, 1, []int64{1, 2}, "1\t2\t1\n")
	if err := os.WriteFile(dir.PartitionFile(1, scratch.ClustersFile), []byte("0\t1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := newFakeRunner()

	sum, err := New(dir, runner, testOptions()).Run(context.Background(), closedChan())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Skipped != 1 || runner.callCount(1) != 0 {
		t.Errorf("Summary = %+v, calls = %d", sum, runner.callCount(1))
	}
}

func TestDispatcherEdgelessPartition(t *testing.T) {
	dir := newDir(t)
	// Both members only link to a node recorded elsewhere.
	makeFrozen(t, dir, 1, []int64{1, 2}, "1\t9\t1\n2\t9\t1\n")
	runner := newFakeRunner()

	sum, err := New(dir, runner, testOptions()).Run(context.Background(), closedChan())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Completed != 1 || runner.callCount(1) != 0 {
		t.Errorf("Summary = %+v, calls = %d", sum, runner.callCount(1))
	}
	got, _ := os.ReadFile(dir.PartitionFile(1, scratch.ClustersFile))
	if string(got) != "0\n1\n" {
		t.Errorf("clusters.txt = %q, want singletons", got)
	}
}
