package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/graphstore"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

type fakeTarget struct {
	seed   int64
	killed bool
}

func (f *fakeTarget) Seed() int64 { return f.seed }
func (f *fakeTarget) Kill() error {
	f.killed = true
	return nil
}

// writeProgress writes a progress file claiming ids for seed.
func writeProgress(t *testing.T, dir scratch.Dir, seed int64, ids ...int64) {
	t.Helper()
	if err := os.MkdirAll(dir.Partition(seed), 0o755); err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "H %d\n", id)
	}
	if err := os.WriteFile(dir.PartitionFile(seed, scratch.ProgressFile), []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newDir(t *testing.T) scratch.Dir {
	t.Helper()
	dir := scratch.New(filepath.Join(t.TempDir(), "scratch"))
	if err := dir.Init(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func additions(t *testing.T, dir scratch.Dir, seed int64) []partition.Addition {
	t.Helper()
	entries, _, err := partition.ReadAdditions(dir.PartitionFile(seed, scratch.AdditionsFile), 0)
	if err != nil {
		t.Fatalf("ReadAdditions: %v", err)
	}
	return entries
}

func TestResolveNoOverlap(t *testing.T) {
	dir := newDir(t)
	writeProgress(t, dir, 1, 1, 2)
	writeProgress(t, dir, 5, 5, 6)
	a, b := &fakeTarget{seed: 1}, &fakeTarget{seed: 5}

	res, err := New(dir, nil, nil).Resolve(context.Background(), []Target{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Groups != 0 || len(res.Terminations) != 0 {
		t.Errorf("Resolve = %+v, want no groups", res)
	}
	if a.killed || b.killed {
		t.Error("non-overlapping partitions must not be killed")
	}
}

func TestResolveSupersetSurvives(t *testing.T) {
	dir := newDir(t)
	writeProgress(t, dir, 1, 1, 2, 3, 4)
	writeProgress(t, dir, 3, 3, 4, 9)
	big, small := &fakeTarget{seed: 1}, &fakeTarget{seed: 3}

	bus := event.NewBus(nil)
	var merged []event.PartitionMergedEvent
	bus.Subscribe(event.TypePartitionMerged, func(e event.Event) {
		merged = append(merged, e.(event.PartitionMergedEvent))
	})

	res, err := New(dir, nil, bus).Resolve(context.Background(), []Target{small, big})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if !small.killed || big.killed {
		t.Fatalf("killed: small=%v big=%v, want only the smaller", small.killed, big.killed)
	}
	want := []Termination{{Seed: 3, Survivor: 1, Harvested: 1}}
	if diff := cmp.Diff(want, res.Terminations); diff != "" {
		t.Errorf("Terminations mismatch (-want +got):\n%s", diff)
	}

	got := additions(t, dir, 1)
	if len(got) != 1 || got[0].From != 3 {
		t.Fatalf("survivor queue = %+v", got)
	}
	if diff := cmp.Diff([]int64{9}, got[0].Nodes); diff != "" {
		t.Errorf("injected ids mismatch (-want +got):\n%s", diff)
	}

	st, err := partition.ReadStatus(dir, 3)
	if err != nil {
		t.Fatalf("ReadStatus(3): %v", err)
	}
	if st.State != partition.StateMergedAway || st.MergedInto == nil || *st.MergedInto != 1 {
		t.Errorf("terminated status = %+v, want merged_away into 1", st)
	}
	if st.HitCount != 3 {
		t.Errorf("terminated HitCount = %d, want 3", st.HitCount)
	}
	if _, err := os.Stat(dir.PartitionFile(3, scratch.ProgressFile)); !os.IsNotExist(err) {
		t.Errorf("terminated partition progress still exists (err=%v)", err)
	}
	if len(merged) != 1 || merged[0].Survivor != 1 {
		t.Errorf("merged events = %+v", merged)
	}
}

func TestResolveTransitiveGroup(t *testing.T) {
	dir := newDir(t)
	// 1 overlaps 2 through node 2, 2 overlaps 4 through node 4; 1 and 4
	// share nothing but end up in the same group.
	writeProgress(t, dir, 1, 1, 2)
	writeProgress(t, dir, 2, 2, 3, 4)
	writeProgress(t, dir, 4, 4, 5, 6, 7)
	targets := []*fakeTarget{{seed: 1}, {seed: 2}, {seed: 4}}

	res, err := New(dir, nil, nil).Resolve(context.Background(),
		[]Target{targets[0], targets[1], targets[2]})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Groups != 1 {
		t.Fatalf("Groups = %d, want 1", res.Groups)
	}
	if !targets[0].killed || !targets[1].killed || targets[2].killed {
		t.Errorf("killed = %v %v %v, want seed 4 to survive",
			targets[0].killed, targets[1].killed, targets[2].killed)
	}

	injected := map[int64]bool{}
	for _, a := range additions(t, dir, 4) {
		for _, id := range a.Nodes {
			if injected[id] {
				t.Errorf("id %d injected twice", id)
			}
			injected[id] = true
		}
	}
	for _, id := range []int64{1, 2, 3} {
		if !injected[id] {
			t.Errorf("id %d was not handed to the survivor", id)
		}
	}
}

func TestResolveTieGoesToLowestSeed(t *testing.T) {
	dir := newDir(t)
	writeProgress(t, dir, 7, 7, 8)
	writeProgress(t, dir, 8, 8, 9)
	a, b := &fakeTarget{seed: 8}, &fakeTarget{seed: 7}

	res, err := New(dir, nil, nil).Resolve(context.Background(), []Target{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Terminations) != 1 || res.Terminations[0].Survivor != 7 {
		t.Errorf("Terminations = %+v, want survivor 7", res.Terminations)
	}
}

func TestResolveSurvivorAbsorbsHarvest(t *testing.T) {
	// Chain 1-2-3-4-5: seed 1 has claimed {1,2,3}; seed 5 has claimed
	// {3,4,5} plus a dangling 6.
	input := filepath.Join(t.TempDir(), "graph.tsv")
	graph := "1\t1\t2:1\n2\t1\t1:1\t3:1\n3\t1\t2:1\t4:1\n4\t1\t3:1\t5:1\n5\t1\t4:1\n"
	if err := os.WriteFile(input, []byte(graph), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := newDir(t)
	if _, _, err := graphstore.Build(input, dir); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Neither partition has expanded anything yet.
	writeProgress(t, dir, 1, 1, 2, 3)
	writeProgress(t, dir, 5, 3, 4, 5, 6)

	res, err := New(dir, nil, nil).Resolve(context.Background(),
		[]Target{&fakeTarget{seed: 1}, &fakeTarget{seed: 5}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Seed 5 claimed four ids and wins.
	if len(res.Terminations) != 1 || res.Terminations[0].Survivor != 5 {
		t.Fatalf("Terminations = %+v, want survivor 5", res.Terminations)
	}

	st, err := partition.NewWorker(partition.Options{Dir: dir, Seed: 5, Symmetric: true, Resume: true}).
		Run(context.Background())
	if err != nil {
		t.Fatalf("resumed worker: %v", err)
	}
	// 6 never had a row, so the survivor aborts with it missing, but every
	// id of the terminated partition was absorbed.
	if diff := cmp.Diff([]int64{1, 2, 3, 4, 5}, st.Hits); diff != "" {
		t.Errorf("Hits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{6}, st.Missing); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}
}
