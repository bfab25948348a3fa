package partition

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

func TestStateText(t *testing.T) {
	tests := []struct {
		state    State
		name     string
		terminal bool
	}{
		{StateSeeded, "seeded", false},
		{StateExpanding, "expanding", false},
		{StateFrozen, "frozen", true},
		{StateMergedAway, "merged_away", true},
		{StateAborted, "aborted", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.state.String() != tt.name {
				t.Errorf("String() = %q", tt.state.String())
			}
			if tt.state.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() = %v", tt.state.IsTerminal())
			}
			if tt.state.IsActive() == tt.terminal {
				t.Errorf("IsActive() = %v", tt.state.IsActive())
			}
			var back State
			text, err := tt.state.MarshalText()
			if err != nil {
				t.Fatalf("MarshalText: %v", err)
			}
			if err := back.UnmarshalText(text); err != nil || back != tt.state {
				t.Errorf("UnmarshalText(%q) = %v, %v", text, back, err)
			}
		})
	}

	var s State
	if err := s.UnmarshalText([]byte("melting")); err == nil {
		t.Error("UnmarshalText should reject unknown names")
	}
	if State(42).String() != "state(42)" {
		t.Errorf("String() of unknown = %q", State(42).String())
	}
}

func TestStatusJSON(t *testing.T) {
	dir := scratch.New(t.TempDir())
	survivor := int64(3)
	st := &Status{Seed: 8, State: StateMergedAway, MergedInto: &survivor, Hits: []int64{8, 9}}
	if err := WriteStatus(dir, st); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	data, _ := os.ReadFile(dir.PartitionFile(8, scratch.StatusFile))
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	if raw["state"] != "merged_away" {
		t.Errorf("state on disk = %v, want merged_away", raw["state"])
	}

	got, err := ReadStatus(dir, 8)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got.State != StateMergedAway || got.MergedInto == nil || *got.MergedInto != 3 {
		t.Errorf("ReadStatus() = %+v", got)
	}

	if _, err := ReadStatus(dir, 99); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("ReadStatus(missing) = %v, want ErrNotFound", err)
	}
}

func TestReadProgressIgnoresTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.txt")
	if err := os.WriteFile(path, []byte("H 1\nX 1\nH 2\nbogus\nX 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := ReadProgress(path)
	if err != nil {
		t.Fatalf("ReadProgress: %v", err)
	}
	if len(p.Hits) != 2 || len(p.Expanded) != 1 {
		t.Errorf("progress = %+v", p)
	}

	empty, err := ReadProgress(filepath.Join(t.TempDir(), "none"))
	if err != nil || len(empty.Hits) != 0 {
		t.Errorf("ReadProgress(missing) = %+v, %v", empty, err)
	}
}

func TestAdditionsOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "additions.jsonl")

	if err := AppendAddition(path, Addition{From: 2, Nodes: []int64{5, 6}}); err != nil {
		t.Fatal(err)
	}
	first, off, err := ReadAdditions(path, 0)
	if err != nil || len(first) != 1 {
		t.Fatalf("ReadAdditions = %v, %v", first, err)
	}
	if first[0].Timestamp.IsZero() {
		t.Error("AppendAddition should stamp the entry")
	}

	// Nothing new at the returned offset.
	again, off2, _ := ReadAdditions(path, off)
	if len(again) != 0 || off2 != off {
		t.Errorf("re-read = %v at %d, want nothing at %d", again, off2, off)
	}

	if err := AppendAddition(path, Addition{From: 4, Nodes: []int64{6, 7}}); err != nil {
		t.Fatal(err)
	}
	// A half-written entry is left for the next read.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	_, _ = f.WriteString(`{"from":9,"no`)
	_ = f.Close()

	next, _, err := ReadAdditions(path, off)
	if err != nil || len(next) != 1 || next[0].From != 4 {
		t.Errorf("ReadAdditions(offset) = %+v, %v", next, err)
	}

	pending, err := PendingAdditions(path, map[int64]struct{}{5: {}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{6, 7}, pending); diff != "" {
		t.Errorf("PendingAdditions mismatch (-want +got):\n%s", diff)
	}
}
