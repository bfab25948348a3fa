package pipeline

import (
	"os"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/graphstore"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Snapshot is a read-only view of a scratch directory's progress.
type Snapshot struct {
	Manifest *scratch.Manifest
	Running  bool // another process holds the scratch lock
	Done     bool // partitioning finished

	RowsRemaining int
	Recorded      int // nodes in the complete ledger
	Seeds         int // partitions in the complete ledger

	// States counts partition directories by status.
	States    map[partition.State]int
	Active    []*partition.Status
	Frozen    int
	Clustered int
}

// Inspect reads the progress of the scratch directory at root without
// modifying it. It works while a run is in progress.
func Inspect(root string) (*Snapshot, error) {
	dir := scratch.New(root)
	m, err := dir.ReadManifest()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Manifest: m,
		Done:     dir.IsDone(),
		States:   make(map[partition.State]int),
	}

	lock := scratch.NewLock(root)
	switch err := lock.TryLock(); {
	case err == nil:
		_ = lock.Unlock()
	case apperrors.Is(err, apperrors.ErrScratchLocked):
		snap.Running = true
	default:
		return nil, err
	}

	if err := graphstore.ScanFile(dir.Rows(), func(graphstore.Row) error {
		snap.RowsRemaining++
		return nil
	}); err != nil {
		return nil, err
	}

	owner, err := graphstore.ReadLedger(dir.Ledger())
	if err != nil {
		return nil, err
	}
	snap.Recorded = len(owner)
	seeds := make(map[int64]struct{})
	for _, seed := range owner {
		seeds[seed] = struct{}{}
	}
	snap.Seeds = len(seeds)

	dirs, err := dir.PartitionSeeds()
	if err != nil {
		return nil, err
	}
	for _, seed := range dirs {
		st, err := partition.ReadStatus(dir, seed)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				snap.States[partition.StateSeeded]++
				continue
			}
			return nil, err
		}
		snap.States[st.State]++
		if st.State.IsActive() {
			snap.Active = append(snap.Active, st)
		}
	}

	frozen, err := dir.FrozenSeeds()
	if err != nil {
		return nil, err
	}
	snap.Frozen = len(frozen)
	for _, seed := range frozen {
		if _, err := os.Stat(dir.PartitionFile(seed, scratch.ClustersFile)); err == nil {
			snap.Clustered++
		}
	}
	return snap, nil
}
