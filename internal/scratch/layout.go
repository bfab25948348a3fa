// Package scratch owns the on-disk layout of a run's scratch directory: file
// names, the run manifest, the directory lock, and the small atomic-write
// and id-list helpers every stage shares.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
)

// Top-level scratch files.
const (
	ManifestFile  = "manifest.yaml"
	LockFile      = "subclust.lock"
	RowsFile      = "rows.tsv"
	UniverseFile  = "universe.txt"
	ZerosFile     = "zeros.txt"
	LedgerFile    = "complete.txt"
	PartitionsDir = "partitions"
	FrozenDir     = "frozen"
	DoneMarker    = "partitioning.done"
	MetricsFile   = "metrics.prom"
)

// Per-partition files under partitions/<seed>/.
const (
	EdgesFile     = "edges.tsv"
	ProgressFile  = "progress.txt"
	AdditionsFile = "additions.jsonl"
	StatusFile    = "status.json"
	LabelsFile    = "labels.tab"
	MatrixFile    = "matrix.abc"
	ClustersFile  = "clusters.txt"
	WorkerLogFile = "worker.log"
)

// Dir is a scratch directory. The zero value is not usable; use New.
type Dir struct {
	root string
}

// New returns the scratch directory rooted at root.
func New(root string) Dir {
	return Dir{root: root}
}

// Init creates the directory skeleton. It is idempotent.
func (d Dir) Init() error {
	for _, p := range []string{d.root, d.PartitionsRoot(), d.FrozenRoot()} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("create scratch directory %s: %w", p, err)
		}
	}
	return nil
}

func (d Dir) Root() string           { return d.root }
func (d Dir) Rows() string           { return filepath.Join(d.root, RowsFile) }
func (d Dir) Universe() string       { return filepath.Join(d.root, UniverseFile) }
func (d Dir) Zeros() string          { return filepath.Join(d.root, ZerosFile) }
func (d Dir) Ledger() string         { return filepath.Join(d.root, LedgerFile) }
func (d Dir) Manifest() string       { return filepath.Join(d.root, ManifestFile) }
func (d Dir) Metrics() string        { return filepath.Join(d.root, MetricsFile) }
func (d Dir) PartitionsRoot() string { return filepath.Join(d.root, PartitionsDir) }
func (d Dir) FrozenRoot() string     { return filepath.Join(d.root, FrozenDir) }

// Partition returns the directory of the partition seeded at seed.
func (d Dir) Partition(seed int64) string {
	return filepath.Join(d.PartitionsRoot(), strconv.FormatInt(seed, 10))
}

// PartitionFile returns the path of name inside the partition's directory.
func (d Dir) PartitionFile(seed int64, name string) string {
	return filepath.Join(d.Partition(seed), name)
}

// FrozenMarker returns the path of the marker announcing that seed was
// recorded in the ledger.
func (d Dir) FrozenMarker(seed int64) string {
	return filepath.Join(d.FrozenRoot(), strconv.FormatInt(seed, 10))
}

// MarkFrozen writes the frozen marker for seed.
func (d Dir) MarkFrozen(seed int64) error {
	return WriteFileAtomic(d.FrozenMarker(seed), nil)
}

// FrozenSeeds lists the seeds that have a frozen marker, in ascending order.
func (d Dir) FrozenSeeds() ([]int64, error) {
	return seedEntries(d.FrozenRoot())
}

// PartitionSeeds lists the seeds that have a partition directory.
func (d Dir) PartitionSeeds() ([]int64, error) {
	return seedEntries(d.PartitionsRoot())
}

// RemovePartition deletes a partition's scratch files.
func (d Dir) RemovePartition(seed int64) error {
	return os.RemoveAll(d.Partition(seed))
}

// MarkDone records that partitioning finished.
func (d Dir) MarkDone() error {
	return WriteFileAtomic(filepath.Join(d.root, DoneMarker), nil)
}

// IsDone reports whether partitioning finished.
func (d Dir) IsDone() bool {
	_, err := os.Stat(filepath.Join(d.root, DoneMarker))
	return err == nil
}

// seedEntries parses the numeric entry names of dir. A missing dir is empty.
func seedEntries(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	seeds := make([]int64, 0, len(entries))
	for _, e := range entries {
		seed, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		seeds = append(seeds, seed)
	}
	slices.Sort(seeds)
	return seeds, nil
}
