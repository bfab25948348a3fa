package graphstore

import (
	"fmt"
	"path/filepath"
	"slices"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// BuildResult describes a freshly built scratch graph.
type BuildResult struct {
	Rows     int // rows kept for partitioning
	Universe int // distinct node ids in the input
	Zeros    []int64
}

// Build prepares the scratch directory from the input graph: it writes the
// row file, universe.txt (every node id that appears as a row or as a
// neighbor), and zeros.txt, and returns the store with its ledger attached.
func Build(input string, dir scratch.Dir) (*Store, BuildResult, error) {
	if err := dir.Init(); err != nil {
		return nil, BuildResult{}, err
	}

	src, err := Load(input)
	if err != nil {
		return nil, BuildResult{}, fmt.Errorf("load %s: %w", filepath.Base(input), err)
	}
	if src.Len() == 0 {
		return nil, BuildResult{}, apperrors.NewGraphError("input has no rows", apperrors.ErrEmptyGraph).
			WithSeverity(apperrors.SeverityCritical)
	}

	universe := src.universe()
	if err := scratch.WriteIDs(dir.Universe(), universe); err != nil {
		return nil, BuildResult{}, err
	}

	// Re-home the rows in the scratch directory so the input is never mutated.
	src.path = dir.Rows()
	zeros, err := src.StripZeros()
	if err != nil {
		return nil, BuildResult{}, err
	}
	if len(zeros) == 0 {
		if err := src.Persist(); err != nil {
			return nil, BuildResult{}, err
		}
	}
	if err := scratch.WriteIDs(dir.Zeros(), zeros); err != nil {
		return nil, BuildResult{}, err
	}

	ledger, err := OpenLedger(dir.Ledger())
	if err != nil {
		return nil, BuildResult{}, err
	}
	src.AttachLedger(ledger)

	return src, BuildResult{Rows: src.Len(), Universe: len(universe), Zeros: zeros}, nil
}

// Open loads the store of an existing scratch directory, attaches its
// ledger, and applies the checkpoint so only unprocessed rows remain.
func Open(dir scratch.Dir) (*Store, CheckpointResult, error) {
	if !fileExists(dir.Rows()) {
		return nil, CheckpointResult{}, apperrors.NewNotFoundError("row file", dir.Rows())
	}
	s, err := Load(dir.Rows())
	if err != nil {
		return nil, CheckpointResult{}, err
	}
	ledger, err := OpenLedger(dir.Ledger())
	if err != nil {
		return nil, CheckpointResult{}, err
	}
	s.AttachLedger(ledger)

	res, err := s.ReloadCheckpoint(dir.Zeros())
	if err != nil {
		return nil, CheckpointResult{}, err
	}
	return s, res, nil
}

// universe returns every node id that appears as a row or a neighbor.
func (s *Store) universe() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{}, s.rows.Len())
	s.rows.Scan(func(r Row) bool {
		seen[r.ID] = struct{}{}
		for _, n := range r.Neighbors {
			seen[n.ID] = struct{}{}
		}
		return true
	})
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
