// Package graphstore holds the graph as a durable row file plus an ordered
// in-memory index, and the complete ledger that checkpoints which nodes
// have been assigned to a finished partition.
//
// The scheduler is the single writer of a Store. Partition workers never
// touch the Store directly: they stream the row file with ScanFile, which
// always sees a complete file because the Store rewrites it with an atomic
// rename.
package graphstore

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/tidwall/btree"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Store is the graph's remaining rows, keyed by node id.
type Store struct {
	mu     sync.RWMutex
	path   string
	rows   *btree.BTreeG[Row]
	ledger *Ledger
}

func rowLess(a, b Row) bool { return a.ID < b.ID }

// Load parses the row file at path into a Store that persists back to the
// same file. A duplicate node id is a load error.
func Load(path string) (*Store, error) {
	s := &Store{
		path: path,
		rows: btree.NewBTreeG[Row](rowLess),
	}
	err := ScanFile(path, func(r Row) error {
		if _, dup := s.rows.Set(r); dup {
			return apperrors.NewGraphError("duplicate row", apperrors.ErrMalformedRow).
				WithNode(r.ID).WithSeverity(apperrors.SeverityError)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AttachLedger makes RemoveRows record into l before deleting rows.
func (s *Store) AttachLedger(l *Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = l
}

// Ledger returns the attached ledger, or nil.
func (s *Store) Ledger() *Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

// Path returns the row file the store persists to.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of remaining rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Len()
}

// Get returns the row for id.
func (s *Store) Get(id int64) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Get(Row{ID: id})
}

// IDs returns every remaining node id in ascending order.
func (s *Store) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, s.rows.Len())
	s.rows.Scan(func(r Row) bool {
		ids = append(ids, r.ID)
		return true
	})
	return ids
}

// RowsFor returns the rows present for ids, in ascending id order, without
// mutating the store. Ids with no row are skipped.
func (s *Store) RowsFor(ids []int64) []Row {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Row, 0, len(sorted))
	for _, id := range sorted {
		if r, ok := s.rows.Get(Row{ID: id}); ok {
			out = append(out, r)
		}
	}
	return out
}

// StripZeros removes every row with no edge to another node that no other
// row references, persists the store, and returns the removed ids.
// A row that is empty but referenced stays so the partition that reaches
// it can absorb it.
func (s *Store) StripZeros() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[int64]struct{})
	var candidates []int64
	s.rows.Scan(func(r Row) bool {
		for _, n := range r.Neighbors {
			if n.ID != r.ID {
				referenced[n.ID] = struct{}{}
			}
		}
		if r.Empty() {
			candidates = append(candidates, r.ID)
		}
		return true
	})

	zeros := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := referenced[id]; ok {
			continue
		}
		s.rows.Delete(Row{ID: id})
		zeros = append(zeros, id)
	}
	if len(zeros) == 0 {
		return zeros, nil
	}
	return zeros, s.persistLocked()
}

// RemoveRows records ids under seed in the ledger and then deletes their
// rows. The ledger append happens first, so a crash between the two leaves
// rows that ReloadCheckpoint removes on resume. Without an attached ledger
// the rows are only deleted.
func (s *Store) RemoveRows(seed int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger != nil {
		if err := s.ledger.Append(seed, ids); err != nil {
			return err
		}
	}
	removed := 0
	for _, id := range ids {
		if _, ok := s.rows.Delete(Row{ID: id}); ok {
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return s.persistLocked()
}

// CheckpointResult summarizes what ReloadCheckpoint removed.
type CheckpointResult struct {
	Recorded     int // nodes found in the ledger
	Zeros        int // nodes found in the zero set
	RowsRemoved  int // rows deleted from the store
	SeedsPresent int // partitions already recorded
}

// ReloadCheckpoint removes the rows of every node already recorded in the
// attached ledger or listed in zerosPath. It is the resume entry point.
func (s *Store) ReloadCheckpoint(zerosPath string) (CheckpointResult, error) {
	zeros, err := scratch.ReadIDs(zerosPath)
	if err != nil {
		return CheckpointResult{}, fmt.Errorf("read zero set: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := CheckpointResult{Zeros: len(zeros)}
	drop := func(id int64) {
		if _, ok := s.rows.Delete(Row{ID: id}); ok {
			res.RowsRemoved++
		}
	}
	for _, id := range zeros {
		drop(id)
	}
	if s.ledger != nil {
		s.ledger.mu.Lock()
		for id := range s.ledger.owner {
			drop(id)
		}
		res.Recorded = len(s.ledger.owner)
		res.SeedsPresent = len(s.ledger.seeds)
		s.ledger.mu.Unlock()
	}

	if res.RowsRemoved == 0 {
		return res, nil
	}
	return res, s.persistLocked()
}

// Persist rewrites the row file from memory.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked rewrites the row file in ascending id order through a
// temporary file and rename. The caller must hold the write lock.
func (s *Store) persistLocked() error {
	err := scratch.WriteAtomic(s.path, func(w io.Writer) error {
		buf := make([]byte, 0, 4096)
		var werr error
		s.rows.Scan(func(r Row) bool {
			buf = r.AppendText(buf[:0])
			buf = append(buf, '\n')
			_, werr = w.Write(buf)
			return werr == nil
		})
		return werr
	})
	if err != nil {
		return apperrors.NewCoordinationError("rewrite row file", err).WithPath(s.path)
	}
	return nil
}

// fileExists reports whether path names an existing file.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
