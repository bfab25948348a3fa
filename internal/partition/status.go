package partition

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Status is the durable record of one partition, stored as status.json in
// its directory. The worker writes it while it runs; once the worker has
// exited the scheduler is its only writer.
type Status struct {
	Seed  int64 `json:"seed"`
	State State `json:"state"`
	PID   int   `json:"pid,omitempty"`

	// Hits is the final claimed set once the worker stops: every absorbed
	// node whose row was found. For a recorded partition it is exactly the
	// set written to the ledger.
	Hits     []int64 `json:"hits,omitempty"`
	HitCount int     `json:"hit_count"`
	Expanded int     `json:"expanded"`
	Scans    int     `json:"scans"`

	// Missing lists claimed ids that have no row anywhere (graph inconsistency).
	Missing []int64 `json:"missing,omitempty"`
	// Foreign lists claimed ids already recorded by another partition.
	Foreign []int64 `json:"foreign,omitempty"`

	// Recorded is set by the scheduler after the ledger append.
	Recorded bool `json:"recorded,omitempty"`
	// MergedInto names the partition that absorbed this one.
	MergedInto *int64 `json:"merged_into,omitempty"`
	// Reactivations counts relaunches after a post-freeze addition.
	Reactivations int `json:"reactivations,omitempty"`

	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// WriteStatus stores st atomically in its partition directory.
func WriteStatus(dir scratch.Dir, st *Status) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return scratch.WriteFileAtomic(dir.PartitionFile(st.Seed, scratch.StatusFile), data)
}

// ReadStatus loads the status record of seed.
func ReadStatus(dir scratch.Dir, seed int64) (*Status, error) {
	path := dir.PartitionFile(seed, scratch.StatusFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("partition status", path).WithCause(err)
		}
		return nil, fmt.Errorf("read status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse status %s: %w", path, err)
	}
	return &st, nil
}

// MergeAway records that seed's nodes now belong to partition into (-1 when
// the owner is unknown) and drops the partition's working files. The status
// record stays so the partition's fate is visible after the fact.
func MergeAway(dir scratch.Dir, seed, into int64, hits int) error {
	st, err := ReadStatus(dir, seed)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		st = &Status{Seed: seed}
	}
	st.State = StateMergedAway
	st.MergedInto = nil
	if into >= 0 {
		st.MergedInto = &into
	}
	st.Hits = nil
	st.HitCount = hits
	st.Foreign = nil
	st.Recorded = false
	st.EndedAt = time.Now().UTC()
	if err := WriteStatus(dir, st); err != nil {
		return err
	}
	for _, name := range []string{scratch.EdgesFile, scratch.ProgressFile, scratch.AdditionsFile} {
		if err := os.Remove(dir.PartitionFile(seed, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}
