package graphstore

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// Ledger is the complete ledger: an append-only "nodeId<TAB>seed" file
// recording which frozen partition owns each node. It is the resume
// checkpoint. Only the scheduler appends; workers and the dispatcher read
// it with ReadLedger.
type Ledger struct {
	path  string
	mu    sync.Mutex
	owner map[int64]int64
	seeds map[int64]int
}

// OpenLedger loads the ledger at path, creating it if needed. A torn final
// line left by a crash mid-append is cut off so the next append starts on
// a line boundary.
func OpenLedger(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, apperrors.NewCoordinationError("read ledger", err).WithPath(path)
	}

	if n := len(data); n > 0 && data[n-1] != '\n' {
		keep := bytes.LastIndexByte(data, '\n') + 1
		if err := os.Truncate(path, int64(keep)); err != nil {
			return nil, apperrors.NewCoordinationError("repair torn ledger line", err).WithPath(path)
		}
		data = data[:keep]
	}

	l := &Ledger{
		path:  path,
		owner: make(map[int64]int64),
		seeds: make(map[int64]int),
	}
	if err := parseLedger(data, func(id, seed int64) {
		l.owner[id] = seed
		l.seeds[seed]++
	}); err != nil {
		return nil, apperrors.NewCoordinationError("parse ledger", err).WithPath(path)
	}
	return l, nil
}

// ReadLedger returns the node → owning seed map of the ledger file without
// opening it for writing. A missing file is an empty ledger. An incomplete
// trailing line is ignored.
func ReadLedger(path string) (map[int64]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]int64{}, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	data = data[:bytes.LastIndexByte(data, '\n')+1]

	owner := make(map[int64]int64)
	if err := parseLedger(data, func(id, seed int64) { owner[id] = seed }); err != nil {
		return nil, err
	}
	return owner, nil
}

func parseLedger(data []byte, fn func(id, seed int64)) error {
	lineNo := 0
	for len(data) > 0 {
		lineNo++
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		idPart, seedPart, ok := bytes.Cut(line, []byte{'\t'})
		if !ok {
			return fmt.Errorf("ledger line %d: missing seed", lineNo)
		}
		id, err := strconv.ParseInt(string(idPart), 10, 64)
		if err != nil {
			return fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		seed, err := strconv.ParseInt(string(seedPart), 10, 64)
		if err != nil {
			return fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		fn(id, seed)
	}
	return nil
}

// Append records ids as owned by seed. The lines are written with a single
// O_APPEND write and synced before Append returns.
func (l *Ledger) Append(seed int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		buf = strconv.AppendInt(buf, id, 10)
		buf = append(buf, '\t')
		buf = strconv.AppendInt(buf, seed, 10)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.NewCoordinationError("open ledger for append", apperrors.Join(apperrors.ErrLedgerWrite, err)).
			WithPath(l.path)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return apperrors.NewCoordinationError("append to ledger", apperrors.Join(apperrors.ErrLedgerWrite, err)).
			WithPath(l.path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return apperrors.NewCoordinationError("sync ledger", apperrors.Join(apperrors.ErrLedgerWrite, err)).
			WithPath(l.path)
	}
	if err := f.Close(); err != nil {
		return apperrors.NewCoordinationError("close ledger", apperrors.Join(apperrors.ErrLedgerWrite, err)).
			WithPath(l.path)
	}

	for _, id := range ids {
		l.owner[id] = seed
	}
	l.seeds[seed] += len(ids)
	return nil
}

// Owner returns the seed that owns id.
func (l *Ledger) Owner(id int64) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seed, ok := l.owner[id]
	return seed, ok
}

// Seeds returns every seed with at least one recorded node.
func (l *Ledger) Seeds() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.seeds))
	for seed := range l.seeds {
		out = append(out, seed)
	}
	return out
}

// Members returns the sorted ids recorded under seed.
func (l *Ledger) Members(seed int64) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int64
	for id, owner := range l.owner {
		if owner == seed {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of recorded nodes.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owner)
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}
