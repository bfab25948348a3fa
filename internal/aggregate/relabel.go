package aggregate

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// Relabel maps the id space of the row dump back to the ids of the original
// data set.
type Relabel struct {
	names map[int64]string
}

// LoadRelabel reads a "dumpId<TAB>originalId" table. Blank lines and lines
// starting with '#' are ignored.
func LoadRelabel(path string) (*Relabel, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("relabel table", path).WithCause(err)
		}
		return nil, fmt.Errorf("open relabel table: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := &Relabel{names: make(map[int64]string)}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, apperrors.NewGraphError("relabel line needs two columns", apperrors.ErrMalformedRow).WithLine(line)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, apperrors.NewGraphError(fmt.Sprintf("bad dump id %q", key), apperrors.ErrMalformedRow).WithLine(line)
		}
		r.names[id] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read relabel table: %w", err)
	}
	return r, nil
}

// Lookup returns the original id of a dump id.
func (r *Relabel) Lookup(id int64) (string, bool) {
	if r == nil {
		return strconv.FormatInt(id, 10), true
	}
	name, ok := r.names[id]
	return name, ok
}

// Len returns the number of entries.
func (r *Relabel) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}
