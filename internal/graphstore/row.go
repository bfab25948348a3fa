package graphstore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// maxRowBytes bounds a single row line. Hub nodes of a dense similarity
// matrix produce very long rows.
const maxRowBytes = 256 * 1024 * 1024

// Neighbor is one weighted edge out of a row.
type Neighbor struct {
	ID     int64
	Weight float64
}

// Row is one source node of the graph dump together with its neighbor list.
type Row struct {
	ID        int64
	SelfCount float64
	Neighbors []Neighbor
}

// Empty reports whether the row has no edge to another node.
func (r Row) Empty() bool {
	for _, n := range r.Neighbors {
		if n.ID != r.ID {
			return false
		}
	}
	return true
}

// References reports whether any neighbor satisfies in.
func (r Row) References(in func(int64) bool) bool {
	for _, n := range r.Neighbors {
		if in(n.ID) {
			return true
		}
	}
	return false
}

// ParseRow parses "nodeId<TAB>selfCount<TAB>neighborId:weight ...".
// Fields may be separated by any run of whitespace.
func ParseRow(line string) (Row, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Row{}, apperrors.NewGraphError("row needs a node id and a self count", apperrors.ErrMalformedRow)
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Row{}, apperrors.NewGraphError(fmt.Sprintf("bad node id %q", fields[0]), apperrors.ErrMalformedRow)
	}
	self, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Row{}, apperrors.NewGraphError(fmt.Sprintf("bad self count %q", fields[1]), apperrors.ErrMalformedRow).
			WithNode(id)
	}

	row := Row{ID: id, SelfCount: self, Neighbors: make([]Neighbor, 0, len(fields)-2)}
	for _, f := range fields[2:] {
		idPart, weightPart, ok := strings.Cut(f, ":")
		if !ok {
			return Row{}, apperrors.NewGraphError(fmt.Sprintf("neighbor %q is not id:weight", f), apperrors.ErrMalformedRow).
				WithNode(id)
		}
		nid, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			return Row{}, apperrors.NewGraphError(fmt.Sprintf("bad neighbor id %q", idPart), apperrors.ErrMalformedRow).
				WithNode(id)
		}
		w, err := strconv.ParseFloat(weightPart, 64)
		if err != nil {
			return Row{}, apperrors.NewGraphError(fmt.Sprintf("bad weight %q", weightPart), apperrors.ErrMalformedRow).
				WithNode(id)
		}
		row.Neighbors = append(row.Neighbors, Neighbor{ID: nid, Weight: w})
	}
	return row, nil
}

// AppendText appends the row's dump form, without a trailing newline.
func (r Row) AppendText(b []byte) []byte {
	b = strconv.AppendInt(b, r.ID, 10)
	b = append(b, '\t')
	b = strconv.AppendFloat(b, r.SelfCount, 'g', -1, 64)
	for _, n := range r.Neighbors {
		b = append(b, '\t')
		b = strconv.AppendInt(b, n.ID, 10)
		b = append(b, ':')
		b = strconv.AppendFloat(b, n.Weight, 'g', -1, 64)
	}
	return b
}

// String returns the row's dump form.
func (r Row) String() string {
	return string(r.AppendText(nil))
}

// ReadRows streams the rows of r to fn in file order. Blank lines are
// skipped. A malformed line stops the read with a GraphError carrying its
// line number. fn may return an error to stop early.
func ReadRows(r io.Reader, fn func(Row) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRowBytes)

	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		row, err := ParseRow(text)
		if err != nil {
			var ge *apperrors.GraphError
			if apperrors.As(err, &ge) {
				return ge.WithLine(line).WithSeverity(apperrors.SeverityError)
			}
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	return nil
}

// ScanFile streams the rows of the file at path to fn.
func ScanFile(path string, fn func(Row) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open row file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadRows(f, fn)
}
