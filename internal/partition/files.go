package partition

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Progress line tags.
const (
	tagHit      = 'H'
	tagExpanded = 'X'
)

// Progress is a snapshot of a partition's progress file.
type Progress struct {
	Hits     map[int64]struct{}
	Expanded map[int64]struct{}
}

// ReadProgress parses a progress file ("H id" / "X id" lines). A missing
// file yields an empty snapshot; an incomplete trailing line (the worker
// may be mid-write) is ignored.
func ReadProgress(path string) (Progress, error) {
	p := Progress{Hits: make(map[int64]struct{}), Expanded: make(map[int64]struct{})}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read progress: %w", err)
	}
	data = data[:bytes.LastIndexByte(data, '\n')+1]

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		line := data[:i]
		data = data[i+1:]
		if len(line) < 3 || line[1] != ' ' {
			continue
		}
		id, err := strconv.ParseInt(string(line[2:]), 10, 64)
		if err != nil {
			continue
		}
		switch line[0] {
		case tagHit:
			p.Hits[id] = struct{}{}
		case tagExpanded:
			p.Expanded[id] = struct{}{}
			p.Hits[id] = struct{}{}
		}
	}
	return p, nil
}

// progressWriter appends tagged ids to the progress file.
type progressWriter struct {
	f   *os.File
	buf *bufio.Writer
}

func openAppend(path string, truncate bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(path, flags, 0o644)
}

func newProgressWriter(path string, truncate bool) (*progressWriter, error) {
	f, err := openAppend(path, truncate)
	if err != nil {
		return nil, fmt.Errorf("open progress file: %w", err)
	}
	return &progressWriter{f: f, buf: bufio.NewWriter(f)}, nil
}

func (w *progressWriter) record(tag byte, id int64) {
	_ = w.buf.WriteByte(tag)
	_ = w.buf.WriteByte(' ')
	_, _ = w.buf.WriteString(strconv.FormatInt(id, 10))
	_ = w.buf.WriteByte('\n')
}

func (w *progressWriter) flush() error { return w.buf.Flush() }

func (w *progressWriter) close() error {
	err := w.buf.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// edgeWriter appends "src<TAB>dst<TAB>weight" lines to the edge file.
type edgeWriter struct {
	f       *os.File
	buf     *bufio.Writer
	scratch []byte
}

func newEdgeWriter(path string, truncate bool) (*edgeWriter, error) {
	f, err := openAppend(path, truncate)
	if err != nil {
		return nil, fmt.Errorf("open edge file: %w", err)
	}
	return &edgeWriter{f: f, buf: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (w *edgeWriter) write(src, dst int64, weight float64) {
	b := w.scratch[:0]
	b = strconv.AppendInt(b, src, 10)
	b = append(b, '\t')
	b = strconv.AppendInt(b, dst, 10)
	b = append(b, '\t')
	b = strconv.AppendFloat(b, weight, 'g', -1, 64)
	b = append(b, '\n')
	w.scratch = b
	_, _ = w.buf.Write(b)
}

func (w *edgeWriter) flush() error { return w.buf.Flush() }

func (w *edgeWriter) close() error {
	err := w.buf.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Edge is one line of a partition's edge file.
type Edge struct {
	Src, Dst int64
	Weight   float64
}

// ReadEdges streams a partition's edge file to fn. Malformed lines are
// skipped.
func ReadEdges(path string, fn func(Edge)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open edge file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := bytes.Split(scanner.Bytes(), []byte{'\t'})
		if len(fields) != 3 {
			continue
		}
		src, err1 := strconv.ParseInt(string(fields[0]), 10, 64)
		dst, err2 := strconv.ParseInt(string(fields[1]), 10, 64)
		w, err3 := strconv.ParseFloat(string(fields[2]), 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		fn(Edge{Src: src, Dst: dst, Weight: w})
	}
	return scanner.Err()
}

// Addition is one entry of a partition's addition queue: node ids ceded to
// it by a partition the resolver terminated.
type Addition struct {
	From      int64     `json:"from"`
	Nodes     []int64   `json:"nodes"`
	Timestamp time.Time `json:"ts"`
}

// AppendAddition appends a to the addition queue at path as one JSON line
// with a single O_APPEND write.
func AppendAddition(path string, a Addition) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal addition: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open addition queue: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("append addition: %w", err)
	}
	return f.Close()
}

// ReadAdditions reads the complete entries of the addition queue starting
// at byte offset and returns them with the offset just past the last
// complete line. A missing queue is empty.
func ReadAdditions(path string, offset int64) ([]Addition, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open addition queue: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek addition queue: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("read addition queue: %w", err)
	}
	complete := bytes.LastIndexByte(data, '\n') + 1
	data = data[:complete]

	var out []Addition
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var a Addition
		if err := json.Unmarshal(line, &a); err != nil {
			// Skip malformed lines rather than failing entirely
			continue
		}
		out = append(out, a)
	}
	return out, offset + int64(complete), nil
}

// PendingAdditions returns the queued node ids not contained in have.
func PendingAdditions(path string, have map[int64]struct{}) ([]int64, error) {
	entries, _, err := ReadAdditions(path, 0)
	if err != nil {
		return nil, err
	}
	var pending []int64
	seen := make(map[int64]struct{})
	for _, a := range entries {
		for _, id := range a.Nodes {
			if _, ok := have[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			pending = append(pending, id)
		}
	}
	return pending, nil
}
