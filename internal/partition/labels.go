package partition

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Iron-Ham/subclust/internal/scratch"
)

// WriteLabels writes the label table of a partition: one "index<TAB>nodeId"
// line per member, where index is the member's position in ids.
func WriteLabels(path string, ids []int64) error {
	return scratch.WriteAtomic(path, func(w io.Writer) error {
		for i, id := range ids {
			if _, err := fmt.Fprintf(w, "%d\t%d\n", i, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadLabels reads a label table into an index → node id slice.
func ReadLabels(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer func() { _ = f.Close() }()

	var ids []int64
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		idx, node, ok := strings.Cut(sc.Text(), "\t")
		if !ok {
			return nil, fmt.Errorf("%s:%d: malformed label line", path, line)
		}
		i, err1 := strconv.Atoi(idx)
		id, err2 := strconv.ParseInt(node, 10, 64)
		if err1 != nil || err2 != nil || i != len(ids) {
			return nil, fmt.Errorf("%s:%d: malformed label line", path, line)
		}
		ids = append(ids, id)
	}
	return ids, sc.Err()
}
