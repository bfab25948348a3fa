package aggregate

import (
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/Iron-Ham/subclust/internal/scratch"
)

// WriteListing writes the gzip-compressed "clusterId<TAB>nodeId" listing.
// Cluster ids are assigned in order starting at 0. Node ids go through
// relabel when it is non-nil; ids it does not know are written unchanged
// and counted.
func WriteListing(path string, clusters [][]int64, relabel *Relabel) (int, error) {
	unmapped := 0
	err := scratch.WriteAtomic(path, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		buf := make([]byte, 0, 64)
		for cid, members := range clusters {
			for _, id := range members {
				name, ok := relabel.Lookup(id)
				if !ok {
					unmapped++
					name = strconv.FormatInt(id, 10)
				}
				buf = strconv.AppendInt(buf[:0], int64(cid), 10)
				buf = append(buf, '\t')
				buf = append(buf, name...)
				buf = append(buf, '\n')
				if _, err := zw.Write(buf); err != nil {
					return err
				}
			}
		}
		return zw.Close()
	})
	if err != nil {
		return unmapped, fmt.Errorf("write %s: %w", path, err)
	}
	return unmapped, nil
}

// WriteMatrixMarket writes the clustering as a Matrix Market coordinate
// pattern matrix with one row per cluster and one column per dump id
// (1-based). Negative ids cannot be encoded.
func WriteMatrixMarket(path string, clusters [][]int64) error {
	var nnz int
	var cols int64
	for _, members := range clusters {
		for _, id := range members {
			if id < 0 {
				return fmt.Errorf("node id %d cannot be a matrix column", id)
			}
			cols = max(cols, id+1)
		}
		nnz += len(members)
	}

	err := scratch.WriteAtomic(path, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "%%%%MatrixMarket matrix coordinate pattern general\n%d %d %d\n",
			len(clusters), cols, nnz); err != nil {
			return err
		}
		buf := make([]byte, 0, 48)
		for cid, members := range clusters {
			for _, id := range members {
				buf = strconv.AppendInt(buf[:0], int64(cid+1), 10)
				buf = append(buf, ' ')
				buf = strconv.AppendInt(buf, id+1, 10)
				buf = append(buf, '\n')
				if _, err := w.Write(buf); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
