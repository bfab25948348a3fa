package dispatcher

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// MatrixStats describes a prepared partition matrix.
type MatrixStats struct {
	Members int
	Edges   int
}

type pair struct{ a, b int }

// PrepareMatrix writes the label table and the label-free edge list of a
// frozen partition. Members are the recorded hits from status.json, indexed
// in ascending id order. Only edges whose endpoints are both members are
// kept; each unordered pair appears once with the largest weight seen.
func PrepareMatrix(dir scratch.Dir, seed int64) (MatrixStats, error) {
	st, err := partition.ReadStatus(dir, seed)
	if err != nil {
		return MatrixStats{}, err
	}
	members := slices.Clone(st.Hits)
	slices.Sort(members)

	index := make(map[int64]int, len(members))
	for i, id := range members {
		index[id] = i
	}

	weights := make(map[pair]float64)
	err = partition.ReadEdges(dir.PartitionFile(seed, scratch.EdgesFile), func(e partition.Edge) {
		i, ok1 := index[e.Src]
		j, ok2 := index[e.Dst]
		if !ok1 || !ok2 || i == j {
			return
		}
		if i > j {
			i, j = j, i
		}
		k := pair{i, j}
		if w, seen := weights[k]; !seen || e.Weight > w {
			weights[k] = e.Weight
		}
	})
	if err != nil {
		return MatrixStats{}, err
	}

	if err := partition.WriteLabels(dir.PartitionFile(seed, scratch.LabelsFile), members); err != nil {
		return MatrixStats{}, err
	}

	keys := make([]pair, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y pair) int {
		if c := cmp.Compare(x.a, y.a); c != 0 {
			return c
		}
		return cmp.Compare(x.b, y.b)
	})

	err = scratch.WriteAtomic(dir.PartitionFile(seed, scratch.MatrixFile), func(w io.Writer) error {
		buf := make([]byte, 0, 64)
		for _, k := range keys {
			buf = buf[:0]
			buf = strconv.AppendInt(buf, int64(k.a), 10)
			buf = append(buf, '\t')
			buf = strconv.AppendInt(buf, int64(k.b), 10)
			buf = append(buf, '\t')
			buf = strconv.AppendFloat(buf, weights[k], 'g', -1, 64)
			buf = append(buf, '\n')
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return MatrixStats{}, fmt.Errorf("write matrix for seed %d: %w", seed, err)
	}
	return MatrixStats{Members: len(members), Edges: len(keys)}, nil
}
