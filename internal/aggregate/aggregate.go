// Package aggregate merges the per-partition cluster files into the final
// clustering. Every node of the input universe ends up in exactly one
// cluster: zero nodes and nodes no cluster covers become singletons.
package aggregate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Output file names.
const (
	ListingFile = "clusters.tsv.gz"
	MatrixFile  = "clusters.mtx"
)

// Options configures an Aggregator.
type Options struct {
	OutputDir string
	// Relabel is an optional "dumpId<TAB>originalId" table.
	Relabel string
	// Matrix also writes a Matrix Market file.
	Matrix bool
	Logger *logging.Logger
	Bus    *event.Bus
}

// Result summarizes the final clustering.
type Result struct {
	Clusters    int
	Nodes       int
	Partitions  int // partitions whose clusters were merged
	Unclustered int // frozen partitions without a cluster file
	Singletons  int // zero nodes
	Repaired    int // uncovered universe nodes added as singletons
	Duplicates  int // repeated memberships dropped
	Unmapped    int // ids missing from the relabel table
	Output      string
	MatrixPath  string
}

// Aggregator builds the final clustering from a scratch directory.
type Aggregator struct {
	dir    scratch.Dir
	opts   Options
	logger *logging.Logger
	bus    *event.Bus
}

// New creates an Aggregator.
func New(dir scratch.Dir, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Aggregator{dir: dir, opts: opts, logger: logger.WithStage("aggregate"), bus: opts.Bus}
}

// Clustering is the flattened, globally numbered cluster list in dump ids.
type Clustering struct {
	Clusters [][]int64
	covered  map[int64]struct{}
}

func (c *Clustering) add(members []int64) {
	if len(members) > 0 {
		c.Clusters = append(c.Clusters, members)
	}
}

// Run merges the cluster files, repairs coverage, and writes the outputs.
func (a *Aggregator) Run(ctx context.Context) (Result, error) {
	var res Result

	var relabel *Relabel
	if a.opts.Relabel != "" {
		var err error
		if relabel, err = LoadRelabel(a.opts.Relabel); err != nil {
			return res, err
		}
		a.logger.Debug("relabel table loaded", "entries", relabel.Len())
	}

	c, err := a.collect(ctx, &res)
	if err != nil {
		return res, err
	}
	if err := a.repair(c, &res); err != nil {
		return res, err
	}

	if err := os.MkdirAll(a.opts.OutputDir, 0o755); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}
	res.Output = filepath.Join(a.opts.OutputDir, ListingFile)
	unmapped, err := WriteListing(res.Output, c.Clusters, relabel)
	if err != nil {
		return res, err
	}
	res.Unmapped = unmapped
	if unmapped > 0 {
		a.logger.Warn("ids missing from relabel table kept as dump ids", "count", unmapped)
	}

	if a.opts.Matrix {
		res.MatrixPath = filepath.Join(a.opts.OutputDir, MatrixFile)
		if err := WriteMatrixMarket(res.MatrixPath, c.Clusters); err != nil {
			return res, err
		}
	}

	res.Clusters = len(c.Clusters)
	res.Nodes = len(c.covered)
	a.logger.Info("aggregation finished", "clusters", res.Clusters, "nodes", res.Nodes,
		"partitions", res.Partitions, "unclustered", res.Unclustered, "singletons", res.Singletons,
		"repaired", res.Repaired, "duplicates", res.Duplicates, "output", res.Output)
	if a.bus != nil {
		a.bus.Publish(event.NewAggregateCompletedEvent(res.Clusters, res.Nodes, res.Singletons, res.Repaired, res.Output))
	}
	return res, nil
}

// collect translates every partition's cluster file into dump ids.
func (a *Aggregator) collect(ctx context.Context, res *Result) (*Clustering, error) {
	c := &Clustering{covered: make(map[int64]struct{})}
	seeds, err := a.dir.FrozenSeeds()
	if err != nil {
		return nil, err
	}
	for _, seed := range seeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := a.dir.PartitionFile(seed, scratch.ClustersFile)
		if _, err := os.Stat(path); err != nil {
			res.Unclustered++
			a.logger.Warn("partition has no clusters", "seed", seed)
			continue
		}
		labels, err := partition.ReadLabels(a.dir.PartitionFile(seed, scratch.LabelsFile))
		if err != nil {
			return nil, err
		}
		if err := a.readClusters(path, seed, labels, c, res); err != nil {
			return nil, err
		}
		res.Partitions++
	}
	return c, nil
}

// readClusters reads one cluster per line of local indices.
func (a *Aggregator) readClusters(path string, seed int64, labels []int64, c *Clustering, res *Result) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open clusters: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 256*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var members []int64
		for _, tok := range strings.Fields(sc.Text()) {
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(labels) {
				a.logger.Warn("unknown label in cluster file", "seed", seed, "line", line, "label", tok)
				continue
			}
			id := labels[idx]
			if _, dup := c.covered[id]; dup {
				res.Duplicates++
				continue
			}
			c.covered[id] = struct{}{}
			members = append(members, id)
		}
		c.add(members)
	}
	if err := sc.Err(); err != nil {
		return apperrors.Wrapf(err, "read clusters of partition %d", seed)
	}
	return nil
}

// repair appends zero nodes and every uncovered universe node as singletons.
func (a *Aggregator) repair(c *Clustering, res *Result) error {
	zeros, err := scratch.ReadIDs(a.dir.Zeros())
	if err != nil {
		return fmt.Errorf("read zero set: %w", err)
	}
	for _, id := range zeros {
		if _, ok := c.covered[id]; ok {
			continue
		}
		c.covered[id] = struct{}{}
		c.add([]int64{id})
		res.Singletons++
	}

	universe, err := scratch.ReadIDs(a.dir.Universe())
	if err != nil {
		return fmt.Errorf("read universe: %w", err)
	}
	for _, id := range universe {
		if _, ok := c.covered[id]; ok {
			continue
		}
		c.covered[id] = struct{}{}
		c.add([]int64{id})
		res.Repaired++
	}
	if res.Repaired > 0 {
		a.logger.Warn("uncovered nodes added as singletons", "count", res.Repaired)
	}
	return nil
}
