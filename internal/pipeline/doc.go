// Package pipeline drives a subclust run over one scratch directory.
//
// A run has three stages. Partitioning ([StagePartition]) discovers the
// connected components of the input graph with a pool of partition workers
// and records each one in the complete ledger. Clustering ([StageCluster])
// hands every frozen partition to the external tool and runs concurrently
// with partitioning, paced independently by its own pool. Aggregation
// ([StageAggregate]) starts once both have drained and writes the final
// clustering, after which the scratch directory is kept, deleted or
// archived.
//
// The pipeline holds the scratch lock for the whole run, so a second run
// against the same directory fails with ErrScratchLocked instead of
// corrupting the ledger.
//
// # Usage
//
//	p := pipeline.New(cfg, pipeline.WithMirror(os.Stderr))
//	report, err := p.Run(ctx)
package pipeline
