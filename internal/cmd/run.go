package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/subclust/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Partition, cluster and aggregate a graph",
	Long: `Run the whole pipeline: discover the connected components of the input
graph, cluster each component with the external tool while partitioning
continues, and merge the results into <output>/clusters.tsv.gz.

Examples:
  # Fresh run with inflation 2.0 using 8 processes
  subclust run -g graph.tsv -I 2.0 -j 8 -o out

  # Continue an interrupted run
  subclust run -r out/subclust-scratch -I 2.0 -o out`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, pipeline.StageAll)
	},
}

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Only discover and record the connected components",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, pipeline.StagePartition)
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run the clustering tool on the frozen partitions of a scratch directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, pipeline.StageCluster)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Merge per-partition clusters into the final listing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStages(cmd, pipeline.StageAggregate)
	},
}

func init() {
	fs := runCmd.Flags()
	addInputFlags(fs)
	addPartitionFlags(fs)
	addClusterFlags(fs)
	addOutputFlags(fs)
	fs.Bool("no-cluster", false, "stop after partitioning")

	fs = partitionCmd.Flags()
	addInputFlags(fs)
	addPartitionFlags(fs)
	fs.String("metrics-textfile", "", "write prometheus metrics to this file")

	fs = clusterCmd.Flags()
	addInputFlags(fs)
	addClusterFlags(fs)
	fs.String("metrics-textfile", "", "write prometheus metrics to this file")

	fs = aggregateCmd.Flags()
	addInputFlags(fs)
	addOutputFlags(fs)

	rootCmd.AddCommand(runCmd, partitionCmd, clusterCmd, aggregateCmd)
}

func runStages(cmd *cobra.Command, stages pipeline.Stage) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	opts := []pipeline.Option{pipeline.WithStages(stages), pipeline.WithExecutable(exe)}
	if cfg.Logging.Verbose {
		opts = append(opts, pipeline.WithMirror(cmd.ErrOrStderr()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := pipeline.New(cfg, opts...).Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "interrupted; continue with: subclust %s --resume %s\n", cmd.Name(), rep.Scratch)
		}
		return err
	}
	renderReport(cmd.OutOrStdout(), rep)
	return nil
}
