package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scheduler"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// workerCmd is the entry point of a partition worker process. The scheduler
// re-executes the subclust binary with this command; it is not meant to be
// run by hand.
var workerCmd = &cobra.Command{
	Use:    scheduler.WorkerCommand,
	Short:  "Internal: expand one partition",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

var (
	workerScratch   string
	workerSeed      int64
	workerSymmetric bool
	workerScanMs    int
	workerLogLevel  string
	workerResume    bool
)

func init() {
	workerCmd.Flags().StringVar(&workerScratch, "scratch", "", "scratch directory")
	workerCmd.Flags().Int64Var(&workerSeed, "seed", 0, "seed node id")
	workerCmd.Flags().BoolVar(&workerSymmetric, "symmetric", true, "every edge is listed in both endpoint rows")
	workerCmd.Flags().IntVar(&workerScanMs, "scan-interval-ms", 0, "pause between scans")
	workerCmd.Flags().StringVar(&workerLogLevel, "log-level", "info", "minimum log level")
	workerCmd.Flags().BoolVar(&workerResume, "resume", false, "continue from the partition's progress file")
	_ = workerCmd.MarkFlagRequired("scratch")
	_ = workerCmd.MarkFlagRequired("seed")
	rootCmd.AddCommand(workerCmd)
}

// runWorker expands the partition and leaves its outcome in status.json.
// Frozen and aborted partitions both exit 0; the scheduler reads the state
// from the status file.
func runWorker(cmd *cobra.Command, _ []string) error {
	// Output is redirected to the partition's worker.log by the launcher.
	logger := logging.NewWriterLogger(cmd.ErrOrStderr(), workerLogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := partition.NewWorker(partition.Options{
		Dir:          scratch.New(workerScratch),
		Seed:         workerSeed,
		Symmetric:    workerSymmetric,
		ScanInterval: time.Duration(workerScanMs) * time.Millisecond,
		Resume:       workerResume,
		Logger:       logger,
	})
	_, err := w.Run(ctx)
	return err
}
