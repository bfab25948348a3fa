package cmd

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/subclust/internal/config"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [scratch-dir]",
	Short: "Show the progress of a run",
	Long: `Show the progress recorded in a scratch directory: how many nodes are
recorded, which partitions are still expanding, how many frozen partitions
have been clustered, and the warnings and errors in the run log.

Works while the run is in progress. Without an argument the scratch
directory is taken from the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root := ""
	if len(args) > 0 {
		root = args[0]
	} else {
		cfg := config.Default()
		if err := viper.Unmarshal(cfg); err != nil {
			return err
		}
		root = cfg.ScratchDir()
	}

	snap, err := pipeline.Inspect(root)
	if err != nil {
		return err
	}
	entries, err := logging.ReadEntries(root)
	if err != nil {
		entries = nil
	}
	renderSnapshot(newPrinter(cmd.OutOrStdout()), root, snap, entries)
	return nil
}

func renderSnapshot(p *printer, root string, snap *pipeline.Snapshot, entries []logging.LogEntry) {
	m := snap.Manifest
	p.title("run")
	p.row("Run", m.RunID)
	p.row("Scratch", root)
	p.row("Input", m.Input)
	p.row("Started", m.Created.Local().Format("2006-01-02 15:04:05"))
	if m.Resumes > 0 {
		p.row("Resumes", m.Resumes)
	}
	switch {
	case snap.Running:
		p.styledRow("State", "running", okStyle)
	case snap.Done:
		p.styledRow("State", "partitioning finished", okStyle)
	default:
		p.styledRow("State", "stopped (resume to continue)", warnStyle)
	}

	p.title("partitioning")
	covered := snap.Recorded + m.Zeros
	if m.Nodes > 0 {
		p.row("Recorded", fmt.Sprintf("%d / %d nodes (%.1f%%, %d isolated)",
			covered, m.Nodes, 100*float64(covered)/float64(m.Nodes), m.Zeros))
	}
	p.row("Partitions", snap.Seeds)
	p.row("Rows remaining", snap.RowsRemaining)
	p.row("Expanding", len(snap.Active))
	p.row("Merged away", snap.States[partition.StateMergedAway])
	p.styledRow("Aborted", snap.States[partition.StateAborted],
		countStyle(snap.States[partition.StateAborted], warnStyle))

	slices.SortFunc(snap.Active, func(a, b *partition.Status) int { return b.HitCount - a.HitCount })
	for i, st := range snap.Active {
		if i == 5 {
			p.row("  …", fmt.Sprintf("%d more", len(snap.Active)-5))
			break
		}
		age := ""
		if !st.StartedAt.IsZero() {
			age = time.Since(st.StartedAt).Round(time.Second).String()
		}
		p.row(fmt.Sprintf("  seed %d", st.Seed), fmt.Sprintf("%d hits, %d scans %s", st.HitCount, st.Scans, age))
	}

	p.title("clustering")
	p.row("Clustered", fmt.Sprintf("%d / %d frozen partitions", snap.Clustered, snap.Frozen))

	if len(entries) == 0 {
		return
	}
	counts := logging.CountByLevel(entries)
	p.title("log")
	p.styledRow("Warnings", counts[logging.LevelWarn], countStyle(counts[logging.LevelWarn], warnStyle))
	p.styledRow("Errors", counts[logging.LevelError], countStyle(counts[logging.LevelError], errorStyle))
	problems := logging.FilterEntries(entries, logging.LogFilter{Level: logging.LevelWarn})
	if n := len(problems); n > 3 {
		problems = problems[n-3:]
	}
	for _, e := range problems {
		style := warnStyle
		if e.Level == logging.LevelError {
			style = errorStyle
		}
		p.styledRow(e.Timestamp.Local().Format("15:04:05"), e.Message, style)
	}
}
