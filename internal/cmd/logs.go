package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/subclust/internal/config"
	"github.com/Iron-Ham/subclust/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs [scratch-dir]",
	Short: "View the run log of a scratch directory",
	Long: `View and filter the run log (subclust.log) of a scratch directory.

Examples:
  # Last 50 records
  subclust logs out/subclust-scratch

  # Warnings and errors of the clustering stage
  subclust logs --level warn --stage cluster

  # Everything about one partition in the last hour
  subclust logs --seed 42 --since 1h -n 0`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var (
	logsTail  int
	logsLevel string
	logsStage string
	logsSeed  int64
	logsSince string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of records to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsStage, "stage", "", "Filter by stage (partition/resolve/cluster/aggregate)")
	logsCmd.Flags().Int64Var(&logsSeed, "seed", 0, "Filter by partition seed")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show records since duration ago (e.g., 1h, 30m)")
}

func runLogs(cmd *cobra.Command, args []string) error {
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

	filter := logging.LogFilter{
		Level:   logsLevel,
		Stage:   logsStage,
		Seed:    logsSeed,
		HasSeed: cmd.Flags().Changed("seed"),
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	entries, err := logging.ReadEntries(root)
	if err != nil {
		return err
	}
	entries = logging.FilterEntries(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	p := newPrinter(cmd.OutOrStdout())
	for _, e := range entries {
		writeEntry(p, e)
	}
	return nil
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case logging.LevelWarn:
		return warnStyle
	case logging.LevelError:
		return errorStyle
	case logging.LevelDebug:
		return labelStyle
	default:
		return okStyle
	}
}

// writeEntry formats one record as "[time] [LEVEL] message key=value ...".
func writeEntry(p *printer, e logging.LogEntry) {
	var sb strings.Builder
	sb.WriteString(p.render(labelStyle, "["+e.Timestamp.Local().Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(p.render(levelStyle(e.Level), "["+e.Level+"]"))
	sb.WriteString(" ")
	sb.WriteString(e.Message)
	if e.Stage != "" {
		sb.WriteString(" " + p.render(labelStyle, "stage=") + e.Stage)
	}
	if e.HasSeed {
		sb.WriteString(fmt.Sprintf(" %s%d", p.render(labelStyle, "seed="), e.Seed))
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s%v", p.render(labelStyle, k+"="), e.Attrs[k]))
	}
	_, _ = io.WriteString(p.w, sb.String()+"\n")
}
