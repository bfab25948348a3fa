package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/subclust/internal/pipeline"
)

var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	okColor      = lipgloss.Color("#10B981") // Green
	warnColor    = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle = lipgloss.NewStyle().Foreground(mutedColor)
	okStyle    = lipgloss.NewStyle().Foreground(okColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warnColor)
	errorStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	plainStyle = lipgloss.NewStyle()
)

const labelWidth = 20

// printer writes label/value sections, styled only on a terminal.
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter(w io.Writer) *printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, styled: styled}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) title(text string) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.render(titleStyle, strings.ToUpper(text)))
	fmt.Fprintln(p.w, p.render(labelStyle, strings.Repeat("─", 50)))
}

func (p *printer) row(label string, value any) {
	p.styledRow(label, value, plainStyle)
}

func (p *printer) styledRow(label string, value any, s lipgloss.Style) {
	pad := labelWidth - len(label) - 1
	if pad < 1 {
		pad = 1
	}
	fmt.Fprintf(p.w, "%s%s%s\n",
		p.render(labelStyle, label+":"), strings.Repeat(" ", pad), p.render(s, fmt.Sprint(value)))
}

// countStyle highlights non-zero counts of things that went wrong.
func countStyle(n int, bad lipgloss.Style) lipgloss.Style {
	if n == 0 {
		return plainStyle
	}
	return bad
}

func renderReport(w io.Writer, rep *pipeline.Report) {
	p := newPrinter(w)

	p.title("run")
	p.row("Run", rep.RunID)
	p.row("Scratch", rep.Scratch)
	p.row("Stages", rep.Stages.String())
	if rep.Resumed {
		p.styledRow("Resumed", fmt.Sprintf("%d nodes already recorded in %d partitions",
			rep.Checkpoint.Recorded, rep.Checkpoint.SeedsPresent), warnStyle)
	} else if rep.Build.Rows > 0 {
		p.row("Input", fmt.Sprintf("%d rows, %d nodes, %d isolated", rep.Build.Rows, rep.Build.Universe, len(rep.Build.Zeros)))
	}
	p.row("Duration", rep.Duration.Round(time.Millisecond))

	if rep.Stages.Has(pipeline.StagePartition) {
		s := rep.Partition
		p.title("partitioning")
		p.styledRow("Recorded", s.Frozen, okStyle)
		p.row("Merged away", s.Merged)
		p.row("Resolver runs", fmt.Sprintf("%d (%d terminated)", s.ResolverRuns, s.Terminated))
		p.row("Reactivated", s.Reactivated)
		p.styledRow("Aborted", s.Aborted, countStyle(s.Aborted, warnStyle))
		p.styledRow("Rows remaining", s.RowsRemaining, countStyle(s.RowsRemaining, warnStyle))
	}

	if rep.Stages.Has(pipeline.StageCluster) {
		s := rep.Cluster
		p.title("clustering")
		p.styledRow("Completed", s.Completed, okStyle)
		p.row("Already clustered", s.Skipped)
		p.styledRow("Failed", s.Failed, countStyle(s.Failed, errorStyle))
		if len(s.Failures) > 0 {
			p.styledRow("Failed seeds", formatSeeds(s.Failures, 10), errorStyle)
		}
	}

	if rep.Stages.Has(pipeline.StageAggregate) {
		a := rep.Aggregate
		p.title("output")
		p.styledRow("Clusters", a.Clusters, okStyle)
		p.row("Nodes", a.Nodes)
		p.row("Isolated", a.Singletons)
		p.styledRow("Repaired", a.Repaired, countStyle(a.Repaired, warnStyle))
		p.styledRow("Unclustered parts", a.Unclustered, countStyle(a.Unclustered, warnStyle))
		if a.Unmapped > 0 {
			p.styledRow("Unmapped ids", a.Unmapped, warnStyle)
		}
		p.row("Listing", a.Output)
		if a.MatrixPath != "" {
			p.row("Matrix", a.MatrixPath)
		}
		if rep.Archive != "" {
			p.row("Archive", rep.Archive)
		}
	}
	fmt.Fprintln(w)
}

func formatSeeds(seeds []int64, limit int) string {
	parts := make([]string, 0, min(len(seeds), limit)+1)
	for i, s := range seeds {
		if i == limit {
			parts = append(parts, fmt.Sprintf("… %d more", len(seeds)-limit))
			break
		}
		parts = append(parts, fmt.Sprint(s))
	}
	return strings.Join(parts, ", ")
}
