package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// Invocation is one clustering run over a partition's matrix.
type Invocation struct {
	Seed      int64
	Input     string // matrix.abc
	Output    string // where the tool must write its clusters
	Inflation float64
	Threads   int
}

// Runner invokes the clustering tool.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// ExecRunner runs an external executable with a templated argv.
type ExecRunner struct {
	Tool string
	args []*template.Template
}

// NewExecRunner parses the argv templates. Each argument may reference
// {{.Input}}, {{.Output}}, {{.Inflation}} and {{.Threads}}.
func NewExecRunner(tool string, args []string) (*ExecRunner, error) {
	r := &ExecRunner{Tool: tool}
	for i, a := range args {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, apperrors.NewConfigError(fmt.Sprintf("parse argument %q", a), apperrors.ErrInvalidConfig).
				WithField(fmt.Sprintf("cluster.args[%d]", i))
		}
		r.args = append(r.args, tmpl)
	}
	return r, nil
}

// Argv expands the argument templates for inv.
func (r *ExecRunner) Argv(inv Invocation) ([]string, error) {
	argv := make([]string, 0, len(r.args))
	var sb strings.Builder
	for _, tmpl := range r.args {
		sb.Reset()
		if err := tmpl.Execute(&sb, inv); err != nil {
			return nil, apperrors.NewConfigError(fmt.Sprintf("expand %s: %v", tmpl.Name(), err), apperrors.ErrInvalidConfig).
				WithField("cluster.args")
		}
		argv = append(argv, sb.String())
	}
	return argv, nil
}

// Run implements Runner. A non-zero exit or a missing output file is a
// ToolError carrying the tail of the tool's output.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) error {
	argv, err := r.Argv(inv)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.Tool, argv...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		terr := apperrors.NewToolError(fmt.Sprintf("%s failed", r.Tool), apperrors.Join(apperrors.ErrToolFailed, err)).
			WithSeed(inv.Seed).WithOutput(out.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			terr = terr.WithExitCode(exitErr.ExitCode())
		}
		return terr
	}

	if _, err := os.Stat(inv.Output); err != nil {
		return apperrors.NewToolError(fmt.Sprintf("%s wrote no output", r.Tool), apperrors.ErrToolOutputMissing).
			WithSeed(inv.Seed).WithOutput(out.String())
	}
	return nil
}
