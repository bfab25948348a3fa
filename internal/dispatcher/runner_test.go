package dispatcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

func TestExecRunnerArgv(t *testing.T) {
	r, err := NewExecRunner("mcl", []string{"{{.Input}}", "--abc", "-I", "{{.Inflation}}", "-te", "{{.Threads}}", "-o", "{{.Output}}"})
	if err != nil {
		t.Fatalf("NewExecRunner: %v", err)
	}
	argv, err := r.Argv(Invocation{Input: "m.abc", Output: "c.txt", Inflation: 1.4, Threads: 4})
	if err != nil {
		t.Fatalf("Argv: %v", err)
	}
	want := []string{"m.abc", "--abc", "-I", "1.4", "-te", "4", "-o", "c.txt"}
	if diff := cmp.Diff(want, argv); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestNewExecRunnerRejectsBadTemplate(t *testing.T) {
	_, err := NewExecRunner("mcl", []string{"{{.Input"})
	if !apperrors.Is(err, apperrors.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestExecRunnerArgvUnknownField(t *testing.T) {
	r, err := NewExecRunner("mcl", []string{"{{.Matrix}}"})
	if err != nil {
		t.Fatalf("NewExecRunner: %v", err)
	}
	_, err = r.Argv(Invocation{Input: "m.abc"})
	if !apperrors.Is(err, apperrors.ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("argv expansion failure should not be retryable")
	}
	if err := r.Run(context.Background(), Invocation{Input: "m.abc"}); apperrors.IsRetryable(err) {
		t.Errorf("Run() = %v, want a non-retryable error", err)
	}
}

func TestExecRunnerRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tmp := t.TempDir()
	input := filepath.Join(tmp, "matrix.abc")
	if err := os.WriteFile(input, []byte("0\t1\t1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("success", func(t *testing.T) {
		r, _ := NewExecRunner("sh", []string{"-c", "cp {{.Input}} {{.Output}}"})
		out := filepath.Join(tmp, "ok.txt")
		if err := r.Run(context.Background(), Invocation{Seed: 1, Input: input, Output: out}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if _, err := os.Stat(out); err != nil {
			t.Errorf("output missing: %v", err)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		r, _ := NewExecRunner("sh", []string{"-c", "echo boom; exit 3"})
		err := r.Run(context.Background(), Invocation{Seed: 7, Input: input, Output: filepath.Join(tmp, "x")})
		if !apperrors.Is(err, apperrors.ErrToolFailed) {
			t.Fatalf("error = %v, want ErrToolFailed", err)
		}
		var terr *apperrors.ToolError
		if !apperrors.As(err, &terr) {
			t.Fatalf("error %T is not a ToolError", err)
		}
		if terr.ExitCode != 3 || terr.Seed != 7 || !strings.Contains(terr.Output, "boom") {
			t.Errorf("ToolError = %+v", terr)
		}
		if !apperrors.IsRetryable(err) {
			t.Error("tool failure should be retryable")
		}
	})

	t.Run("missing output", func(t *testing.T) {
		r, _ := NewExecRunner("sh", []string{"-c", "true"})
		err := r.Run(context.Background(), Invocation{Seed: 2, Input: input, Output: filepath.Join(tmp, "never")})
		if !apperrors.Is(err, apperrors.ErrToolOutputMissing) {
			t.Errorf("error = %v, want ErrToolOutputMissing", err)
		}
	})
}
