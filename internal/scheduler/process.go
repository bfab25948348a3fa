package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/Iron-Ham/subclust/internal/scratch"
)

// WorkerCommand is the hidden subcommand a ProcessLauncher re-executes.
const WorkerCommand = "partition-worker"

// ProcessLauncher runs each worker as a child process of the current
// executable in its own process group, so a kill takes down anything the
// worker spawned. Worker output goes to the partition's worker.log.
type ProcessLauncher struct {
	// Executable defaults to os.Executable().
	Executable   string
	Dir          scratch.Dir
	Symmetric    bool
	ScanInterval time.Duration
	LogLevel     string
}

// Args returns the worker command line for seed.
func (l *ProcessLauncher) Args(seed int64, resume bool) []string {
	args := []string{
		WorkerCommand,
		"--scratch", l.Dir.Root(),
		"--seed", strconv.FormatInt(seed, 10),
		"--symmetric=" + strconv.FormatBool(l.Symmetric),
		"--scan-interval-ms", strconv.FormatInt(l.ScanInterval.Milliseconds(), 10),
	}
	if l.LogLevel != "" {
		args = append(args, "--log-level", l.LogLevel)
	}
	if resume {
		args = append(args, "--resume")
	}
	return args
}

// Launch implements Launcher. The child is not tied to ctx; the scheduler
// kills it explicitly.
func (l *ProcessLauncher) Launch(_ context.Context, seed int64, resume bool) (Handle, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}

	if err := os.MkdirAll(l.Dir.Partition(seed), 0o755); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}
	logFile, err := os.OpenFile(l.Dir.PartitionFile(seed, scratch.WorkerLogFile),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}

	cmd := exec.Command(exe, l.Args(seed, resume)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = processGroupAttr()

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start worker for seed %d: %w", seed, err)
	}

	h := &processHandle{seed: seed, cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = cmd.Wait()
		_ = logFile.Close()
	}()
	return h, nil
}

type processHandle struct {
	seed int64
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *processHandle) Seed() int64           { return h.seed }
func (h *processHandle) PID() int              { return h.cmd.Process.Pid }
func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *processHandle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := killProcessGroup(h.cmd.Process); err != nil {
		return fmt.Errorf("kill worker %d: %w", h.seed, err)
	}
	<-h.done
	return nil
}
