package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/partition"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Handle is a running partition worker.
type Handle interface {
	Seed() int64
	// PID is the worker's process id (the scheduler's own for in-process
	// workers).
	PID() int
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err is the worker's exit error. It is only meaningful after Done.
	Err() error
	// Kill stops the worker and returns once it has exited.
	Kill() error
}

// Launcher starts partition workers. A fresh launch starts from the seed
// alone; a resumed launch replays the partition's progress file first.
type Launcher interface {
	Launch(ctx context.Context, seed int64, resume bool) (Handle, error)
}

// InProcessLauncher runs workers as goroutines in the current process. It
// is used by tests and by the inprocess launcher setting.
type InProcessLauncher struct {
	Dir          scratch.Dir
	Symmetric    bool
	ScanInterval time.Duration
	Logger       *logging.Logger
}

// Launch implements Launcher.
func (l *InProcessLauncher) Launch(ctx context.Context, seed int64, resume bool) (Handle, error) {
	wctx, cancel := context.WithCancel(ctx)
	h := &goroutineHandle{seed: seed, cancel: cancel, done: make(chan struct{})}
	w := partition.NewWorker(partition.Options{
		Dir:          l.Dir,
		Seed:         seed,
		Symmetric:    l.Symmetric,
		ScanInterval: l.ScanInterval,
		Resume:       resume,
		Logger:       l.Logger,
	})
	go func() {
		defer close(h.done)
		_, h.err = w.Run(wctx)
	}()
	return h, nil
}

type goroutineHandle struct {
	seed   int64
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *goroutineHandle) Seed() int64           { return h.seed }
func (h *goroutineHandle) PID() int              { return os.Getpid() }
func (h *goroutineHandle) Done() <-chan struct{} { return h.done }

func (h *goroutineHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *goroutineHandle) Kill() error {
	h.cancel()
	<-h.done
	return nil
}
