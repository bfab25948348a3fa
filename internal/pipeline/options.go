package pipeline

import (
	"io"

	"github.com/Iron-Ham/subclust/internal/dispatcher"
	"github.com/Iron-Ham/subclust/internal/event"
	"github.com/Iron-Ham/subclust/internal/logging"
	"github.com/Iron-Ham/subclust/internal/scheduler"
)

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	stages     Stage
	launcher   scheduler.Launcher
	runner     dispatcher.Runner
	logger     *logging.Logger
	mirror     io.Writer
	bus        *event.Bus
	executable string
}

// WithStages restricts the run to the given stages. The default is StageAll.
func WithStages(s Stage) Option {
	return func(o *options) {
		o.stages = s
	}
}

// WithLauncher replaces the launcher selected by partition.launcher.
func WithLauncher(l scheduler.Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// WithRunner replaces the exec runner built from cluster.tool and cluster.args.
func WithRunner(r dispatcher.Runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// WithLogger logs to l instead of <scratch>/subclust.log. The caller keeps
// ownership of l.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMirror copies every record of the run log to w.
func WithMirror(w io.Writer) Option {
	return func(o *options) {
		o.mirror = w
	}
}

// WithBus publishes run events on b instead of a private bus.
func WithBus(b *event.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithExecutable sets the binary the process launcher re-executes.
func WithExecutable(path string) Option {
	return func(o *options) {
		o.executable = path
	}
}
