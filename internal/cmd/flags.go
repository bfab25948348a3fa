package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/subclust/internal/config"
)

// flagKeys maps stage command flags to configuration keys. Several commands
// share a flag name, so the binding happens when a command runs rather than
// in init, where the last registration would win.
var flagKeys = map[string]string{
	"graph":            "input.graph",
	"resume":           "input.resume",
	"relabel":          "input.relabel",
	"scratch":          "input.scratch",
	"symmetric":        "graph.symmetric",
	"concurrency":      "partition.concurrency",
	"poll-interval-ms": "partition.poll_interval_ms",
	"shuffle-seed":     "partition.shuffle_seed",
	"launcher":         "partition.launcher",
	"inflation":        "cluster.inflation",
	"tool":             "cluster.tool",
	"processes":        "cluster.processes",
	"threads":          "cluster.threads",
	"retries":          "cluster.retries",
	"no-cluster":       "cluster.enabled",
	"output":           "output.dir",
	"matrix":           "output.matrix",
	"scratch-policy":   "output.scratch",
	"metrics-textfile": "metrics.textfile",
}

func addInputFlags(fs *pflag.FlagSet) {
	fs.StringP("graph", "g", "", "input graph row dump (nodeId<TAB>selfCount<TAB>nbr:weight ...)")
	fs.StringP("resume", "r", "", "scratch directory of an earlier run to continue")
	fs.String("scratch", "", "scratch directory for a fresh run (default <output>/subclust-scratch)")
}

func addPartitionFlags(fs *pflag.FlagSet) {
	fs.Bool("symmetric", true, "every edge is listed in both endpoint rows")
	fs.IntP("concurrency", "j", 0, "total process budget; the worker pool gets one less (default: CPU count)")
	fs.Int("poll-interval-ms", 0, "scheduler liveness poll fallback in milliseconds")
	fs.Int64("shuffle-seed", 0, "seed for the partition queue shuffle (0 = clock)")
	fs.String("launcher", "", "how partition workers run: process or inprocess")
}

func addClusterFlags(fs *pflag.FlagSet) {
	fs.Float64P("inflation", "I", 0, "inflation parameter passed to the clustering tool")
	fs.String("tool", "", "clustering tool executable (default mcl)")
	fs.Int("processes", 0, "concurrent clustering tool invocations")
	fs.Int("threads", 0, "threads passed to each tool invocation")
	fs.Int("retries", 0, "extra attempts after a failed tool invocation")
}

func addOutputFlags(fs *pflag.FlagSet) {
	fs.StringP("output", "o", "", "output directory")
	fs.String("relabel", "", "optional dumpId<TAB>originalId table applied to the listing")
	fs.Bool("matrix", false, "also write clusters.mtx in Matrix Market format")
	fs.String("scratch-policy", "", "scratch directory after aggregation: keep, delete or archive")
	fs.String("metrics-textfile", "", "write prometheus metrics to this file")
}

// bindFlags binds the flags cmd defines to their configuration keys. Only
// flags set on the command line override the config file and environment.
func bindFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed {
			return
		}
		if f.Name == "no-cluster" {
			viper.Set(key, f.Value.String() != "true")
			return
		}
		viper.Set(key, f.Value.String())
	})
}

// loadConfig binds cmd's flags and loads the validated configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	bindFlags(cmd)
	return config.Load()
}
