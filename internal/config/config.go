package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete subclust configuration
type Config struct {
	Input     InputConfig     `mapstructure:"input"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Partition PartitionConfig `mapstructure:"partition"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Output    OutputConfig    `mapstructure:"output"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// InputConfig names the graph to partition or the scratch directory to resume.
type InputConfig struct {
	// Graph is the path of the row dump ("nodeId<TAB>selfCount<TAB>nbr:weight ...")
	Graph string `mapstructure:"graph"`
	// Resume is the scratch directory of a prior run to continue
	Resume string `mapstructure:"resume"`
	// Relabel is an optional "dumpId<TAB>originalId" table applied to the final output
	Relabel string `mapstructure:"relabel"`
	// Scratch overrides the scratch directory of a fresh run (default: <output.dir>/subclust-scratch)
	Scratch string `mapstructure:"scratch"`
}

// GraphConfig controls how edges are interpreted during expansion
type GraphConfig struct {
	// Symmetric means every edge is listed in both endpoint rows (default: true).
	// When false an edge also implies its reverse during expansion.
	Symmetric bool `mapstructure:"symmetric"`
}

// PartitionConfig controls the partition scheduler and its workers
type PartitionConfig struct {
	// Concurrency is the total process budget; the worker pool gets Concurrency-1 slots
	Concurrency int `mapstructure:"concurrency"`
	// PollIntervalMs bounds how long the scheduler sleeps between liveness checks
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// ScanIntervalMs is an optional pause between worker scans (default: 0)
	ScanIntervalMs int `mapstructure:"scan_interval_ms"`
	// ShuffleSeed seeds the queue shuffle; 0 uses the current time
	ShuffleSeed int64 `mapstructure:"shuffle_seed"`
	// Launcher selects how workers run: "process" (default) or "inprocess"
	Launcher string `mapstructure:"launcher"`
}

// ClusterConfig controls the cluster dispatcher and the external tool
type ClusterConfig struct {
	// Enabled runs the dispatcher alongside the scheduler (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Inflation is passed through to the tool; required when Enabled
	Inflation float64 `mapstructure:"inflation"`
	// Tool is the executable name or path (default: "mcl")
	Tool string `mapstructure:"tool"`
	// Args is the argv template; {{.Input}}, {{.Output}}, {{.Inflation}} and {{.Threads}} are expanded
	Args []string `mapstructure:"args"`
	// Processes is the dispatcher pool size (default: 2)
	Processes int `mapstructure:"processes"`
	// Threads is passed to the tool through {{.Threads}} (default: 1)
	Threads int `mapstructure:"threads"`
	// Retries is the number of extra attempts after a failed invocation (default: 0)
	Retries int `mapstructure:"retries"`
	// PollIntervalMs bounds the fallback rescan of frozen/ (default: 500)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// OutputConfig controls the final output and scratch disposal
type OutputConfig struct {
	// Dir receives clusters.tsv.gz (and clusters.mtx)
	Dir string `mapstructure:"dir"`
	// Matrix also writes a Matrix Market pattern file
	Matrix bool `mapstructure:"matrix"`
	// Scratch is the disposal policy after aggregation: "keep", "delete" or "archive"
	Scratch string `mapstructure:"scratch"`
	// ArchiveExclude lists glob patterns (relative to the scratch dir) left out of the archive
	ArchiveExclude []string `mapstructure:"archive_exclude"`
}

// LoggingConfig controls the run log
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Verbose raises the level to debug and mirrors records to stderr
	Verbose bool `mapstructure:"verbose"`
	// MaxSizeMB is the size at which subclust.log rotates (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated logs to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// MetricsConfig controls the prometheus textfile export
type MetricsConfig struct {
	// Textfile is the path metrics are written to at the end of each stage; empty disables
	Textfile string `mapstructure:"textfile"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Graph: GraphConfig{
			Symmetric: true,
		},
		Partition: PartitionConfig{
			Concurrency:    runtime.NumCPU(),
			PollIntervalMs: 500,
			ScanIntervalMs: 0,
			ShuffleSeed:    0,
			Launcher:       LauncherProcess,
		},
		Cluster: ClusterConfig{
			Enabled:        true,
			Tool:           "mcl",
			Args:           DefaultToolArgs(),
			Processes:      2,
			Threads:        1,
			Retries:        0,
			PollIntervalMs: 500,
		},
		Output: OutputConfig{
			Dir:            ".",
			Matrix:         false,
			Scratch:        ScratchKeep,
			ArchiveExclude: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// DefaultToolArgs is the argv template for mcl reading a label-free edge list.
func DefaultToolArgs() []string {
	return []string{"{{.Input}}", "--abc", "-I", "{{.Inflation}}", "-te", "{{.Threads}}", "-o", "{{.Output}}"}
}

// Launcher values
const (
	LauncherProcess   = "process"
	LauncherInProcess = "inprocess"
)

// Scratch disposal policies
const (
	ScratchKeep    = "keep"
	ScratchDelete  = "delete"
	ScratchArchive = "archive"
)

// PoolSize is the number of concurrent partition workers.
func (c *PartitionConfig) PoolSize() int {
	return max(1, c.Concurrency-1)
}

// PollInterval returns the scheduler poll fallback as a time.Duration
func (c *PartitionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ScanInterval returns the pause between worker scans as a time.Duration
func (c *PartitionConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMs) * time.Millisecond
}

// PollInterval returns the dispatcher poll fallback as a time.Duration
func (c *ClusterConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// EffectiveLevel is the log level after applying Verbose.
func (c *LoggingConfig) EffectiveLevel() string {
	if c.Verbose {
		return "debug"
	}
	return c.Level
}

// ScratchDir returns the scratch directory this configuration works in.
// A resume directory wins over a fresh scratch location.
func (c *Config) ScratchDir() string {
	if c.Input.Resume != "" {
		return c.Input.Resume
	}
	if c.Input.Scratch != "" {
		return c.Input.Scratch
	}
	return filepath.Join(c.Output.Dir, "subclust-scratch")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Input defaults
	viper.SetDefault("input.graph", defaults.Input.Graph)
	viper.SetDefault("input.resume", defaults.Input.Resume)
	viper.SetDefault("input.relabel", defaults.Input.Relabel)
	viper.SetDefault("input.scratch", defaults.Input.Scratch)

	// Graph defaults
	viper.SetDefault("graph.symmetric", defaults.Graph.Symmetric)

	// Partition defaults
	viper.SetDefault("partition.concurrency", defaults.Partition.Concurrency)
	viper.SetDefault("partition.poll_interval_ms", defaults.Partition.PollIntervalMs)
	viper.SetDefault("partition.scan_interval_ms", defaults.Partition.ScanIntervalMs)
	viper.SetDefault("partition.shuffle_seed", defaults.Partition.ShuffleSeed)
	viper.SetDefault("partition.launcher", defaults.Partition.Launcher)

	// Cluster defaults
	viper.SetDefault("cluster.enabled", defaults.Cluster.Enabled)
	viper.SetDefault("cluster.inflation", defaults.Cluster.Inflation)
	viper.SetDefault("cluster.tool", defaults.Cluster.Tool)
	viper.SetDefault("cluster.args", defaults.Cluster.Args)
	viper.SetDefault("cluster.processes", defaults.Cluster.Processes)
	viper.SetDefault("cluster.threads", defaults.Cluster.Threads)
	viper.SetDefault("cluster.retries", defaults.Cluster.Retries)
	viper.SetDefault("cluster.poll_interval_ms", defaults.Cluster.PollIntervalMs)

	// Output defaults
	viper.SetDefault("output.dir", defaults.Output.Dir)
	viper.SetDefault("output.matrix", defaults.Output.Matrix)
	viper.SetDefault("output.scratch", defaults.Output.Scratch)
	viper.SetDefault("output.archive_exclude", defaults.Output.ArchiveExclude)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.verbose", defaults.Logging.Verbose)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Metrics defaults
	viper.SetDefault("metrics.textfile", defaults.Metrics.Textfile)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "subclust")
	}
	// Fall back to ~/.config/subclust
	home, err := os.UserHomeDir()
	if err != nil {
		return ".subclust"
	}
	return filepath.Join(home, ".config", "subclust")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
