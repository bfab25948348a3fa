package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/subclust/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify subclust configuration",
	Long: `View or modify subclust configuration.

Without arguments, displays the effective configuration (defaults, config
file, SUBCLUST_* environment variables and flags merged).`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  subclust config set partition.concurrency 16
  subclust config set cluster.inflation 1.4
  subclust config set output.scratch archive`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// parseValue converts a command-line value to the type of the key's default.
func parseValue(key, value string) (any, error) {
	switch def := viper.Get(key).(type) {
	case nil:
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	case bool:
		return strconv.ParseBool(value)
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case int64:
		return strconv.ParseInt(value, 10, 64)
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	case []string:
		if value == "" {
			return []string{}, nil
		}
		return strings.Split(value, ","), nil
	case string:
		return value, nil
	default:
		return nil, fmt.Errorf("cannot set %s (type %T) from the command line", key, def)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	typed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		return err
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file := config.ConfigFile()
	if err := viper.WriteConfigAs(file); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, typed, file)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	file := config.ConfigFile()
	if _, err := os.Stat(file); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'subclust config set' to modify values", file)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(defaultSettings())
	if err != nil {
		return err
	}
	header := "# subclust configuration\n# Every key can also be set with a SUBCLUST_<SECTION>_<KEY> environment variable.\n\n"
	if err := os.WriteFile(file, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", file)
	return nil
}

// defaultSettings is the default configuration as a nested key map.
func defaultSettings() map[string]any {
	v := viper.New()
	d := config.Default()
	for key, val := range map[string]any{
		"graph.symmetric":            d.Graph.Symmetric,
		"partition.concurrency":      d.Partition.Concurrency,
		"partition.poll_interval_ms": d.Partition.PollIntervalMs,
		"partition.scan_interval_ms": d.Partition.ScanIntervalMs,
		"partition.shuffle_seed":     d.Partition.ShuffleSeed,
		"partition.launcher":         d.Partition.Launcher,
		"cluster.enabled":            d.Cluster.Enabled,
		"cluster.inflation":          d.Cluster.Inflation,
		"cluster.tool":               d.Cluster.Tool,
		"cluster.args":               d.Cluster.Args,
		"cluster.processes":          d.Cluster.Processes,
		"cluster.threads":            d.Cluster.Threads,
		"cluster.retries":            d.Cluster.Retries,
		"output.dir":                 d.Output.Dir,
		"output.matrix":              d.Output.Matrix,
		"output.scratch":             d.Output.Scratch,
		"logging.level":              d.Logging.Level,
		"logging.max_size_mb":        d.Logging.MaxSizeMB,
		"logging.max_backups":        d.Logging.MaxBackups,
	} {
		v.Set(key, val)
	}
	return v.AllSettings()
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, config.ConfigFile())
	if used := viper.ConfigFileUsed(); used != "" && used != config.ConfigFile() {
		fmt.Fprintf(out, "(currently using: %s)\n", used)
	}
	return nil
}
