package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/subclust/internal/config"
	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "subclust",
	Short: "Partition a large graph into components and cluster each one",
	Long: `Subclust discovers the connected components of a graph stored as a flat
row dump, using a pool of partition worker processes coordinated through a
scratch directory, and runs an external clustering tool (mcl by default) on
every component as soon as it is complete. The per-component results are
merged into one clustering that covers every node of the input.

A run can be interrupted at any time and continued with --resume.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// FormatError renders err for the terminal, prefixed with its severity.
// Errors that are not user facing also point at the run log.
func FormatError(err error) string {
	sev := apperrors.GetSeverity(err)
	if apperrors.IsUserFacing(err) {
		return fmt.Sprintf("subclust: %s: %v", sev, err)
	}
	return fmt.Sprintf("subclust: %s: unexpected failure: %v\nrerun with --verbose or see the run log under the scratch directory", sev, err)
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/subclust/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log at debug level and mirror the run log to stderr")
	rootCmd.PersistentFlags().String("log-level", "", "minimum log level (debug/info/warn/error)")
	bindPersistentFlags()
}

func bindPersistentFlags() {
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SUBCLUST")
	// e.g. SUBCLUST_CLUSTER_INFLATION for cluster.inflation
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
