package config

import (
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/gobwas/glob"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "cluster.processes")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is reports ValidationErrors as an invalid configuration so callers can map
// it to an exit code.
func (e ValidationErrors) Is(target error) bool {
	return target == apperrors.ErrInvalidConfig
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLaunchers returns the list of valid partition launchers
func ValidLaunchers() []string {
	return []string{LauncherProcess, LauncherInProcess}
}

// ValidScratchPolicies returns the list of valid scratch disposal policies
func ValidScratchPolicies() []string {
	return []string{ScratchKeep, ScratchDelete, ScratchArchive}
}

// Validate checks the Config for invalid values and returns all validation errors found.
// Cross-field requirements that depend on the command being run are checked
// by RequireInput and RequireInflation.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePartition()...)
	errors = append(errors, c.validateCluster()...)
	errors = append(errors, c.validateOutput()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validatePartition validates the PartitionConfig
func (c *Config) validatePartition() []ValidationError {
	var errors []ValidationError

	if c.Partition.Concurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "partition.concurrency",
			Value:   c.Partition.Concurrency,
			Message: "must be at least 1",
		})
	}
	if c.Partition.PollIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "partition.poll_interval_ms",
			Value:   c.Partition.PollIntervalMs,
			Message: "must be at least 1",
		})
	}
	if c.Partition.ScanIntervalMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "partition.scan_interval_ms",
			Value:   c.Partition.ScanIntervalMs,
			Message: "must be non-negative",
		})
	}
	if !slices.Contains(ValidLaunchers(), c.Partition.Launcher) {
		errors = append(errors, ValidationError{
			Field:   "partition.launcher",
			Value:   c.Partition.Launcher,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLaunchers(), ", ")),
		})
	}

	return errors
}

// validateCluster validates the ClusterConfig
func (c *Config) validateCluster() []ValidationError {
	var errors []ValidationError

	if c.Cluster.Inflation < 0 {
		errors = append(errors, ValidationError{
			Field:   "cluster.inflation",
			Value:   c.Cluster.Inflation,
			Message: "must be positive",
		})
	}
	if c.Cluster.Processes < 1 {
		errors = append(errors, ValidationError{
			Field:   "cluster.processes",
			Value:   c.Cluster.Processes,
			Message: "must be at least 1",
		})
	}
	if c.Cluster.Threads < 1 {
		errors = append(errors, ValidationError{
			Field:   "cluster.threads",
			Value:   c.Cluster.Threads,
			Message: "must be at least 1",
		})
	}
	if c.Cluster.Retries < 0 {
		errors = append(errors, ValidationError{
			Field:   "cluster.retries",
			Value:   c.Cluster.Retries,
			Message: "must be non-negative",
		})
	}
	if c.Cluster.PollIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "cluster.poll_interval_ms",
			Value:   c.Cluster.PollIntervalMs,
			Message: "must be at least 1",
		})
	}
	if c.Cluster.Enabled && strings.TrimSpace(c.Cluster.Tool) == "" {
		errors = append(errors, ValidationError{
			Field:   "cluster.tool",
			Value:   c.Cluster.Tool,
			Message: "must not be empty when clustering is enabled",
		})
	}
	for i, arg := range c.Cluster.Args {
		if _, err := template.New("arg").Option("missingkey=error").Parse(arg); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("cluster.args[%d]", i),
				Value:   arg,
				Message: fmt.Sprintf("invalid template: %v", err),
			})
		}
	}

	return errors
}

// validateOutput validates the OutputConfig
func (c *Config) validateOutput() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Output.Dir) == "" {
		errors = append(errors, ValidationError{
			Field:   "output.dir",
			Value:   c.Output.Dir,
			Message: "must not be empty",
		})
	}
	if !slices.Contains(ValidScratchPolicies(), c.Output.Scratch) {
		errors = append(errors, ValidationError{
			Field:   "output.scratch",
			Value:   c.Output.Scratch,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidScratchPolicies(), ", ")),
		})
	}
	for i, pattern := range c.Output.ArchiveExclude {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("output.archive_exclude[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// RequireInput fails when neither an input graph nor a resume directory is set.
func (c *Config) RequireInput() error {
	if c.Input.Graph == "" && c.Input.Resume == "" {
		return apperrors.NewConfigError("supply --graph or --resume", apperrors.ErrMissingInput).
			WithField("input.graph")
	}
	return nil
}

// RequireInflation fails when clustering is enabled without an inflation value.
func (c *Config) RequireInflation() error {
	if c.Cluster.Enabled && c.Cluster.Inflation <= 0 {
		return apperrors.NewConfigError("clustering needs --inflation", apperrors.ErrMissingInflation).
			WithField("cluster.inflation")
	}
	return nil
}
