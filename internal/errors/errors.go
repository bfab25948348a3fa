// Package errors provides centralized error definitions and error handling utilities
// for subclust. It defines sentinel errors, domain error types that carry the
// context of the pipeline stage that failed, classification helpers, and the
// mapping from errors to process exit codes.
//
// # Error Types
//
// Domain-specific errors represent failures in one part of the pipeline:
//   - ConfigError: missing or invalid configuration, detected before any work starts
//   - GraphError: graph-consistency failures (a referenced node has no row, a malformed row)
//   - CoordinationError: scheduler, ledger, and scratch-directory failures
//   - ToolError: external clustering tool failures
//
// Semantic errors represent common conditions:
//   - NotFoundError: a resource (partition, file, label) was not found
//
// # Usage
//
//	err := errors.NewGraphError("neighbor has no row", errors.ErrRowNotFound).
//	    WithSeed(17).WithNode(4242)
//
//	if errors.Is(err, errors.ErrRowNotFound) { ... }
//
//	os.Exit(errors.ExitCode(err))
//
// # Exit Codes
//
//	0  success
//	1  general failure
//	2  neither an input graph nor a resume directory was supplied
//	3  clustering requested without an inflation parameter
//	4  invalid configuration
//	5  scratch directory locked by another run
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that degrade output but do not stop the run.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that terminate the run.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Process exit codes.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitMissingInput     = 2
	ExitMissingInflation = 3
	ExitInvalidConfig    = 4
	ExitScratchLocked    = 5
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Configuration sentinel errors
var (
	// ErrMissingInput indicates that neither an input graph nor a resume directory was given.
	ErrMissingInput = New("no input graph or resume directory supplied")
	// ErrMissingInflation indicates that clustering was requested without its numeric parameter.
	ErrMissingInflation = New("clustering requested without an inflation parameter")
	// ErrInvalidConfig indicates that a configuration value failed validation.
	ErrInvalidConfig = New("invalid configuration")
)

// Graph sentinel errors
var (
	// ErrRowNotFound indicates that a referenced node id has no row in the graph.
	ErrRowNotFound = New("node has no row")
	// ErrMalformedRow indicates that a row of the input graph could not be parsed.
	ErrMalformedRow = New("malformed row")
	// ErrEmptyGraph indicates that the input graph contains no rows.
	ErrEmptyGraph = New("graph has no rows")
)

// Coordination sentinel errors
var (
	// ErrScratchLocked indicates that another run holds the scratch directory lock.
	ErrScratchLocked = New("scratch directory is locked by another run")
	// ErrManifestMismatch indicates that a resumed scratch directory belongs to a different input.
	ErrManifestMismatch = New("scratch manifest does not match configuration")
	// ErrWorkerLaunch indicates that a partition worker could not be started.
	ErrWorkerLaunch = New("partition worker failed to start")
	// ErrLedgerWrite indicates that the complete ledger could not be appended.
	ErrLedgerWrite = New("complete ledger write failed")
	// ErrPartitioningIncomplete indicates that a stage needs a finished partitioning run.
	ErrPartitioningIncomplete = New("partitioning has not finished")
)

// Tool sentinel errors
var (
	// ErrToolFailed indicates that the external clustering tool exited unsuccessfully.
	ErrToolFailed = New("clustering tool failed")
	// ErrToolOutputMissing indicates that the tool exited cleanly but produced no output.
	ErrToolOutputMissing = New("clustering tool produced no output")
)

// ErrNotFound indicates that a resource was not found.
var ErrNotFound = New("not found")

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SubclustError is the base interface for all subclust errors.
type SubclustError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ConfigError represents a configuration failure detected before any work starts.
//
// Example:
//
//	err := errors.NewConfigError("cluster run needs --inflation", errors.ErrMissingInflation).
//	    WithField("cluster.inflation")
type ConfigError struct {
	baseError
	Field string
}

// NewConfigError creates a new ConfigError.
func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			userFacing: true,
		},
	}
}

// WithField adds the offending configuration key to the error context.
func (e *ConfigError) WithField(field string) *ConfigError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ConfigError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	return e.format("config error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigError) Is(target error) bool {
	if _, ok := target.(*ConfigError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GraphError represents a graph-consistency failure. These are isolated to
// the partition that hit them; the pipeline continues.
//
// Example:
//
//	err := errors.NewGraphError("dangling neighbor", errors.ErrRowNotFound).WithSeed(3).WithNode(99)
type GraphError struct {
	baseError
	Seed int64
	Node int64
	Line int

	hasSeed bool
	hasNode bool
}

// NewGraphError creates a new GraphError.
func NewGraphError(message string, cause error) *GraphError {
	return &GraphError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithSeed adds the partition seed to the error context.
func (e *GraphError) WithSeed(seed int64) *GraphError {
	e.Seed = seed
	e.hasSeed = true
	return e
}

// WithNode adds the node id to the error context.
func (e *GraphError) WithNode(node int64) *GraphError {
	e.Node = node
	e.hasNode = true
	return e
}

// WithLine adds the 1-based input line number to the error context.
func (e *GraphError) WithLine(line int) *GraphError {
	e.Line = line
	return e
}

// WithSeverity sets the error severity.
func (e *GraphError) WithSeverity(s Severity) *GraphError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *GraphError) Error() string {
	var parts []string
	if e.hasSeed {
		parts = append(parts, fmt.Sprintf("seed=%d", e.Seed))
	}
	if e.hasNode {
		parts = append(parts, fmt.Sprintf("node=%d", e.Node))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line=%d", e.Line))
	}
	return e.format("graph error", parts)
}

// Is checks if this error matches the target.
func (e *GraphError) Is(target error) bool {
	if _, ok := target.(*GraphError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CoordinationError represents a scheduler, ledger, or scratch-directory failure.
// These propagate and terminate the run.
type CoordinationError struct {
	baseError
	Stage string
	Path  string
}

// NewCoordinationError creates a new CoordinationError.
func NewCoordinationError(message string, cause error) *CoordinationError {
	return &CoordinationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			userFacing: true,
		},
	}
}

// WithStage adds the pipeline stage to the error context.
func (e *CoordinationError) WithStage(stage string) *CoordinationError {
	e.Stage = stage
	return e
}

// WithPath adds a filesystem path to the error context.
func (e *CoordinationError) WithPath(path string) *CoordinationError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *CoordinationError) Error() string {
	var parts []string
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("coordination error", parts)
}

// Is checks if this error matches the target.
func (e *CoordinationError) Is(target error) bool {
	if _, ok := target.(*CoordinationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ToolError represents a failed external clustering tool invocation.
type ToolError struct {
	baseError
	Seed     int64
	Attempt  int
	ExitCode int
	Output   string // Captured combined output, truncated
}

// NewToolError creates a new ToolError.
func NewToolError(message string, cause error) *ToolError {
	return &ToolError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		ExitCode: -1,
	}
}

// WithSeed adds the partition seed to the error context.
func (e *ToolError) WithSeed(seed int64) *ToolError {
	e.Seed = seed
	return e
}

// WithAttempt adds the 1-based attempt number to the error context.
func (e *ToolError) WithAttempt(n int) *ToolError {
	e.Attempt = n
	return e
}

// WithExitCode adds the tool's exit status to the error context.
func (e *ToolError) WithExitCode(code int) *ToolError {
	e.ExitCode = code
	return e
}

// WithOutput adds captured tool output to the error context.
func (e *ToolError) WithOutput(output string) *ToolError {
	const maxOutput = 2048
	if len(output) > maxOutput {
		output = output[len(output)-maxOutput:]
	}
	e.Output = output
	return e
}

// Error returns the formatted error message.
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("seed=%d", e.Seed)}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	msg := e.format("tool error", parts)
	if e.Output != "" {
		msg = fmt.Sprintf("%s\ntool output: %s", msg, e.Output)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *ToolError) Is(target error) bool {
	if _, ok := target.(*ToolError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError indicates that a resource was not found.
type NotFoundError struct {
	ResourceType string
	ResourceID   string
	cause        error
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}

// WithCause adds an underlying cause.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s not found: %s: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
}

// Unwrap returns the underlying error.
func (e *NotFoundError) Unwrap() error { return e.cause }

// Is matches ErrNotFound and other NotFoundErrors.
func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*NotFoundError)
	return ok
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se SubclustError
	if As(err, &se) {
		return se.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var se SubclustError
	if As(err, &se) {
		return se.IsUserFacing()
	}
	var notFound *NotFoundError
	return As(err, &notFound)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SubclustError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var se SubclustError
	if As(err, &se) {
		return se.Severity()
	}
	return SeverityError
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case Is(err, ErrMissingInput):
		return ExitMissingInput
	case Is(err, ErrMissingInflation):
		return ExitMissingInflation
	case Is(err, ErrScratchLocked):
		return ExitScratchLocked
	case Is(err, ErrInvalidConfig):
		return ExitInvalidConfig
	}
	var cfgErr *ConfigError
	if As(err, &cfgErr) {
		return ExitInvalidConfig
	}
	return ExitFailure
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
