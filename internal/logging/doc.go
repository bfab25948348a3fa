// Package logging provides structured logging for subclust runs.
//
// The package wraps log/slog to write JSON records into the scratch
// directory's subclust.log. Records carry persistent context so a crashed
// run can be diagnosed after the fact, one partition at a time.
//
// # Context Propagation
//
//	logger, err := logging.NewLoggerWithRotation(scratch, "INFO", logging.DefaultRotationConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	part := logger.WithRun(runID).WithStage("partition").WithPartition(seed)
//	part.Info("frozen", "hits", len(hits))
//
// Child loggers share the root's sink, so only the root is closed.
//
// # Rotation
//
// [RotatingWriter] rotates the log once it passes MaxSizeMB, keeping up to
// MaxBackups numbered backups. Rotated backups are gzip-compressed when
// Compress is set.
//
// # Reading Logs
//
// [ReadEntries] and [FilterEntries] back the status command, which prints
// recent warnings and errors for a scratch directory.
package logging
