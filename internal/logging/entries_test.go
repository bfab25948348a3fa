package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadEntriesAndFilter(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	base := logger.WithRun("r1")
	base.WithStage("partition").WithPartition(0).Info("launched")
	base.WithStage("partition").WithPartition(7).Warn("aborted", "missing", 1)
	base.WithStage("cluster").WithPartition(0).Error("tool failed")
	_ = logger.Close()

	// A truncated trailing line must not break parsing.
	f, _ := os.OpenFile(filepath.Join(dir, LogFileName), os.O_APPEND|os.O_WRONLY, 0644)
	_, _ = f.WriteString(`{"time":"2026-`)
	_ = f.Close()

	entries, err := ReadEntries(dir)
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].RunID != "r1" || !entries[0].HasSeed {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}

	warn := FilterEntries(entries, LogFilter{Level: "warn"})
	if len(warn) != 2 {
		t.Errorf("warn+ entries = %d, want 2", len(warn))
	}
	seedZero := FilterEntries(entries, LogFilter{Seed: 0, HasSeed: true})
	if len(seedZero) != 2 {
		t.Errorf("seed 0 entries = %d, want 2", len(seedZero))
	}
	cluster := FilterEntries(entries, LogFilter{Stage: "cluster"})
	if len(cluster) != 1 || cluster[0].Message != "tool failed" {
		t.Errorf("cluster entries = %+v", cluster)
	}

	counts := CountByLevel(entries)
	if counts[LevelInfo] != 1 || counts[LevelWarn] != 1 || counts[LevelError] != 1 {
		t.Errorf("CountByLevel = %v", counts)
	}
}

func TestReadEntriesMissingFile(t *testing.T) {
	if _, err := ReadEntries(t.TempDir()); err == nil {
		t.Error("expected error for missing log file")
	}
}
