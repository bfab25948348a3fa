package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LogFileName)

	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	// Force a tiny limit so the test does not write megabytes.
	rw.maxSizeB = 100

	line := []byte(strings.Repeat("x", 60) + "\n")
	for i := 0; i < 5; i++ {
		if _, err := rw.Write(line); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected %s to exist: %v", filepath.Base(name), err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Error("backups beyond MaxBackups should be removed")
	}
}

func TestRotatingWriterCompression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LogFileName)

	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	rw.maxSizeB = 50

	for i := 0; i < 2; i++ {
		if _, err := rw.Write([]byte(strings.Repeat("y", 40) + "\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	_ = rw.Close()

	if _, err := os.Stat(path + ".1.gz"); err != nil {
		t.Errorf("compressed backup missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed after compression")
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "x.log"), DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	_ = rw.Close()
	if _, err := rw.Write([]byte("late")); err == nil {
		t.Error("Write after Close should fail")
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestNewLoggerWithRotationMirror(t *testing.T) {
	dir := t.TempDir()
	var mirror strings.Builder

	logger, err := NewLoggerWithRotation(dir, LevelInfo, DefaultRotationConfig(), &mirror)
	if err != nil {
		t.Fatalf("NewLoggerWithRotation failed: %v", err)
	}
	logger.Info("hello")
	_ = logger.Close()

	if !strings.Contains(mirror.String(), `"msg":"hello"`) {
		t.Errorf("mirror did not receive record: %q", mirror.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil || !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing record: %v", err)
	}
}
