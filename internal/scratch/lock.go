//go:build unix

package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// Lock provides cross-process mutual exclusion on a scratch directory using
// flock(2). Only one pipeline may drive a scratch directory at a time;
// partition workers never take it.
type Lock struct {
	path string
	file *os.File
}

// NewLock creates a Lock for the scratch directory root.
func NewLock(root string) *Lock {
	return &Lock{path: filepath.Join(root, LockFile)}
}

// TryLock acquires the lock without blocking. When another process holds
// it, the returned error matches ErrScratchLocked and names the holder's pid
// if it could be read.
func (l *Lock) TryLock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			msg := "scratch directory in use"
			if holder > 0 {
				msg = fmt.Sprintf("scratch directory in use by pid %d", holder)
			}
			return apperrors.NewCoordinationError(msg, apperrors.ErrScratchLocked).WithPath(l.path)
		}
		return fmt.Errorf("flock: %w", err)
	}

	// Record our pid for the next contender's error message.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	l.file = f
	return nil
}

// Unlock releases the lock and closes the lock file.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := l.file.Close()
	l.file = nil
	return err
}

func readHolder(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
