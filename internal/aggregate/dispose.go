package aggregate

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"

	"github.com/Iron-Ham/subclust/internal/config"
	apperrors "github.com/Iron-Ham/subclust/internal/errors"
	"github.com/Iron-Ham/subclust/internal/scratch"
)

// Dispose applies the scratch policy after aggregation. For "archive" the
// scratch directory is written to <outputDir>/<name>.tar.gz, leaving out
// paths matching any exclude pattern (relative, '/'-separated), and then
// removed. It returns the archive path, if any. The scratch directory must
// not contain outputDir.
func Dispose(dir scratch.Dir, policy, outputDir string, exclude []string) (string, error) {
	switch policy {
	case "", config.ScratchKeep:
		return "", nil
	case config.ScratchDelete, config.ScratchArchive:
	default:
		return "", apperrors.NewConfigError(fmt.Sprintf("unknown scratch policy %q", policy), apperrors.ErrInvalidConfig).
			WithField("output.scratch")
	}

	root, err := filepath.Abs(dir.Root())
	if err != nil {
		return "", err
	}
	out, err := filepath.Abs(outputDir)
	if err != nil {
		return "", err
	}
	if out == root || strings.HasPrefix(out, root+string(filepath.Separator)) {
		return "", apperrors.NewConfigError("output directory lies inside the scratch directory", apperrors.ErrInvalidConfig).
			WithField("output.dir")
	}

	var archive string
	if policy == config.ScratchArchive {
		archive = filepath.Join(out, filepath.Base(root)+".tar.gz")
		if err := Archive(root, archive, exclude); err != nil {
			return "", err
		}
	}
	if err := os.RemoveAll(root); err != nil {
		return archive, fmt.Errorf("remove scratch directory: %w", err)
	}
	return archive, nil
}

// Archive writes root as a gzip-compressed tarball at dest. Entries are
// stored under the base name of root. The lock file is never archived.
func Archive(root, dest string, exclude []string) error {
	patterns := make([]glob.Glob, 0, len(exclude))
	for _, p := range exclude {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return apperrors.NewConfigError(fmt.Sprintf("invalid exclude pattern %q", p), apperrors.ErrInvalidConfig).
				WithField("output.archive_exclude")
		}
		patterns = append(patterns, g)
	}
	excluded := func(rel string) bool {
		if rel == scratch.LockFile {
			return true
		}
		for _, g := range patterns {
			if g.Match(rel) {
				return true
			}
		}
		return false
	}

	base := filepath.Base(root)
	return scratch.WriteAtomic(dest, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		tw := tar.NewWriter(zw)

		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if rel == "." {
				return nil
			}
			if excluded(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = base + "/" + rel
			if d.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			_ = f.Close()
			return err
		})
		if err != nil {
			return fmt.Errorf("archive scratch directory: %w", err)
		}
		if err := tw.Close(); err != nil {
			return err
		}
		return zw.Close()
	})
}
