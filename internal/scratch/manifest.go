package scratch

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

// ManifestVersion is bumped whenever the scratch layout changes incompatibly.
const ManifestVersion = 1

// Manifest describes the run a scratch directory belongs to. It is written
// once when the graph store is built and read back on resume.
type Manifest struct {
	Version   int       `yaml:"version"`
	RunID     string    `yaml:"run_id"`
	Input     string    `yaml:"input"`
	Symmetric bool      `yaml:"symmetric"`
	Nodes     int       `yaml:"nodes"`
	Zeros     int       `yaml:"zeros"`
	Created   time.Time `yaml:"created"`
	// Resumes counts how many times the run was continued.
	Resumes int `yaml:"resumes"`
}

// NewManifest creates a manifest for a fresh run with a new run id.
func NewManifest(input string, symmetric bool) *Manifest {
	return &Manifest{
		Version:   ManifestVersion,
		RunID:     uuid.NewString(),
		Input:     input,
		Symmetric: symmetric,
		Created:   time.Now().UTC(),
	}
}

// WriteManifest stores m in the scratch directory.
func (d Dir) WriteManifest(m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return WriteFileAtomic(d.Manifest(), data)
}

// ReadManifest loads the scratch directory's manifest.
func (d Dir) ReadManifest() (*Manifest, error) {
	data, err := os.ReadFile(d.Manifest())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("manifest", d.Manifest()).WithCause(err)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Check verifies that the manifest can be resumed with the given graph mode.
func (m *Manifest) Check(symmetric bool) error {
	if m.Version != ManifestVersion {
		return apperrors.NewCoordinationError(
			fmt.Sprintf("scratch layout version %d, expected %d", m.Version, ManifestVersion),
			apperrors.ErrManifestMismatch).WithStage("resume")
	}
	if m.Symmetric != symmetric {
		return apperrors.NewCoordinationError(
			fmt.Sprintf("run was started with symmetric=%t", m.Symmetric),
			apperrors.ErrManifestMismatch).WithStage("resume")
	}
	return nil
}
