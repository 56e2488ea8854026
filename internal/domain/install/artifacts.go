package install

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// ArtifactExt is the on-disk suffix for package artifacts, retained
// downloads and sideloaded files alike.
const ArtifactExt = ".cadx"

// ArtifactStore keeps downloaded package archives on disk, one per package
// id. Artifacts outlive failed installs so a retry never re-downloads.
type ArtifactStore struct {
	basePath string
	logger   ports.Logger
}

// NewArtifactStore creates the artifact directory if needed.
func NewArtifactStore(basePath string, logger ports.Logger) (*ArtifactStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, &extension.StorageError{Op: "create artifact directory", Err: err}
	}
	return &ArtifactStore{
		basePath: basePath,
		logger:   logger.With(ports.F("component", "artifacts")),
	}, nil
}

// Path returns the artifact location for a package id, whether or not one
// exists there.
func (s *ArtifactStore) Path(id string) string {
	return filepath.Join(s.basePath, filepath.Base(id)+ArtifactExt)
}

// Put stores an artifact, atomically replacing any stale previous download
// for the same id.
func (s *ArtifactStore) Put(id string, data []byte) (string, error) {
	target := s.Path(id)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", &extension.StorageError{Op: "write artifact", Err: err}
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", &extension.StorageError{Op: "write artifact", Err: err}
	}
	return target, nil
}

// Get reads the retained artifact for id.
func (s *ArtifactStore) Get(id string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoArtifact, id)
	}
	if err != nil {
		return nil, &extension.StorageError{Op: "read artifact", Err: err}
	}
	return data, nil
}

// Has reports whether an artifact is retained for id.
func (s *ArtifactStore) Has(id string) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Remove drops the artifact for id. Removing a missing artifact is not an
// error.
func (s *ArtifactStore) Remove(id string) error {
	err := os.Remove(s.Path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &extension.StorageError{Op: "remove artifact", Err: err}
	}
	return nil
}

// Clear drops every retained artifact. Installed packages are untouched.
func (s *ArtifactStore) Clear() error {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return &extension.StorageError{Op: "clear artifacts", Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ArtifactExt) && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(s.basePath, name)); err != nil {
			return &extension.StorageError{Op: "clear artifacts", Err: err}
		}
	}
	return nil
}
