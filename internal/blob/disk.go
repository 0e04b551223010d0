package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"memoir/internal/config"
	"memoir/internal/services"
)

// DiskStore keeps chunks as files under the project directory.
type DiskStore struct {
	projectsDir string
}

// NewDiskStore builds the file-backed chunk store.
func NewDiskStore(cfg *config.Config) *DiskStore {
	return &DiskStore{projectsDir: cfg.ProjectsDir()}
}

const diskBackend = "disk"

func (d *DiskStore) chunksDir(projectID string) string {
	return filepath.Join(d.projectsDir, projectID, "chunks")
}

// SaveChunk writes the chunk file, replacing any previous payload for the
// same sequence number.
func (d *DiskStore) SaveChunk(ctx context.Context, projectID string, seq int64, data []byte) (Ref, error) {
	dir := d.chunksDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create chunk directory: %w", err)
	}
	target := filepath.Join(dir, chunkFileName(seq))
	tmp := target + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("write chunk: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return Ref{}, fmt.Errorf("finalize chunk: %w", err)
	}
	return Ref{Backend: diskBackend, Key: target}, nil
}

// EnsureLocal returns the chunk file directly; nothing is copied.
func (d *DiskStore) EnsureLocal(ctx context.Context, ref Ref, scratchDir string) (string, func(), error) {
	if _, err := os.Stat(ref.Key); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", func() {}, services.Wrap(services.ErrNotFound, "blob", "ensure_local", ref.Key, nil)
		}
		return "", func() {}, fmt.Errorf("stat chunk: %w", err)
	}
	return ref.Key, func() {}, nil
}

// DeleteProject removes the project's chunk directory.
func (d *DiskStore) DeleteProject(ctx context.Context, projectID string) error {
	if err := os.RemoveAll(d.chunksDir(projectID)); err != nil {
		return fmt.Errorf("remove chunk directory: %w", err)
	}
	return nil
}

// Close is a no-op for the disk backend.
func (d *DiskStore) Close() error {
	return nil
}
