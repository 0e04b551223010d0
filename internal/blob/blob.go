// Package blob stores raw ingest chunk payloads. Two backends exist: plain
// files under the project directory, and a Badger key-value database for
// deployments that prefer one compacted store over thousands of small files.
// Processing code asks for a local file path regardless of backend.
package blob

import (
	"context"
	"fmt"
	"strings"

	"memoir/internal/config"
	"memoir/internal/services"
)

// Ref locates a stored chunk payload. Backend names the store that wrote it
// so a database survives a backend switch in config.
type Ref struct {
	Backend string
	Key     string
}

// Store persists chunk payloads.
type Store interface {
	// SaveChunk writes one chunk's bytes and returns its reference.
	SaveChunk(ctx context.Context, projectID string, seq int64, data []byte) (Ref, error)
	// EnsureLocal materializes the chunk as a file on disk and returns its
	// path. cleanup removes any temporary copy; it is always safe to call.
	EnsureLocal(ctx context.Context, ref Ref, scratchDir string) (path string, cleanup func(), err error)
	// DeleteProject removes every stored chunk belonging to the project.
	DeleteProject(ctx context.Context, projectID string) error
	// Close releases backend resources.
	Close() error
}

// New selects the configured backend.
func New(cfg *config.Config) (Store, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "disk":
		return NewDiskStore(cfg), nil
	case "kv":
		return NewKVStore(cfg.Storage.KVDir)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "blob", "new",
			fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend), nil)
	}
}

func chunkFileName(seq int64) string {
	return fmt.Sprintf("chunk_%06d.bin", seq)
}
