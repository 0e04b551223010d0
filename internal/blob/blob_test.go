package blob_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"memoir/internal/blob"
	"memoir/internal/services"
	"memoir/internal/testsupport"
)

func backends(t *testing.T) map[string]blob.Store {
	t.Helper()
	diskCfg := testsupport.NewConfig(t)
	kv, err := blob.NewKVStore(filepath.Join(t.TempDir(), "kv"))
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return map[string]blob.Store{
		"disk": blob.NewDiskStore(diskCfg),
		"kv":   kv,
	}
}

func TestSaveAndEnsureLocalRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := []byte("opus frames go here")

			ref, err := store.SaveChunk(ctx, "proj-1", 7, payload)
			if err != nil {
				t.Fatalf("SaveChunk: %v", err)
			}
			if ref.Backend != name {
				t.Fatalf("expected backend %q, got %q", name, ref.Backend)
			}

			path, cleanup, err := store.EnsureLocal(ctx, ref, t.TempDir())
			if err != nil {
				t.Fatalf("EnsureLocal: %v", err)
			}
			defer cleanup()

			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read local file: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch: %q", got)
			}
		})
	}
}

func TestSaveChunkReplacesPayload(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.SaveChunk(ctx, "proj-1", 0, []byte("first")); err != nil {
				t.Fatalf("SaveChunk: %v", err)
			}
			ref, err := store.SaveChunk(ctx, "proj-1", 0, []byte("second"))
			if err != nil {
				t.Fatalf("SaveChunk resend: %v", err)
			}

			path, cleanup, err := store.EnsureLocal(ctx, ref, t.TempDir())
			if err != nil {
				t.Fatalf("EnsureLocal: %v", err)
			}
			defer cleanup()
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read local file: %v", err)
			}
			if string(got) != "second" {
				t.Fatalf("expected replacement payload, got %q", got)
			}
		})
	}
}

func TestEnsureLocalMissingChunk(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ref := blob.Ref{Backend: name, Key: "chunk/ghost/000000000001"}
			if name == "disk" {
				ref.Key = filepath.Join(t.TempDir(), "missing.bin")
			}
			_, cleanup, err := store.EnsureLocal(context.Background(), ref, t.TempDir())
			cleanup()
			if !errors.Is(err, services.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestDeleteProjectRemovesChunks(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref, err := store.SaveChunk(ctx, "proj-del", 0, []byte("bye"))
			if err != nil {
				t.Fatalf("SaveChunk: %v", err)
			}
			if _, err := store.SaveChunk(ctx, "proj-keep", 0, []byte("stay")); err != nil {
				t.Fatalf("SaveChunk: %v", err)
			}

			if err := store.DeleteProject(ctx, "proj-del"); err != nil {
				t.Fatalf("DeleteProject: %v", err)
			}

			_, cleanup, err := store.EnsureLocal(ctx, ref, t.TempDir())
			cleanup()
			if !errors.Is(err, services.ErrNotFound) {
				t.Fatalf("expected deleted chunk to be gone, got %v", err)
			}
		})
	}
}
