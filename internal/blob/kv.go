package blob

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"

	"memoir/internal/services"
)

// KVStore keeps chunk payloads in a Badger database keyed by project and
// sequence number.
type KVStore struct {
	db *badger.DB
}

const kvBackend = "kv"

// NewKVStore opens (or creates) the Badger database at dir.
func NewKVStore(dir string) (*KVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kv directory: %w", err)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &KVStore{db: db}, nil
}

func chunkKey(projectID string, seq int64) []byte {
	return []byte(fmt.Sprintf("chunk/%s/%012d", projectID, seq))
}

func projectPrefix(projectID string) []byte {
	return []byte("chunk/" + projectID + "/")
}

// SaveChunk writes the payload under the project/seq key.
func (k *KVStore) SaveChunk(ctx context.Context, projectID string, seq int64, data []byte) (Ref, error) {
	key := chunkKey(projectID, seq)
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return Ref{}, fmt.Errorf("store chunk: %w", err)
	}
	return Ref{Backend: kvBackend, Key: string(key)}, nil
}

// EnsureLocal copies the payload into a temp file under scratchDir. The
// cleanup callback deletes the copy.
func (k *KVStore) EnsureLocal(ctx context.Context, ref Ref, scratchDir string) (string, func(), error) {
	var data []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(ref.Key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", func() {}, services.Wrap(services.ErrNotFound, "blob", "ensure_local", ref.Key, nil)
	}
	if err != nil {
		return "", func() {}, fmt.Errorf("read chunk: %w", err)
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("create scratch directory: %w", err)
	}
	f, err := os.CreateTemp(scratchDir, "chunk-*.bin")
	if err != nil {
		return "", func() {}, fmt.Errorf("create scratch file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close scratch file: %w", err)
	}
	return path, cleanup, nil
}

// DeleteProject drops every key under the project's prefix.
func (k *KVStore) DeleteProject(ctx context.Context, projectID string) error {
	prefix := projectPrefix(projectID)
	var keys [][]byte
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan project chunks: %w", err)
	}
	for _, key := range keys {
		if err := k.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return fmt.Errorf("delete chunk %s: %w", key, err)
		}
	}
	return nil
}

// Close closes the Badger database.
func (k *KVStore) Close() error {
	return k.db.Close()
}
