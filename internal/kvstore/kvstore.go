// Package kvstore implements the generic JSON-file-backed key-value index
// used for text_chunks, full_docs, full_entities, full_relations,
// entity_chunks, relation_chunks and llm_cache. It follows the atomic
// tmp-file-then-rename idiom from cmd/ingest/main.go's loadState/saveState
// pair, generalized into a reusable generic store.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/WessleyAI/wessley-mvp/internal/model"
)

// KVStore is a JSON-file-backed map of string keys to values of type V,
// safe for concurrent use. Readers may run concurrently; writers hold an
// exclusive lock.
type KVStore[V any] struct {
	mu       sync.RWMutex
	path     string
	data     map[string]V
	dirty    bool
}

// Open loads path into memory, creating an empty store if the file does
// not exist. If the file exists but fails to parse, it is backed up to
// path+".corrupt" and the store starts empty, per the CorruptStateFile
// disposition.
func Open[V any](path string) (*KVStore[V], error) {
	s := &KVStore[V]{path: path, data: make(map[string]V)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, model.Wrap("kvstore.Open", path, model.ErrStoreIO)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		if backupErr := os.WriteFile(path+".corrupt", raw, 0o644); backupErr != nil {
			return nil, model.Wrap("kvstore.Open", "backup failed: "+backupErr.Error(), model.ErrStoreIO)
		}
		s.data = make(map[string]V)
		return s, nil
	}
	return s, nil
}

// GetByID returns the value stored under k, if present.
func (s *KVStore[V]) GetByID(ctx context.Context, k string) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[k]
	return v, ok, nil
}

// GetByIDs returns the subset of ks present in the store.
func (s *KVStore[V]) GetByIDs(ctx context.Context, ks []string) (map[string]V, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]V, len(ks))
	for _, k := range ks {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// FilterKeys returns the subset of ks that are NOT present in the store.
func (s *KVStore[V]) FilterKeys(ctx context.Context, ks []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	for _, k := range ks {
		if _, ok := s.data[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// Upsert merges kv into the store, marking it dirty for the next flush.
func (s *KVStore[V]) Upsert(ctx context.Context, kv map[string]V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(kv) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.data[k] = v
	}
	s.dirty = true
	return nil
}

// Delete removes ks from the store.
func (s *KVStore[V]) Delete(ctx context.Context, ks []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range ks {
		delete(s.data, k)
	}
	s.dirty = true
	return nil
}

// IsEmpty reports whether the store currently holds no entries.
func (s *KVStore[V]) IsEmpty(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data) == 0, nil
}

// IndexDoneCallback flushes the store to disk if dirty, atomically.
func (s *KVStore[V]) IndexDoneCallback(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.writeLocked(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Drop clears the store both in memory and on disk.
func (s *KVStore[V]) Drop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]V)
	s.dirty = false
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return model.Wrap("kvstore.Drop", s.path, model.ErrStoreIO)
	}
	return nil
}

func (s *KVStore[V]) writeLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return model.Wrap("kvstore.writeLocked", "marshal", model.ErrStoreIO)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return model.Wrap("kvstore.writeLocked", s.path, model.ErrStoreIO)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return model.Wrap("kvstore.writeLocked", "write", model.ErrStoreIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return model.Wrap("kvstore.writeLocked", "close", model.ErrStoreIO)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return model.Wrap("kvstore.writeLocked", "rename", model.ErrStoreIO)
	}
	return nil
}
