package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestUpsertAndFlushRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "text_chunks.json")

	s, err := Open[string](path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Upsert(ctx, map[string]string{"chunk-1": "hello"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.IndexDoneCallback(ctx); err != nil {
		t.Fatalf("IndexDoneCallback: %v", err)
	}

	reopened, err := Open[string](path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok, err := reopened.GetByID(ctx, "chunk-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !ok || v != "hello" {
		t.Fatalf("expected hello, got %q ok=%v", v, ok)
	}
}

func TestFilterKeysReturnsMissingOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open[int](filepath.Join(dir, "x.json"))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Upsert(ctx, map[string]int{"a": 1})
	missing, err := s.FilterKeys(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing keys, got %v", missing)
	}
}

func TestCorruptFileIsBackedUpAndReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "full_docs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open[string](path)
	if err != nil {
		t.Fatalf("Open should recover from corrupt file: %v", err)
	}
	empty, err := s.IsEmpty(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Fatalf("expected store to start empty after corruption recovery")
	}
}
