package chunker

import (
	"strings"
	"testing"

	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/tokenizer"
)

func TestChunkSingleWindowWhenShort(t *testing.T) {
	c := New(tokenizer.New())
	chunks, err := c.Chunk("the quick brown fox", "doc-1", "f.txt", ChunkOptions{
		ChunkTokenSize:        100,
		ChunkOverlapTokenSize: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].TokenCount == 0 {
		t.Fatalf("expected non-zero token count")
	}
}

func TestChunkSlidingWindowOverlap(t *testing.T) {
	tok := tokenizer.New()
	c := New(tok)
	words := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		words = append(words, "w")
	}
	content := strings.Join(words, " ")

	chunks, err := c.Chunk(content, "doc-1", "f.txt", ChunkOptions{
		ChunkTokenSize:        10,
		ChunkOverlapTokenSize: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, ch := range chunks {
		if ch.TokenCount == 0 {
			t.Fatalf("chunk %d has zero tokens", i)
		}
		if ch.OrderIndex != i {
			t.Fatalf("chunk %d has orderIndex %d", i, ch.OrderIndex)
		}
	}
}

func TestChunkIDIsContentDerived(t *testing.T) {
	c := New(tokenizer.New())
	a, err := c.Chunk("alpha beta gamma", "doc-1", "f.txt", ChunkOptions{ChunkTokenSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Chunk("alpha beta gamma", "doc-2", "g.txt", ChunkOptions{ChunkTokenSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	if a[0].ID != b[0].ID {
		t.Fatalf("expected identical chunk ids for identical content, got %s vs %s", a[0].ID, b[0].ID)
	}
}

func TestChunkByCharacterOnlyTooLarge(t *testing.T) {
	tok := tokenizer.New()
	c := New(tok)
	big := strings.Repeat("word ", 50)
	_, err := c.Chunk("small.\n\n"+big, "doc-1", "f.txt", ChunkOptions{
		ChunkTokenSize:        5,
		SplitByCharacter:      "\n\n",
		SplitByCharacterOnly:  true,
	})
	if err == nil {
		t.Fatalf("expected ChunkTooLarge error")
	}
	if !errorsIsChunkTooLarge(err) {
		t.Fatalf("expected ChunkTooLarge, got %v", err)
	}
}

func errorsIsChunkTooLarge(err error) bool {
	for err != nil {
		if err == model.ErrChunkTooLarge {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestChunkByCharacterSubSplitsOversize(t *testing.T) {
	tok := tokenizer.New()
	c := New(tok)
	big := strings.Repeat("word ", 50)
	chunks, err := c.Chunk("small.\n\n"+big, "doc-1", "f.txt", ChunkOptions{
		ChunkTokenSize:        5,
		ChunkOverlapTokenSize: 1,
		SplitByCharacter:      "\n\n",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks from sub-split, got %d", len(chunks))
	}
}
