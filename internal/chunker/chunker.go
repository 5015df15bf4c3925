// Package chunker splits document content into token-bounded Chunks,
// either by a sliding token window with overlap or by a caller-supplied
// character delimiter. It generalizes the teacher's sentence-greedy
// packing (engine/ingest.chunkSentences) from sentence units to raw
// token-id units.
package chunker

import (
	"strings"

	"github.com/WessleyAI/wessley-mvp/internal/ids"
	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/tokenizer"
)

// ChunkOptions configures a single Chunk call.
type ChunkOptions struct {
	ChunkTokenSize        int
	ChunkOverlapTokenSize int

	// SplitByCharacter, when non-empty, switches to character-split mode
	// using this delimiter instead of the sliding token window.
	SplitByCharacter string
	// SplitByCharacterOnly requires every character-split piece to
	// already fit within ChunkTokenSize; oversized pieces raise
	// model.ErrChunkTooLarge instead of being sub-split.
	SplitByCharacterOnly bool
}

// Chunker splits document content into Chunks using a shared Tokenizer so
// that token counts and decoded content stay consistent across calls.
type Chunker struct {
	tok *tokenizer.Tokenizer
}

// New creates a Chunker backed by tok. A nil tok is replaced with a fresh
// private Tokenizer.
func New(tok *tokenizer.Tokenizer) *Chunker {
	if tok == nil {
		tok = tokenizer.New()
	}
	return &Chunker{tok: tok}
}

// Chunk splits content into ordered Chunks per opts.
func (c *Chunker) Chunk(content, docID, filePath string, opts ChunkOptions) ([]model.Chunk, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}

	if opts.SplitByCharacter != "" {
		return c.chunkByCharacter(content, docID, filePath, opts)
	}
	return c.chunkByTokenWindow(content, docID, filePath, opts.ChunkTokenSize, opts.ChunkOverlapTokenSize)
}

func (c *Chunker) chunkByCharacter(content, docID, filePath string, opts ChunkOptions) ([]model.Chunk, error) {
	pieces := strings.Split(content, opts.SplitByCharacter)
	var out []model.Chunk
	order := 0
	for _, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		ids := c.tok.Encode(piece)
		if len(ids) == 0 {
			continue
		}
		if len(ids) <= opts.ChunkTokenSize {
			out = append(out, c.newChunk(piece, len(ids), order, docID, filePath))
			order++
			continue
		}
		if opts.SplitByCharacterOnly {
			return nil, model.Wrap("chunker.chunkByCharacter", piece[:min(32, len(piece))], model.ErrChunkTooLarge)
		}
		sub, err := c.chunkByTokenWindow(piece, docID, filePath, opts.ChunkTokenSize, opts.ChunkOverlapTokenSize)
		if err != nil {
			return nil, err
		}
		for i := range sub {
			sub[i].OrderIndex = order
			order++
		}
		out = append(out, sub...)
	}
	return out, nil
}

func (c *Chunker) chunkByTokenWindow(content, docID, filePath string, T, O int) ([]model.Chunk, error) {
	tokenIDs := c.tok.Encode(content)
	n := len(tokenIDs)
	if n == 0 {
		return nil, nil
	}
	if T <= 0 {
		T = n
	}
	if O < 0 || O >= T {
		O = 0
	}
	step := T - O

	var out []model.Chunk
	order := 0
	for i := 0; i < n; i += step {
		end := i + T
		if end > n {
			end = n
		}
		remaining := end - i

		// Edge rule: if this is the tail window and it is short enough
		// (<= O) to have been fully covered by the previous window's
		// overlap, merge it onto the previous chunk instead of emitting
		// a new short one.
		if end == n && remaining <= O && len(out) > 0 {
			prev := &out[len(out)-1]
			prevIDs := c.tok.Encode(prev.Content)
			merged := append(append([]int{}, prevIDs...), tokenIDs[i:end]...)
			text := strings.TrimSpace(c.tok.Decode(merged))
			*prev = c.newChunk(text, c.tok.CountTokens(text), prev.OrderIndex, docID, filePath)
			break
		}

		if remaining == 0 {
			continue
		}
		text := strings.TrimSpace(c.tok.Decode(tokenIDs[i:end]))
		if text == "" {
			continue
		}
		out = append(out, c.newChunk(text, c.tok.CountTokens(text), order, docID, filePath))
		order++

		if end == n {
			break
		}
	}
	return out, nil
}

func (c *Chunker) newChunk(content string, tokenCount, order int, docID, filePath string) model.Chunk {
	return model.Chunk{
		ID:         ids.Chunk(content),
		Content:    content,
		TokenCount: tokenCount,
		OrderIndex: order,
		DocID:      docID,
		FilePath:   filePath,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
