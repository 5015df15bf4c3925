// Package chunkproc turns a single Chunk into entities, relations, and an
// embedding, consulting a content-keyed cache first. It follows
// engine/ingest's Deps.Embedder batching idiom and the cache-then-flush
// sequence from the reference pack's atomic-write idiom, generalized
// behind the KVStore contract.
package chunkproc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/ports"
)

// Options configures extraction calls.
type Options struct {
	EntityTypes      []string
	Temperature      float32
	MaxEntities      int
	MaxRelationships int
}

// Processor turns Chunks into ChunkResults, caching by chunk id.
type Processor struct {
	llm   ports.LLMClient
	embed ports.EmbeddingClient
	cache *kvstore.KVStore[json.RawMessage]
	opts  Options

	// now is overridable in tests.
	now func() time.Time
}

// New creates a Processor backed by llm, embed, and a cache store keyed by
// chunk id (typically the llm_cache.json KVStore).
func New(llm ports.LLMClient, embed ports.EmbeddingClient, cache *kvstore.KVStore[json.RawMessage], opts Options) *Processor {
	return &Processor{llm: llm, embed: embed, cache: cache, opts: opts, now: time.Now}
}

// cachedResult is the on-disk shape of a cached ChunkResult: everything
// except the per-call stamping fields (sourceId, filePath, timestamp),
// since the cache is content-keyed and document-independent.
type cachedResult struct {
	Embedding []float32              `json:"embedding"`
	Entities  []cachedEntity         `json:"entities"`
	Relations []cachedRelation       `json:"relations"`
}

type cachedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type cachedRelation struct {
	SourceName  string  `json:"sourceName"`
	TargetName  string  `json:"targetName"`
	Keywords    string  `json:"keywords"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Process returns the ChunkResult for chunk, using the cache when
// possible. On cache miss it calls the LLM and embedding collaborators,
// stamps the results with chunk-specific metadata, and flushes the cache
// before returning so partial progress survives a crash.
func (p *Processor) Process(ctx context.Context, chunk model.Chunk) (model.ChunkResult, error) {
	if raw, ok, err := p.cache.GetByID(ctx, chunk.ID); err != nil {
		return model.ChunkResult{}, model.Wrap("chunkproc.Process", "cache read", model.ErrStoreIO)
	} else if ok {
		var cached cachedResult
		if err := json.Unmarshal(raw, &cached); err == nil {
			return p.stamp(cached, chunk), nil
		}
		// Fall through to recompute on an unreadable cache entry.
	}

	embedding, err := p.embed.Embed(ctx, chunk.Content)
	if err != nil {
		return model.ChunkResult{}, model.Wrap("chunkproc.Process", "embed", model.ErrChunkProcessingFailed)
	}
	extraction, err := p.llm.ExtractEntitiesAndRelations(ctx, chunk.Content, p.opts.EntityTypes, p.extractionTemperature(), p.opts.MaxEntities, p.opts.MaxRelationships)
	if err != nil {
		return model.ChunkResult{}, model.Wrap("chunkproc.Process", "extract", model.ErrChunkProcessingFailed)
	}

	cached := cachedResult{Embedding: embedding}
	for _, e := range extraction.Entities {
		cached.Entities = append(cached.Entities, cachedEntity{Name: e.Name, Type: e.Type, Description: e.Description})
	}
	for _, r := range extraction.Relations {
		cached.Relations = append(cached.Relations, cachedRelation{
			SourceName: r.SourceName, TargetName: r.TargetName,
			Keywords: r.Keywords, Description: r.Description, Weight: r.Weight,
		})
	}

	raw, err := json.Marshal(cached)
	if err != nil {
		return model.ChunkResult{}, model.Wrap("chunkproc.Process", "marshal cache entry", model.ErrStoreIO)
	}
	if err := p.cache.Upsert(ctx, map[string]json.RawMessage{chunk.ID: raw}); err != nil {
		return model.ChunkResult{}, err
	}
	if err := p.cache.IndexDoneCallback(ctx); err != nil {
		return model.ChunkResult{}, err
	}

	return p.stamp(cached, chunk), nil
}

// extractionTemperature returns opts.Temperature, defaulting to 0.3 when
// unset so existing callers that never set it keep the old behavior.
func (p *Processor) extractionTemperature() float32 {
	if p.opts.Temperature == 0 {
		return 0.3
	}
	return p.opts.Temperature
}

func (p *Processor) stamp(cached cachedResult, chunk model.Chunk) model.ChunkResult {
	now := p.now().Unix()
	result := model.ChunkResult{ChunkID: chunk.ID, Embedding: cached.Embedding}
	for _, e := range cached.Entities {
		result.Entities = append(result.Entities, model.Entity{
			Name: e.Name, Type: e.Type, Description: e.Description,
			SourceID: chunk.ID, FilePath: chunk.FilePath, Timestamp: now,
		})
	}
	for _, r := range cached.Relations {
		result.Relations = append(result.Relations, model.Relation{
			SourceName: r.SourceName, TargetName: r.TargetName,
			Keywords: r.Keywords, Description: r.Description, Weight: r.Weight,
			SourceChunkID: chunk.ID, FilePath: chunk.FilePath, Timestamp: now,
		})
	}
	return result
}
