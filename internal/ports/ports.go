// Package ports defines the collaborator interfaces the ingestion
// pipeline consumes: language model, embeddings, vector store, graph
// store, and key-value index. Concrete adapters live in
// internal/llmclient, internal/vectorstore, internal/graphstore and
// internal/kvstore; this package only names the contracts, following
// the teacher's pkg/repo.Repository convention of a small, dependency-free
// interfaces file.
package ports

import "context"

// GenerateOptions configures a single LLMClient.Generate call.
type GenerateOptions struct {
	Temperature float32
	MaxTokens   int
}

// DescriptionKind distinguishes entity from relation descriptions when
// summarising, since the two use different prompt framing.
type DescriptionKind string

const (
	DescriptionEntity   DescriptionKind = "Entity"
	DescriptionRelation DescriptionKind = "Relation"
)

// ExtractedEntity is a single extracted entity before any chunk/doc
// context is attached. The extraction types are declared here so
// LLMClient has no import dependency on internal/model; adapters return
// them inside Extraction and internal/chunkproc converts them to model
// types.
type ExtractedEntity struct {
	Name        string
	Type        string
	Description string
}

// ExtractedRelation mirrors a single extracted relation before any
// chunk/doc context is attached.
type ExtractedRelation struct {
	SourceName  string
	TargetName  string
	Keywords    string
	Description string
	Weight      float64
}

// LLMClient is the language-model collaborator consumed by ChunkProcessor
// and DescriptionMerger.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan string, error)
	ExtractEntitiesAndRelations(ctx context.Context, text string, entityTypes []string, temperature float32, maxEntities, maxRelationships int) (Extraction, error)
	Summarise(ctx context.Context, kind DescriptionKind, name string, descriptions []string, targetLen int) (string, error)
}

// Extraction is the raw output of ExtractEntitiesAndRelations, before
// sourceId/filePath/timestamp stamping.
type Extraction struct {
	Entities  []ExtractedEntity
	Relations []ExtractedRelation
}

// EmbeddingClient is the embedding collaborator. All returned vectors have
// a fixed dimension matching the configured vector store.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorRecord is a single point upserted into a VectorStore collection.
type VectorRecord struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// VectorHit is a single result from Query or GetByID.
type VectorHit struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// VectorStore is the vector-index collaborator, addressed by collection
// name (see vectorstore.CollectionName for how names are derived).
type VectorStore interface {
	Upsert(ctx context.Context, collection string, records []VectorRecord) error
	Query(ctx context.Context, collection string, vector []float32, topK int, threshold float32) ([]VectorHit, error)
	Delete(ctx context.Context, collection string, ids []string) error
	GetByID(ctx context.Context, collection string, ids []string) ([]VectorHit, error)
}

// Node is a persisted graph node as read back from a GraphStore.
type Node struct {
	ID    string
	Props map[string]any
}

// Edge is a persisted, orientation-agnostic graph edge.
type Edge struct {
	Source string
	Target string
	Props  map[string]any
}

// GraphStore is the knowledge-graph collaborator.
type GraphStore interface {
	HasNode(ctx context.Context, id string) (bool, error)
	GetNode(ctx context.Context, id string) (Node, error)
	UpsertNode(ctx context.Context, id string, props map[string]any) error
	HasEdge(ctx context.Context, a, b string) (bool, error)
	GetEdge(ctx context.Context, a, b string) (Edge, error)
	UpsertEdge(ctx context.Context, a, b string, props map[string]any) error
	GetNodesBatch(ctx context.Context, ids []string) ([]Node, error)
	GetNodeDegreesBatch(ctx context.Context, ids []string) ([]int, error)
	GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]Edge, error)
	GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]Edge, error)
}
