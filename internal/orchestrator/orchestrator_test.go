package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/WessleyAI/wessley-mvp/internal/chunker"
	"github.com/WessleyAI/wessley-mvp/internal/chunkproc"
	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/merge"
	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/ports"
	"github.com/WessleyAI/wessley-mvp/internal/queue"
	"github.com/WessleyAI/wessley-mvp/internal/tokenizer"
)

type stubLLM struct{}

func (s *stubLLM) Generate(ctx context.Context, prompt string, opts ports.GenerateOptions) (string, error) {
	return "", nil
}
func (s *stubLLM) GenerateStream(ctx context.Context, prompt string, opts ports.GenerateOptions) (<-chan string, error) {
	return nil, nil
}
func (s *stubLLM) ExtractEntitiesAndRelations(ctx context.Context, text string, types []string, temp float32, maxE, maxR int) (ports.Extraction, error) {
	return ports.Extraction{
		Entities: []ports.ExtractedEntity{{Name: "Acme", Type: "ORG", Description: "a company"}},
	}, nil
}
func (s *stubLLM) Summarise(ctx context.Context, kind ports.DescriptionKind, name string, descriptions []string, targetLen int) (string, error) {
	return descriptions[0], nil
}

type stubEmbed struct{}

func (s *stubEmbed) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1}, nil
}
func (s *stubEmbed) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1}
	}
	return out, nil
}

type stubGraph struct {
	nodes map[string]ports.Node
	edges map[merge.PairKey]ports.Edge
}

func newStubGraph() *stubGraph {
	return &stubGraph{nodes: map[string]ports.Node{}, edges: map[merge.PairKey]ports.Edge{}}
}
func (g *stubGraph) HasNode(ctx context.Context, id string) (bool, error) { _, ok := g.nodes[id]; return ok, nil }
func (g *stubGraph) GetNode(ctx context.Context, id string) (ports.Node, error) { return g.nodes[id], nil }
func (g *stubGraph) UpsertNode(ctx context.Context, id string, props map[string]any) error {
	g.nodes[id] = ports.Node{ID: id, Props: props}
	return nil
}
func (g *stubGraph) HasEdge(ctx context.Context, a, b string) (bool, error) {
	_, ok := g.edges[merge.SortedPair(a, b)]
	return ok, nil
}
func (g *stubGraph) GetEdge(ctx context.Context, a, b string) (ports.Edge, error) {
	return g.edges[merge.SortedPair(a, b)], nil
}
func (g *stubGraph) UpsertEdge(ctx context.Context, a, b string, props map[string]any) error {
	g.edges[merge.SortedPair(a, b)] = ports.Edge{Source: a, Target: b, Props: props}
	return nil
}
func (g *stubGraph) GetNodesBatch(ctx context.Context, ids []string) ([]ports.Node, error) { return nil, nil }
func (g *stubGraph) GetNodeDegreesBatch(ctx context.Context, ids []string) ([]int, error)  { return nil, nil }
func (g *stubGraph) GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]ports.Edge, error) {
	return nil, nil
}
func (g *stubGraph) GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]ports.Edge, error) {
	return nil, nil
}

type stubVectors struct {
	upserted map[string][]ports.VectorRecord
}

func newStubVectors() *stubVectors { return &stubVectors{upserted: map[string][]ports.VectorRecord{}} }
func (v *stubVectors) Upsert(ctx context.Context, collection string, records []ports.VectorRecord) error {
	v.upserted[collection] = append(v.upserted[collection], records...)
	return nil
}
func (v *stubVectors) Query(ctx context.Context, collection string, vector []float32, topK int, threshold float32) ([]ports.VectorHit, error) {
	return nil, nil
}
func (v *stubVectors) Delete(ctx context.Context, collection string, ids []string) error { return nil }
func (v *stubVectors) GetByID(ctx context.Context, collection string, ids []string) ([]ports.VectorHit, error) {
	return nil, nil
}

func TestInsertEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	textChunks, _ := kvstore.Open[json.RawMessage](filepath.Join(dir, "text_chunks.json"))
	fullDocs, _ := kvstore.Open[json.RawMessage](filepath.Join(dir, "full_docs.json"))
	fullEntities, _ := kvstore.Open[json.RawMessage](filepath.Join(dir, "full_entities.json"))
	fullRelations, _ := kvstore.Open[json.RawMessage](filepath.Join(dir, "full_relations.json"))
	entityChunks, _ := kvstore.Open[[]string](filepath.Join(dir, "entity_chunks.json"))
	relationChunks, _ := kvstore.Open[[]string](filepath.Join(dir, "relation_chunks.json"))
	llmCache, _ := kvstore.Open[json.RawMessage](filepath.Join(dir, "llm_cache.json"))

	tok := tokenizer.New()
	ch := chunker.New(tok)
	cp := chunkproc.New(&stubLLM{}, &stubEmbed{}, llmCache, chunkproc.Options{MaxEntities: 10, MaxRelationships: 10})

	descMerger := merge.NewDescriptionMerger(&stubLLM{}, tok.CountTokens, merge.DescriptionMergeConfig{
		SummaryContextSize: 1000, SummaryMaxTokens: 1000, ForceLLMSummaryOnMerge: 10,
	}, nil)
	graph := newStubGraph()
	vectors := newStubVectors()
	em := merge.NewEntityMerger(graph, vectors, &stubEmbed{}, entityChunks, descMerger, "entities", nil)
	rm := merge.NewRelationMerger(graph, vectors, &stubEmbed{}, relationChunks, descMerger, "relations", nil)
	iu := merge.NewIndexUpdater(fullEntities, fullRelations)

	bus := queue.NewProgressBus()

	o := New(ch, cp, em, rm, iu, vectors, textChunks, fullDocs, []func(context.Context) error{
		textChunks.IndexDoneCallback, fullDocs.IndexDoneCallback,
		fullEntities.IndexDoneCallback, fullRelations.IndexDoneCallback,
		entityChunks.IndexDoneCallback, relationChunks.IndexDoneCallback,
		llmCache.IndexDoneCallback,
	}, bus, Config{
		ChunkTokenSize: 50, ChunkOverlapTokenSize: 5, ChunkWorkers: 2,
		MaxEntities: 10, MaxRelationships: 10,
		MaxSourceIDsPerEntity: 100, MaxSourceIDsPerRelation: 100, MaxFilePaths: 100,
		SourceIDsMethod: model.MethodFIFO, VectorCollectionBase: "lightrag_vdb_dotnet_base",
	}, nil)

	docID, err := o.Insert(ctx, "Acme makes widgets in a small factory.", "", "f.txt")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if docID == "" {
		t.Fatalf("expected non-empty docID")
	}

	if _, exists, err := fullDocs.GetByID(ctx, docID); err != nil || !exists {
		t.Fatalf("expected fullDocs record, exists=%v err=%v", exists, err)
	}

	// Re-inserting the same content should short-circuit without error.
	docID2, err := o.Insert(ctx, "Acme makes widgets in a small factory.", "", "f.txt")
	if err != nil {
		t.Fatalf("second Insert: %v", err)
	}
	if docID2 != docID {
		t.Fatalf("expected identical docID on short-circuit, got %s vs %s", docID2, docID)
	}
}
