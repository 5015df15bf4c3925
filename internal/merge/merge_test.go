package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/WessleyAI/wessley-mvp/internal/ids"
	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/ports"
)

type fakeGraph struct {
	nodes map[string]ports.Node
	edges map[PairKey]ports.Edge
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]ports.Node{}, edges: map[PairKey]ports.Edge{}}
}

func (g *fakeGraph) HasNode(ctx context.Context, id string) (bool, error) {
	_, ok := g.nodes[id]
	return ok, nil
}
func (g *fakeGraph) GetNode(ctx context.Context, id string) (ports.Node, error) {
	return g.nodes[id], nil
}
func (g *fakeGraph) UpsertNode(ctx context.Context, id string, props map[string]any) error {
	g.nodes[id] = ports.Node{ID: id, Props: props}
	return nil
}
func (g *fakeGraph) HasEdge(ctx context.Context, a, b string) (bool, error) {
	_, ok := g.edges[SortedPair(a, b)]
	return ok, nil
}
func (g *fakeGraph) GetEdge(ctx context.Context, a, b string) (ports.Edge, error) {
	return g.edges[SortedPair(a, b)], nil
}
func (g *fakeGraph) UpsertEdge(ctx context.Context, a, b string, props map[string]any) error {
	g.edges[SortedPair(a, b)] = ports.Edge{Source: a, Target: b, Props: props}
	return nil
}
func (g *fakeGraph) GetNodesBatch(ctx context.Context, ids []string) ([]ports.Node, error) {
	return nil, nil
}
func (g *fakeGraph) GetNodeDegreesBatch(ctx context.Context, ids []string) ([]int, error) {
	return nil, nil
}
func (g *fakeGraph) GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]ports.Edge, error) {
	return nil, nil
}
func (g *fakeGraph) GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]ports.Edge, error) {
	return nil, nil
}

type fakeVectors struct {
	upserted map[string][]ports.VectorRecord
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{upserted: map[string][]ports.VectorRecord{}}
}

func (v *fakeVectors) Upsert(ctx context.Context, collection string, records []ports.VectorRecord) error {
	v.upserted[collection] = append(v.upserted[collection], records...)
	return nil
}
func (v *fakeVectors) Query(ctx context.Context, collection string, vector []float32, topK int, threshold float32) ([]ports.VectorHit, error) {
	return nil, nil
}
func (v *fakeVectors) Delete(ctx context.Context, collection string, ids []string) error {
	return nil
}
func (v *fakeVectors) GetByID(ctx context.Context, collection string, ids []string) ([]ports.VectorHit, error) {
	return nil, nil
}

type fakeEmbedBatch struct{}

func (f *fakeEmbedBatch) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1}, nil
}
func (f *fakeEmbedBatch) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1}
	}
	return out, nil
}

func newDescMerger(t *testing.T) *DescriptionMerger {
	t.Helper()
	return NewDescriptionMerger(&fakeSummariseLLM{}, wordCounter, DescriptionMergeConfig{
		SummaryContextSize:     1000,
		SummaryMaxTokens:       1000,
		ForceLLMSummaryOnMerge: 10,
	}, nil)
}

func TestEntityMergerUpsertsNewEntity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	chunkIdx, err := kvstore.Open[[]string](filepath.Join(dir, "entity_chunks.json"))
	if err != nil {
		t.Fatal(err)
	}
	graph := newFakeGraph()
	vectors := newFakeVectors()
	em := NewEntityMerger(graph, vectors, &fakeEmbedBatch{}, chunkIdx, newDescMerger(t), "entities", nil)

	byName := map[string][]model.Entity{
		"Acme": {
			{Name: "Acme", Type: "ORG", Description: "makes widgets", SourceID: "chunk-1", FilePath: "f.txt", Timestamp: 1},
		},
	}
	merged, err := em.Merge(ctx, byName, EntityMergeConfig{MaxSourceIDs: 10, MaxFilePaths: 10, Method: model.MethodFIFO}, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged) != 1 || merged[0] != "Acme" {
		t.Fatalf("expected Acme merged, got %v", merged)
	}
	if len(graph.nodes) != 1 {
		t.Fatalf("expected 1 graph node, got %d", len(graph.nodes))
	}
	if len(vectors.upserted["entities"]) != 1 {
		t.Fatalf("expected 1 vector record, got %d", len(vectors.upserted["entities"]))
	}
}

func TestRelationMergerMaterializesEndpoints(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	chunkIdx, err := kvstore.Open[[]string](filepath.Join(dir, "relation_chunks.json"))
	if err != nil {
		t.Fatal(err)
	}
	graph := newFakeGraph()
	vectors := newFakeVectors()
	rm := NewRelationMerger(graph, vectors, &fakeEmbedBatch{}, chunkIdx, newDescMerger(t), "relations", nil)

	pair := SortedPair("Acme", "Globex")
	byPair := map[PairKey][]model.Relation{
		pair: {
			{SourceName: "Acme", TargetName: "Globex", Keywords: "partners", Description: "they partner", Weight: 1.0, SourceChunkID: "chunk-1", FilePath: "f.txt", Timestamp: 1},
		},
	}
	existingNames := map[string]bool{} // neither endpoint exists yet
	mergedPairs, materialized, err := rm.Merge(ctx, byPair, existingNames, RelationMergeConfig{MaxSourceIDs: 10, MaxFilePaths: 10, Method: model.MethodFIFO}, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(mergedPairs) != 1 {
		t.Fatalf("expected 1 merged pair, got %d", len(mergedPairs))
	}
	if len(materialized) != 2 {
		t.Fatalf("expected both endpoints materialized, got %v", materialized)
	}
	if len(graph.edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(graph.edges))
	}
	if len(graph.nodes) != 2 {
		t.Fatalf("expected 2 placeholder nodes, got %d", len(graph.nodes))
	}
}

func TestEntityMergerSkipsEntityWithNoDescription(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	chunkIdx, err := kvstore.Open[[]string](filepath.Join(dir, "entity_chunks.json"))
	if err != nil {
		t.Fatal(err)
	}
	graph := newFakeGraph()
	vectors := newFakeVectors()
	em := NewEntityMerger(graph, vectors, &fakeEmbedBatch{}, chunkIdx, newDescMerger(t), "entities", nil)

	byName := map[string][]model.Entity{
		"Globex": {{Name: "Globex", Type: "ORG", Description: "", SourceID: "chunk-1", Timestamp: 1}},
		"Acme":   {{Name: "Acme", Type: "ORG", Description: "makes widgets", SourceID: "chunk-2", Timestamp: 1}},
	}
	merged, err := em.Merge(ctx, byName, EntityMergeConfig{MaxSourceIDs: 10, MaxFilePaths: 10, Method: model.MethodFIFO}, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(merged) != 1 || merged[0] != "Acme" {
		t.Fatalf("expected only Acme merged, got %v", merged)
	}
	if _, ok := graph.nodes[ids.Entity("Globex")]; ok {
		t.Fatalf("expected no node for the description-less entity")
	}
	if len(graph.nodes) != 1 {
		t.Fatalf("expected 1 graph node, got %d", len(graph.nodes))
	}
}

func TestEntityMergerTruncateFieldUsesFIFOFraction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	chunkIdx, err := kvstore.Open[[]string](filepath.Join(dir, "entity_chunks.json"))
	if err != nil {
		t.Fatal(err)
	}
	graph := newFakeGraph()
	vectors := newFakeVectors()
	em := NewEntityMerger(graph, vectors, &fakeEmbedBatch{}, chunkIdx, newDescMerger(t), "entities", nil)

	incoming := make([]model.Entity, 5)
	for i := range incoming {
		incoming[i] = model.Entity{Name: "Acme", Type: "ORG", Description: "makes widgets", SourceID: fmt.Sprintf("chunk-%d", i), Timestamp: int64(i)}
	}
	byName := map[string][]model.Entity{"Acme": incoming}
	if _, err := em.Merge(ctx, byName, EntityMergeConfig{MaxSourceIDs: 3, MaxFilePaths: 10, Method: model.MethodFIFO}, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	node := graph.nodes[ids.Entity("Acme")]
	if got := node.Props["truncate"]; got != "FIFO 3/5" {
		t.Fatalf("expected truncate = FIFO 3/5, got %v", got)
	}
}

func TestEntityMergerTruncateFieldUsesKEEPOld(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	chunkIdx, err := kvstore.Open[[]string](filepath.Join(dir, "entity_chunks.json"))
	if err != nil {
		t.Fatal(err)
	}
	graph := newFakeGraph()
	vectors := newFakeVectors()
	em := NewEntityMerger(graph, vectors, &fakeEmbedBatch{}, chunkIdx, newDescMerger(t), "entities", nil)

	incoming := make([]model.Entity, 5)
	for i := range incoming {
		incoming[i] = model.Entity{Name: "Acme", Type: "ORG", Description: "makes widgets", SourceID: fmt.Sprintf("chunk-%d", i), Timestamp: int64(i)}
	}
	byName := map[string][]model.Entity{"Acme": incoming}
	if _, err := em.Merge(ctx, byName, EntityMergeConfig{MaxSourceIDs: 3, MaxFilePaths: 10, Method: model.MethodKEEP}, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	node := graph.nodes[ids.Entity("Acme")]
	if got := node.Props["truncate"]; got != "KEEP Old" {
		t.Fatalf("expected truncate = KEEP Old, got %v", got)
	}
}

func TestRelationMergerTruncateFieldUsesFIFOFraction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	chunkIdx, err := kvstore.Open[[]string](filepath.Join(dir, "relation_chunks.json"))
	if err != nil {
		t.Fatal(err)
	}
	graph := newFakeGraph()
	vectors := newFakeVectors()
	rm := NewRelationMerger(graph, vectors, &fakeEmbedBatch{}, chunkIdx, newDescMerger(t), "relations", nil)

	pair := SortedPair("Acme", "Globex")
	incoming := make([]model.Relation, 5)
	for i := range incoming {
		incoming[i] = model.Relation{SourceName: "Acme", TargetName: "Globex", Keywords: "partners", Description: "they partner", Weight: 1.0, SourceChunkID: fmt.Sprintf("chunk-%d", i), Timestamp: int64(i)}
	}
	byPair := map[PairKey][]model.Relation{pair: incoming}
	existingNames := map[string]bool{"Acme": true, "Globex": true}
	if _, _, err := rm.Merge(ctx, byPair, existingNames, RelationMergeConfig{MaxSourceIDs: 3, MaxFilePaths: 10, Method: model.MethodFIFO}, nil); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	edge := graph.edges[pair]
	if got := edge.Props["truncate"]; got != "FIFO 3/5" {
		t.Fatalf("expected truncate = FIFO 3/5, got %v", got)
	}
}

func TestRelationMergerMaterializeNeverOverwritesExistingNode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	chunkIdx, err := kvstore.Open[[]string](filepath.Join(dir, "relation_chunks.json"))
	if err != nil {
		t.Fatal(err)
	}
	graph := newFakeGraph()
	// Acme already exists from a prior document, with a richer node than
	// a placeholder would carry.
	richProps := map[string]any{
		"entity_id":   ids.Entity("Acme"),
		"entity_type": "ORG",
		"description": "a well documented company",
	}
	if err := graph.UpsertNode(ctx, ids.Entity("Acme"), richProps); err != nil {
		t.Fatal(err)
	}
	vectors := newFakeVectors()
	rm := NewRelationMerger(graph, vectors, &fakeEmbedBatch{}, chunkIdx, newDescMerger(t), "relations", nil)

	pair := SortedPair("Acme", "Globex")
	byPair := map[PairKey][]model.Relation{
		pair: {{SourceName: "Acme", TargetName: "Globex", Keywords: "partners", Description: "they partner", Weight: 1.0, SourceChunkID: "chunk-1", Timestamp: 1}},
	}
	// existingNames is empty: this document's Phase 1 did not re-merge
	// Acme, even though it already exists in the graph from a prior one.
	existingNames := map[string]bool{}
	_, materialized, err := rm.Merge(ctx, byPair, existingNames, RelationMergeConfig{MaxSourceIDs: 10, MaxFilePaths: 10, Method: model.MethodFIFO}, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	node := graph.nodes[ids.Entity("Acme")]
	if node.Props["entity_type"] != "ORG" || node.Props["description"] != "a well documented company" {
		t.Fatalf("expected Acme's existing node untouched, got %+v", node.Props)
	}
	foundGlobex := false
	for _, n := range materialized {
		if n == "Globex" {
			foundGlobex = true
		}
		if n == "Acme" {
			t.Fatalf("did not expect Acme to be reported as materialized, it already existed")
		}
	}
	if !foundGlobex {
		t.Fatalf("expected Globex materialized as a placeholder, got %v", materialized)
	}
	if graph.nodes[ids.Entity("Globex")].Props["entity_type"] != "UNKNOWN" {
		t.Fatalf("expected Globex placeholder with entity_type UNKNOWN, got %+v", graph.nodes[ids.Entity("Globex")].Props)
	}
}

func TestIndexUpdaterWritesBothIndices(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fullEntities, err := kvstore.Open[json.RawMessage](filepath.Join(dir, "full_entities.json"))
	if err != nil {
		t.Fatal(err)
	}
	fullRelations, err := kvstore.Open[json.RawMessage](filepath.Join(dir, "full_relations.json"))
	if err != nil {
		t.Fatal(err)
	}
	u := NewIndexUpdater(fullEntities, fullRelations)
	if err := u.Update(ctx, "doc-1", []string{"Acme", "Globex"}, []PairKey{SortedPair("Acme", "Globex")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	raw, ok, err := fullEntities.GetByID(ctx, "doc-1")
	if err != nil || !ok {
		t.Fatalf("expected full_entities entry, ok=%v err=%v", ok, err)
	}
	var rec DocEntityIndex
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Count != 2 {
		t.Fatalf("expected count 2, got %d", rec.Count)
	}
}
