package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/ids"
	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/ports"
)

// RelationMergeConfig bounds Phase 2 windowing.
type RelationMergeConfig struct {
	MaxSourceIDs int
	MaxFilePaths int
	Method       model.SourceIDsMethod
}

// PairKey is the sorted, undirected key for an entity pair.
type PairKey struct{ A, B string }

func SortedPair(a, b string) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// RelationMerger performs Phase 2 of the knowledge-graph merge. Grounded
// on engine/graph.SaveEdge's dynamic-relationship-typing pattern and
// engine/graph.FindByType/Neighbors for the endpoint-existence check.
type RelationMerger struct {
	graph      ports.GraphStore
	vectors    ports.VectorStore
	embed      ports.EmbeddingClient
	chunkIndex *kvstore.KVStore[[]string]
	descMerger *DescriptionMerger
	collection string
	logger     *slog.Logger
	now        func() time.Time
}

// NewRelationMerger builds a RelationMerger. chunkIndex is the
// relation_chunks KVStore, keyed by "A|B" sorted pair.
func NewRelationMerger(graph ports.GraphStore, vectors ports.VectorStore, embed ports.EmbeddingClient, chunkIndex *kvstore.KVStore[[]string], descMerger *DescriptionMerger, collection string, logger *slog.Logger) *RelationMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelationMerger{graph: graph, vectors: vectors, embed: embed, chunkIndex: chunkIndex, descMerger: descMerger, collection: collection, logger: logger, now: time.Now}
}

type relationEdgeData struct {
	pair     PairKey
	props    map[string]any
	embedKey string
}

// Merge reconciles byPair (sorted entity pair -> observed relations from
// this document's chunks) against the graph. It returns the set of pairs
// successfully upserted and the set of endpoint entity names that had to
// be materialised as placeholder nodes (entity_type = "UNKNOWN") because
// that endpoint did not exist after Phase 1 — existingNames identifies which
// names Phase 1 already upserted, so only true gaps get a placeholder.
func (m *RelationMerger) Merge(ctx context.Context, byPair map[PairKey][]model.Relation, existingNames map[string]bool, cfg RelationMergeConfig, onProgress MergeProgress) (mergedPairs []PairKey, materializedNames []string, err error) {
	pairs := make([]PairKey, 0, len(byPair))
	for p := range byPair {
		if p.A == p.B {
			continue // self-loop, skipped per step 1
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})

	materialized := make(map[string]bool)
	var records []relationEdgeData
	for i, p := range pairs {
		data, ok, err := m.buildEdgeData(ctx, p, byPair[p], cfg)
		if err != nil {
			if errors.Is(err, model.ErrMissingDescription) {
				if onProgress != nil {
					onProgress(i+1, len(pairs))
				}
				continue
			}
			return nil, nil, err
		}
		if ok {
			records = append(records, data)
			for _, name := range []string{p.A, p.B} {
				if !existingNames[name] && !materialized[name] {
					created, err := m.materializeEndpoint(ctx, name, byPair[p])
					if err != nil {
						return nil, nil, err
					}
					if created {
						materialized[name] = true
					}
				}
			}
		}
		if onProgress != nil {
			onProgress(i+1, len(pairs))
		}
	}

	if len(records) == 0 {
		names := make([]string, 0, len(materialized))
		for n := range materialized {
			names = append(names, n)
		}
		return nil, names, nil
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.embedKey
	}
	embeddings, err := m.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, nil, model.Wrap("relation.Merge", "batch embed", model.ErrChunkProcessingFailed)
	}

	merged := make([]PairKey, 0, len(records))
	var vectorRecords []ports.VectorRecord
	var staleIDs []string
	for i, r := range records {
		if err := m.graph.UpsertEdge(ctx, r.pair.A, r.pair.B, r.props); err != nil {
			return nil, nil, model.Wrap("relation.Merge", r.pair.A+"-"+r.pair.B, model.ErrStoreIO)
		}
		staleIDs = append(staleIDs, ids.Relation(r.pair.A, r.pair.B), ids.Relation(r.pair.B, r.pair.A))

		var vec []float32
		if i < len(embeddings) {
			vec = embeddings[i]
		}
		vectorRecords = append(vectorRecords, ports.VectorRecord{
			ID:     ids.Relation(r.pair.A, r.pair.B),
			Vector: vec,
			Metadata: map[string]string{
				"content":   r.embedKey,
				"src_id":    r.pair.A,
				"tgt_id":    r.pair.B,
				"source_id": fmt.Sprint(r.props["source_id"]),
				"file_path": fmt.Sprint(r.props["file_path"]),
			},
		})
		merged = append(merged, r.pair)
	}

	// Delete stale vector records for both orientations before the fresh
	// upsert, querying first so only records that actually exist are
	// removed.
	if existing, err := m.vectors.GetByID(ctx, m.collection, staleIDs); err == nil && len(existing) > 0 {
		present := make([]string, 0, len(existing))
		for _, hit := range existing {
			present = append(present, hit.ID)
		}
		if err := m.vectors.Delete(ctx, m.collection, present); err != nil {
			return nil, nil, model.Wrap("relation.Merge", "delete stale vectors", model.ErrStoreIO)
		}
	}

	if err := m.vectors.Upsert(ctx, m.collection, vectorRecords); err != nil {
		return nil, nil, model.Wrap("relation.Merge", "vector upsert", model.ErrStoreIO)
	}

	names := make([]string, 0, len(materialized))
	for n := range materialized {
		names = append(names, n)
	}
	return merged, names, nil
}

func (m *RelationMerger) buildEdgeData(ctx context.Context, pair PairKey, incoming []model.Relation, cfg RelationMergeConfig) (relationEdgeData, bool, error) {
	has, err := m.graph.HasEdge(ctx, pair.A, pair.B)
	if err != nil {
		return relationEdgeData{}, false, model.Wrap("relation.buildEdgeData", pair.A+"-"+pair.B, model.ErrStoreIO)
	}
	var existingWeight float64
	var existingSourceIDs, existingFilePaths, existingKeywords []string
	var existingDescriptions []string
	if has {
		edge, err := m.graph.GetEdge(ctx, pair.A, pair.B)
		if err != nil {
			return relationEdgeData{}, false, model.Wrap("relation.buildEdgeData", pair.A+"-"+pair.B, model.ErrStoreIO)
		}
		existingWeight, _ = strconv.ParseFloat(str(edge.Props["weight"]), 64)
		existingSourceIDs = splitSep(str(edge.Props["source_id"]))
		existingFilePaths = splitSep(str(edge.Props["file_path"]))
		existingKeywords = strings.Split(str(edge.Props["keywords"]), ",")
		if d := str(edge.Props["description"]); d != "" {
			existingDescriptions = []string{d}
		}
	}

	key := pair.A + "|" + pair.B
	incomingIDs := make([]string, 0, len(incoming))
	for _, r := range incoming {
		incomingIDs = append(incomingIDs, r.SourceChunkID)
	}
	existingChunkIDs, ok, err := m.chunkIndex.GetByID(ctx, key)
	if err != nil {
		return relationEdgeData{}, false, model.Wrap("relation.buildEdgeData", key, model.ErrStoreIO)
	}
	if !ok {
		existingChunkIDs = existingSourceIDs
	}
	union := UnionIDs(existingChunkIDs, incomingIDs)
	if err := m.chunkIndex.Upsert(ctx, map[string][]string{key: union}); err != nil {
		return relationEdgeData{}, false, err
	}
	limitedIDs, truncated := LimitIDs(union, cfg.MaxSourceIDs, cfg.Method)
	window := toSet(limitedIDs)

	survivors := make([]model.Relation, 0, len(incoming))
	for _, r := range incoming {
		if cfg.Method == model.MethodKEEP && !window[r.SourceChunkID] {
			continue
		}
		survivors = append(survivors, r)
	}

	weight := existingWeight
	for _, r := range survivors {
		weight += r.Weight
	}

	keywordSet := make(map[string]bool)
	var keywordOrder []string
	addKeyword := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" || keywordSet[k] {
			return
		}
		keywordSet[k] = true
		keywordOrder = append(keywordOrder, k)
	}
	for _, k := range existingKeywords {
		addKeyword(k)
	}
	for _, r := range survivors {
		for _, k := range strings.Split(r.Keywords, ",") {
			addKeyword(k)
		}
	}
	sort.Strings(keywordOrder)
	keywords := strings.Join(keywordOrder, ",")

	var newDescs []TimestampedDescription
	for _, r := range survivors {
		if r.Description != "" {
			newDescs = append(newDescs, TimestampedDescription{Text: r.Description, Timestamp: r.Timestamp})
		}
	}
	descriptions := DedupeDescriptions(existingDescriptions, newDescs)
	if len(descriptions) == 0 {
		m.logger.Error("relation merge: no descriptions survived", "pair", key)
		return relationEdgeData{}, false, model.Wrap("relation.buildEdgeData", key, model.ErrMissingDescription)
	}

	merged, _, err := m.descMerger.Merge(ctx, ports.DescriptionRelation, key, descriptions)
	if err != nil {
		return relationEdgeData{}, false, err
	}

	newFilePaths := make([]string, 0, len(survivors))
	for _, r := range survivors {
		if r.FilePath != "" {
			newFilePaths = append(newFilePaths, r.FilePath)
		}
	}
	filePaths, fpTruncated := LimitIDs(UnionIDs(existingFilePaths, newFilePaths), cfg.MaxFilePaths, cfg.Method)
	filePathList := filePaths
	if marker := truncateMarker(fpTruncated, cfg.Method); marker != "" {
		filePathList = append(append([]string{}, filePaths...), marker)
	}

	props := map[string]any{
		"weight":      weight,
		"keywords":    keywords,
		"description": merged,
		"source_id":   strings.Join(limitedIDs, model.Sep),
		"file_path":   strings.Join(filePathList, model.Sep),
		"created_at":  m.now().Unix(),
		"truncate":    nodeTruncateValue(truncated, cfg.Method, len(limitedIDs), len(union)),
	}

	return relationEdgeData{
		pair:     pair,
		props:    props,
		embedKey: keywords + "\t" + pair.A + "\n" + pair.B + "\n" + merged,
	}, true, nil
}

// materializeEndpoint creates a placeholder node for an entity name that
// appears as a relation endpoint but was not upserted during Phase 1. It
// never overwrites a node that already exists in the graph, whether from
// this document's Phase 1 or from a prior document entirely, and reports
// whether it actually created one.
func (m *RelationMerger) materializeEndpoint(ctx context.Context, name string, relations []model.Relation) (bool, error) {
	has, err := m.graph.HasNode(ctx, ids.Entity(name))
	if err != nil {
		return false, model.Wrap("relation.materializeEndpoint", name, model.ErrStoreIO)
	}
	if has {
		return false, nil
	}

	var chunkIDs, filePaths []string
	seenChunk := map[string]bool{}
	seenPath := map[string]bool{}
	var descs []string
	seenDesc := map[string]bool{}
	for _, r := range relations {
		if r.SourceName != name && r.TargetName != name {
			continue
		}
		if !seenChunk[r.SourceChunkID] {
			seenChunk[r.SourceChunkID] = true
			chunkIDs = append(chunkIDs, r.SourceChunkID)
		}
		if r.FilePath != "" && !seenPath[r.FilePath] {
			seenPath[r.FilePath] = true
			filePaths = append(filePaths, r.FilePath)
		}
		if r.Description != "" && !seenDesc[r.Description] {
			seenDesc[r.Description] = true
			descs = append(descs, r.Description)
		}
	}
	props := map[string]any{
		"entity_id":   ids.Entity(name),
		"entity_type": "UNKNOWN",
		"description": strings.Join(descs, model.Sep),
		"source_id":   strings.Join(chunkIDs, model.Sep),
		"file_path":   strings.Join(filePaths, model.Sep),
		"created_at":  m.now().Unix(),
		"truncate":    "",
	}
	if err := m.graph.UpsertNode(ctx, ids.Entity(name), props); err != nil {
		return false, model.Wrap("relation.materializeEndpoint", name, model.ErrStoreIO)
	}
	return true, nil
}
