package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/ids"
	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/ports"
)

// EntityMergeConfig bounds Phase 1 windowing.
type EntityMergeConfig struct {
	MaxSourceIDs int
	MaxFilePaths int
	Method       model.SourceIDsMethod
}

// EntityMerger performs Phase 1 of the knowledge-graph merge: for every
// entity name observed in a document, it reconciles incoming mentions
// with any existing graph node, merges descriptions, and upserts both the
// graph node and its vector record. Grounded on engine/graph.SaveBatch's
// build-then-batch-upsert shape.
type EntityMerger struct {
	graph      ports.GraphStore
	vectors    ports.VectorStore
	embed      ports.EmbeddingClient
	chunkIndex *kvstore.KVStore[[]string]
	descMerger *DescriptionMerger
	collection string
	logger     *slog.Logger
	now        func() time.Time
}

// NewEntityMerger builds an EntityMerger. chunkIndex is the entity_chunks
// KVStore holding the unlimited, order-preserving chunk-id union per
// entity name.
func NewEntityMerger(graph ports.GraphStore, vectors ports.VectorStore, embed ports.EmbeddingClient, chunkIndex *kvstore.KVStore[[]string], descMerger *DescriptionMerger, collection string, logger *slog.Logger) *EntityMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityMerger{graph: graph, vectors: vectors, embed: embed, chunkIndex: chunkIndex, descMerger: descMerger, collection: collection, logger: logger, now: time.Now}
}

type entityNodeData struct {
	name     string
	entityID string
	props    map[string]any
	embedKey string // "{name}\n{description}"
}

// MergeProgress reports Phase 1 current/total boundaries (stage =
// MergingEntities).
type MergeProgress func(current, total int)

// Merge reconciles byName (entity name -> observed mentions from this
// document's chunks) against the graph, returning the set of names that
// were successfully upserted (names that failed with MissingDescription
// are skipped, not included, and logged).
func (m *EntityMerger) Merge(ctx context.Context, byName map[string][]model.Entity, cfg EntityMergeConfig, onProgress MergeProgress) ([]string, error) {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var records []entityNodeData
	for i, name := range names {
		data, ok, err := m.buildNodeData(ctx, name, byName[name], cfg)
		if err != nil {
			if errors.Is(err, model.ErrMissingDescription) {
				if onProgress != nil {
					onProgress(i+1, len(names))
				}
				continue
			}
			return nil, err
		}
		if ok {
			records = append(records, data)
		}
		if onProgress != nil {
			onProgress(i+1, len(names))
		}
	}

	if len(records) == 0 {
		return nil, nil
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.embedKey
	}
	embeddings, err := m.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, model.Wrap("entity.Merge", "batch embed", model.ErrChunkProcessingFailed)
	}

	merged := make([]string, 0, len(records))
	var vectorRecords []ports.VectorRecord
	for i, r := range records {
		if err := m.graph.UpsertNode(ctx, r.entityID, r.props); err != nil {
			return nil, model.Wrap("entity.Merge", r.name, model.ErrStoreIO)
		}
		var vec []float32
		if i < len(embeddings) {
			vec = embeddings[i]
		}
		vectorRecords = append(vectorRecords, ports.VectorRecord{
			ID:     ids.Entity(r.name),
			Vector: vec,
			Metadata: map[string]string{
				"content":     r.embedKey,
				"entity_name": r.name,
				"source_id":   fmt.Sprint(r.props["source_id"]),
				"file_path":   fmt.Sprint(r.props["file_path"]),
			},
		})
		merged = append(merged, r.name)
	}
	if err := m.vectors.Upsert(ctx, m.collection, vectorRecords); err != nil {
		return nil, model.Wrap("entity.Merge", "vector upsert", model.ErrStoreIO)
	}

	return merged, nil
}

func (m *EntityMerger) buildNodeData(ctx context.Context, name string, incoming []model.Entity, cfg EntityMergeConfig) (entityNodeData, bool, error) {
	entityID := ids.Entity(name)

	existingType, existingSourceIDs, existingFilePaths, existingDescriptions, hadExisting, err := m.loadExisting(ctx, entityID)
	if err != nil {
		return entityNodeData{}, false, err
	}

	unlimited, err := m.chunkIndexUnion(ctx, name, existingSourceIDs, incoming)
	if err != nil {
		return entityNodeData{}, false, err
	}

	limitedIDs, truncated := LimitIDs(unlimited, cfg.MaxSourceIDs, cfg.Method)
	window := toSet(limitedIDs)

	existingHadEnough := cfg.Method == model.MethodKEEP && len(existingSourceIDs) >= cfg.MaxSourceIDs && cfg.MaxSourceIDs > 0

	survivors := make([]model.Entity, 0, len(incoming))
	for _, e := range incoming {
		if cfg.Method == model.MethodKEEP && !window[e.SourceID] {
			continue
		}
		survivors = append(survivors, e)
	}

	if existingHadEnough && len(survivors) == 0 && hadExisting {
		return entityNodeData{}, false, nil
	}

	typeCounts := make(map[string]int)
	typeOrder := []string{}
	countType := func(t string) {
		if t == "" {
			return
		}
		if _, ok := typeCounts[t]; !ok {
			typeOrder = append(typeOrder, t)
		}
		typeCounts[t]++
	}
	countType(existingType)
	for _, e := range survivors {
		countType(e.Type)
	}
	entityType := majority(typeCounts, typeOrder, "UNKNOWN")

	var newDescs []TimestampedDescription
	for _, e := range survivors {
		if e.Description != "" {
			newDescs = append(newDescs, TimestampedDescription{Text: e.Description, Timestamp: e.Timestamp})
		}
	}
	descriptions := DedupeDescriptions(existingDescriptions, newDescs)
	if len(descriptions) == 0 {
		m.logger.Error("entity merge: no descriptions survived", "entity", name)
		return entityNodeData{}, false, model.Wrap("entity.buildNodeData", name, model.ErrMissingDescription)
	}

	merged, _, err := m.descMerger.Merge(ctx, ports.DescriptionEntity, name, descriptions)
	if err != nil {
		return entityNodeData{}, false, err
	}

	newFilePaths := make([]string, 0, len(survivors))
	for _, e := range survivors {
		if e.FilePath != "" {
			newFilePaths = append(newFilePaths, e.FilePath)
		}
	}
	filePaths, fpTruncated := LimitIDs(UnionIDs(existingFilePaths, newFilePaths), cfg.MaxFilePaths, cfg.Method)
	filePathList := filePaths
	if marker := truncateMarker(fpTruncated, cfg.Method); marker != "" {
		filePathList = append(append([]string{}, filePaths...), marker)
	}
	truncateValue := nodeTruncateValue(truncated, cfg.Method, len(limitedIDs), len(unlimited))

	props := map[string]any{
		"entity_id":   entityID,
		"entity_type": entityType,
		"description": merged,
		"source_id":   strings.Join(limitedIDs, model.Sep),
		"file_path":   strings.Join(filePathList, model.Sep),
		"created_at":  m.now().Unix(),
		"truncate":    truncateValue,
	}

	return entityNodeData{
		name:     name,
		entityID: entityID,
		props:    props,
		embedKey: name + "\n" + merged,
	}, true, nil
}

func (m *EntityMerger) loadExisting(ctx context.Context, entityID string) (entityType string, sourceIDs, filePaths, descriptions []string, hadExisting bool, err error) {
	has, err := m.graph.HasNode(ctx, entityID)
	if err != nil {
		return "", nil, nil, nil, false, model.Wrap("entity.loadExisting", entityID, model.ErrStoreIO)
	}
	if !has {
		return "", nil, nil, nil, false, nil
	}
	node, err := m.graph.GetNode(ctx, entityID)
	if err != nil {
		return "", nil, nil, nil, false, model.Wrap("entity.loadExisting", entityID, model.ErrStoreIO)
	}
	entityType = str(node.Props["entity_type"])
	sourceIDs = splitSep(str(node.Props["source_id"]))
	filePaths = splitSep(str(node.Props["file_path"]))
	if d := str(node.Props["description"]); d != "" {
		descriptions = []string{d}
	}
	return entityType, sourceIDs, filePaths, descriptions, true, nil
}

func (m *EntityMerger) chunkIndexUnion(ctx context.Context, name string, fallback []string, incoming []model.Entity) ([]string, error) {
	existing, ok, err := m.chunkIndex.GetByID(ctx, name)
	if err != nil {
		return nil, model.Wrap("entity.chunkIndexUnion", name, model.ErrStoreIO)
	}
	if !ok {
		existing = fallback
	}
	incomingIDs := make([]string, 0, len(incoming))
	for _, e := range incoming {
		incomingIDs = append(incomingIDs, e.SourceID)
	}
	union := UnionIDs(existing, incomingIDs)
	if err := m.chunkIndex.Upsert(ctx, map[string][]string{name: union}); err != nil {
		return nil, err
	}
	return union, nil
}

func majority(counts map[string]int, order []string, fallback string) string {
	best := fallback
	bestCount := 0
	for _, k := range order {
		if counts[k] > bestCount {
			best = k
			bestCount = counts[k]
		}
	}
	return best
}

func splitSep(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, model.Sep)
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
