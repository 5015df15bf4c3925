// Package orchestrator implements Insert, the single entry point that
// turns a document's raw content into chunks, entities, relations, and
// persisted graph/vector/key-value state. Grounded on
// engine/ingest.NewPipeline's nested fn.Then composition, generalized
// from a linear Validate->Parse->ChunkDoc->Embed->Store chain into the
// branching chunk-then-merge-then-index chain this pipeline requires.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/chunker"
	"github.com/WessleyAI/wessley-mvp/internal/chunkproc"
	"github.com/WessleyAI/wessley-mvp/internal/ids"
	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/merge"
	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/ports"
	"github.com/WessleyAI/wessley-mvp/internal/queue"
	"github.com/WessleyAI/wessley-mvp/pkg/fn"
)

// storedChunk is the textChunks record for a single chunk.
type storedChunk struct {
	Content         string `json:"content"`
	Tokens          int    `json:"tokens"`
	ChunkOrderIndex int    `json:"chunk_order_index"`
	FullDocID       string `json:"full_doc_id"`
	FilePath        string `json:"file_path"`
}

// storedDoc is the fullDocs record for a single document.
type storedDoc struct {
	Content string `json:"content"`
}

// Config bundles the tunables Insert needs at call time. SourceIDsMethod
// is snapshotted once per Insert call and threaded explicitly through
// entity/relation merging rather than re-read from a mutable config mid-
// merge, so concurrent Inserts cannot observe a policy change partway
// through a single document's merge.
type Config struct {
	ChunkTokenSize        int
	ChunkOverlapTokenSize int
	ChunkWorkers          int
	EntityTypes           []string
	MaxEntities           int
	MaxRelationships      int
	MaxSourceIDsPerEntity int
	MaxSourceIDsPerRelation int
	MaxFilePaths          int
	SourceIDsMethod       model.SourceIDsMethod
	VectorCollectionBase  string
}

// Orchestrator wires the chunker, chunk processor, entity/relation
// mergers, index updater, and the key-value stores that back document
// state into a single Insert operation.
type Orchestrator struct {
	chunker      *chunker.Chunker
	chunkProc    *chunkproc.Processor
	entityMerger *merge.EntityMerger
	relMerger    *merge.RelationMerger
	indexUpdater *merge.IndexUpdater
	vectors      ports.VectorStore

	textChunks *kvstore.KVStore[json.RawMessage]
	fullDocs   *kvstore.KVStore[json.RawMessage]

	flush []func(context.Context) error

	bus    *queue.ProgressBus
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New builds an Orchestrator. flush lists every KVStore's
// IndexDoneCallback so step 8 can flush them all uniformly.
func New(
	ch *chunker.Chunker,
	cp *chunkproc.Processor,
	em *merge.EntityMerger,
	rm *merge.RelationMerger,
	iu *merge.IndexUpdater,
	vectors ports.VectorStore,
	textChunks, fullDocs *kvstore.KVStore[json.RawMessage],
	flush []func(context.Context) error,
	bus *queue.ProgressBus,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		chunker: ch, chunkProc: cp, entityMerger: em, relMerger: rm, indexUpdater: iu,
		vectors: vectors, textChunks: textChunks, fullDocs: fullDocs, flush: flush,
		bus: bus, cfg: cfg, logger: logger, now: time.Now,
	}
}

// Insert ingests content into the knowledge graph and vector index,
// returning the document id (existing or newly computed). filePath
// labels every derived entity/relation/chunk for provenance.
func (o *Orchestrator) Insert(ctx context.Context, content, ragDocumentID, filePath string) (string, error) {
	docID := ragDocumentID
	if docID == "" {
		docID = ids.Doc(content)
	}

	if _, exists, err := o.fullDocs.GetByID(ctx, docID); err != nil {
		return "", err
	} else if exists {
		return docID, nil
	}

	o.emit(docID, model.StageDocumentChunking, 0, 0, "chunking document")
	chunks, err := o.chunker.Chunk(content, docID, filePath, chunker.ChunkOptions{
		ChunkTokenSize:        o.cfg.ChunkTokenSize,
		ChunkOverlapTokenSize: o.cfg.ChunkOverlapTokenSize,
	})
	if err != nil {
		return "", err
	}

	o.emit(docID, model.StageStoringTextChunks, 0, 0, "storing text chunks")
	if err := o.storeTextChunks(ctx, docID, filePath, chunks); err != nil {
		return "", err
	}

	o.emit(docID, model.StageProcessingChunks, 0, len(chunks), "processing chunks")
	results := o.processChunks(ctx, docID, chunks)
	o.emit(docID, model.StageProcessingChunks, len(chunks), len(chunks), "processing chunks")

	o.emit(docID, model.StageStoringChunkVectors, 0, 0, "storing chunk vectors")
	if err := o.storeChunkVectors(ctx, results); err != nil {
		return "", err
	}

	entitiesByName, relationsByPair := collect(results)

	o.emit(docID, model.StageMergingEntities, 0, len(entitiesByName), "merging entities")
	mergedNames, err := o.entityMerger.Merge(ctx, entitiesByName, merge.EntityMergeConfig{
		MaxSourceIDs: o.cfg.MaxSourceIDsPerEntity,
		MaxFilePaths: o.cfg.MaxFilePaths,
		Method:       o.cfg.SourceIDsMethod,
	}, func(current, total int) {
		o.emit(docID, model.StageMergingEntities, current, total, "merging entities")
	})
	if err != nil {
		return "", err
	}
	existingNames := make(map[string]bool, len(mergedNames))
	for _, n := range mergedNames {
		existingNames[n] = true
	}

	o.emit(docID, model.StageMergingRelations, 0, len(relationsByPair), "merging relations")
	mergedPairs, materialized, err := o.relMerger.Merge(ctx, relationsByPair, existingNames, merge.RelationMergeConfig{
		MaxSourceIDs: o.cfg.MaxSourceIDsPerRelation,
		MaxFilePaths: o.cfg.MaxFilePaths,
		Method:       o.cfg.SourceIDsMethod,
	}, func(current, total int) {
		o.emit(docID, model.StageMergingRelations, current, total, "merging relations")
	})
	if err != nil {
		return "", err
	}

	finalNames := append(mergedNames, materialized...)

	o.emit(docID, model.StageUpdatingStorage, 0, 0, "updating index")
	if err := o.indexUpdater.Update(ctx, docID, finalNames, mergedPairs); err != nil {
		return "", err
	}

	o.emit(docID, model.StageStoringFullDocument, 0, 0, "storing document record")
	raw, err := json.Marshal(storedDoc{Content: content})
	if err != nil {
		return "", model.Wrap("orchestrator.Insert", "marshal doc", model.ErrStoreIO)
	}
	if err := o.fullDocs.Upsert(ctx, map[string]json.RawMessage{docID: raw}); err != nil {
		return "", err
	}

	o.emit(docID, model.StagePersisting, 0, 0, "flushing stores")
	for _, f := range o.flush {
		if err := f(ctx); err != nil {
			return "", err
		}
	}

	o.emit(docID, model.StageCompleted, 0, 0, "completed")
	return docID, nil
}

func (o *Orchestrator) storeTextChunks(ctx context.Context, docID, filePath string, chunks []model.Chunk) error {
	kv := make(map[string]json.RawMessage, len(chunks))
	for _, c := range chunks {
		raw, err := json.Marshal(storedChunk{
			Content: c.Content, Tokens: c.TokenCount, ChunkOrderIndex: c.OrderIndex,
			FullDocID: docID, FilePath: filePath,
		})
		if err != nil {
			return model.Wrap("orchestrator.storeTextChunks", c.ID, model.ErrStoreIO)
		}
		kv[c.ID] = raw
	}
	return o.textChunks.Upsert(ctx, kv)
}

type chunkOutcome struct {
	result model.ChunkResult
	err    error
}

func (o *Orchestrator) processChunks(ctx context.Context, docID string, chunks []model.Chunk) []model.ChunkResult {
	workers := o.cfg.ChunkWorkers
	if workers <= 0 {
		workers = len(chunks)
	}
	outcomes := fn.ParMap(chunks, workers, func(c model.Chunk) chunkOutcome {
		r, err := o.chunkProc.Process(ctx, c)
		return chunkOutcome{result: r, err: err}
	})

	results := make([]model.ChunkResult, 0, len(outcomes))
	for i, oc := range outcomes {
		if oc.err != nil {
			o.logger.Error("chunk processing failed, skipping", "docId", docID, "chunkId", chunks[i].ID, "error", oc.err)
			continue
		}
		results = append(results, oc.result)
	}
	return results
}

func (o *Orchestrator) storeChunkVectors(ctx context.Context, results []model.ChunkResult) error {
	if len(results) == 0 {
		return nil
	}
	records := make([]ports.VectorRecord, 0, len(results))
	for _, r := range results {
		records = append(records, ports.VectorRecord{
			ID:     r.ChunkID,
			Vector: r.Embedding,
			Metadata: map[string]string{"chunk_id": r.ChunkID},
		})
	}
	return o.vectors.Upsert(ctx, o.cfg.VectorCollectionBase+"_chunks", records)
}

func collect(results []model.ChunkResult) (map[string][]model.Entity, map[merge.PairKey][]model.Relation) {
	entitiesByName := make(map[string][]model.Entity)
	relationsByPair := make(map[merge.PairKey][]model.Relation)
	for _, r := range results {
		for _, e := range r.Entities {
			entitiesByName[e.Name] = append(entitiesByName[e.Name], e)
		}
		for _, rel := range r.Relations {
			pair := merge.SortedPair(rel.SourceName, rel.TargetName)
			relationsByPair[pair] = append(relationsByPair[pair], rel)
		}
	}
	return entitiesByName, relationsByPair
}

func (o *Orchestrator) emit(docID string, stage model.Stage, current, total int, description string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(model.TaskState{DocID: docID, Stage: stage, Current: current, Total: total, Description: description})
}
