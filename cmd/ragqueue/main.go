// Command ragqueue runs the document ingestion task queue: it accepts
// documents (enqueued locally, or over NATS when NATS_URL is set),
// chunks and embeds them, merges extracted entities/relations into Neo4j
// and Qdrant, and serves Prometheus-style metrics. Grounded on
// cmd/ingest/main.go's connect-verify-serve shape, replacing its
// directory-scan loop with internal/queue.Processor's NextPending poll.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-mvp/internal/chunker"
	"github.com/WessleyAI/wessley-mvp/internal/chunkproc"
	"github.com/WessleyAI/wessley-mvp/internal/config"
	"github.com/WessleyAI/wessley-mvp/internal/graphstore"
	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/llmclient"
	"github.com/WessleyAI/wessley-mvp/internal/merge"
	"github.com/WessleyAI/wessley-mvp/internal/orchestrator"
	"github.com/WessleyAI/wessley-mvp/internal/queue"
	"github.com/WessleyAI/wessley-mvp/internal/tokenizer"
	"github.com/WessleyAI/wessley-mvp/internal/vectorstore"
	"github.com/WessleyAI/wessley-mvp/pkg/metrics"
	"github.com/WessleyAI/wessley-mvp/pkg/mid"
	"github.com/WessleyAI/wessley-mvp/pkg/natsutil"
)

var met = metrics.New()

var (
	mTasksEnqueued = met.Counter("ragqueue_tasks_enqueued_total", "Total tasks enqueued")
	mTasksDLQ      = met.Counter("ragqueue_tasks_dlq_total", "Total tasks rejected to the dead letter subject")
	mQueueDepth    = met.Gauge("ragqueue_queue_depth", "Tasks currently tracked in memory")
)

// enqueueRequest is the wire shape accepted on the ragqueue.enqueue
// subject, mirroring TaskQueue.Enqueue's parameters.
type enqueueRequest struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	FilePath   string `json:"filePath"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		logger.Error("create workdir failed", "error", err)
		os.Exit(1)
	}

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		logger.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		logger.Error("neo4j verify failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Neo4j")
	graphStore := graphstore.New(driver)

	vecStore, err := vectorstore.New(cfg.QdrantURL, cfg.EmbeddingDims)
	if err != nil {
		logger.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vecStore.Close()
	logger.Info("connected to Qdrant", "dims", cfg.EmbeddingDims)

	llm := llmclient.New(cfg.OllamaURL, cfg.ChatModel, cfg.EmbedModel)
	logger.Info("using Ollama-compatible LLM", "chat_model", cfg.ChatModel, "embed_model", cfg.EmbedModel)

	stores, flush, err := openStores(cfg.WorkDir)
	if err != nil {
		logger.Error("open kv stores failed", "error", err)
		os.Exit(1)
	}

	tok := tokenizer.New()
	ch := chunker.New(tok)
	cp := chunkproc.New(llm, llm, stores.llmCache, chunkproc.Options{
		MaxEntities:      cfg.MaxEntities,
		MaxRelationships: cfg.MaxRelationships,
		Temperature:      cfg.ExtractionTemperature,
	})

	descMerger := merge.NewDescriptionMerger(llm, tok.CountTokens, merge.DescriptionMergeConfig{
		SummaryContextSize:       cfg.SummaryContextSize,
		SummaryMaxTokens:         cfg.SummaryMaxTokens,
		ForceLLMSummaryOnMerge:   cfg.ForceLLMSummaryOnMerge,
		SummaryLengthRecommended: cfg.SummaryLengthRecommended,
	}, logger)

	entityCollection := vectorstore.CollectionName("entities", cfg.EmbeddingDims)
	relationCollection := vectorstore.CollectionName("relations", cfg.EmbeddingDims)
	entityMerger := merge.NewEntityMerger(graphStore, vecStore, llm, stores.entityChunks, descMerger, entityCollection, logger)
	relationMerger := merge.NewRelationMerger(graphStore, vecStore, llm, stores.relationChunks, descMerger, relationCollection, logger)
	indexUpdater := merge.NewIndexUpdater(stores.fullEntities, stores.fullRelations)

	bus := queue.NewProgressBus()

	orch := orchestrator.New(ch, cp, entityMerger, relationMerger, indexUpdater, vecStore,
		stores.textChunks, stores.fullDocs, flush, bus, orchestrator.Config{
			ChunkTokenSize:          cfg.ChunkTokenSize,
			ChunkOverlapTokenSize:   cfg.ChunkOverlapTokenSize,
			ChunkWorkers:            cfg.ChunkWorkers,
			MaxEntities:             cfg.MaxEntities,
			MaxRelationships:        cfg.MaxRelationships,
			MaxSourceIDsPerEntity:   cfg.MaxSourceIDsPerEntity,
			MaxSourceIDsPerRelation: cfg.MaxSourceIDsPerRelation,
			MaxFilePaths:            cfg.MaxFilePaths,
			SourceIDsMethod:         cfg.SourceIDsLimitMethod,
			VectorCollectionBase:    vectorstore.CollectionName(cfg.VectorBaseName, cfg.EmbeddingDims),
		}, logger)

	stateStore := queue.NewTaskStateStore(cfg.StateFile)
	taskQueue := queue.New(stateStore, nil, cfg.DefaultMaxRetries)
	processor := queue.NewProcessor(taskQueue, bus, orch, logger)

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Error("nats connect failed", "error", err)
		} else {
			defer nc.Close()
			startEnqueueConsumer(ctx, logger, nc, taskQueue)
			startEventForwarder(ctx, nc, bus)
			logger.Info("listening for remote enqueue", "subject", "ragqueue.enqueue")
		}
	}

	go reportQueueDepth(ctx, taskQueue)

	go serveMetrics(logger, met.Handler())
	logger.Info("serving metrics", "port", 9092)

	logger.Info("ragqueue worker starting")
	if err := processor.Run(ctx); err != nil {
		logger.Error("processor exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ragqueue worker stopped")
}

// startEnqueueConsumer subscribes to ragqueue.enqueue, enqueueing every
// well-formed request and routing anything missing content to the dead
// letter subject instead of silently dropping it.
func startEnqueueConsumer(ctx context.Context, logger *slog.Logger, nc *nats.Conn, taskQueue *queue.TaskQueue) {
	sub, err := natsutil.Subscribe(nc, "ragqueue.enqueue", func(msgCtx context.Context, req enqueueRequest) {
		if req.Content == "" {
			mTasksDLQ.Inc()
			natsutil.Publish(msgCtx, nc, "ragqueue.enqueue.dlq", req)
			logger.Warn("rejected enqueue request with empty content", "documentId", req.DocumentID)
			return
		}
		taskID := taskQueue.Enqueue(req.DocumentID, req.Content, req.FilePath)
		mTasksEnqueued.Inc()
		logger.Info("enqueued task over nats", "taskId", taskID)
	})
	if err != nil {
		logger.Error("nats subscribe failed", "subject", "ragqueue.enqueue", "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
}

// startEventForwarder republishes every ProgressBus event onto
// ragqueue.events.{docId} so remote subscribers can track progress.
func startEventForwarder(ctx context.Context, nc *nats.Conn, bus *queue.ProgressBus) {
	ch, unsubscribe := bus.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				subject := fmt.Sprintf("ragqueue.events.%s", event.DocID)
				natsutil.Publish(ctx, nc, subject, event)
			}
		}
	}()
}

type openedStores struct {
	textChunks     *kvstore.KVStore[json.RawMessage]
	fullDocs       *kvstore.KVStore[json.RawMessage]
	fullEntities   *kvstore.KVStore[json.RawMessage]
	fullRelations  *kvstore.KVStore[json.RawMessage]
	entityChunks   *kvstore.KVStore[[]string]
	relationChunks *kvstore.KVStore[[]string]
	llmCache       *kvstore.KVStore[json.RawMessage]
}

func openStores(dir string) (openedStores, []func(context.Context) error, error) {
	textChunks, err := kvstore.Open[json.RawMessage](dir + "/text_chunks.json")
	if err != nil {
		return openedStores{}, nil, err
	}
	fullDocs, err := kvstore.Open[json.RawMessage](dir + "/full_docs.json")
	if err != nil {
		return openedStores{}, nil, err
	}
	fullEntities, err := kvstore.Open[json.RawMessage](dir + "/full_entities.json")
	if err != nil {
		return openedStores{}, nil, err
	}
	fullRelations, err := kvstore.Open[json.RawMessage](dir + "/full_relations.json")
	if err != nil {
		return openedStores{}, nil, err
	}
	entityChunks, err := kvstore.Open[[]string](dir + "/entity_chunks.json")
	if err != nil {
		return openedStores{}, nil, err
	}
	relationChunks, err := kvstore.Open[[]string](dir + "/relation_chunks.json")
	if err != nil {
		return openedStores{}, nil, err
	}
	llmCache, err := kvstore.Open[json.RawMessage](dir + "/llm_cache.json")
	if err != nil {
		return openedStores{}, nil, err
	}

	s := openedStores{
		textChunks: textChunks, fullDocs: fullDocs,
		fullEntities: fullEntities, fullRelations: fullRelations,
		entityChunks: entityChunks, relationChunks: relationChunks,
		llmCache: llmCache,
	}
	flush := []func(context.Context) error{
		textChunks.IndexDoneCallback, fullDocs.IndexDoneCallback,
		fullEntities.IndexDoneCallback, fullRelations.IndexDoneCallback,
		entityChunks.IndexDoneCallback, relationChunks.IndexDoneCallback,
		llmCache.IndexDoneCallback,
	}
	return s, flush, nil
}

// serveMetrics exposes the metrics handler on :9092 wrapped with request
// logging, replacing Registry.ServeAsync's bare mux so every scrape is
// logged the same way cmd/api/main.go logs its routes.
func serveMetrics(logger *slog.Logger, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	chained := mid.Chain(mux, mid.Logger(logger))
	if err := http.ListenAndServe(":9092", chained); err != nil {
		logger.Error("metrics server exited", "error", err)
	}
}

func reportQueueDepth(ctx context.Context, q *queue.TaskQueue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mQueueDepth.Set(int64(q.Len()))
		}
	}
}
