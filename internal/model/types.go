// Package model defines the core data types shared across the ingestion
// pipeline, merge engine, and task queue.
package model

import "time"

// Document is the immutable input to the Orchestrator.
type Document struct {
	DocID    string
	Content  string
	FilePath string
}

// Chunk is a token-bounded fragment of a Document.
type Chunk struct {
	ID         string
	Content    string
	TokenCount int
	OrderIndex int
	DocID      string
	FilePath   string
}

// Entity is a named thing extracted from a chunk.
type Entity struct {
	Name        string
	Type        string
	Description string
	SourceID    string // chunk id
	FilePath    string
	Timestamp   int64
}

// Relation is a directed-in-extraction, undirected-in-storage edge between
// two entity names.
type Relation struct {
	SourceName    string
	TargetName    string
	Keywords      string // comma-joined
	Description   string
	Weight        float64
	SourceChunkID string
	FilePath      string
	Timestamp     int64
}

// ExtractResult is the output of entity/relation extraction for one chunk.
type ExtractResult struct {
	Entities  []Entity
	Relations []Relation
}

// ChunkResult is the output of ChunkProcessor.Process.
type ChunkResult struct {
	ChunkID   string
	Embedding []float32
	Entities  []Entity
	Relations []Relation
}

// GraphNode is the persisted form of a merged Entity.
type GraphNode struct {
	EntityID    string
	EntityType  string
	Description string
	SourceID    string // <SEP>-joined chunk ids
	FilePath    string // <SEP>-joined file paths
	CreatedAt   int64
	Truncate    string
}

// GraphEdge is the persisted form of a merged Relation.
type GraphEdge struct {
	Description string
	Keywords    string // comma-joined, deduped, sorted
	Weight      float64
	SourceID    string
	FilePath    string
	CreatedAt   int64
	Truncate    string
}

// TaskStatus enumerates the lifecycle of a Task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "Pending"
	StatusProcessing TaskStatus = "Processing"
	StatusCompleted  TaskStatus = "Completed"
	StatusFailed     TaskStatus = "Failed"
)

// Stage enumerates ingestion progress stages.
type Stage string

const (
	StageDocumentChunking   Stage = "DocumentChunking"
	StageProcessingChunks   Stage = "ProcessingChunks"
	StageStoringTextChunks  Stage = "StoringTextChunks"
	StageStoringChunkVectors Stage = "StoringChunkVectors"
	StageMergingEntities    Stage = "MergingEntities"
	StageMergingRelations   Stage = "MergingRelations"
	StageUpdatingStorage    Stage = "UpdatingStorage"
	StageStoringFullDocument Stage = "StoringFullDocument"
	StagePersisting         Stage = "Persisting"
	StageCompleted          Stage = "Completed"
)

// countableStages report current/total progress; others are marker-only.
var countableStages = map[Stage]bool{
	StageProcessingChunks: true,
	StageMergingEntities:  true,
	StageMergingRelations: true,
}

// IsCountable reports whether a stage carries a current/total progress pair.
func (s Stage) IsCountable() bool { return countableStages[s] }

// TaskState is a single progress event emitted on the ProgressBus.
type TaskState struct {
	DocID       string
	Stage       Stage
	Current     int
	Total       int
	Description string
	Details     map[string]string
}

// Task is a unit of ingestion work tracked by the TaskQueue.
type Task struct {
	TaskID        string     `json:"taskId"`
	DocumentID    string     `json:"documentId"`
	RagDocumentID string     `json:"ragDocumentId"`
	Content       string     `json:"content"`
	FilePath      string     `json:"filePath"`
	Status        TaskStatus `json:"status"`
	CurrentStage  Stage      `json:"currentStage,omitempty"`
	Progress      *int       `json:"progress,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
}

// SourceIDsMethod is the windowing policy applied to chunk-id lists.
type SourceIDsMethod string

const (
	MethodFIFO SourceIDsMethod = "FIFO"
	MethodKEEP SourceIDsMethod = "KEEP"
)

// Sep is the literal separator used to join list-typed graph properties.
const Sep = "<SEP>"
