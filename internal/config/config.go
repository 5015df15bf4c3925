// Package config loads typed configuration from the environment,
// generalizing cmd/api/main.go's loadConfig/envOr pair into a package both
// cmd/ragqueue and tests can import, with envOrInt/envOrDuration/envOrFloat
// added for the ingestion pipeline's numeric and duration-valued knobs.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/model"
)

// Config holds every environment-driven setting the ragqueue service needs.
type Config struct {
	Port string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	QdrantURL       string
	EmbeddingDims   int
	VectorBaseName  string

	OllamaURL  string
	ChatModel  string
	EmbedModel string

	WorkDir   string
	StateFile string

	ChunkTokenSize        int
	ChunkOverlapTokenSize int
	ChunkWorkers          int

	MaxEntities         int
	MaxRelationships    int
	ExtractionTemperature float32

	MaxSourceIDsPerEntity   int
	MaxSourceIDsPerRelation int
	MaxFilePaths            int
	SourceIDsLimitMethod    model.SourceIDsMethod

	SummaryContextSize       int
	SummaryMaxTokens         int
	ForceLLMSummaryOnMerge   int
	SummaryLengthRecommended int

	DefaultMaxRetries int
	PollInterval      time.Duration

	NATSURL string
}

// Load reads Config from the environment, falling back to the teacher's
// defaults for the fields it shares (PORT, NEO4J_*, QDRANT_*) and adding
// queue/merge-specific defaults for the rest.
func Load() Config {
	return Config{
		Port: envOr("PORT", "8080"),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		EmbeddingDims:  envOrInt("EMBEDDING_DIMS", 768),
		VectorBaseName: envOr("VECTOR_BASE_NAME", "base"),

		OllamaURL:  envOr("OLLAMA_URL", "http://localhost:11434"),
		ChatModel:  envOr("CHAT_MODEL", "llama3"),
		EmbedModel: envOr("EMBED_MODEL", "nomic-embed-text"),

		WorkDir:   envOr("WORKDIR", "/tmp/ragqueue-data"),
		StateFile: envOr("QUEUE_STATE_FILE", "/tmp/ragqueue-data/tasks.json"),

		ChunkTokenSize:        envOrInt("CHUNK_TOKEN_SIZE", 1200),
		ChunkOverlapTokenSize: envOrInt("CHUNK_OVERLAP_TOKEN_SIZE", 100),
		ChunkWorkers:          envOrInt("CHUNK_WORKERS", 4),

		MaxEntities:           envOrInt("MAX_ENTITIES_PER_CHUNK", 20),
		MaxRelationships:      envOrInt("MAX_RELATIONSHIPS_PER_CHUNK", 20),
		ExtractionTemperature: float32(envOrFloat("EXTRACTION_TEMPERATURE", 0.3)),

		MaxSourceIDsPerEntity:   envOrInt("MAX_SOURCE_IDS_PER_ENTITY", 100),
		MaxSourceIDsPerRelation: envOrInt("MAX_SOURCE_IDS_PER_RELATION", 100),
		MaxFilePaths:            envOrInt("MAX_FILE_PATHS", 100),
		SourceIDsLimitMethod:    model.SourceIDsMethod(envOr("SOURCE_IDS_LIMIT_METHOD", string(model.MethodFIFO))),

		SummaryContextSize:       envOrInt("SUMMARY_CONTEXT_SIZE", 12000),
		SummaryMaxTokens:         envOrInt("SUMMARY_MAX_TOKENS", 500),
		ForceLLMSummaryOnMerge:   envOrInt("FORCE_LLM_SUMMARY_ON_MERGE", 4),
		SummaryLengthRecommended: envOrInt("SUMMARY_LENGTH_RECOMMENDED", 200),

		DefaultMaxRetries: envOrInt("DEFAULT_MAX_RETRIES", 3),
		PollInterval:      envOrDuration("POLL_INTERVAL", 5*time.Second),

		NATSURL: envOr("NATS_URL", ""),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
