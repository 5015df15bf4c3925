// Package llmclient implements ports.LLMClient and ports.EmbeddingClient on
// top of an Ollama-compatible HTTP API, generalizing pkg/ollama.EmbedClient's
// single-text /api/embeddings call into a batch-capable client, and
// cmd/chat/main.go's /api/chat NDJSON streaming loop into GenerateStream.
// ExtractEntitiesAndRelations and Summarise are plain non-streaming
// completions against /api/chat with a JSON-only system prompt.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/WessleyAI/wessley-mvp/internal/ports"
	"github.com/WessleyAI/wessley-mvp/pkg/resilience"
)

// Client is an Ollama-backed implementation of ports.LLMClient and
// ports.EmbeddingClient. Every outbound call passes through a rate
// limiter and circuit breaker, the same pkg/resilience primitives
// engine/ingest.NewEmbed wraps its provider calls with.
type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
	limiter    *resilience.Limiter
	breaker    *resilience.Breaker
}

// New builds a Client. chatModel drives Generate/GenerateStream/extraction/
// summarisation; embedModel drives Embed/EmbedBatch.
func New(baseURL, chatModel, embedModel string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{},
		limiter:    resilience.NewLimiter(resilience.LimiterOpts{Rate: 8, Burst: 16}),
		breaker:    resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

// post sends body to baseURL+path through the rate limiter and circuit
// breaker, returning the raw response for the caller to decode and close.
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return fmt.Errorf("llmclient: %s: status %d", path, r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: %s: %w", path, err)
	}
	return resp, nil
}

var (
	_ ports.LLMClient       = (*Client)(nil)
	_ ports.EmbeddingClient = (*Client)(nil)
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (c *Client) doChat(ctx context.Context, prompt string, opts ports.GenerateOptions, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.chatModel,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   stream,
		Options:  map[string]any{"temperature": opts.Temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal chat request: %w", err)
	}
	return c.post(ctx, "/api/chat", body)
}

// Generate performs a single non-streaming completion.
func (c *Client) Generate(ctx context.Context, prompt string, opts ports.GenerateOptions) (string, error) {
	resp, err := c.doChat(ctx, prompt, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chunk chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", fmt.Errorf("llmclient: decode chat response: %w", err)
	}
	return chunk.Message.Content, nil
}

// GenerateStream streams tokens as they arrive, following cmd/chat/main.go's
// NDJSON scan loop. The returned channel is closed when the stream ends or
// ctx is cancelled.
func (c *Client) GenerateStream(ctx context.Context, prompt string, opts ports.GenerateOptions) (<-chan string, error) {
	resp, err := c.doChat(ctx, prompt, opts, true)
	if err != nil {
		return nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk chatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Message.Content != "" {
				select {
				case out <- chunk.Message.Content:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}()
	return out, nil
}

const extractionSystemPrompt = `You extract entities and relations from text as strict JSON with keys
"entities" (name, type, description) and "relations" (source_name, target_name, keywords, description, weight).
Only use these entity types: %s. Return at most %d entities and %d relations. Respond with JSON only, no prose.`

type extractionWire struct {
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
	Relations []struct {
		SourceName  string  `json:"source_name"`
		TargetName  string  `json:"target_name"`
		Keywords    string  `json:"keywords"`
		Description string  `json:"description"`
		Weight      float64 `json:"weight"`
	} `json:"relations"`
}

// ExtractEntitiesAndRelations asks the chat model to extract structured
// entities/relations from text, following the system-prompt-plus-JSON-body
// pattern cmd/chat/main.go uses for its system/user message pair.
func (c *Client) ExtractEntitiesAndRelations(ctx context.Context, text string, entityTypes []string, temperature float32, maxEntities, maxRelationships int) (ports.Extraction, error) {
	system := fmt.Sprintf(extractionSystemPrompt, strings.Join(entityTypes, ", "), maxEntities, maxRelationships)
	body, err := json.Marshal(chatRequest{
		Model: c.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: text},
		},
		Stream: false,
		Options: map[string]any{"temperature": temperature},
	})
	if err != nil {
		return ports.Extraction{}, fmt.Errorf("llmclient: marshal extraction request: %w", err)
	}
	resp, err := c.post(ctx, "/api/chat", body)
	if err != nil {
		return ports.Extraction{}, err
	}
	defer resp.Body.Close()

	var chunk chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return ports.Extraction{}, fmt.Errorf("llmclient: decode extraction response: %w", err)
	}

	var wire extractionWire
	if err := json.Unmarshal([]byte(chunk.Message.Content), &wire); err != nil {
		return ports.Extraction{}, fmt.Errorf("llmclient: parse extraction JSON: %w", err)
	}

	out := ports.Extraction{
		Entities:  make([]ports.ExtractedEntity, 0, len(wire.Entities)),
		Relations: make([]ports.ExtractedRelation, 0, len(wire.Relations)),
	}
	for _, e := range wire.Entities {
		out.Entities = append(out.Entities, ports.ExtractedEntity{Name: e.Name, Type: e.Type, Description: e.Description})
	}
	for _, r := range wire.Relations {
		out.Relations = append(out.Relations, ports.ExtractedRelation{
			SourceName: r.SourceName, TargetName: r.TargetName,
			Keywords: r.Keywords, Description: r.Description, Weight: r.Weight,
		})
	}
	return out, nil
}

// Summarise asks the chat model to merge several descriptions of the same
// entity or relation into one, aiming for targetLen words.
func (c *Client) Summarise(ctx context.Context, kind ports.DescriptionKind, name string, descriptions []string, targetLen int) (string, error) {
	prompt := fmt.Sprintf(
		"Combine the following descriptions of the %s \"%s\" into a single coherent description of about %d words. Keep all distinct facts.\n\n%s",
		strings.ToLower(string(kind)), name, targetLen, strings.Join(descriptions, "\n---\n"),
	)
	return c.Generate(ctx, prompt, ports.GenerateOptions{Temperature: 0.2})
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed computes a single embedding vector via /api/embeddings.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal embed request: %w", err)
	}
	resp, err := c.post(ctx, "/api/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("llmclient: decode embed response: %w", err)
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// EmbedBatch embeds each text sequentially, matching pkg/ollama.EmbedClient's
// EmbedBatch loop (the Ollama HTTP API has no native batch endpoint).
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("llmclient: embed batch [%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
