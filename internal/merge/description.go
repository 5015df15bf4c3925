package merge

import (
	"context"
	"log/slog"
	"sort"

	"github.com/WessleyAI/wessley-mvp/internal/model"
	"github.com/WessleyAI/wessley-mvp/internal/ports"
)

// DescriptionMergeConfig bounds the map-reduce summarisation loop.
type DescriptionMergeConfig struct {
	SummaryContextSize       int
	SummaryMaxTokens         int
	ForceLLMSummaryOnMerge   int
	SummaryLengthRecommended int
}

// CountTokens is the subset of tokenizer.Tokenizer the DescriptionMerger
// needs, kept as a function type so merge has no hard dependency on a
// concrete tokenizer implementation.
type CountTokens func(text string) int

// DescriptionMerger collapses a list of per-chunk descriptions into one,
// falling back to an LLM summariser when the combined text would not fit
// a single prompt. Grounded on the same batching discipline as
// engine/ingest.NewEmbed, applied to text reduction instead of embedding.
type DescriptionMerger struct {
	llm        ports.LLMClient
	countToken CountTokens
	cfg        DescriptionMergeConfig
	logger     *slog.Logger
}

// NewDescriptionMerger builds a DescriptionMerger.
func NewDescriptionMerger(llm ports.LLMClient, countToken CountTokens, cfg DescriptionMergeConfig, logger *slog.Logger) *DescriptionMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DescriptionMerger{llm: llm, countToken: countToken, cfg: cfg, logger: logger}
}

// Merge reduces descriptions to a single string. A list that fits the
// summary context is joined with Sep when it has fewer than
// ForceLLMSummaryOnMerge entries and fewer than SummaryMaxTokens tokens,
// and summarised via the LLM otherwise; a list over the context budget is
// map-reduced through the LLM chunk by chunk.
func (m *DescriptionMerger) Merge(ctx context.Context, kind ports.DescriptionKind, name string, descriptions []string) (string, bool, error) {
	list := append([]string(nil), descriptions...)
	if len(list) == 0 {
		return "", false, nil
	}
	if len(list) == 1 {
		return list[0], false, nil
	}

	llmWasUsed := false
	for {
		total := sumTokens(list, m.countToken)

		if total <= m.cfg.SummaryContextSize || len(list) <= 2 {
			if len(list) < m.cfg.ForceLLMSummaryOnMerge && total < m.cfg.SummaryMaxTokens {
				return joinSep(list), llmWasUsed, nil
			}
			merged, err := m.llm.Summarise(ctx, kind, name, list, m.cfg.SummaryLengthRecommended)
			if err != nil {
				return "", llmWasUsed, model.Wrap("description.Merge", string(kind)+":"+name, model.ErrChunkProcessingFailed)
			}
			return merged, true, nil
		}

		chunks := packChunks(list, m.cfg.SummaryContextSize, m.countToken, m.logger)
		next := make([]string, 0, len(chunks))
		for _, c := range chunks {
			if len(c) == 1 {
				next = append(next, c[0])
				continue
			}
			merged, err := m.llm.Summarise(ctx, kind, name, c, m.cfg.SummaryLengthRecommended)
			if err != nil {
				return "", llmWasUsed, model.Wrap("description.Merge", string(kind)+":"+name, model.ErrChunkProcessingFailed)
			}
			llmWasUsed = true
			next = append(next, merged)
		}
		list = next
	}
}

func sumTokens(list []string, count CountTokens) int {
	total := 0
	for _, d := range list {
		total += count(d)
	}
	return total
}

func joinSep(list []string) string {
	out := list[0]
	for _, d := range list[1:] {
		out += model.Sep + d
	}
	return out
}

// packChunks greedily packs descriptions into groups whose token count
// stays within budget, each group holding at least 2 descriptions unless
// a single description alone exceeds the budget (kept as its own
// singleton group) or the packing buffer held exactly one element when
// the next description overflowed it (force-packed together to avoid
// emitting two singleton groups back to back).
func packChunks(list []string, budget int, count CountTokens, logger *slog.Logger) [][]string {
	var chunks [][]string
	var buf []string
	bufTokens := 0

	flush := func() {
		if len(buf) > 0 {
			chunks = append(chunks, buf)
			buf = nil
			bufTokens = 0
		}
	}

	for _, d := range list {
		dTokens := count(d)
		if len(buf) == 0 {
			buf = append(buf, d)
			bufTokens = dTokens
			if dTokens > budget {
				logger.Warn("description exceeds summary context size on its own", "tokens", dTokens, "budget", budget)
				flush()
			}
			continue
		}
		if bufTokens+dTokens <= budget {
			buf = append(buf, d)
			bufTokens += dTokens
			continue
		}
		if len(buf) == 1 {
			// Force-pack rather than emit a singleton chunk.
			buf = append(buf, d)
			flush()
			continue
		}
		flush()
		buf = append(buf, d)
		bufTokens = dTokens
	}
	flush()
	return chunks
}

// DedupeDescriptions implements the §4.4/§4.5
// description-collection ordering: existing descriptions first, then new
// descriptions sorted by (timestamp asc, length desc), with global
// deduplication on the final text.
func DedupeDescriptions(existing []string, newDescs []TimestampedDescription) []string {
	sort.SliceStable(newDescs, func(i, j int) bool {
		if newDescs[i].Timestamp != newDescs[j].Timestamp {
			return newDescs[i].Timestamp < newDescs[j].Timestamp
		}
		return len(newDescs[i].Text) > len(newDescs[j].Text)
	})

	seen := make(map[string]bool, len(existing)+len(newDescs))
	out := make([]string, 0, len(existing)+len(newDescs))
	for _, d := range existing {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	for _, d := range newDescs {
		if d.Text == "" || seen[d.Text] {
			continue
		}
		seen[d.Text] = true
		out = append(out, d.Text)
	}
	return out
}

// TimestampedDescription pairs a description string with the timestamp of
// the entity/relation it came from, for the ordering rule collection uses
// when merging new descriptions in after existing ones.
type TimestampedDescription struct {
	Text      string
	Timestamp int64
}
