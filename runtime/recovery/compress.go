package recovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

// CompressedKey marks an observation that was replaced by its summary.
const CompressedKey = "_compressed"

// Summarizer condenses a large observation into a short text summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Compressor shrinks oversized LLM observations in a trajectory after a
// context-length failure.
type Compressor struct {
	// ThresholdChars marks observations larger than this many serialized
	// characters for compression. Zero defaults to 4096.
	ThresholdChars int
	// Summarizer produces the replacement summary. Nil uses token truncation.
	Summarizer Summarizer
}

// DefaultThresholdChars is the compression threshold when unconfigured.
const DefaultThresholdChars = 4096

// Compress walks the trajectory in step order, replacing each oversized LLM
// observation with {_compressed: true, summary: ...}. Already-compressed
// observations are skipped. The full observations are left untouched; only
// the LLM-visible form shrinks. Returns the number of steps compressed.
func (c Compressor) Compress(ctx context.Context, traj *trajectory.Trajectory) (int, error) {
	threshold := c.ThresholdChars
	if threshold <= 0 {
		threshold = DefaultThresholdChars
	}
	summarizer := c.Summarizer
	if summarizer == nil {
		summarizer = TokenTruncateSummarizer{}
	}

	compressed := 0
	for i := range traj.Steps {
		step := &traj.Steps[i]
		if step.LLMObservation == nil {
			continue
		}
		if obs, ok := step.LLMObservation.(map[string]any); ok {
			if done, _ := obs[CompressedKey].(bool); done {
				continue
			}
		}
		raw, err := json.Marshal(step.LLMObservation)
		if err != nil {
			return compressed, fmt.Errorf("recovery: serialize observation at step %d: %w", i, err)
		}
		if len(raw) <= threshold {
			continue
		}
		summary, err := summarizer.Summarize(ctx, string(raw))
		if err != nil {
			return compressed, fmt.Errorf("recovery: summarize step %d: %w", i, err)
		}
		step.LLMObservation = map[string]any{
			CompressedKey: true,
			"summary":     summary,
		}
		compressed++
	}
	return compressed, nil
}

// TokenTruncateSummarizer is the fallback summarizer: it keeps the first
// MaxTokens tokens of the text, with an ellipsis marker. It needs no LLM.
type TokenTruncateSummarizer struct {
	// Encoding is the tiktoken encoding name. Empty uses cl100k_base.
	Encoding string
	// MaxTokens bounds the summary. Zero defaults to 256.
	MaxTokens int
}

// Summarize implements Summarizer.
func (s TokenTruncateSummarizer) Summarize(_ context.Context, text string) (string, error) {
	encoding := s.Encoding
	if encoding == "" {
		encoding = "cl100k_base"
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return "", fmt.Errorf("recovery: load encoding %q: %w", encoding, err)
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, nil
	}
	return enc.Decode(tokens[:maxTokens]) + " …[truncated]", nil
}

// CountTokens reports the token count of text under the encoding, for size
// accounting.
func CountTokens(encoding, text string) (int, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return 0, fmt.Errorf("recovery: load encoding %q: %w", encoding, err)
	}
	return len(enc.Encode(text, nil, nil)), nil
}
