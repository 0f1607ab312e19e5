package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/model"
	"github.com/penguiflow/penguiflow/runtime/trajectory"
)

func providerErr(kind model.ProviderErrorKind, retryable bool) error {
	return model.NewProviderError("testprov", "complete", 0, kind, "", "boom", "", retryable, nil)
}

func TestClassify(t *testing.T) {
	cases := map[Class]error{
		ClassContextLength: providerErr(model.ProviderErrorKindContextLength, false),
		ClassRateLimit:     providerErr(model.ProviderErrorKindRateLimited, true),
		ClassServer:        providerErr(model.ProviderErrorKindUnavailable, true),
		ClassTimeout:       providerErr(model.ProviderErrorKindTimeout, true),
		ClassAuth:          providerErr(model.ProviderErrorKindAuth, false),
		ClassBadRequest:    providerErr(model.ProviderErrorKindInvalidRequest, false),
		ClassCancelled:     context.Canceled,
		ClassUnknown:       errors.New("something else"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Classify(err), "%v", err)
	}

	// Wrapped provider errors still classify.
	wrapped := fmt.Errorf("call failed: %w", providerErr(model.ProviderErrorKindRateLimited, true))
	assert.Equal(t, ClassRateLimit, Classify(wrapped))

	// Retryable unknown kinds degrade to server.
	assert.Equal(t, ClassServer, Classify(providerErr(model.ProviderErrorKindUnknown, true)))
	assert.Equal(t, ClassUnknown, Classify(providerErr(model.ProviderErrorKindUnknown, false)))
	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
}

func TestClassRetryable(t *testing.T) {
	assert.True(t, ClassContextLength.Retryable())
	assert.True(t, ClassRateLimit.Retryable())
	assert.True(t, ClassServer.Retryable())
	assert.True(t, ClassTimeout.Retryable())
	assert.False(t, ClassAuth.Retryable())
	assert.False(t, ClassBadRequest.Retryable())
	assert.False(t, ClassCancelled.Retryable())
	assert.False(t, ClassUnknown.Retryable())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 800 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, 800*time.Millisecond, b.Delay(10))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5, rand: func() float64 { return 0 }}
	assert.Equal(t, 75*time.Millisecond, b.Delay(0))
	b.rand = func() float64 { return 1 }
	assert.Equal(t, 125*time.Millisecond, b.Delay(0))
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	b := Backoff{Base: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

type fixedSummarizer struct{ text string }

func (s fixedSummarizer) Summarize(context.Context, string) (string, error) {
	return s.text, nil
}

func TestCompressReplacesOversizedObservations(t *testing.T) {
	traj := trajectory.New("q", time.Now())
	big := map[string]any{"rows": strings.Repeat("x", 200)}
	small := map[string]any{"ok": true}

	for i, obs := range []map[string]any{big, small, big, big, small} {
		idx := traj.AppendStep(trajectory.PlannerAction{NextNode: "t"}, "", time.Now())
		require.Equal(t, i, idx)
		require.NoError(t, traj.RecordObservation(idx, obs, obs))
	}

	c := Compressor{ThresholdChars: 100, Summarizer: fixedSummarizer{text: "big payload"}}
	n, err := c.Compress(context.Background(), traj)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, i := range []int{0, 2, 3} {
		obs := traj.Steps[i].LLMObservation.(map[string]any)
		assert.Equal(t, true, obs[CompressedKey])
		assert.Equal(t, "big payload", obs["summary"])
		// Full observation retained.
		assert.Contains(t, traj.Steps[i].Observation.(map[string]any), "rows")
	}
	assert.Equal(t, small, traj.Steps[1].LLMObservation)

	// Second pass skips already-compressed steps.
	n, err = c.Compress(context.Background(), traj)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTokenTruncateSummarizer(t *testing.T) {
	// tiktoken fetches cl100k_base on first use; without network access the
	// summarizer cannot run at all.
	if _, err := CountTokens("", "ping"); err != nil {
		t.Skipf("cl100k_base encoding unavailable: %v", err)
	}

	s := TokenTruncateSummarizer{MaxTokens: 8}

	short := "tiny"
	got, err := s.Summarize(context.Background(), short)
	require.NoError(t, err)
	assert.Equal(t, short, got)

	long := strings.Repeat("the quick brown fox ", 50)
	got, err = s.Summarize(context.Background(), long)
	require.NoError(t, err)
	assert.Less(t, len(got), len(long))
	assert.True(t, strings.HasSuffix(got, "…[truncated]"))

	n, err := CountTokens("", "hello world")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestCleanErrorMessage(t *testing.T) {
	// Plain text passes through.
	assert.Equal(t, "plain failure", CleanErrorMessage("  plain failure \n"))

	// Nested JSON envelope unwraps.
	raw := `{"error": {"message": "model overloaded", "code": 529}}`
	assert.Equal(t, "model overloaded", CleanErrorMessage(raw))

	// Doubly nested: the message field is itself JSON.
	double := `{"message": "{\"error\": {\"message\": \"inner detail\"}}"}`
	assert.Equal(t, "inner detail", CleanErrorMessage(double))

	// Malformed JSON is repaired before unwrapping.
	broken := `{"error": {"message": "truncated payload"`
	assert.Equal(t, "truncated payload", CleanErrorMessage(broken))

	assert.Equal(t, "", CleanErrorMessage("   "))
}
