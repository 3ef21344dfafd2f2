package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProviderChat(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"google/gemini-2.5-flash-lite","choices":[{"message":{"role":"assistant","content":"Hi there."},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	defer srv.Close()

	temp := 0.7
	p := NewOpenAIProvider("openrouter", "key", srv.URL, "google/gemini-2.5-flash-lite")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "user", Content: "hello"}},
		MaxTokens:   600,
		Temperature: &temp,
	})
	require.NoError(t, err)
	require.Equal(t, "Hi there.", resp.Content)
	require.Equal(t, 8, resp.Usage.TotalTokens)
	require.Equal(t, "google/gemini-2.5-flash-lite", got.Model)
	require.Equal(t, 600, got.MaxTokens)
	require.InDelta(t, 0.7, *got.Temperature, 1e-9)
}

func TestOpenAIProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openrouter", "key", srv.URL, "a/b")
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusTooManyRequests, he.Status)
	require.Equal(t, 2*time.Second, he.RetryAfter)
	require.True(t, IsRetryable(err))
}

func TestResolveModel(t *testing.T) {
	p := NewOpenAIProvider("openrouter", "", "", "google/gemini-2.5-flash-lite")
	require.Equal(t, "google/gemini-2.5-flash-lite", p.resolveModel(""))
	require.Equal(t, "google/gemini-2.5-flash-lite", p.resolveModel("gpt-4o"))
	require.Equal(t, "openai/gpt-oss-120b", p.resolveModel("openai/gpt-oss-120b"))
}

func TestRetryDo(t *testing.T) {
	cfg := RetryConfig{Attempts: 3, Delay: time.Millisecond}

	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		v, err := RetryDo(context.Background(), cfg, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("connection reset")
			}
			return "ok", nil
		}, nil)
		require.NoError(t, err)
		require.Equal(t, "ok", v)
		require.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		_, err := RetryDo(context.Background(), cfg, func(context.Context) (string, error) {
			calls++
			return "", &HTTPError{Status: http.StatusUnauthorized}
		}, nil)
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		var seen []int
		_, err := RetryDo(context.Background(), cfg, func(context.Context) (int, error) {
			return 0, &HTTPError{Status: http.StatusBadGateway}
		}, func(attempt int, _ error) { seen = append(seen, attempt) })
		require.Error(t, err)
		require.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("per attempt timeout", func(t *testing.T) {
		_, err := RetryDo(context.Background(), RetryConfig{Attempts: 1, AttemptTimeout: 10 * time.Millisecond},
			func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			}, nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	require.Zero(t, ParseRetryAfter(""))
	require.Zero(t, ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
