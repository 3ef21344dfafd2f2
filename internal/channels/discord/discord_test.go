package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/delivery"
)

// rewriteTransport sends every request to a test server regardless of host.
type rewriteTransport struct{ target *url.URL }

func (rt rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	c, err := NewClient("test-token", &http.Client{Transport: rewriteTransport{target: u}, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestFetchRecent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/channels/123/messages"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"1009","channel_id":"123","content":"third","author":{"id":"u1","username":"alice"},"timestamp":"2025-03-01T12:00:09Z"},
			{"id":"1006","channel_id":"123","content":"first","author":{"id":"u2","username":"bob","global_name":"Bobby","bot":true},"timestamp":"2025-03-01T12:00:06Z",
			 "message_reference":{"message_id":"1001","channel_id":"123"}},
			{"id":"not-a-snowflake","channel_id":"123","content":"x","author":{"id":"u3","username":"eve"}}
		]`))
	})

	msgs, err := c.FetchRecent(context.Background(), "123", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	require.Equal(t, bus.MessageID(1006), msgs[0].ID)
	require.Equal(t, "Bobby", msgs[0].AuthorName)
	require.True(t, msgs[0].AuthorBot)
	require.NotNil(t, msgs[0].ReplyTo)
	require.Equal(t, bus.MessageID(1001), *msgs[0].ReplyTo)
	require.Equal(t, bus.Scope("123"), msgs[1].Scope)
	require.Equal(t, "alice", msgs[1].AuthorName)
}

func TestPostReply(t *testing.T) {
	var got discordgo.MessageSend
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"2001","channel_id":"123","content":"hi"}`))
	})

	id, err := c.PostReply(context.Background(), bus.OutboundMessage{Scope: "123", Content: "hi", ReplyTo: 1006})
	require.NoError(t, err)
	require.Equal(t, bus.MessageID(2001), id)
	require.Equal(t, "hi", got.Content)
	require.NotNil(t, got.Reference)
	require.Equal(t, "1006", got.Reference.MessageID)
}

func TestPostReplyRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":5.0,"global":false}`))
	})

	_, err := c.PostReply(context.Background(), bus.OutboundMessage{Scope: "123", Content: "hi", ReplyTo: 1006})
	var rl *delivery.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 5*time.Second, rl.RetryAfter)
}

func TestPostReplyForbidden(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Missing Access","code":50001}`))
	})

	_, err := c.PostReply(context.Background(), bus.OutboundMessage{Scope: "123", Content: "hi", ReplyTo: 1006})
	require.Error(t, err)
	var rl *delivery.RateLimitedError
	require.NotErrorAs(t, err, &rl)
}

func TestRetryAfterHeader(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"2", 2 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"", time.Second},
		{"garbage", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			h := http.Header{}
			h.Set("Retry-After", tt.header)
			require.Equal(t, tt.want, retryAfterHeader(h))
		})
	}
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, 100, clampLimit(0))
	require.Equal(t, 100, clampLimit(500))
	require.Equal(t, 10, clampLimit(10))
}
