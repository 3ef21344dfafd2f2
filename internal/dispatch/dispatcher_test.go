package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/providers"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
	"github.com/nextlevelbuilder/relayclaw/internal/store/memory"
)

type reply struct {
	content string
	err     error
}

type fakeProvider struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   map[string]int
	lastReq providers.ChatRequest
}

func newFakeProvider(replies map[string][]reply) *fakeProvider {
	return &fakeProvider{replies: replies, calls: map[string]int{}}
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "primary" }

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	i := f.calls[req.Model]
	f.calls[req.Model]++
	rs := f.replies[req.Model]
	if len(rs) == 0 {
		return nil, errors.New("no scripted reply")
	}
	r := rs[min(i, len(rs)-1)]
	if r.err != nil {
		return nil, r.err
	}
	return &providers.ChatResponse{Content: r.content}, nil
}

func testConfig() Config {
	return Config{
		Models:       []string{"primary", "fallback"},
		Retry:        providers.RetryConfig{Attempts: 2},
		MaxSentences: 2,
		MaxWords:     30,
		ContextTurns: 10,
	}
}

var trigger = bus.InboundMessage{ID: 1006, Scope: "c1", AuthorID: "u1", AuthorName: "alice", Content: "hey bot"}

func TestRespondFallsBackAndShapes(t *testing.T) {
	p := newFakeProvider(map[string][]reply{
		"primary":  {{err: &providers.HTTPError{Status: 503}}},
		"fallback": {{content: "Hello there. How are you? Anyway."}},
	})
	mem := memory.New(100)
	d := New(p, mem, mem, testConfig())
	d.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	res, err := d.Respond(context.Background(), trigger)
	require.NoError(t, err)
	require.Equal(t, "Hello there. How are you?", res.Text)
	require.Equal(t, "fallback", res.Model)
	require.True(t, res.Truncated)
	require.Equal(t, 2, p.calls["primary"], "primary retried within its attempt budget")

	usage, err := mem.UsageForDay(context.Background(), "2025-03-01")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"fallback": 1}, usage)
}

func TestRespondBothModelsFail(t *testing.T) {
	p := newFakeProvider(map[string][]reply{
		"primary":  {{err: errors.New("timeout")}},
		"fallback": {{content: "   "}},
	})
	d := New(p, nil, nil, testConfig())

	_, err := d.Respond(context.Background(), trigger)
	require.ErrorIs(t, err, ErrGeneration)
}

func TestRespondRejectsRepeatedReply(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(100)
	require.NoError(t, mem.AppendTurn(ctx, "c1", bus.Turn{Role: bus.RoleAssistant, Content: "Same old answer."}))

	p := newFakeProvider(map[string][]reply{
		"primary":  {{content: "same old answer."}},
		"fallback": {{content: "Something new."}},
	})
	d := New(p, mem, nil, testConfig())

	res, err := d.Respond(ctx, trigger)
	require.NoError(t, err)
	require.Equal(t, "Something new.", res.Text)
}

func TestRespondRejectsRefusal(t *testing.T) {
	p := newFakeProvider(map[string][]reply{
		"primary":  {{content: "Sorry, I can't help with that."}},
		"fallback": {{content: "Sure thing."}},
	})
	d := New(p, nil, nil, testConfig())

	res, err := d.Respond(context.Background(), trigger)
	require.NoError(t, err)
	require.Equal(t, "fallback", res.Model)
}

func TestPromptUsesBoundedHistory(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(100)
	for i := 1; i <= 5; i++ {
		require.NoError(t, mem.AppendTurn(ctx, "c1", bus.Turn{MessageID: bus.MessageID(1000 + i), Role: bus.RoleUser, Author: "bob", Content: "msg"}))
	}
	require.NoError(t, mem.AppendTurn(ctx, "c1", bus.Turn{MessageID: trigger.ID, Role: bus.RoleUser, Author: "alice", Content: trigger.Content}))

	p := newFakeProvider(map[string][]reply{"primary": {{content: "Ok."}}})
	cfg := testConfig()
	cfg.ContextTurns = 3
	cfg.Instructions = "Be brief."
	d := New(p, mem, nil, cfg)

	_, err := d.Respond(ctx, trigger)
	require.NoError(t, err)

	msgs := p.lastReq.Messages
	require.Len(t, msgs, 1+3+1)
	require.Equal(t, providers.Message{Role: "system", Content: "Be brief."}, msgs[0])
	require.Equal(t, "bob: msg", msgs[1].Content)
	require.Equal(t, providers.Message{Role: "user", Content: "alice: hey bot"}, msgs[4])
}

func TestQualityCheck(t *testing.T) {
	q := QualityConfig{}.withDefaults()
	tests := []struct {
		text   string
		recent []string
		want   error
	}{
		{"", nil, errEmptyCompletion},
		{"k", nil, errTooShort},
		{"I am an AI language model.", nil, errRefusal},
		{"hello", []string{"HELLO "}, errDuplicateResponse},
		{"hello", []string{"goodbye"}, nil},
	}
	for _, tt := range tests {
		err := q.check(tt.text, tt.recent)
		if tt.want == nil {
			require.NoError(t, err, tt.text)
		} else {
			require.ErrorIs(t, err, tt.want, tt.text)
		}
	}
}

var _ store.HistoryStore = (*memory.Store)(nil)
