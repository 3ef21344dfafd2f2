package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/relay"
	"github.com/nextlevelbuilder/relayclaw/pkg/protocol"
)

type fakePoller struct {
	reports []bus.StatusReport
	err     error
	calls   int
}

func (p *fakePoller) RunOnce(context.Context) ([]bus.StatusReport, error) {
	p.calls++
	return p.reports, p.err
}

type fakeStatus []bus.StatusReport

func (s fakeStatus) Snapshot() []bus.StatusReport { return s }

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := New(Config{}, Deps{}).Router()
	for _, path := range []string{"/", "/health"} {
		rec := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}
}

func TestOptionalRoutesAreAbsent(t *testing.T) {
	h := New(Config{}, Deps{}).Router()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/poll", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/relay/forward", "").Code)
}

func TestStatus(t *testing.T) {
	h := New(Config{}, Deps{Status: fakeStatus{{Scope: "c1", Success: true, Processed: 2, LastSeen: "42"}}}).Router()
	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scopes []bus.StatusReport `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Scopes, 1)
	assert.Equal(t, "42", body.Scopes[0].LastSeen)
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		reports []bus.StatusReport
		err     error
		want    int
		calls   int
	}{
		{"unauthorized", "wrong", nil, nil, http.StatusUnauthorized, 0},
		{"ok", "tok", []bus.StatusReport{{Scope: "c1", Success: true}}, nil, http.StatusOK, 1},
		{"skipped is not a failure", "tok", []bus.StatusReport{{Scope: "c1", Skipped: true}}, errors.New("busy"), http.StatusOK, 1},
		{"failed scope", "tok", []bus.StatusReport{{Scope: "c1", Error: "boom"}}, errors.New("boom"), http.StatusInternalServerError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePoller{reports: tt.reports, err: tt.err}
			h := New(Config{PollToken: "tok"}, Deps{Poller: p}).Router()
			rec := do(t, h, http.MethodPost, "/poll", tt.token)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.calls, p.calls)
		})
	}
}

func TestRelayResponseRoute(t *testing.T) {
	fwd := relay.NewForwarder(relay.ForwarderConfig{ResponderURL: "http://unused"})
	h := New(Config{RelayToken: "k"}, Deps{Forwarder: fwd}).Router()

	req := httptest.NewRequest(http.MethodPost, "/relay/response", strings.NewReader(`{"correlation_id":"x","response_text":"hi"}`))
	req.Header.Set(relay.TokenHeader, "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
}

func TestHubStreamsReports(t *testing.T) {
	s := New(Config{}, Deps{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.Hub().PublishStatus(bus.StatusReport{Scope: "c1", Success: true, Responded: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.EventFrame
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.EventStatus, msg.Type)
	require.NotNil(t, msg.Report)
	assert.Equal(t, 1, msg.Report.Responded)

	s.Hub().Close()
	assert.Zero(t, s.Hub().Clients())
	var bye protocol.EventFrame
	require.NoError(t, conn.ReadJSON(&bye))
	assert.Equal(t, protocol.EventShutdown, bye.Type)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://evil.example", true},
		{[]string{"https://ok.example"}, "", true},
		{[]string{"https://ok.example"}, "https://ok.example", true},
		{[]string{"https://ok.example"}, "https://evil.example", false},
		{[]string{"*"}, "https://any.example", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(tt.allowed, r), "origin %q", tt.origin)
	}
}
