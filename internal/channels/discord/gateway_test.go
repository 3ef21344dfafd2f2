package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

func TestHeartbeatMonitor(t *testing.T) {
	m := newHeartbeatMonitor(2)

	require.True(t, m.beat(), "first beat")
	m.ack(time.Now())
	require.True(t, m.beat(), "acked, keep going")
	require.True(t, m.beat(), "one miss tolerated")
	require.Equal(t, 1, m.missedCount())
	require.False(t, m.beat(), "second consecutive miss is fatal")

	m.ack(time.Now())
	require.Equal(t, 0, m.missedCount())
	require.True(t, m.beat())
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		code          int
		fatal, resume bool
	}{
		{4000, false, true},
		{4004, true, false},
		{4007, false, false},
		{4009, false, false},
		{4014, true, false},
		{1006, false, true},
		{1000, false, false},
	}
	for _, tt := range tests {
		fatal, resume := classifyClose(tt.code)
		require.Equal(t, tt.fatal, fatal, "code %d fatal", tt.code)
		require.Equal(t, tt.resume, resume, "code %d resumable", tt.code)
	}
}

func writeHello(ctx context.Context, c *websocket.Conn, intervalMs int) error {
	return wsjson.Write(ctx, c, map[string]any{"op": opHello, "d": map[string]any{"heartbeat_interval": intervalMs}})
}

func TestGatewayIdentifyAndDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		if !assert.NoError(t, writeHello(ctx, c, 1000)) {
			return
		}
		var ident gatewayPayload
		if !assert.NoError(t, wsjson.Read(ctx, c, &ident)) {
			return
		}
		assert.Equal(t, opIdentify, ident.Op)
		assert.Contains(t, string(ident.D), `"token":"tok"`)

		_ = wsjson.Write(ctx, c, map[string]any{"op": opDispatch, "s": 1, "t": "READY",
			"d": map[string]any{"session_id": "sess-1", "resume_gateway_url": "ws://unused", "user": map[string]any{"id": "bot1", "username": "relay"}}})
		_ = wsjson.Write(ctx, c, map[string]any{"op": opDispatch, "s": 2, "t": "MESSAGE_CREATE",
			"d": map[string]any{"id": "1006", "channel_id": "123", "content": "hello", "author": map[string]any{"id": "u1", "username": "alice"}}})

		for {
			var p gatewayPayload
			if err := wsjson.Read(ctx, c, &p); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{Token: "tok", URL: srv.URL}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan bus.InboundMessage, 1)
	var resyncs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx, func(m bus.InboundMessage) { got <- m }, func() { resyncs.Add(1) })
	}()

	select {
	case m := <-got:
		require.Equal(t, bus.MessageID(1006), m.ID)
		require.Equal(t, bus.Scope("123"), m.Scope)
		require.Equal(t, "hello", m.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("no message dispatched")
	}
	require.Equal(t, int32(1), resyncs.Load())
	require.Equal(t, "bot1", g.BotID())
	require.Equal(t, int64(2), g.currentSeq())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayResumesAfterMissedHeartbeats(t *testing.T) {
	var conns atomic.Int32
	resumed := make(chan gatewayPayload, 1)

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		n := conns.Add(1)

		if err := writeHello(ctx, c, 20); err != nil {
			return
		}
		var first gatewayPayload
		if err := wsjson.Read(ctx, c, &first); err != nil {
			return
		}

		if n == 1 {
			_ = wsjson.Write(ctx, c, map[string]any{"op": opDispatch, "s": 1, "t": "READY",
				"d": map[string]any{"session_id": "sess-1", "resume_gateway_url": srv.URL, "user": map[string]any{"id": "bot1"}}})
			// Never ACK heartbeats.
			for {
				var p gatewayPayload
				if err := wsjson.Read(ctx, c, &p); err != nil {
					return
				}
			}
		}

		select {
		case resumed <- first:
		default:
		}
		for {
			var p gatewayPayload
			if err := wsjson.Read(ctx, c, &p); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	g := NewGateway(GatewayConfig{Token: "tok", URL: srv.URL, MaxMissedHeartbeats: 1, ReconnectMin: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx, nil, nil) }()

	select {
	case p := <-resumed:
		require.Equal(t, opResume, p.Op)
		require.Contains(t, string(p.D), `"session_id":"sess-1"`)
		require.Contains(t, string(p.D), `"seq":1`)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not resume")
	}
}
