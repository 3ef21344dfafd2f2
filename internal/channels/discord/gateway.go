package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/metrics"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// closeReconnect is sent when we drop the connection ourselves. Any code
// other than 1000/1001 keeps the session resumable.
const closeReconnect websocket.StatusCode = 4000

// ErrFatalClose means Discord closed the gateway with a code that will not
// succeed on retry (bad token, disallowed intents, ...).
var ErrFatalClose = errors.New("discord gateway closed with fatal code")

var (
	errHeartbeatTimeout = errors.New("heartbeat ack missed")
	errReconnect        = errors.New("reconnect requested")
	errInvalidSession   = errors.New("session invalidated")
)

// GatewayConfig configures the persistent connection.
type GatewayConfig struct {
	Token               string
	URL                 string // empty: resolved through the REST client
	MaxMissedHeartbeats int    // consecutive unacked beats before reconnecting (default 2)
	ReconnectMin        time.Duration
	ReconnectMax        time.Duration
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outPayload struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// Gateway holds one Discord gateway session, resuming it across drops.
type Gateway struct {
	cfg        GatewayConfig
	resolveURL func(ctx context.Context) (string, error)

	mu        sync.Mutex
	sessionID string
	resumeURL string
	seq       int64
	botID     string
}

// NewGateway creates a gateway session. resolveURL is used when cfg.URL is empty.
func NewGateway(cfg GatewayConfig, resolveURL func(ctx context.Context) (string, error)) *Gateway {
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 2
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 2 * time.Minute
	}
	return &Gateway{cfg: cfg, resolveURL: resolveURL}
}

// Run connects and serves until ctx is done or a fatal close code arrives.
// Dropped connections are resumed when possible; otherwise a new session is
// identified and onResync is called once it is ready.
func (g *Gateway) Run(ctx context.Context, handler bus.MessageHandler, onResync func()) error {
	backoff := g.cfg.ReconnectMin
	for {
		ready, err := g.serve(ctx, handler, onResync)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrFatalClose) {
			slog.Error("gateway: fatal close, giving up", "error", err)
			return err
		}
		if ready {
			backoff = g.cfg.ReconnectMin
		}

		mode := "identify"
		if g.resumable() {
			mode = "resume"
		}
		metrics.GatewayReconnects.WithLabelValues(mode).Inc()
		slog.Warn("gateway: connection lost", "error", err, "mode", mode, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, g.cfg.ReconnectMax)
	}
}

// serve runs one connection. ready reports whether the session reached
// READY or RESUMED before it ended.
func (g *Gateway) serve(ctx context.Context, handler bus.MessageHandler, onResync func()) (ready bool, err error) {
	connURL, resuming, err := g.connectURL(ctx)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.Dial(ctx, connURL, nil)
	if err != nil {
		return false, fmt.Errorf("gateway dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)
	defer conn.CloseNow()

	var hello gatewayPayload
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return false, g.readErr(err)
	}
	if hello.Op != opHello {
		return false, fmt.Errorf("gateway: expected hello, got op %d", hello.Op)
	}
	var hd struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return false, fmt.Errorf("gateway: bad hello payload")
	}

	if resuming {
		err = wsjson.Write(ctx, conn, outPayload{Op: opResume, D: g.resumePayload()})
	} else {
		err = wsjson.Write(ctx, conn, outPayload{Op: opIdentify, D: g.identifyPayload()})
	}
	if err != nil {
		return false, fmt.Errorf("gateway: send handshake: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := newHeartbeatMonitor(g.cfg.MaxMissedHeartbeats)
	zombie := make(chan struct{})
	go g.heartbeatLoop(sessCtx, conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond, monitor, zombie)

	for {
		var p gatewayPayload
		if err := wsjson.Read(sessCtx, conn, &p); err != nil {
			select {
			case <-zombie:
				return ready, errHeartbeatTimeout
			default:
			}
			return ready, g.readErr(err)
		}
		if p.S != nil {
			g.setSeq(*p.S)
		}

		switch p.Op {
		case opHeartbeatAck:
			monitor.ack(time.Now())
		case opHeartbeat:
			if err := g.sendHeartbeat(sessCtx, conn); err != nil {
				return ready, err
			}
		case opReconnect:
			conn.Close(closeReconnect, "reconnect requested")
			return ready, errReconnect
		case opInvalidSession:
			var canResume bool
			_ = json.Unmarshal(p.D, &canResume)
			if !canResume {
				g.clearSession()
			}
			conn.Close(closeReconnect, "invalid session")
			return ready, errInvalidSession
		case opDispatch:
			switch p.T {
			case "READY":
				if err := g.onReady(p.D); err != nil {
					return ready, err
				}
				ready = true
				if onResync != nil {
					onResync()
				}
			case "RESUMED":
				ready = true
				slog.Info("gateway: session resumed", "seq", g.currentSeq())
			case "MESSAGE_CREATE":
				g.onMessage(p.D, handler)
			}
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, m *heartbeatMonitor, zombie chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.beat() {
			slog.Warn("gateway: heartbeat acks missing, reconnecting", "missed", m.missedCount())
			close(zombie)
			conn.Close(closeReconnect, errHeartbeatTimeout.Error())
			return
		}
		if err := g.sendHeartbeat(ctx, conn); err != nil {
			slog.Debug("gateway: heartbeat send failed", "error", err)
			return
		}
	}
}

func (g *Gateway) sendHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	var d any
	if seq := g.currentSeq(); seq > 0 {
		d = seq
	}
	return wsjson.Write(ctx, conn, outPayload{Op: opHeartbeat, D: d})
}

func (g *Gateway) onReady(raw json.RawMessage) error {
	var ready struct {
		SessionID        string `json:"session_id"`
		ResumeGatewayURL string `json:"resume_gateway_url"`
		User             struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &ready); err != nil {
		return fmt.Errorf("gateway: decode READY: %w", err)
	}
	g.mu.Lock()
	g.sessionID = ready.SessionID
	g.resumeURL = ready.ResumeGatewayURL
	g.botID = ready.User.ID
	g.mu.Unlock()
	slog.Info("gateway: session ready", "session_id", ready.SessionID, "bot", ready.User.Username)
	return nil
}

func (g *Gateway) onMessage(raw json.RawMessage, handler bus.MessageHandler) {
	var m discordgo.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		slog.Warn("gateway: decode MESSAGE_CREATE", "error", err)
		return
	}
	in, ok := toInbound(&m)
	if !ok {
		return
	}
	if handler != nil {
		handler(in)
	}
}

func (g *Gateway) connectURL(ctx context.Context) (u string, resuming bool, err error) {
	g.mu.Lock()
	sessionID, resumeURL := g.sessionID, g.resumeURL
	g.mu.Unlock()

	switch {
	case sessionID != "" && resumeURL != "":
		u, resuming = resumeURL, true
	case g.cfg.URL != "":
		u = g.cfg.URL
	case g.resolveURL != nil:
		if u, err = g.resolveURL(ctx); err != nil {
			return "", false, err
		}
	default:
		return "", false, errors.New("gateway: no url configured")
	}
	if !strings.Contains(u, "?") {
		u += "?v=10&encoding=json"
	}
	return u, resuming, nil
}

func (g *Gateway) identifyPayload() any {
	return map[string]any{
		"token":   g.cfg.Token,
		"intents": int(Intents),
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "relayclaw",
			"device":  "relayclaw",
		},
	}
}

func (g *Gateway) resumePayload() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]any{
		"token":      g.cfg.Token,
		"session_id": g.sessionID,
		"seq":        g.seq,
	}
}

// readErr maps a read failure to the reconnect policy for its close code.
func (g *Gateway) readErr(err error) error {
	code := websocket.CloseStatus(err)
	if code == -1 {
		return fmt.Errorf("gateway read: %w", err)
	}
	fatal, resumable := classifyClose(int(code))
	if fatal {
		return fmt.Errorf("%w: %d", ErrFatalClose, code)
	}
	if !resumable {
		g.clearSession()
	}
	return fmt.Errorf("gateway closed: %w", err)
}

// classifyClose maps Discord gateway close codes to (fatal, resumable).
func classifyClose(code int) (fatal, resumable bool) {
	switch code {
	case 4004, 4010, 4011, 4012, 4013, 4014:
		return true, false
	case 4007, 4009:
		return false, false
	case int(websocket.StatusNormalClosure), int(websocket.StatusGoingAway):
		return false, false
	}
	return false, true
}

func (g *Gateway) resumable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID != "" && g.resumeURL != ""
}

func (g *Gateway) clearSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = ""
	g.resumeURL = ""
	g.seq = 0
}

func (g *Gateway) setSeq(s int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s > g.seq {
		g.seq = s
	}
}

func (g *Gateway) currentSeq() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// BotID returns the bot user ID reported by READY.
func (g *Gateway) BotID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.botID
}
