package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/dispatch"
	"github.com/nextlevelbuilder/relayclaw/internal/metrics"
	"github.com/nextlevelbuilder/relayclaw/internal/providers"
)

// ForwarderConfig configures the connector side.
type ForwarderConfig struct {
	ResponderURL string        // base URL of the responder service
	CallbackURL  string        // where the responder posts replies (our /relay/response)
	Token        string        // shared secret
	Timeout      time.Duration // pending wait before abandoning (default 30s)
	MaxSentences int
	MaxWords     int
}

type pendingEntry struct {
	messageID bus.MessageID
	ch        chan ResponsePayload
	createdAt time.Time
}

// Forwarder implements the pipeline responder interface by relaying to a
// remote responder. Safe for concurrent use.
type Forwarder struct {
	cfg    ForwarderConfig
	client *http.Client

	mu        sync.Mutex
	pending   map[string]*pendingEntry
	byMessage map[bus.MessageID]string
	forwarded *bus.DedupeCache
}

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.ResponderURL = strings.TrimRight(cfg.ResponderURL, "/")
	return &Forwarder{
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		pending:   make(map[string]*pendingEntry),
		byMessage: make(map[bus.MessageID]string),
		forwarded: bus.NewDedupeCache(24*time.Hour, 10000),
	}
}

// Respond forwards trigger and waits for the correlated reply.
func (f *Forwarder) Respond(ctx context.Context, trigger bus.InboundMessage) (*dispatch.Result, error) {
	corrID := uuid.Must(uuid.NewV7()).String()
	entry, err := f.register(corrID, trigger.ID)
	if err != nil {
		return nil, err
	}
	defer f.unregister(corrID)

	req := ForwardRequest{
		MessageID:     trigger.ID.String(),
		ScopeID:       string(trigger.Scope),
		AuthorID:      trigger.AuthorID,
		AuthorName:    trigger.AuthorName,
		Content:       trigger.Content,
		CorrelationID: corrID,
		CallbackURL:   f.cfg.CallbackURL,
	}
	if err := f.post(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: forward %s: %v", dispatch.ErrGeneration, trigger.ID, err)
	}
	// Accepted by the responder: never forward this message again.
	f.forwarded.Seen(trigger.ID.String())
	slog.Debug("relay: forwarded", "message_id", trigger.ID, "correlation_id", corrID)

	timer := time.NewTimer(f.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		metrics.RelayTimeouts.Inc()
		slog.Warn("relay: correlation timed out", "message_id", trigger.ID, "correlation_id", corrID, "waited", time.Since(entry.createdAt))
		return nil, fmt.Errorf("%w: %s", ErrCorrelationTimeout, corrID)
	case resp := <-entry.ch:
		if resp.ResponseText == nil {
			return nil, fmt.Errorf("%w: %w", dispatch.ErrGeneration, ErrNoResponse)
		}
		c := dispatch.Shape(*resp.ResponseText, f.cfg.MaxSentences, f.cfg.MaxWords)
		if c.Text == "" {
			return nil, fmt.Errorf("%w: %w", dispatch.ErrGeneration, ErrNoResponse)
		}
		return &dispatch.Result{Candidate: c, Model: resp.Model}, nil
	}
}

// Resolve hands a response to the waiting forward. It reports false for ids
// that are not pending (late, duplicate or unknown); those are dropped.
func (f *Forwarder) Resolve(resp ResponsePayload) bool {
	f.mu.Lock()
	entry, ok := f.pending[resp.CorrelationID]
	if ok {
		delete(f.pending, resp.CorrelationID)
		delete(f.byMessage, entry.messageID)
		metrics.RelayPending.Set(float64(len(f.pending)))
	}
	f.mu.Unlock()

	if !ok {
		metrics.RelayUnmatched.Inc()
		slog.Debug("relay: ignoring unmatched response", "correlation_id", resp.CorrelationID)
		return false
	}
	entry.ch <- resp // buffered, consumed once
	return true
}

// Pending returns the number of outstanding correlations.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Forwarder) register(corrID string, msgID bus.MessageID) (*pendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.byMessage[msgID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, msgID)
	}
	if f.wasForwarded(msgID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, msgID)
	}
	e := &pendingEntry{messageID: msgID, ch: make(chan ResponsePayload, 1), createdAt: time.Now()}
	f.pending[corrID] = e
	f.byMessage[msgID] = corrID
	metrics.RelayPending.Set(float64(len(f.pending)))
	return e, nil
}

// wasForwarded checks the cache without recording the key.
func (f *Forwarder) wasForwarded(msgID bus.MessageID) bool {
	return f.forwarded.Has(msgID.String())
}

func (f *Forwarder) unregister(corrID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.pending[corrID]; ok {
		delete(f.pending, corrID)
		delete(f.byMessage, e.messageID)
	}
	metrics.RelayPending.Set(float64(len(f.pending)))
}

func (f *Forwarder) post(ctx context.Context, req ForwardRequest) error {
	return postJSON(ctx, f.client, f.cfg.ResponderURL+"/relay/forward", f.cfg.Token, req)
}

// postJSON posts v and accepts any 2xx.
func postJSON(ctx context.Context, client *http.Client, url, token string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set(TokenHeader, token)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &providers.HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: providers.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return nil
}
