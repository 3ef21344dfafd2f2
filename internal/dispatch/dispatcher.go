// Package dispatch generates a reply for a trigger message: it builds the
// prompt from bounded history, calls the primary model and then the fallback,
// and shapes the completion under the sentence and word caps.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/metrics"
	"github.com/nextlevelbuilder/relayclaw/internal/providers"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// ErrGeneration means every model failed for a trigger. The response is
// abandoned; no delivery happens and no cooldown is consumed.
var ErrGeneration = errors.New("generation failed")

// DefaultInstructions is used when no instructions file is configured.
const DefaultInstructions = "You are a helpful, friendly assistant."

var tracer = otel.Tracer("github.com/nextlevelbuilder/relayclaw/internal/dispatch")

// Result is a generated reply ready for delivery.
type Result struct {
	Candidate
	Model string `json:"model"`
}

// Config tunes generation.
type Config struct {
	Models       []string // primary first, then fallbacks
	Retry        providers.RetryConfig
	MaxSentences int
	MaxWords     int
	ContextTurns int // prior turns sent as context
	MaxTokens    int
	Temperature  float64
	Instructions string
	Quality      QualityConfig
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	provider providers.Provider
	history  store.HistoryStore
	usage    store.UsageStore
	cfg      Config
	now      func() time.Time
}

// New creates a dispatcher. history and usage may be nil.
func New(provider providers.Provider, history store.HistoryStore, usage store.UsageStore, cfg Config) *Dispatcher {
	if len(cfg.Models) == 0 {
		cfg.Models = []string{provider.DefaultModel()}
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = providers.DefaultRetryConfig()
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	cfg.Quality = cfg.Quality.withDefaults()
	return &Dispatcher{provider: provider, history: history, usage: usage, cfg: cfg, now: time.Now}
}

// Respond generates a reply to trigger, trying each model in order.
func (d *Dispatcher) Respond(ctx context.Context, trigger bus.InboundMessage) (*Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.respond")
	defer span.End()
	span.SetAttributes(attribute.String("scope", string(trigger.Scope)), attribute.String("message_id", trigger.ID.String()))

	msgs, recent := d.buildPrompt(ctx, trigger)

	var lastErr error
	for i, model := range d.cfg.Models {
		res, err := d.tryModel(ctx, model, msgs, recent)
		if err == nil {
			if i > 0 {
				slog.Info("dispatch: fallback model answered", "scope", trigger.Scope, "message_id", trigger.ID, "model", model)
			}
			d.recordUsage(ctx, model)
			span.SetAttributes(attribute.String("model", model), attribute.Bool("truncated", res.Truncated))
			return res, nil
		}
		lastErr = err
		slog.Warn("dispatch: model failed", "scope", trigger.Scope, "message_id", trigger.ID, "model", model, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	span.SetStatus(codes.Error, "all models failed")
	return nil, fmt.Errorf("%w: %s: %v", ErrGeneration, trigger.ID, lastErr)
}

func (d *Dispatcher) tryModel(ctx context.Context, model string, msgs []providers.Message, recent []string) (*Result, error) {
	temp := d.cfg.Temperature
	req := providers.ChatRequest{
		Messages:    msgs,
		Model:       model,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: &temp,
	}

	return providers.RetryDo(ctx, d.cfg.Retry, func(actx context.Context) (*Result, error) {
		start := time.Now()
		resp, err := d.provider.Chat(actx, req)
		metrics.GenerationDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		c := Shape(resp.Content, d.cfg.MaxSentences, d.cfg.MaxWords)
		if err := d.cfg.Quality.check(c.Text, recent); err != nil {
			return nil, err
		}
		return &Result{Candidate: c, Model: model}, nil
	}, func(attempt int, err error) {
		result := "ok"
		switch {
		case errors.Is(err, errEmptyCompletion), errors.Is(err, errTooShort),
			errors.Is(err, errRefusal), errors.Is(err, errDuplicateResponse):
			result = "invalid"
		case err != nil:
			result = "error"
		}
		metrics.GenerationAttempts.WithLabelValues(model, result).Inc()
		if err != nil {
			slog.Debug("dispatch: attempt failed", "model", model, "attempt", attempt, "error", err)
		}
	})
}

// buildPrompt returns the chat messages and the scope's recent bot replies.
// History is best-effort: a read failure yields a prompt without context.
func (d *Dispatcher) buildPrompt(ctx context.Context, trigger bus.InboundMessage) ([]providers.Message, []string) {
	msgs := []providers.Message{{Role: "system", Content: d.cfg.Instructions}}

	var turns []bus.Turn
	if d.history != nil {
		limit := max(d.cfg.ContextTurns, d.cfg.Quality.RecentWindow) + 1
		var err error
		turns, err = d.history.RecentTurns(ctx, trigger.Scope, limit)
		if err != nil {
			slog.Warn("dispatch: history unavailable", "scope", trigger.Scope, "error", err)
			turns = nil
		}
	}

	// The trigger itself may already be in history.
	prior := turns[:0:0]
	for _, t := range turns {
		if t.Role == bus.RoleUser && t.MessageID == trigger.ID {
			continue
		}
		prior = append(prior, t)
	}

	var recent []string
	for i := len(prior) - 1; i >= 0 && len(recent) < d.cfg.Quality.RecentWindow; i-- {
		if prior[i].Role == bus.RoleAssistant {
			recent = append(recent, prior[i].Content)
		}
	}

	if n := d.cfg.ContextTurns; n >= 0 && len(prior) > n {
		prior = prior[len(prior)-n:]
	}
	for _, t := range prior {
		msgs = append(msgs, turnMessage(t))
	}
	msgs = append(msgs, turnMessage(bus.Turn{
		Role:    bus.RoleUser,
		Author:  trigger.AuthorName,
		Content: trigger.Content,
	}))
	return msgs, recent
}

func turnMessage(t bus.Turn) providers.Message {
	if t.Role == bus.RoleAssistant {
		return providers.Message{Role: "assistant", Content: t.Content}
	}
	content := t.Content
	if name := strings.TrimSpace(t.Author); name != "" {
		content = name + ": " + content
	}
	return providers.Message{Role: "user", Content: content}
}

func (d *Dispatcher) recordUsage(ctx context.Context, model string) {
	if d.usage == nil {
		return
	}
	if err := d.usage.IncrementUsage(ctx, store.Day(d.now()), model); err != nil {
		slog.Warn("dispatch: usage counter write failed", "model", model, "error", err)
	}
}
