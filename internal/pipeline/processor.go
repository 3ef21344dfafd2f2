// Package pipeline runs processing cycles: ingest new messages, qualify
// triggers, gate them by cooldown, generate and deliver a reply, then commit
// progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/cooldown"
	"github.com/nextlevelbuilder/relayclaw/internal/cursor"
	"github.com/nextlevelbuilder/relayclaw/internal/dispatch"
	"github.com/nextlevelbuilder/relayclaw/internal/ingest"
	"github.com/nextlevelbuilder/relayclaw/internal/metrics"
	"github.com/nextlevelbuilder/relayclaw/internal/relay"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
	"github.com/nextlevelbuilder/relayclaw/internal/tracing"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/relayclaw/internal/pipeline")

// ErrCycleBusy is returned when a scope's previous cycle is still running.
// The new cycle is skipped, never queued.
var ErrCycleBusy = errors.New("previous cycle still running")

// FailurePolicy decides what happens to a trigger whose generation or
// delivery failed.
type FailurePolicy string

const (
	// FailureSkip marks the trigger seen; it is never answered.
	FailureSkip FailurePolicy = "skip"
	// FailureRetry stops the cursor before the trigger so the next cycle
	// tries again. Later messages in the scope wait behind it.
	FailureRetry FailurePolicy = "retry"
)

// DefaultInitialBacklog is how many of the newest messages a scope without a
// cursor considers on its first cycle.
const DefaultInitialBacklog = 3

// Responder generates a reply for a trigger: the local dispatcher or the
// relay forwarder.
type Responder interface {
	Respond(ctx context.Context, trigger bus.InboundMessage) (*dispatch.Result, error)
}

// Deliverer posts a reply and returns the posted message ID.
type Deliverer interface {
	Deliver(ctx context.Context, msg bus.OutboundMessage) (bus.MessageID, error)
}

// TriggerPolicy decides which messages get a reply.
type TriggerPolicy struct {
	MinLength   int    // minimum trimmed content length in runes (default 2)
	TriggerWord string // when set, content must contain it (case-insensitive)
}

// Config tunes a Processor.
type Config struct {
	Platform       string
	BotID          string
	InitialBacklog int
	FailurePolicy  FailurePolicy
	CooldownScope  cooldown.KeyScope
	Trigger        TriggerPolicy
}

// Deps are the stages a Processor drives.
type Deps struct {
	Ingestor  ingest.Ingestor
	Cursors   *cursor.Tracker
	Cooldowns *cooldown.Tracker
	Responder Responder
	Deliverer Deliverer
	History   store.HistoryStore // optional
	Publisher bus.StatusPublisher
}

// Processor runs cycles for any number of scopes, at most one at a time per scope.
type Processor struct {
	deps    Deps
	cfg     Config
	trigger atomic.Pointer[TriggerPolicy]

	mu   sync.Mutex
	sems map[bus.Scope]*semaphore.Weighted

	now func() time.Time
}

func New(deps Deps, cfg Config) *Processor {
	if cfg.InitialBacklog <= 0 {
		cfg.InitialBacklog = DefaultInitialBacklog
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailureSkip
	}
	if cfg.CooldownScope == "" {
		cfg.CooldownScope = cooldown.ScopeChannel
	}
	p := &Processor{
		deps: deps,
		cfg:  cfg,
		sems: make(map[bus.Scope]*semaphore.Weighted),
		now:  time.Now,
	}
	p.SetTriggerPolicy(cfg.Trigger)
	return p
}

// SetTriggerPolicy swaps the trigger policy; cycles already running keep the old one.
func (p *Processor) SetTriggerPolicy(tp TriggerPolicy) {
	if tp.MinLength <= 0 {
		tp.MinLength = 2
	}
	tp.TriggerWord = strings.ToLower(strings.TrimSpace(tp.TriggerWord))
	p.trigger.Store(&tp)
}

func (p *Processor) scopeSem(scope bus.Scope) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[scope]
	if !ok {
		s = semaphore.NewWeighted(1)
		p.sems[scope] = s
	}
	return s
}

// outcome of handling one message.
type outcome struct {
	settled   bool // the cursor may move past the message
	responded bool
}

// RunCycle runs one full cycle for scope: fetch, filter, generate, deliver,
// commit. It returns ErrCycleBusy without doing anything when the scope's
// previous cycle has not finished.
func (p *Processor) RunCycle(ctx context.Context, scope bus.Scope) (bus.StatusReport, error) {
	report := bus.StatusReport{Scope: scope, At: p.now()}

	sem := p.scopeSem(scope)
	if !sem.TryAcquire(1) {
		report.Skipped = true
		report.Error = ErrCycleBusy.Error()
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		return report, ErrCycleBusy
	}
	defer sem.Release(1)

	ctx, span := tracer.Start(ctx, "pipeline.cycle")
	span.SetAttributes(attribute.String("scope", string(scope)))
	defer span.End()

	err := p.runCycle(ctx, scope, &report)
	report.Success = err == nil
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		slog.Warn("pipeline: cycle failed", "scope", scope, "processed", report.Processed, "error", err)
	} else {
		metrics.CyclesTotal.WithLabelValues("ok").Inc()
		slog.Debug("pipeline: cycle done", "scope", scope, "processed", report.Processed, "responded", report.Responded, "last_seen", report.LastSeen)
	}
	if p.deps.Publisher != nil {
		p.deps.Publisher.PublishStatus(report)
	}
	return report, err
}

func (p *Processor) runCycle(ctx context.Context, scope bus.Scope, report *bus.StatusReport) error {
	cur, hasCursor, err := p.deps.Cursors.Get(ctx, scope)
	if err != nil {
		return err
	}
	if hasCursor {
		report.LastSeen = cur.String()
	}

	msgs, err := p.deps.Ingestor.Produce(ctx, scope)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	produced := msgs

	// Safe to commit: the highest ID below which every message is settled.
	var settled bus.MessageID

	if !hasCursor && len(msgs) > p.cfg.InitialBacklog {
		skip := len(msgs) - p.cfg.InitialBacklog
		settled = msgs[skip-1].ID
		slog.Info("pipeline: first run, skipping backlog", "scope", scope, "skipped", skip)
		msgs = msgs[skip:]
	}

	tp := *p.trigger.Load()
	var cycleErr error
	for _, m := range msgs {
		out, err := p.handle(ctx, m, tp)
		if out.settled {
			settled = m.ID
			report.Processed++
			metrics.MessagesProcessed.Inc()
		}
		if out.responded {
			report.Responded++
		}
		if err != nil {
			cycleErr = err
			break
		}
		if !out.settled {
			slog.Info("pipeline: holding cursor before failed trigger", "scope", scope, "message_id", m.ID)
			break
		}
	}

	committed, hasCommitted := cur, hasCursor
	if settled > 0 {
		if err := p.deps.Cursors.Commit(ctx, scope, settled); err != nil {
			p.giveBack(scope, produced, committed, hasCommitted)
			return errors.Join(cycleErr, err)
		}
		if !hasCursor || settled > cur {
			report.LastSeen = settled.String()
			committed, hasCommitted = settled, true
		}
	}
	p.giveBack(scope, produced, committed, hasCommitted)
	return cycleErr
}

// giveBack returns every produced message above the committed cursor to an
// ingestor that consumed them on Produce.
func (p *Processor) giveBack(scope bus.Scope, produced []bus.InboundMessage, committed bus.MessageID, hasCommitted bool) {
	r, ok := p.deps.Ingestor.(ingest.Returner)
	if !ok {
		return
	}
	var rest []bus.InboundMessage
	for _, m := range produced {
		if !hasCommitted || m.ID > committed {
			rest = append(rest, m)
		}
	}
	if len(rest) == 0 {
		return
	}
	slog.Debug("pipeline: returning unsettled messages", "scope", scope, "count", len(rest), "first", rest[0].ID)
	r.Return(scope, rest)
}

// handle processes one message. A non-nil error stops the cycle; outcome
// still says whether the message itself was settled before that happened.
func (p *Processor) handle(ctx context.Context, m bus.InboundMessage, tp TriggerPolicy) (outcome, error) {
	self := p.cfg.BotID != "" && m.AuthorID == p.cfg.BotID
	if !self && !m.AuthorBot {
		p.appendTurn(ctx, m.Scope, bus.Turn{
			MessageID: m.ID,
			Role:      bus.RoleUser,
			Author:    m.AuthorName,
			Content:   m.Content,
			At:        m.Timestamp,
		})
	}
	if reason := qualify(m, self, tp); reason != "" {
		slog.Debug("pipeline: not a trigger", "scope", m.Scope, "message_id", m.ID, "reason", reason)
		return outcome{settled: true}, nil
	}

	key := cooldown.BuildKey(p.cfg.CooldownScope, p.cfg.Platform, m.Scope, m.AuthorID)
	allowed, remaining, err := p.deps.Cooldowns.Check(ctx, key, p.now())
	if err != nil {
		return outcome{}, err
	}
	if !allowed {
		metrics.CooldownDenials.Inc()
		slog.Info("pipeline: cooldown active", "scope", m.Scope, "message_id", m.ID, "remaining", remaining.Round(time.Second))
		return outcome{settled: true}, nil
	}

	// Another consumer sharing the store may have answered it meanwhile.
	if cur, ok, err := p.deps.Cursors.Get(ctx, m.Scope); err != nil {
		return outcome{}, err
	} else if ok && cur >= m.ID {
		slog.Info("pipeline: already settled by another consumer", "scope", m.Scope, "message_id", m.ID, "cursor", cur)
		return outcome{settled: true}, nil
	}

	gctx, span := tracer.Start(ctx, "pipeline.respond")
	res, err := p.deps.Responder.Respond(gctx, m)
	span.End()
	if err != nil {
		return p.failed(ctx, m, "generation", err)
	}

	dctx, span := tracer.Start(ctx, "pipeline.deliver")
	posted, err := p.deps.Deliverer.Deliver(dctx, bus.OutboundMessage{Scope: m.Scope, Content: res.Text, ReplyTo: m.ID})
	span.End()
	if err != nil {
		return p.failed(ctx, m, "delivery", err)
	}

	metrics.ResponsesDelivered.Inc()
	slog.Info("pipeline: replied", append([]any{"scope", m.Scope, "message_id", m.ID, "model", res.Model, "truncated", res.Truncated}, tracing.LogAttrs(ctx)...)...)

	// The reply is out: the message is settled even if recording fails.
	out := outcome{settled: true, responded: true}
	if err := p.deps.Cooldowns.Record(ctx, key, p.now()); err != nil {
		return out, err
	}
	p.appendTurn(ctx, m.Scope, bus.Turn{
		MessageID: posted,
		Role:      bus.RoleAssistant,
		Content:   res.Text,
		At:        p.now(),
	})
	return out, nil
}

// failed applies the failure policy to a trigger that got no reply.
func (p *Processor) failed(ctx context.Context, m bus.InboundMessage, stage string, err error) (outcome, error) {
	if ctx.Err() != nil {
		return outcome{}, fmt.Errorf("%s %s: %w", stage, m.ID, ctx.Err())
	}
	// Abandoned relay correlations are never retried.
	if errors.Is(err, relay.ErrCorrelationTimeout) || errors.Is(err, relay.ErrAlreadyPending) {
		slog.Warn("pipeline: relay abandoned trigger", "scope", m.Scope, "message_id", m.ID, "error", err)
		return outcome{settled: true}, nil
	}
	slog.Warn("pipeline: "+stage+" failed", "scope", m.Scope, "message_id", m.ID, "policy", p.cfg.FailurePolicy, "error", err)
	return outcome{settled: p.cfg.FailurePolicy != FailureRetry}, nil
}

func (p *Processor) appendTurn(ctx context.Context, scope bus.Scope, t bus.Turn) {
	if p.deps.History == nil {
		return
	}
	if err := p.deps.History.AppendTurn(ctx, scope, t); err != nil {
		slog.Debug("pipeline: history append failed", "scope", scope, "error", err)
	}
}

// qualify returns why m is not a trigger, or "" when it is one.
func qualify(m bus.InboundMessage, self bool, tp TriggerPolicy) string {
	switch {
	case self:
		return "own message"
	case m.AuthorBot:
		return "bot author"
	}
	content := strings.TrimSpace(m.Content)
	if utf8.RuneCountInString(content) < tp.MinLength {
		return "too short"
	}
	if tp.TriggerWord != "" && !strings.Contains(strings.ToLower(content), tp.TriggerWord) {
		return "no trigger word"
	}
	return ""
}
