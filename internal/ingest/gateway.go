package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/channels"
	"github.com/nextlevelbuilder/relayclaw/internal/metrics"
)

// DefaultBufferSize bounds the messages held per scope between drains.
const DefaultBufferSize = 100

type scopeBuffer struct {
	msgs   []bus.InboundMessage
	resync bool
	notify chan struct{}
}

// Gateway buffers messages pushed by a persistent connection, per scope.
// When the buffer overflows or the connection reports a gap, the scope is
// marked for resync and the next Produce backfills over REST from the cursor.
type Gateway struct {
	fetcher channels.Fetcher
	cursors CursorReader
	bufSize int
	limit   int

	mu     sync.Mutex
	scopes map[bus.Scope]*scopeBuffer
}

// NewGateway tracks only the given scopes; pushes for other scopes are ignored.
// Every scope starts marked for resync so messages sent while the process was
// down are picked up.
func NewGateway(fetcher channels.Fetcher, cursors CursorReader, scopes []bus.Scope, bufSize, fetchLimit int) *Gateway {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchLimit
	}
	g := &Gateway{
		fetcher: fetcher,
		cursors: cursors,
		bufSize: bufSize,
		limit:   fetchLimit,
		scopes:  make(map[bus.Scope]*scopeBuffer, len(scopes)),
	}
	for _, s := range scopes {
		g.scopes[s] = &scopeBuffer{resync: true, notify: make(chan struct{}, 1)}
	}
	return g
}

// Push is the connection's message handler.
func (g *Gateway) Push(m bus.InboundMessage) {
	g.mu.Lock()
	sb, ok := g.scopes[m.Scope]
	if !ok {
		g.mu.Unlock()
		return
	}
	sb.msgs = append(sb.msgs, m)
	if len(sb.msgs) > g.bufSize {
		// Drop oldest; the resync backfill recovers them from the cursor.
		dropped := len(sb.msgs) - g.bufSize
		sb.msgs = append(sb.msgs[:0:0], sb.msgs[dropped:]...)
		sb.resync = true
		metrics.IngestDropped.Add(float64(dropped))
		slog.Warn("ingest: scope buffer full, dropping oldest", "scope", m.Scope, "dropped", dropped)
	}
	g.mu.Unlock()
	signal(sb.notify)
}

// Resync marks every scope for a REST backfill on its next Produce.
func (g *Gateway) Resync() {
	g.mu.Lock()
	for _, sb := range g.scopes {
		sb.resync = true
	}
	g.mu.Unlock()
	for _, sb := range g.scopes {
		signal(sb.notify)
	}
}

// Notify returns a channel that receives a value whenever the scope has new
// work. Signals coalesce. Nil for unknown scopes.
func (g *Gateway) Notify(scope bus.Scope) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sb, ok := g.scopes[scope]; ok {
		return sb.notify
	}
	return nil
}

// Produce drains the scope buffer, backfilling first when a resync is pending.
// Drained messages belong to the caller until it settles them or hands them
// back with Return.
func (g *Gateway) Produce(ctx context.Context, scope bus.Scope) ([]bus.InboundMessage, error) {
	g.mu.Lock()
	sb, ok := g.scopes[scope]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("ingest: unknown scope %s", scope)
	}
	buffered := sb.msgs
	sb.msgs = nil
	resync := sb.resync
	sb.resync = false
	g.mu.Unlock()

	cur, hasCursor, err := g.cursors.Get(ctx, scope)
	if err != nil {
		g.requeue(scope, buffered, resync)
		return nil, err
	}
	if !resync {
		return FilterNew(buffered, cur, hasCursor), nil
	}

	var fetched []bus.InboundMessage
	if hasCursor {
		fetched, err = g.fetcher.FetchAfter(ctx, scope, cur, g.limit)
	} else {
		fetched, err = g.fetcher.FetchRecent(ctx, scope, g.limit)
	}
	if err != nil {
		g.requeue(scope, buffered, true)
		return nil, fmt.Errorf("%w: backfill %s: %v", ErrFetch, scope, err)
	}

	// A full page after the cursor may not reach the pushed messages. Hold the
	// newer pushes back and continue the backfill on the next call, so the
	// cursor never jumps over the unfetched gap.
	if hasCursor && len(fetched) >= g.limit {
		var maxFetched bus.MessageID
		for _, m := range fetched {
			maxFetched = max(maxFetched, m.ID)
		}
		var keep, later []bus.InboundMessage
		for _, m := range buffered {
			if m.ID <= maxFetched {
				keep = append(keep, m)
			} else {
				later = append(later, m)
			}
		}
		g.requeue(scope, later, true)
		buffered = keep
	}

	return FilterNew(append(fetched, buffered...), cur, hasCursor), nil
}

// Return hands back messages a cycle produced but did not settle.
func (g *Gateway) Return(scope bus.Scope, msgs []bus.InboundMessage) {
	if _, ok := g.scopes[scope]; !ok || len(msgs) == 0 {
		return
	}
	g.requeue(scope, msgs, false)
}

// requeue puts msgs back in front of anything pushed meanwhile.
func (g *Gateway) requeue(scope bus.Scope, msgs []bus.InboundMessage, resync bool) {
	g.mu.Lock()
	sb := g.scopes[scope]
	if len(msgs) > 0 {
		sb.msgs = append(append([]bus.InboundMessage(nil), msgs...), sb.msgs...)
		if len(sb.msgs) > g.bufSize {
			sb.msgs = sb.msgs[len(sb.msgs)-g.bufSize:]
			resync = true
		}
	}
	if resync {
		sb.resync = true
	}
	g.mu.Unlock()
	if resync {
		signal(sb.notify)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
