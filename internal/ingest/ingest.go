// Package ingest turns platform messages into an ordered, deduplicated
// sequence of messages newer than a scope's cursor.
//
// Two interchangeable variants implement Ingestor: Poller fetches the newest
// N messages on demand, Gateway drains what a persistent connection pushed.
package ingest

import (
	"context"
	"errors"
	"slices"

	"github.com/samber/lo"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// ErrFetch marks a transient inbound fetch failure. The cursor is left
// untouched and the next cycle retries.
var ErrFetch = errors.New("transient fetch error")

// Ingestor produces, for a scope, the messages with an ID above its cursor,
// ascending and without duplicates.
type Ingestor interface {
	Produce(ctx context.Context, scope bus.Scope) ([]bus.InboundMessage, error)
}

// Returner is implemented by ingestors that hand out each message only once.
// A cycle that stops before settling its whole batch gives back the messages
// above the committed cursor so the next Produce yields them again.
type Returner interface {
	Return(scope bus.Scope, msgs []bus.InboundMessage)
}

// CursorReader reads a scope's cursor; ok is false before the first commit.
type CursorReader interface {
	Get(ctx context.Context, scope bus.Scope) (id bus.MessageID, ok bool, err error)
}

// FilterNew sorts msgs ascending by ID, drops duplicate IDs, and, when
// hasCursor is set, drops every message at or below cursor.
func FilterNew(msgs []bus.InboundMessage, cursor bus.MessageID, hasCursor bool) []bus.InboundMessage {
	out := lo.UniqBy(msgs, func(m bus.InboundMessage) bus.MessageID { return m.ID })
	if hasCursor {
		out = lo.Filter(out, func(m bus.InboundMessage, _ int) bool { return m.ID > cursor })
	}
	slices.SortFunc(out, func(a, b bus.InboundMessage) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
