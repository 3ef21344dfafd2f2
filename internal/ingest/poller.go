package ingest

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/channels"
)

// DefaultFetchLimit is the batch size N when none is configured.
const DefaultFetchLimit = 50

// Poller fetches the newest messages for a scope on every Produce call.
type Poller struct {
	fetcher channels.Fetcher
	cursors CursorReader
	limit   int
}

func NewPoller(fetcher channels.Fetcher, cursors CursorReader, limit int) *Poller {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	return &Poller{fetcher: fetcher, cursors: cursors, limit: limit}
}

// Produce fetches up to limit recent messages. An empty result is not an error.
func (p *Poller) Produce(ctx context.Context, scope bus.Scope) ([]bus.InboundMessage, error) {
	cur, ok, err := p.cursors.Get(ctx, scope)
	if err != nil {
		return nil, err
	}
	msgs, err := p.fetcher.FetchRecent(ctx, scope, p.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, scope, err)
	}
	return FilterNew(msgs, cur, ok), nil
}
