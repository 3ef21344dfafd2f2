// Package channels defines the platform ports the relay pipeline talks to.
// A platform adapter (Discord today) implements fetch, reply and typing over
// REST, and optionally a Listener that holds a persistent connection.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// Fetcher reads recent messages from a scope over request/response calls.
type Fetcher interface {
	// FetchRecent returns up to limit of the newest messages. Order is not guaranteed.
	FetchRecent(ctx context.Context, scope bus.Scope, limit int) ([]bus.InboundMessage, error)

	// FetchAfter returns up to limit messages with an ID greater than after.
	FetchAfter(ctx context.Context, scope bus.Scope, after bus.MessageID, limit int) ([]bus.InboundMessage, error)
}

// Poster posts a reply referencing the trigger message.
type Poster interface {
	PostReply(ctx context.Context, msg bus.OutboundMessage) (bus.MessageID, error)
}

// Typer shows a typing indicator in a scope.
type Typer interface {
	Typing(ctx context.Context, scope bus.Scope) error
}

// Listener holds a persistent connection and pushes messages as they arrive.
type Listener interface {
	// Run blocks until ctx is done or the connection fails permanently.
	// onResync is called whenever pushed delivery may have missed messages
	// (a new session replaced one that could not be resumed).
	Run(ctx context.Context, handler bus.MessageHandler, onResync func()) error
}

// Platform is the full request/response surface of a messaging platform.
type Platform interface {
	Name() string
	Fetcher
	Poster
	Typer
	// BotID is the platform user ID of the bot itself, known after Identity.
	BotID() string
}
