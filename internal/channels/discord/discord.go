package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/channels"
	"github.com/nextlevelbuilder/relayclaw/internal/delivery"
)

var (
	_ channels.Platform = (*Client)(nil)
	_ channels.Listener = (*Gateway)(nil)
)

// maxFetchLimit is the Discord cap for one channel messages page.
const maxFetchLimit = 100

// Client talks to the Discord REST API with a bot token.
// Rate limits are surfaced to the caller instead of being slept on inside discordgo.
type Client struct {
	session *discordgo.Session
	token   string

	mu      sync.RWMutex
	botID   string
	botName string
}

// NewClient creates a REST client. httpClient may be nil.
func NewClient(token string, httpClient *http.Client) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.ShouldRetryOnRateLimit = false
	if httpClient != nil {
		session.Client = httpClient
	}
	session.Identify.Intents = Intents
	return &Client{session: session, token: token}, nil
}

// Name returns the platform identifier used in cooldown keys and logs.
func (c *Client) Name() string { return "discord" }

// Identity fetches and caches the bot's own user.
func (c *Client) Identity(ctx context.Context) (id, name string, err error) {
	user, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.mu.Lock()
	c.botID, c.botName = user.ID, user.Username
	c.mu.Unlock()
	slog.Info("discord bot identified", "username", user.Username, "id", user.ID)
	return user.ID, user.Username, nil
}

// BotID returns the cached bot user ID, empty before Identity.
func (c *Client) BotID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botID
}

// GatewayURL asks Discord for the websocket endpoint.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	u, err := c.session.Gateway(discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch discord gateway url: %w", err)
	}
	return u, nil
}

// Token returns the raw bot token, for the gateway identify.
func (c *Client) Token() string { return c.token }

func (c *Client) FetchRecent(ctx context.Context, scope bus.Scope, limit int) ([]bus.InboundMessage, error) {
	return c.fetch(ctx, scope, clampLimit(limit), "")
}

func (c *Client) FetchAfter(ctx context.Context, scope bus.Scope, after bus.MessageID, limit int) ([]bus.InboundMessage, error) {
	return c.fetch(ctx, scope, clampLimit(limit), after.String())
}

func (c *Client) fetch(ctx context.Context, scope bus.Scope, limit int, afterID string) ([]bus.InboundMessage, error) {
	msgs, err := c.session.ChannelMessages(string(scope), limit, "", afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch discord messages: %w", err)
	}
	out := make([]bus.InboundMessage, 0, len(msgs))
	for _, m := range msgs {
		if in, ok := toInbound(m); ok {
			out = append(out, in)
		}
	}
	return out, nil
}

// PostReply posts msg as a reply to msg.ReplyTo. A 429 is returned as
// *delivery.RateLimitedError carrying Discord's retry_after.
func (c *Client) PostReply(ctx context.Context, msg bus.OutboundMessage) (bus.MessageID, error) {
	send := &discordgo.MessageSend{
		Content: msg.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse:       []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			RepliedUser: true,
		},
	}
	if msg.ReplyTo != 0 {
		fail := false
		send.Reference = &discordgo.MessageReference{
			MessageID:       msg.ReplyTo.String(),
			ChannelID:       string(msg.Scope),
			FailIfNotExists: &fail,
		}
	}

	posted, err := c.session.ChannelMessageSendComplex(string(msg.Scope), send, discordgo.WithContext(ctx))
	if err != nil {
		return 0, classifyError(err)
	}
	id, err := bus.ParseMessageID(posted.ID)
	if err != nil {
		return 0, fmt.Errorf("parse posted message id %q: %w", posted.ID, err)
	}
	return id, nil
}

// Typing triggers the typing indicator, which Discord shows for about 10s.
func (c *Client) Typing(ctx context.Context, scope bus.Scope) error {
	return c.session.ChannelTyping(string(scope), discordgo.WithContext(ctx))
}

func classifyError(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &delivery.RateLimitedError{RetryAfter: rl.RetryAfter, Err: err}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests {
		return &delivery.RateLimitedError{RetryAfter: retryAfterHeader(rest.Response.Header), Err: err}
	}
	return fmt.Errorf("send discord message: %w", err)
}

// retryAfterHeader reads Retry-After (seconds), defaulting to one second.
func retryAfterHeader(h http.Header) time.Duration {
	var secs float64
	if _, err := fmt.Sscanf(h.Get("Retry-After"), "%g", &secs); err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxFetchLimit {
		return maxFetchLimit
	}
	return limit
}
