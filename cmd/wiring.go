package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/channels"
	"github.com/nextlevelbuilder/relayclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/relayclaw/internal/config"
	"github.com/nextlevelbuilder/relayclaw/internal/cooldown"
	"github.com/nextlevelbuilder/relayclaw/internal/cursor"
	"github.com/nextlevelbuilder/relayclaw/internal/delivery"
	"github.com/nextlevelbuilder/relayclaw/internal/dispatch"
	"github.com/nextlevelbuilder/relayclaw/internal/ingest"
	"github.com/nextlevelbuilder/relayclaw/internal/pipeline"
	"github.com/nextlevelbuilder/relayclaw/internal/providers"
	"github.com/nextlevelbuilder/relayclaw/internal/relay"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
	"github.com/nextlevelbuilder/relayclaw/internal/store/memory"
	"github.com/nextlevelbuilder/relayclaw/internal/store/pg"
	"github.com/nextlevelbuilder/relayclaw/internal/store/redisstore"
	"github.com/nextlevelbuilder/relayclaw/internal/store/sqlite"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Backend:      cfg.Store.Backend,
		SQLitePath:   config.ExpandHome(cfg.Store.SQLitePath),
		PostgresDSN:  cfg.Store.PostgresDSN,
		RedisURL:     cfg.Store.RedisURL,
		KeyPrefix:    cfg.Store.KeyPrefix,
		HistoryLimit: cfg.Store.HistoryLimit,
	}
}

// openStores opens the configured state backend.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	sc := storeConfig(cfg)
	var (
		stores *store.Stores
		err    error
	)
	switch sc.Backend {
	case "memory":
		slog.Warn("store: memory backend, state is lost on exit")
		stores = memory.NewStores(sc.HistoryLimit)
	case "postgres":
		if sc.PostgresDSN == "" {
			return nil, fmt.Errorf("store: RELAYCLAW_POSTGRES_DSN is not set")
		}
		stores, err = pg.NewPGStores(ctx, sc)
	case "redis":
		if sc.RedisURL == "" {
			return nil, fmt.Errorf("store: RELAYCLAW_REDIS_URL is not set")
		}
		stores, err = redisstore.NewStores(ctx, sc)
	default:
		stores, err = sqlite.NewStores(ctx, sc)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", sc.Backend, err)
	}
	slog.Info("store: opened", "backend", sc.Backend)
	return stores, nil
}

func scopesOf(cfg *config.Config) []bus.Scope {
	var out []bus.Scope
	for _, id := range cfg.Scopes() {
		out = append(out, bus.Scope(id))
	}
	return out
}

func newDispatcher(cfg *config.Config, stores *store.Stores) (*dispatch.Dispatcher, error) {
	gc := cfg.Generation
	if gc.APIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is not set")
	}
	instructions, err := cfg.Instructions()
	if err != nil {
		return nil, err
	}
	provider := providers.NewOpenAIProvider("openrouter", gc.APIKey, gc.APIBase, gc.PrimaryModel)
	return dispatch.New(provider, stores.History, stores.Usage, dispatch.Config{
		Models: gc.Models(),
		Retry: providers.RetryConfig{
			Attempts:       gc.Attempts,
			AttemptTimeout: gc.AttemptTimeoutDuration(),
			Delay:          gc.RetryDelayDuration(),
			MaxDelay:       10 * time.Second,
		},
		MaxSentences: gc.MaxSentences,
		MaxWords:     gc.MaxWords,
		ContextTurns: gc.ContextTurns,
		MaxTokens:    gc.MaxTokens,
		Temperature:  gc.Temperature,
		Instructions: instructions,
		Quality:      dispatch.QualityConfig{RefusalPhrases: gc.RefusalPhrases},
	}), nil
}

// connector is everything a process that talks to Discord needs.
type connector struct {
	client    *discord.Client
	cursors   *cursor.Tracker
	cooldowns *cooldown.Tracker
	forwarder *relay.Forwarder // set in the connector relay role
	board     *pipeline.StatusBoard
}

func newConnector(ctx context.Context, cfg *config.Config, stores *store.Stores) (*connector, pipeline.Responder, error) {
	client, err := discord.NewClient(cfg.Discord.Token, nil)
	if err != nil {
		return nil, nil, err
	}
	if _, _, err := client.Identity(ctx); err != nil {
		return nil, nil, err
	}

	c := &connector{
		client:    client,
		cursors:   cursor.NewTracker(stores.Cursors),
		cooldowns: cooldown.NewTracker(stores.Cooldowns, cfg.Cooldown.MinInterval()),
		board:     pipeline.NewStatusBoard(),
	}

	if cfg.Relay.Role == "connector" {
		c.forwarder = relay.NewForwarder(relay.ForwarderConfig{
			ResponderURL: cfg.Relay.ResponderURL,
			CallbackURL:  cfg.Relay.CallbackURL,
			Token:        cfg.Relay.Token,
			Timeout:      cfg.Relay.TimeoutDuration(),
			MaxSentences: cfg.Generation.MaxSentences,
			MaxWords:     cfg.Generation.MaxWords,
		})
		slog.Info("relay: connector role", "responder", cfg.Relay.ResponderURL)
		return c, c.forwarder, nil
	}

	d, err := newDispatcher(cfg, stores)
	if err != nil {
		return nil, nil, err
	}
	return c, d, nil
}

func (c *connector) processor(cfg *config.Config, stores *store.Stores, ing ingest.Ingestor, responder pipeline.Responder) *pipeline.Processor {
	var platform channels.Platform = c.client
	dc := cfg.Delivery
	deliverer := delivery.New(platform, platform, delivery.Config{
		MaxAttempts:   dc.MaxAttempts,
		MaxRetryAfter: dc.MaxRetryAfterDuration(),
		RatePerSecond: dc.RatePerSecond,
		Burst:         dc.Burst,
		Typing:        dc.Typing,
	})
	return pipeline.New(pipeline.Deps{
		Ingestor:  ing,
		Cursors:   c.cursors,
		Cooldowns: c.cooldowns,
		Responder: responder,
		Deliverer: deliverer,
		History:   stores.History,
		Publisher: c.board,
	}, pipeline.Config{
		Platform:       platform.Name(),
		BotID:          platform.BotID(),
		InitialBacklog: cfg.Ingest.InitialBacklog,
		FailurePolicy:  pipeline.FailurePolicy(cfg.Generation.FailurePolicy),
		CooldownScope:  cooldown.KeyScope(cfg.Cooldown.Scope),
		Trigger: pipeline.TriggerPolicy{
			MinLength:   cfg.Trigger.MinLength,
			TriggerWord: cfg.Trigger.Word,
		},
	})
}
