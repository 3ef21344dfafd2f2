package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relayclaw/internal/channels"
	"github.com/nextlevelbuilder/relayclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/relayclaw/internal/config"
	"github.com/nextlevelbuilder/relayclaw/internal/ingest"
	"github.com/nextlevelbuilder/relayclaw/internal/pipeline"
	"github.com/nextlevelbuilder/relayclaw/internal/server"
	"github.com/nextlevelbuilder/relayclaw/internal/tracing"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the long-lived bot (polling or gateway ingestion, HTTP server)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Relay.Role == "responder" {
		return runResponder(parent, cfg)
	}

	ctx, stop := signalContext(parent)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	conn, responder, err := newConnector(ctx, cfg, stores)
	if err != nil {
		return err
	}

	scopes := scopesOf(cfg)
	g, gctx := errgroup.WithContext(ctx)

	var proc *pipeline.Processor
	switch cfg.Ingest.Mode {
	case "gateway":
		ing := ingest.NewGateway(conn.client, conn.cursors, scopes, cfg.Ingest.BufferSize, cfg.Ingest.FetchLimit)
		proc = conn.processor(cfg, stores, ing, responder)
		var listener channels.Listener = discord.NewGateway(discord.GatewayConfig{
			Token:               conn.client.Token(),
			MaxMissedHeartbeats: cfg.Discord.MaxMissedHeartbeats,
			ReconnectMax:        cfg.Discord.ReconnectMaxDuration(),
		}, conn.client.GatewayURL)

		g.Go(func() error { return listener.Run(gctx, ing.Push, ing.Resync) })
		runner := pipeline.NewRunner(proc, scopes)
		// The fallback tick catches anything a missed notification left behind.
		g.Go(func() error { return runner.RunNotified(gctx, ing.Notify, cfg.Ingest.PollInterval()) })
	default:
		ing := ingest.NewPoller(conn.client, conn.cursors, cfg.Ingest.FetchLimit)
		proc = conn.processor(cfg, stores, ing, responder)
		runner := pipeline.NewRunner(proc, scopes)
		if cfg.Ingest.Cron != "" {
			g.Go(func() error { return runner.RunCron(gctx, cfg.Ingest.Cron) })
		} else {
			g.Go(func() error { return runner.RunPolling(gctx, cfg.Ingest.PollInterval()) })
		}
	}

	srv := server.New(serverConfig(cfg), server.Deps{
		Poller:    pipeline.NewRunner(proc, scopes),
		Status:    conn.board,
		Forwarder: conn.forwarder,
	})
	conn.board.Subscribe(srv.Hub())
	g.Go(func() error { return srv.Start(gctx) })

	if path := resolveConfigPath(); fileExists(path) {
		g.Go(func() error {
			return cfg.Watch(gctx, path, func(t config.Tunables) {
				conn.cooldowns.SetInterval(t.CooldownInterval)
				proc.SetTriggerPolicy(pipeline.TriggerPolicy{MinLength: t.Trigger.MinLength, TriggerWord: t.Trigger.Word})
			})
		})
	}

	slog.Info("relayclaw running",
		"version", Version,
		"mode", cfg.Ingest.Mode,
		"scopes", len(scopes),
		"relay_role", cfg.Relay.Role,
		"cooldown", cfg.Cooldown.MinInterval(),
	)

	err = g.Wait()
	if errors.Is(err, discord.ErrFatalClose) {
		slog.Error("discord gateway closed permanently", "error", err)
	}
	slog.Info("relayclaw stopped")
	return err
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		PollToken:      cfg.Server.PollToken,
		RelayToken:     cfg.Relay.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebhookRPM:     cfg.Server.WebhookRPM,
		PollTimeout:    2 * time.Minute,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
