package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relayclaw/internal/config"
	"github.com/nextlevelbuilder/relayclaw/internal/relay"
	"github.com/nextlevelbuilder/relayclaw/internal/server"
	"github.com/nextlevelbuilder/relayclaw/internal/tracing"
)

func respondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond",
		Short: "Run the stateless response service for a relay connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			cfg.Relay.Role = "responder"
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runResponder(cmd.Context(), cfg)
		},
	}
}

// runResponder serves /relay/forward. It holds no platform connection and
// keeps only conversation history and usage counters.
func runResponder(parent context.Context, cfg *config.Config) error {
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

	d, err := newDispatcher(cfg, stores)
	if err != nil {
		return err
	}

	r := relay.NewResponder(d, relay.ResponderConfig{
		Token:       cfg.Relay.Token,
		CallbackURL: cfg.Relay.CallbackURL,
		Workers:     cfg.Relay.Workers,
		QueueSize:   cfg.Relay.QueueSize,
	})
	r.Start(ctx)

	srv := server.New(serverConfig(cfg), server.Deps{Responder: r})
	slog.Info("relayclaw responder running", "version", Version, "workers", cfg.Relay.Workers)
	err = srv.Start(ctx)
	r.Wait()
	return err
}
