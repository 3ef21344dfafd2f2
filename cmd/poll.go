package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relayclaw/internal/ingest"
	"github.com/nextlevelbuilder/relayclaw/internal/pipeline"
	"github.com/nextlevelbuilder/relayclaw/internal/tracing"
)

// pollCmd runs one stateless cycle, the way a scheduled serverless
// invocation does.
func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one processing cycle per channel and print the status reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
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
			ing := ingest.NewPoller(conn.client, conn.cursors, cfg.Ingest.FetchLimit)
			proc := conn.processor(cfg, stores, ing, responder)

			reports, runErr := pipeline.NewRunner(proc, scopesOf(cfg)).RunOnce(ctx)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return err
			}
			// A scope skipped because another invocation holds it is not a failure.
			for _, r := range reports {
				if !r.Success && !r.Skipped {
					return fmt.Errorf("poll: %w", runErr)
				}
			}
			return nil
		},
	}
}
