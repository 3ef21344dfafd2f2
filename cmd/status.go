package cmd

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relayclaw/internal/cooldown"
	"github.com/nextlevelbuilder/relayclaw/internal/dispatch"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cursors, cooldowns and today's model usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			cursors, err := stores.Lister.ListCursors(ctx)
			if err != nil {
				return fmt.Errorf("list cursors: %w", err)
			}
			cooldowns, err := stores.Lister.ListCooldowns(ctx)
			if err != nil {
				return fmt.Errorf("list cooldowns: %w", err)
			}
			now := time.Now()
			usage, err := stores.Usage.UsageForDay(ctx, store.Day(now))
			if err != nil {
				return fmt.Errorf("usage: %w", err)
			}

			fmt.Println("Cursors")
			t := newTable("Channel", "Last seen")
			for _, scope := range sortedKeys(cursors) {
				t.Append([]string{string(scope), cursors[scope].String()})
			}
			t.Render()

			fmt.Println("\nCooldowns")
			interval := cfg.Cooldown.MinInterval()
			t = newTable("Key", "Channel", "Author", "Last response", "Ready in")
			for _, key := range sortedKeys(cooldowns) {
				_, scope, author := cooldown.ParseKey(key)
				last := cooldowns[key]
				ready := "now"
				if r := cooldown.Remaining(last, now, interval); r > 0 {
					ready = r.Round(time.Second).String()
				}
				t.Append([]string{runewidth.Truncate(key, maxKeyWidth, "..."), string(scope), author, last.Local().Format(time.DateTime), ready})
			}
			t.Render()

			fmt.Printf("\nModel usage (%s)\n", store.Day(now))
			rows, totals := dispatch.SummarizeUsage(usage, cfg.Generation.RequestCosts)
			t = newTable("Model", "Tier", "Completions", "Est. cost")
			for _, r := range rows {
				tier := "free"
				if r.Paid {
					tier = "paid"
				}
				t.Append([]string{r.Model, tier, fmt.Sprint(r.Requests), fmt.Sprintf("$%.4f", r.Cost)})
			}
			t.Render()
			fmt.Printf("\nFree: %d, Paid: %d, Cost: $%.2f\n", totals.Free, totals.Paid, totals.Cost)
			return nil
		},
	}
}

const maxKeyWidth = 48

func newTable(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(os.Stdout)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("\t")
	return t
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
