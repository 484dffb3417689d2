package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewStatsCommand creates the daily spend report command
func NewStatsCommand(ctx context.Context) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show daily model spend and cache efficiency",
		Long: `Report one day of ledger activity: calls and spend per model plus the
cache hit rate. Dates are UTC.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if date != "" {
				if _, err := time.Parse("2006-01-02", date); err != nil {
					return fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
				}
			}

			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.responses.Stats(ctx, date)
			if err != nil {
				return err
			}

			if outputJSON {
				OutputJSON(stats)
				return nil
			}

			fmt.Printf("Spend for %s\n\n", stats.Date)

			names := make([]string, 0, len(stats.ByModel))
			for model := range stats.ByModel {
				names = append(names, model)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names))
			for _, model := range names {
				ms := stats.ByModel[model]
				rows = append(rows, []string{
					model,
					strconv.FormatInt(ms.Count, 10),
					fmt.Sprintf("€%.4f", ms.CostEUR),
				})
			}
			OutputTable([]string{"MODEL", "CALLS", "COST"}, rows)

			total := stats.CacheHits + stats.CacheMisses
			hitRate := 0.0
			if total > 0 {
				hitRate = float64(stats.CacheHits) / float64(total) * 100
			}
			fmt.Printf("\nCache: %d hits / %d misses (%.1f%% hit rate)\n",
				stats.CacheHits, stats.CacheMisses, hitRate)
			fmt.Printf("Total spend €%.4f\n", stats.TotalCostEUR)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "UTC day to report (YYYY-MM-DD, default: today)")

	return cmd
}
