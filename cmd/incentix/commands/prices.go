package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/incentix/incentix/internal/models"
	"github.com/incentix/incentix/internal/services/pricing"
)

// NewPricesCommand creates the price inspection command
func NewPricesCommand(ctx context.Context) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "prices [model...]",
		Short: "Show EUR prices per million tokens",
		Long: `Show the EUR prices the budget planner is working with. Without
arguments the configured chat and embedding models are reported. Prices
come from the persisted price cache; --refresh re-fetches them first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			names := args
			if len(names) == 0 {
				names = []string{app.cfg.Upstream.ChatModel, app.cfg.Upstream.EmbeddingModel}
			}

			type priced struct {
				Model     string              `json:"model"`
				Prices    pricing.ModelPrices `json:"prices"`
				FetchedAt *time.Time          `json:"fetched_at,omitempty"`
			}
			report := make([]priced, 0, len(names))

			seen := make(map[string]bool, len(names))
			for _, model := range names {
				if model == "" || seen[model] {
					continue
				}
				seen[model] = true

				var prices pricing.ModelPrices
				if refresh {
					prices = app.oracle.Refresh(ctx, model)
				} else {
					prices = app.oracle.Prices(ctx, model)
				}

				entry := priced{Model: model, Prices: prices}
				if _, fetchedAt, ok, err := app.priceStore.Get(ctx, models.PriceKeyPrefix+model); err == nil && ok {
					t := fetchedAt.UTC()
					entry.FetchedAt = &t
				}
				report = append(report, entry)
			}

			rate := app.oracle.Rate(ctx)

			if outputJSON {
				OutputJSON(map[string]interface{}{
					"eur_per_usd": rate,
					"models":      report,
				})
				return nil
			}

			rows := make([][]string, 0, len(report))
			for _, entry := range report {
				age := "-"
				if entry.FetchedAt != nil {
					age = time.Since(*entry.FetchedAt).Round(time.Minute).String() + " ago"
				}
				rows = append(rows, []string{
					entry.Model,
					fmt.Sprintf("€%.4f", entry.Prices.InputPerM),
					fmt.Sprintf("€%.4f", entry.Prices.OutputPerM),
					fmt.Sprintf("€%.4f", entry.Prices.EmbeddingPerM),
					age,
				})
			}
			OutputTable([]string{"MODEL", "INPUT €/M", "OUTPUT €/M", "EMBEDDING €/M", "FETCHED"}, rows)
			fmt.Printf("\nExchange rate: %.4f EUR per USD\n", rate)
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-fetch prices before reporting")

	return cmd
}
