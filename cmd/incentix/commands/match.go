package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/incentix/incentix/internal/services/matching"
)

// NewMatchCommand creates the company-ranking command
func NewMatchCommand(ctx context.Context) *cobra.Command {
	var (
		topK  int
		pool  int
		noLLM bool
	)

	cmd := &cobra.Command{
		Use:   "match <incentive-id>",
		Short: "Rank companies against an incentive",
		Long: `Rank the best-matching companies for a public-funding incentive.
Combines vector similarity, lexical overlap and an optional LLM re-rank,
then applies eligibility penalties (size, sector, region).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := matching.MatchOptions{
				TopK:   topK,
				Pool:   pool,
				UseLLM: app.cfg.Matching.UseLLM && !noLLM,
			}
			if opts.TopK <= 0 {
				opts.TopK = app.cfg.Matching.TopK
			}
			if opts.Pool <= 0 {
				opts.Pool = app.cfg.Matching.CandidatePool
			}

			matches, err := app.matchEngine().Match(ctx, args[0], opts)
			if err != nil {
				return err
			}

			spend := app.gateway.DocStats()

			if outputJSON {
				OutputJSON(map[string]interface{}{
					"incentive_id": args[0],
					"matches":      matches,
					"llm_cost_eur": spend.TotalCostEUR,
				})
				return nil
			}

			if len(matches) == 0 {
				fmt.Println("No matching companies found.")
				return nil
			}

			rows := make([][]string, 0, len(matches))
			for i, m := range matches {
				llmScore := "-"
				if m.LLMUsed {
					llmScore = strconv.FormatFloat(m.LLMScore, 'f', 3, 64)
				}
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					m.Company.CompanyID,
					m.Company.Name,
					strconv.FormatFloat(m.Score, 'f', 3, 64),
					strconv.FormatFloat(m.VectorScore, 'f', 3, 64),
					strconv.FormatFloat(m.LexicalScore, 'f', 3, 64),
					llmScore,
					strconv.FormatFloat(m.Penalty, 'f', 2, 64),
					m.Explanation,
				})
			}
			OutputTable(
				[]string{"RANK", "COMPANY", "NAME", "SCORE", "VECTOR", "LEXICAL", "LLM", "PENALTY", "EXPLANATION"},
				rows,
			)
			fmt.Printf("\n%d matches, model spend €%.4f\n", len(matches), spend.TotalCostEUR)
			return nil
		},
	}

	cmd.Flags().IntVar(&topK, "top", 0, "number of matches to return (default: configured top_k)")
	cmd.Flags().IntVar(&pool, "pool", 0, "vector candidate pool size (default: configured candidate_pool)")
	cmd.Flags().BoolVar(&noLLM, "no-llm", false, "skip the LLM re-rank stage")

	return cmd
}
