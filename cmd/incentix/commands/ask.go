package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewAskCommand creates the grounded question-answering command
func NewAskCommand(ctx context.Context) *cobra.Command {
	var maxDocs int

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question grounded on the corpus",
		Long: `Answer a free-form question using only retrieved incentives and
companies as context. When the corpus holds nothing relevant the answer
is a refusal rather than a guess.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.ragEngine().Answer(ctx, args[0], maxDocs)
			if err != nil {
				return err
			}

			if outputJSON {
				OutputJSON(result)
				return nil
			}

			fmt.Println(result.Text)

			if len(result.Sources) > 0 {
				fmt.Println("\nSources:")
				rows := make([][]string, 0, len(result.Sources))
				for _, src := range result.Sources {
					rows = append(rows, []string{
						src.Type,
						src.ID,
						src.Title,
						strconv.FormatFloat(src.Similarity, 'f', 3, 64),
					})
				}
				OutputTable([]string{"TYPE", "ID", "TITLE", "SIMILARITY"}, rows)
			}

			fmt.Printf("\nConfidence: %.2f, cost €%.4f\n", result.Confidence, result.CostEUR)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDocs, "docs", 0, "number of context documents to retrieve (default: configured max_docs)")

	return cmd
}
