package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"prediction-monitor/internal/app"
)

var (
	evaluateSource string
	evaluateAsset  string
	evaluateLimit  int
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a source's predictions against recorded prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if evaluateSource == "" {
			return fmt.Errorf("--source is required")
		}
		if evaluateAsset == "" {
			return fmt.Errorf("--asset is required")
		}

		opts := app.EvaluateOptions{
			Source: evaluateSource,
			Asset:  evaluateAsset,
			Limit:  evaluateLimit,
		}

		return getApp().Evaluate(cmd.Context(), opts)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateSource, "source", "", "Source name to evaluate")
	evaluateCmd.Flags().StringVar(&evaluateAsset, "asset", "", "Asset to evaluate (e.g. btc)")
	evaluateCmd.Flags().IntVar(&evaluateLimit, "limit", 100, "Maximum predictions to evaluate")
}
