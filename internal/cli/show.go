package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"prediction-monitor/internal/app"
)

var (
	showSource string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent predictions for a source",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showSource == "" {
			return fmt.Errorf("--source is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Source: showSource,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showSource, "source", "", "Source name to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of predictions to display")
}
