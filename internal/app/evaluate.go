package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"prediction-monitor/internal/service"
	"prediction-monitor/internal/store"
)

// Evaluate scores one source's predictions for an asset against recorded
// prices and prints the accuracy report.
func (a *App) Evaluate(_ context.Context, opts EvaluateOptions) error {
	registry := store.NewRegistry(a.Logger)
	svc := service.New(a.Config, registry, a.newPriceCache(), nil, a.Logger)

	loaded, err := a.loadSeries(registry, opts.Source)
	if err != nil {
		return err
	}
	if loaded == 0 {
		fmt.Fprintln(os.Stdout, "no predictions found")
		return nil
	}

	eval, ok := svc.AssetSeries(opts.Source, opts.Asset, service.SeriesQuery{Limit: opts.Limit})
	if !ok {
		return fmt.Errorf("source %s not found", opts.Source)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Source\t%s\n", eval.Source)
	fmt.Fprintf(writer, "Asset\t%s\n", eval.Asset)
	fmt.Fprintf(writer, "Points\t%d\n", eval.Count)
	fmt.Fprintf(writer, "Evaluable\t%d\n", eval.PriceStats.TotalEvaluable)
	fmt.Fprintf(writer, "Matched\t%d\n", eval.PriceStats.Matched)
	fmt.Fprintf(writer, "Missing\t%d\n", eval.PriceStats.Missing)
	fmt.Fprintf(writer, "Pending\t%d\n", eval.PriceStats.Future)

	if eval.Metrics == nil {
		fmt.Fprintln(writer, "Metrics\tnone (no scored predictions yet)")
		return writer.Flush()
	}

	m := eval.Metrics
	fmt.Fprintf(writer, "MAPE\t%.4f%%\n", m.MAPE)
	fmt.Fprintf(writer, "MAE\t%.4f\n", m.MAE)
	fmt.Fprintf(writer, "RMSE\t%.4f\n", m.RMSE)
	fmt.Fprintf(writer, "Bias\t%.4f\n", m.Bias)
	fmt.Fprintf(writer, "Bias %%\t%.4f%%\n", m.BiasPct)
	if m.Interval != nil {
		fmt.Fprintf(writer, "Coverage\t%.2f%%\n", m.Interval.Coverage)
		fmt.Fprintf(writer, "Avg width\t%.4f (%.4f%%)\n", m.Interval.MeanWidth, m.Interval.MeanWidthPct)
	}

	return writer.Flush()
}
