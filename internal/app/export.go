package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"prediction-monitor/internal/service"
	"prediction-monitor/internal/store"
)

// Export renders an evaluated prediction series as CSV and/or PNG.
func (a *App) Export(_ context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	registry := store.NewRegistry(a.Logger)
	svc := service.New(a.Config, registry, a.newPriceCache(), nil, a.Logger)

	if _, err := a.loadSeries(registry, opts.Source); err != nil {
		return err
	}

	eval, ok := svc.AssetSeries(opts.Source, opts.Asset, service.SeriesQuery{
		Limit: opts.MaxPoints,
		Start: opts.From,
		End:   opts.To,
	})
	if !ok {
		return fmt.Errorf("source %s not found", opts.Source)
	}
	if eval.Count == 0 {
		a.Logger.Info().Msg("no points found for export window")
		return nil
	}

	points := downsamplePoints(eval.Points, opts.MaxPoints)
	a.Logger.Info().Int("total", eval.Count).Int("exported", len(points)).Msg("exporting points")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, points); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, opts.Asset, points); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []service.EvalPoint, max int) []service.EvalPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]service.EvalPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []service.EvalPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "evaluation_time", "prediction", "interval_lower", "interval_upper", "actual_price", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		errVal := ""
		if p.Prediction != nil && p.ActualPrice != nil {
			errVal = formatFloat(*p.Prediction - *p.ActualPrice)
		}
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			p.EvaluationTime.UTC().Format(time.RFC3339),
			formatOptional(p.Prediction),
			formatOptional(p.IntervalLower),
			formatOptional(p.IntervalUpper),
			formatOptional(p.ActualPrice),
			errVal,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePointsPNG(path, asset string, points []service.EvalPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var predX, actualX, errX []time.Time
	var predY, actualY, errY []float64
	for _, p := range points {
		if p.Prediction != nil {
			predX = append(predX, p.Timestamp)
			predY = append(predY, *p.Prediction)
		}
		if p.ActualPrice != nil {
			actualX = append(actualX, p.Timestamp)
			actualY = append(actualY, *p.ActualPrice)
		}
		if p.Prediction != nil && p.ActualPrice != nil {
			errX = append(errX, p.Timestamp)
			errY = append(errY, *p.Prediction-*p.ActualPrice)
		}
	}
	if len(predX) < 2 {
		return errors.New("not enough plottable points for a chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("%s price (USD)", asset),
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Error (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Predicted",
				XValues: predX,
				YValues: predY,
			},
		},
	}
	if len(actualX) >= 2 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Actual",
			XValues: actualX,
			YValues: actualY,
		})
	}
	if len(errX) >= 2 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Error",
			XValues: errX,
			YValues: errY,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
