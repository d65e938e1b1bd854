package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"prediction-monitor/internal/codec"
	"prediction-monitor/internal/config"
	"prediction-monitor/internal/pricecache"
	"prediction-monitor/internal/store"
	"prediction-monitor/internal/watcher"
)

type fakeSink struct {
	events []PredictionsEvent
}

func (f *fakeSink) Publish(_ string, event any) {
	if e, ok := event.(PredictionsEvent); ok {
		f.events = append(f.events, e)
	}
}

func testConfig(priceDir string) *config.Config {
	return &config.Config{
		Prices: config.PricesConfig{
			Dir:         priceDir,
			Granularity: 5 * time.Minute,
			Tolerance:   5 * time.Minute,
			Files:       map[string]string{"btc": "btc_7d.csv", "tao": "tao_7d.csv"},
			Aliases:     map[string]string{"tao_bittensor": "tao"},
		},
		Evaluation: config.EvaluationConfig{Horizon: time.Hour},
	}
}

func newTestService(t *testing.T, priceDir string) (*Service, *fakeSink) {
	t.Helper()
	cfg := testConfig(priceDir)
	sink := &fakeSink{}
	registry := store.NewRegistry(zerolog.Nop())
	cache := pricecache.New(pricecache.Options{
		Dir:         cfg.Prices.Dir,
		Files:       cfg.Prices.Files,
		Aliases:     cfg.Prices.Aliases,
		Granularity: cfg.Prices.Granularity,
		Tolerance:   cfg.Prices.Tolerance,
	}, zerolog.Nop())
	return New(cfg, registry, cache, sink, zerolog.Nop()), sink
}

func mergeDelta(t *testing.T, svc *Service, source, csv string, firstLoad bool) {
	t.Helper()
	table := codec.Decode(csv)
	if table.Dropped != 0 {
		t.Fatalf("fixture dropped %d rows", table.Dropped)
	}
	svc.handleDelta(context.Background(), watcher.Delta{
		Source:    source,
		Columns:   table.Columns,
		Rows:      table.Rows,
		FirstLoad: firstLoad,
	})
}

func TestHandleDeltaMergesAndPublishes(t *testing.T) {
	svc, sink := newTestService(t, t.TempDir())

	mergeDelta(t, svc, "miner1", "timestamp,btc_prediction\n2024-01-02T15:00:00Z,100\n2024-01-02T15:05:00Z,200\n", true)

	rows, ok := svc.Predictions("miner1", 10)
	if !ok || len(rows) != 2 {
		t.Fatalf("predictions = %v, ok = %v", rows, ok)
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(sink.events))
	}
	event := sink.events[0]
	if event.Type != "predictions" || !event.FirstLoad || event.Count != 2 {
		t.Fatalf("event = %+v", event)
	}
	if event.Stats == nil || event.Stats.TotalRows != 2 {
		t.Fatalf("event stats = %+v", event.Stats)
	}
}

func TestPredictionsUnknownSource(t *testing.T) {
	svc, _ := newTestService(t, t.TempDir())
	if _, ok := svc.Predictions("ghost", 10); ok {
		t.Fatal("unknown source must report absent")
	}
	if _, ok := svc.AssetSeries("ghost", "btc", SeriesQuery{}); ok {
		t.Fatal("unknown source must report absent")
	}
}

func TestAssetSeriesPairsPredictionsWithActuals(t *testing.T) {
	priceDir := t.TempDir()
	svc, _ := newTestService(t, priceDir)

	// Two evaluable predictions and one whose horizon has not elapsed.
	past := time.Now().UTC().Add(-3 * time.Hour).Truncate(5 * time.Minute)
	recent := time.Now().UTC().Add(-10 * time.Minute).Truncate(5 * time.Minute)

	csv := fmt.Sprintf(
		"timestamp,btc_prediction,btc_interval_lower,btc_interval_upper\n%s,100,90,110\n%s,100,80,100\n%s,500,490,510\n",
		past.Format(time.RFC3339),
		past.Add(5*time.Minute).Format(time.RFC3339),
		recent.Format(time.RFC3339),
	)
	mergeDelta(t, svc, "miner1", csv, true)

	prices := fmt.Sprintf("timestamp,close\n%s,110\n%s,90\n",
		past.Add(time.Hour).Format(time.RFC3339),
		past.Add(time.Hour+5*time.Minute).Format(time.RFC3339),
	)
	if err := os.WriteFile(filepath.Join(priceDir, "btc_7d.csv"), []byte(prices), 0o644); err != nil {
		t.Fatalf("write prices: %v", err)
	}

	eval, ok := svc.AssetSeries("miner1", "btc", SeriesQuery{Limit: 100})
	if !ok {
		t.Fatal("known source must resolve")
	}
	if eval.Count != 3 {
		t.Fatalf("count = %d, want 3", eval.Count)
	}
	if eval.PriceStats.TotalEvaluable != 2 || eval.PriceStats.Matched != 2 || eval.PriceStats.Future != 1 {
		t.Fatalf("price stats = %+v", eval.PriceStats)
	}

	// Points are chronological; the newest one has no actual yet.
	last := eval.Points[len(eval.Points)-1]
	if last.HasActual || last.ActualPrice != nil {
		t.Fatalf("future point must have no actual, got %+v", last)
	}

	if eval.Metrics == nil {
		t.Fatal("matched pairs must yield metrics")
	}
	if eval.Metrics.N != 2 || eval.Metrics.MAE != 10 || eval.Metrics.Bias != 0 {
		t.Fatalf("metrics = %+v", eval.Metrics)
	}
	if eval.Metrics.Interval == nil || eval.Metrics.Interval.Coverage != 100 {
		t.Fatalf("interval metrics = %+v", eval.Metrics.Interval)
	}
}

func TestAssetSeriesUnknownColumnYieldsEmptyResult(t *testing.T) {
	svc, _ := newTestService(t, t.TempDir())
	mergeDelta(t, svc, "miner1", "timestamp,btc_prediction\n2024-01-02T15:00:00Z,100\n", true)

	eval, ok := svc.AssetSeries("miner1", "eth", SeriesQuery{Limit: 10})
	if !ok {
		t.Fatal("known source must resolve")
	}
	if eval.Count != 0 || eval.Metrics != nil {
		t.Fatalf("missing column should yield an empty evaluation, got %+v", eval)
	}
}

func TestAssetSeriesResolvesAliasedColumns(t *testing.T) {
	priceDir := t.TempDir()
	svc, _ := newTestService(t, priceDir)

	past := time.Now().UTC().Add(-2 * time.Hour).Truncate(5 * time.Minute)
	csv := fmt.Sprintf("timestamp,tao_bittensor_prediction\n%s,400\n", past.Format(time.RFC3339))
	mergeDelta(t, svc, "miner1", csv, true)

	prices := fmt.Sprintf("timestamp,close\n%s,420\n", past.Add(time.Hour).Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(priceDir, "tao_7d.csv"), []byte(prices), 0o644); err != nil {
		t.Fatalf("write prices: %v", err)
	}

	eval, ok := svc.AssetSeries("miner1", "tao", SeriesQuery{Limit: 10})
	if !ok {
		t.Fatal("known source must resolve")
	}
	if eval.Count != 1 || eval.PriceStats.Matched != 1 {
		t.Fatalf("aliased evaluation = %+v", eval)
	}
}

func TestAssetSeriesTimeRangeOverridesLimit(t *testing.T) {
	svc, _ := newTestService(t, t.TempDir())

	base := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	csv := "timestamp,btc_prediction\n"
	for i := 0; i < 5; i++ {
		csv += fmt.Sprintf("%s,%d\n", base.Add(time.Duration(i)*5*time.Minute).Format(time.RFC3339), 100+i)
	}
	mergeDelta(t, svc, "miner1", csv, true)

	start := base.Add(5 * time.Minute)
	end := base.Add(15 * time.Minute)
	eval, ok := svc.AssetSeries("miner1", "btc", SeriesQuery{Limit: 1, Start: &start, End: &end})
	if !ok {
		t.Fatal("known source must resolve")
	}
	if eval.Count != 3 {
		t.Fatalf("range query returned %d points, want 3", eval.Count)
	}
}

// startTestService runs the full ingestion path against a real source dir
// with one miner whose history file holds the given CSV.
func startTestService(t *testing.T, csv string) *Service {
	t.Helper()

	srcDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(srcDir, "miner1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(srcDir, "miner1", "my_predictions_history.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	cfg := testConfig(t.TempDir())
	cfg.Sources = config.SourcesConfig{
		Dir:         srcDir,
		PrimaryFile: "my_predictions_history.csv",
	}
	cfg.Watcher = config.WatcherConfig{Interval: time.Minute}

	registry := store.NewRegistry(zerolog.Nop())
	cache := pricecache.New(pricecache.Options{
		Dir:         cfg.Prices.Dir,
		Files:       cfg.Prices.Files,
		Granularity: cfg.Prices.Granularity,
		Tolerance:   cfg.Prices.Tolerance,
	}, zerolog.Nop())
	svc := New(cfg, registry, cache, nil, zerolog.Nop())

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)

	// The initial load runs on the poller's first tick; manual triggering
	// guarantees it has happened before the test reads.
	if ok, msg := svc.TriggerFetch(context.Background(), "miner1"); !ok {
		t.Fatalf("initial fetch: %s", msg)
	}
	return svc
}

func TestPredictionsServeFirstRowPerTimestamp(t *testing.T) {
	svc := startTestService(t,
		"timestamp,btc_prediction\n2024-01-02T15:00:00Z,100\n2024-01-02T15:00:00Z,101\n")

	rows, ok := svc.Predictions("miner1", 10)
	if !ok {
		t.Fatal("known source must resolve")
	}
	if len(rows) != 1 {
		t.Fatalf("duplicate timestamps must collapse to one row, got %d", len(rows))
	}
	if v, _ := rows[0]["btc_prediction"].(float64); v != 100 {
		t.Fatalf("surviving row value = %v, want the first occurrence (100)", rows[0]["btc_prediction"])
	}
}

func TestTriggerFetchAll(t *testing.T) {
	svc := startTestService(t, "timestamp,btc_prediction\n2024-01-02T15:00:00Z,100\n")

	results := svc.TriggerFetchAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected one result per source, got %d", len(results))
	}
	if results[0].Source != "miner1" || !results[0].Success || results[0].Message == "" {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestTriggerFetchUnknownSource(t *testing.T) {
	svc, _ := newTestService(t, t.TempDir())
	if ok, _ := svc.TriggerFetch(context.Background(), "ghost"); ok {
		t.Fatal("unknown source must fail the trigger")
	}
}

func TestReloadPrices(t *testing.T) {
	priceDir := t.TempDir()
	svc, _ := newTestService(t, priceDir)

	prices := "timestamp,close\n2024-01-02T15:00:00Z,100\n2024-01-02T15:05:00Z,110\n"
	if err := os.WriteFile(filepath.Join(priceDir, "btc_7d.csv"), []byte(prices), 0o644); err != nil {
		t.Fatalf("write prices: %v", err)
	}

	counts := svc.ReloadPrices()
	if counts["btc"] != 2 {
		t.Fatalf("btc buckets = %d, want 2", counts["btc"])
	}
	if counts["tao"] != 0 {
		t.Fatalf("missing file should count zero buckets, got %d", counts["tao"])
	}
}
