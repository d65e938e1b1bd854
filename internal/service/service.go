// Package service wires the ingestion watchers, the per-source series
// stores, the price cache, and the event sink into one running unit. All
// HTTP handlers and CLI commands go through it.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prediction-monitor/internal/codec"
	"prediction-monitor/internal/config"
	"prediction-monitor/internal/metrics"
	"prediction-monitor/internal/pricecache"
	"prediction-monitor/internal/store"
	"prediction-monitor/internal/watcher"
)

// Sink receives every merged delta for fan-out to live subscribers.
type Sink interface {
	Publish(source string, event any)
}

// PredictionsEvent is the payload published after each merge.
type PredictionsEvent struct {
	Type      string              `json:"type"`
	Source    string              `json:"source"`
	FirstLoad bool                `json:"first_load"`
	Count     int                 `json:"count"`
	Rows      []map[string]any    `json:"rows"`
	Stats     *store.SummaryStats `json:"stats,omitempty"`
}

// EvalPoint is one prediction paired with the actual price observed at its
// evaluation time, when that price is known.
type EvalPoint struct {
	Timestamp      time.Time `json:"timestamp"`
	EvaluationTime time.Time `json:"evaluation_time"`
	Prediction     *float64  `json:"prediction"`
	IntervalLower  *float64  `json:"interval_lower,omitempty"`
	IntervalUpper  *float64  `json:"interval_upper,omitempty"`
	ActualPrice    *float64  `json:"actual_price"`
	HasActual      bool      `json:"has_actual"`
}

// PriceMatchStats summarises how evaluation-time price lookups went.
type PriceMatchStats struct {
	TotalEvaluable int `json:"total_evaluable"`
	Matched        int `json:"matched"`
	Missing        int `json:"missing"`
	Future         int `json:"future"`
}

// AssetEvaluation is the full response for one source/asset query.
type AssetEvaluation struct {
	Source     string          `json:"source"`
	Asset      string          `json:"asset"`
	Points     []EvalPoint     `json:"data"`
	Count      int             `json:"count"`
	Metrics    *metrics.Report `json:"metrics,omitempty"`
	PriceStats PriceMatchStats `json:"price_fetch_stats"`
}

// SeriesQuery bounds an asset evaluation. Limit applies only when no time
// range is given; a range returns every matching row.
type SeriesQuery struct {
	Limit int
	Start *time.Time
	End   *time.Time
}

// Service owns one watcher per source and routes their deltas into the
// store registry and the sink.
type Service struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *store.Registry
	cache    *pricecache.Cache
	sink     Sink

	mu       sync.Mutex
	watchers map[string]*watcher.Watcher
	started  bool
}

// New assembles a service from already-constructed collaborators.
func New(cfg *config.Config, registry *store.Registry, cache *pricecache.Cache, sink Sink, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "service").Logger(),
		registry: registry,
		cache:    cache,
		sink:     sink,
		watchers: make(map[string]*watcher.Watcher),
	}
}

// Start warms the price cache, discovers sources, and launches one watcher
// per source. Safe to call once.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}
	s.started = true

	for asset, count := range s.cache.LoadAll() {
		s.logger.Info().Str("asset", asset).Int("buckets", count).Msg("price cache warmed")
	}

	sources := s.cfg.Sources.DiscoverSources()
	if len(sources) == 0 {
		s.logger.Warn().Str("dir", s.cfg.Sources.Dir).Msg("no sources found")
	}

	for _, name := range sources {
		w := watcher.New(watcher.Options{
			Source:   name,
			Path:     s.cfg.Sources.SourcePath(name),
			Interval: s.cfg.Watcher.Interval,
			MaxRows:  s.cfg.Watcher.MaxRows,
		}, s.handleDelta, s.logger)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start watcher %s: %w", name, err)
		}
		s.watchers[name] = w
	}

	s.logger.Info().Int("sources", len(sources)).Msg("service started")
	return nil
}

// Stop halts every watcher, letting in-flight cycles finish.
func (s *Service) Stop() {
	s.mu.Lock()
	watchers := make([]*watcher.Watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	s.logger.Info().Msg("service stopped")
}

// handleDelta folds a delta into the source's series and publishes the
// result. Merges for one source arrive in detection order because each
// watcher serializes its own cycles.
func (s *Service) handleDelta(_ context.Context, d watcher.Delta) {
	st := s.registry.GetOrCreate(d.Source)
	st.Merge(d.Columns, d.Rows)

	if s.sink == nil {
		return
	}

	event := PredictionsEvent{
		Type:      "predictions",
		Source:    d.Source,
		FirstLoad: d.FirstLoad,
		Count:     len(d.Rows),
		Rows:      rowPayloads(d.Rows),
	}
	if stats, ok := st.ReadStats(); ok {
		event.Stats = &stats
	}
	s.sink.Publish(d.Source, event)
}

// Sources lists the sources known to the registry.
func (s *Service) Sources() []string {
	return s.registry.Sources()
}

// Stats returns the latest summary for one source.
func (s *Service) Stats(source string) (store.SummaryStats, bool) {
	st, ok := s.registry.Get(source)
	if !ok {
		return store.SummaryStats{}, false
	}
	return st.ReadStats()
}

// AllStats snapshots every source's summary.
func (s *Service) AllStats() map[string]store.SummaryStats {
	return s.registry.AllStats()
}

// Predictions returns up to limit of the newest rows for a source as JSON
// friendly maps.
func (s *Service) Predictions(source string, limit int) ([]map[string]any, bool) {
	st, ok := s.registry.Get(source)
	if !ok {
		return nil, false
	}
	rows := st.Read()
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rowPayloads(rows), true
}

// TriggerFetch forces an immediate poll for one source.
func (s *Service) TriggerFetch(ctx context.Context, source string) (bool, string) {
	s.mu.Lock()
	w, ok := s.watchers[source]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Sprintf("unknown source %q", source)
	}
	return w.ManualTrigger(ctx)
}

// FetchResult reports the outcome of one source's forced poll.
type FetchResult struct {
	Source  string `json:"source"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TriggerFetchAll forces an immediate poll for every running watcher, in
// source-name order. A failing source never prevents the rest from running.
func (s *Service) TriggerFetchAll(ctx context.Context) []FetchResult {
	s.mu.Lock()
	names := make([]string, 0, len(s.watchers))
	for name := range s.watchers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	results := make([]FetchResult, 0, len(names))
	for _, name := range names {
		ok, msg := s.TriggerFetch(ctx, name)
		results = append(results, FetchResult{Source: name, Success: ok, Message: msg})
	}
	return results
}

// ReloadPrices drops every cached price index and rebuilds them, returning
// the bucket count per asset.
func (s *Service) ReloadPrices() map[string]int {
	s.cache.ResetAll()
	counts := s.cache.LoadAll()
	for asset, count := range counts {
		s.logger.Info().Str("asset", asset).Int("buckets", count).Msg("price cache reloaded")
	}
	return counts
}

// AssetSeries evaluates one source's predictions for an asset against the
// prices observed one horizon later. Rows whose evaluation time is still in
// the future are counted, not scored.
func (s *Service) AssetSeries(source, asset string, q SeriesQuery) (AssetEvaluation, bool) {
	st, ok := s.registry.Get(source)
	if !ok {
		return AssetEvaluation{}, false
	}

	out := AssetEvaluation{Source: source, Asset: asset}

	columnKey, ok := s.columnKeyFor(st.Columns(), asset)
	if !ok {
		return out, true
	}
	predCol := columnKey + "_prediction"
	lowerCol := columnKey + "_interval_lower"
	upperCol := columnKey + "_interval_upper"

	rows := st.Read() // newest first, unique by key
	rows = filterByRange(rows, q.Start, q.End)
	if q.Start == nil && q.End == nil && q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	now := time.Now().UTC()
	horizon := s.cfg.Evaluation.Horizon

	evalTimes := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		evalAt := row.ObservedAt.Add(horizon)
		if !evalAt.After(now) {
			evalTimes = append(evalTimes, evalAt)
		}
	}
	actuals := s.cache.ResolveBatch(asset, evalTimes)

	var predictions, matchedActuals, lowers, uppers []float64
	for _, row := range rows {
		evalAt := row.ObservedAt.Add(horizon)
		point := EvalPoint{
			Timestamp:      row.ObservedAt,
			EvaluationTime: evalAt,
			Prediction:     optionalValue(row, predCol),
			IntervalLower:  optionalValue(row, lowerCol),
			IntervalUpper:  optionalValue(row, upperCol),
		}

		if evalAt.After(now) {
			out.PriceStats.Future++
		} else {
			out.PriceStats.TotalEvaluable++
			if actual := actuals[evalAt]; actual != nil {
				point.ActualPrice = actual
				point.HasActual = true
				out.PriceStats.Matched++
			} else {
				out.PriceStats.Missing++
			}
		}

		if point.Prediction != nil && point.ActualPrice != nil {
			predictions = append(predictions, *point.Prediction)
			matchedActuals = append(matchedActuals, *point.ActualPrice)
			if point.IntervalLower != nil && point.IntervalUpper != nil {
				lowers = append(lowers, *point.IntervalLower)
				uppers = append(uppers, *point.IntervalUpper)
			}
		}

		out.Points = append(out.Points, point)
	}

	// Oldest to newest for charting.
	sort.SliceStable(out.Points, func(i, j int) bool {
		return out.Points[i].Timestamp.Before(out.Points[j].Timestamp)
	})
	out.Count = len(out.Points)

	if len(predictions) > 0 {
		report := metrics.Evaluate(predictions, matchedActuals, lowers, uppers)
		if report.Truncated {
			s.logger.Warn().Str("source", source).Str("asset", asset).Msg("metric inputs truncated to matching length")
		}
		out.Metrics = &report
	}

	return out, true
}

// columnKeyFor maps a requested asset to the column family actually present
// in the schema. Aliases let a query for "tao" find "tao_bittensor" columns.
func (s *Service) columnKeyFor(columns []string, asset string) (string, bool) {
	detected := codec.DetectAssets(columns)
	for _, key := range detected {
		if key == asset {
			return key, true
		}
	}
	want := s.cache.Normalize(asset)
	for _, key := range detected {
		if s.cache.Normalize(key) == want {
			return key, true
		}
	}
	return "", false
}

func filterByRange(rows []codec.Row, start, end *time.Time) []codec.Row {
	if start == nil && end == nil {
		return rows
	}
	out := make([]codec.Row, 0, len(rows))
	for _, row := range rows {
		if !row.HasTime {
			continue
		}
		if start != nil && row.ObservedAt.Before(*start) {
			continue
		}
		if end != nil && row.ObservedAt.After(*end) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func optionalValue(row codec.Row, column string) *float64 {
	if v, ok := row.Value(column); ok {
		return &v
	}
	return nil
}

func rowPayloads(rows []codec.Row) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		payload := make(map[string]any, len(row.Values)+len(row.Meta)+1)
		if row.HasTime {
			payload["timestamp"] = row.ObservedAt.UTC().Format(time.RFC3339Nano)
		}
		for k, v := range row.Values {
			payload[k] = v
		}
		for k, v := range row.Meta {
			payload[k] = v
		}
		out = append(out, payload)
	}
	return out
}
