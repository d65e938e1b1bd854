// Package store holds the merged, deduplicated, time-ordered series per
// source, plus summary statistics derived on every merge. One SeriesStore
// owns one source; a Registry hands them out so merges on different sources
// never contend.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prediction-monitor/internal/codec"
)

const (
	processingTimeColumn = "processing_time_seconds"
	validatorColumn      = "validator_hotkey"

	// trendWindow is how many of the newest predictions form the "recent"
	// average when computing a trend.
	trendWindow = 10
	// topValidators caps the producer leaderboard in summary stats.
	topValidators = 5
)

// SeriesStore owns the series for exactly one source. Merge is the only
// mutator and is strictly serialized; reads block no longer than an
// in-flight merge.
type SeriesStore struct {
	source string
	logger zerolog.Logger

	mu      sync.RWMutex
	rows    []codec.Row // unique by key, sorted descending by ObservedAt
	columns []string
	stats   *SummaryStats
}

// NewSeriesStore constructs an empty store for the source.
func NewSeriesStore(source string, logger zerolog.Logger) *SeriesStore {
	return &SeriesStore{
		source: source,
		logger: logger.With().Str("component", "series_store").Str("source", source).Logger(),
	}
}

// Source returns the owning source identifier.
func (s *SeriesStore) Source() string { return s.source }

// Merge folds a delta into the series: concatenate, deduplicate by natural
// key keeping the last occurrence (delta overrides prior rows), sort
// descending by observation time, then recompute summary stats before
// releasing the lock. Merging the same delta twice is a no-op.
func (s *SeriesStore) Merge(columns []string, delta []codec.Row) {
	if len(delta) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(columns) > 0 {
		s.columns = columns
	}

	combined := make([]codec.Row, 0, len(s.rows)+len(delta))
	combined = append(combined, s.rows...)
	combined = append(combined, delta...)

	s.rows = dedupeKeepLast(combined)
	sort.SliceStable(s.rows, func(i, j int) bool {
		return s.rows[i].ObservedAt.After(s.rows[j].ObservedAt)
	})

	s.stats = s.computeStats()
	s.logger.Debug().Int("delta", len(delta)).Int("total", len(s.rows)).Msg("series merged")
}

// Read returns a copy of the series, newest first.
func (s *SeriesStore) Read() []codec.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]codec.Row, len(s.rows))
	copy(out, s.rows)
	return out
}

// Columns returns the last-merged schema.
func (s *SeriesStore) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// ReadStats returns the summary computed by the most recent merge.
func (s *SeriesStore) ReadStats() (SummaryStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stats == nil {
		return SummaryStats{}, false
	}
	return *s.stats, true
}

// Len reports the current series length.
func (s *SeriesStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// dedupeKeepLast keeps the last occurrence per key while preserving the
// relative order of the survivors.
func dedupeKeepLast(rows []codec.Row) []codec.Row {
	lastAt := make(map[string]int, len(rows))
	for i, row := range rows {
		lastAt[row.Key()] = i
	}
	out := make([]codec.Row, 0, len(lastAt))
	for i, row := range rows {
		if lastAt[row.Key()] == i {
			out = append(out, row)
		}
	}
	return out
}

// computeStats derives the summary for the current series. Caller holds the
// write lock.
func (s *SeriesStore) computeStats() *SummaryStats {
	stats := &SummaryStats{
		Source:    s.source,
		TotalRows: len(s.rows),
		UpdatedAt: time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	validatorCounts := make(map[string]int)
	for _, row := range s.rows {
		if row.HasTime && row.ObservedAt.After(cutoff) {
			stats.Recent24h++
		}
		if hotkey, ok := row.Meta[validatorColumn]; ok {
			validatorCounts[hotkey]++
		}
	}
	stats.Validators = topProducers(validatorCounts)

	for _, asset := range codec.DetectAssets(s.columns) {
		if as, ok := s.assetStats(asset); ok {
			stats.Assets = append(stats.Assets, as)
		}
	}

	return stats
}

func (s *SeriesStore) assetStats(asset string) (AssetStats, bool) {
	column := asset + "_prediction"

	// Rows are stored newest first; walk backwards for chronological order.
	var values []float64
	var procTimes []float64
	var latest float64
	var latestAt time.Time
	for i := len(s.rows) - 1; i >= 0; i-- {
		row := s.rows[i]
		v, ok := row.Value(column)
		if !ok {
			continue
		}
		values = append(values, v)
		latest = v
		latestAt = row.ObservedAt
		if pt, ok := row.Value(processingTimeColumn); ok {
			procTimes = append(procTimes, pt)
		}
	}
	if len(values) == 0 {
		return AssetStats{}, false
	}

	as := AssetStats{
		Asset:    asset,
		Count:    len(values),
		Latest:   latest,
		LatestAt: latestAt,
	}
	as.Trend, as.TrendPct = trend(values)

	if len(procTimes) > 0 {
		minV, maxV, sum := procTimes[0], procTimes[0], 0.0
		for _, pt := range procTimes {
			if pt < minV {
				minV = pt
			}
			if pt > maxV {
				maxV = pt
			}
			sum += pt
		}
		as.MinProcessingSecs = minV
		as.MaxProcessingSecs = maxV
		as.AvgProcessingSecs = sum / float64(len(procTimes))
	}

	return as, true
}

// trend compares the average of the newest predictions against the average
// of everything older, in decimal to keep the percentage arithmetic exact.
// values must be in chronological order.
func trend(values []float64) (decimal.Decimal, decimal.Decimal) {
	if len(values) < 2 {
		return decimal.Zero, decimal.Zero
	}

	var recent, older decimal.Decimal
	if len(values) >= trendWindow {
		recent = meanDecimal(values[len(values)-trendWindow:])
		older = meanDecimal(values[:len(values)-trendWindow])
	} else {
		recent = decimal.NewFromFloat(values[len(values)-1])
		older = decimal.NewFromFloat(values[0])
	}

	delta := recent.Sub(older)
	pct := decimal.Zero
	if !older.IsZero() {
		pct = delta.Div(older).Mul(decimal.NewFromInt(100))
	}
	return delta, pct
}

func meanDecimal(values []float64) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

func topProducers(counts map[string]int) []ValidatorCount {
	out := make([]ValidatorCount, 0, len(counts))
	for hotkey, count := range counts {
		if len(hotkey) > 20 {
			hotkey = hotkey[:20] + "..."
		}
		out = append(out, ValidatorCount{Hotkey: hotkey, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Hotkey < out[j].Hotkey
	})
	if len(out) > topValidators {
		out = out[:topValidators]
	}
	return out
}

// Registry hands out per-source stores. Merges on different sources proceed
// independently because each store carries its own lock.
type Registry struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	stores map[string]*SeriesStore
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger,
		stores: make(map[string]*SeriesStore),
	}
}

// GetOrCreate returns the store for the source, creating it on first use.
func (r *Registry) GetOrCreate(source string) *SeriesStore {
	r.mu.RLock()
	s, ok := r.stores[source]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[source]; ok {
		return s
	}
	s = NewSeriesStore(source, r.logger)
	r.stores[source] = s
	return s
}

// Get returns the store for the source if it exists.
func (r *Registry) Get(source string) (*SeriesStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[source]
	return s, ok
}

// Sources lists the known source identifiers, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.stores))
	for source := range r.stores {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

// AllStats snapshots the summary of every source that has one.
func (r *Registry) AllStats() map[string]SummaryStats {
	r.mu.RLock()
	stores := make([]*SeriesStore, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.mu.RUnlock()

	out := make(map[string]SummaryStats, len(stores))
	for _, s := range stores {
		if stats, ok := s.ReadStats(); ok {
			out[s.Source()] = stats
		}
	}
	return out
}
