package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prediction-monitor/internal/codec"
)

func decodeRows(t *testing.T, text string) codec.Table {
	t.Helper()
	table := codec.Decode(text)
	if table.Dropped != 0 {
		t.Fatalf("test fixture dropped %d rows", table.Dropped)
	}
	return table
}

func TestMergeSortsDescendingAndDeduplicates(t *testing.T) {
	table := decodeRows(t, `timestamp,btc_prediction
2024-01-02T15:00:00Z,100
2024-01-02T15:10:00Z,300
2024-01-02T15:05:00Z,200
`)

	s := NewSeriesStore("miner1", zerolog.Nop())
	s.Merge(table.Columns, table.Rows)

	rows := s.Read()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].ObservedAt.After(rows[i-1].ObservedAt) {
			t.Fatal("series must be sorted descending by observation time")
		}
	}

	// A delta row with an existing key overrides the prior value.
	override := decodeRows(t, `timestamp,btc_prediction
2024-01-02T15:05:00Z,250
`)
	s.Merge(override.Columns, override.Rows)

	rows = s.Read()
	if len(rows) != 3 {
		t.Fatalf("override must not grow the series, got %d rows", len(rows))
	}
	if v, _ := rows[1].Value("btc_prediction"); v != 250 {
		t.Fatalf("last-merged value should win, got %v", v)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	table := decodeRows(t, `timestamp,btc_prediction
2024-01-02T15:00:00Z,100
2024-01-02T15:05:00Z,200
`)

	s := NewSeriesStore("miner1", zerolog.Nop())
	s.Merge(table.Columns, table.Rows)
	once := s.Read()

	s.Merge(table.Columns, table.Rows)
	twice := s.Read()

	if len(once) != len(twice) {
		t.Fatalf("idempotent merge changed length: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Key() != twice[i].Key() {
			t.Fatalf("row %d key changed after re-merge", i)
		}
	}
}

func TestReadStatsAfterMerge(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	text := fmt.Sprintf(`timestamp,validator_hotkey,btc_prediction,processing_time_seconds
%s,validatorA,100,1.0
%s,validatorA,110,2.0
%s,validatorB,120,3.0
`,
		now.Add(-2*time.Hour).Format(time.RFC3339),
		now.Add(-time.Hour).Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	table := decodeRows(t, text)

	s := NewSeriesStore("miner1", zerolog.Nop())
	s.Merge(table.Columns, table.Rows)

	stats, ok := s.ReadStats()
	if !ok {
		t.Fatal("stats should exist after a merge")
	}
	if stats.TotalRows != 3 {
		t.Fatalf("total = %d, want 3", stats.TotalRows)
	}
	if stats.Recent24h != 3 {
		t.Fatalf("recent = %d, want 3", stats.Recent24h)
	}
	if len(stats.Assets) != 1 || stats.Assets[0].Asset != "btc" {
		t.Fatalf("assets = %+v", stats.Assets)
	}
	btc := stats.Assets[0]
	if btc.Count != 3 || btc.Latest != 120 {
		t.Fatalf("btc stats = %+v", btc)
	}
	if btc.MinProcessingSecs != 1 || btc.MaxProcessingSecs != 3 || btc.AvgProcessingSecs != 2 {
		t.Fatalf("processing stats = %+v", btc)
	}
	if len(stats.Validators) != 2 || stats.Validators[0].Count != 2 {
		t.Fatalf("validators = %+v", stats.Validators)
	}
	// Fewer than ten values: trend is newest minus oldest.
	if !btc.Trend.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("trend = %s, want 20", btc.Trend)
	}
	if !btc.TrendPct.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("trend pct = %s, want 20", btc.TrendPct)
	}
}

func TestReadStatsAbsentBeforeMerge(t *testing.T) {
	s := NewSeriesStore("miner1", zerolog.Nop())
	if _, ok := s.ReadStats(); ok {
		t.Fatal("stats must be absent before the first merge")
	}
}

func TestRegistrySourceIsolation(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		source := fmt.Sprintf("miner%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := registry.GetOrCreate(source)
			for j := 0; j < 50; j++ {
				text := fmt.Sprintf("timestamp,btc_prediction\n2024-01-02T15:%02d:00Z,%d\n", j, j)
				table := codec.Decode(text)
				s.Merge(table.Columns, table.Rows)
			}
		}()
	}
	wg.Wait()

	if got := len(registry.Sources()); got != 4 {
		t.Fatalf("expected 4 sources, got %d", got)
	}
	for _, source := range registry.Sources() {
		s, _ := registry.Get(source)
		if s.Len() != 50 {
			t.Fatalf("source %s has %d rows, want 50", source, s.Len())
		}
	}
}

func TestRegistryGetUnknownSource(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	if _, ok := registry.Get("ghost"); ok {
		t.Fatal("unknown source must be absent")
	}
}
