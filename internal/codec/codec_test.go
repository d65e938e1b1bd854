package codec

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleCSV = `timestamp,validator_hotkey,btc_prediction,btc_raw_prediction,btc_interval_lower,btc_interval_upper,eth_prediction,processing_time_seconds
2024-01-02T15:00:00+00:00,5F3sa2TJc,97000.5,96990.1,96000,98000,3300.25,1.5
2024-01-02T15:05:00+00:00,5F3sa2TJc,97100.0,,96100,98100,3310.00,2.0
`

func TestDecodeBasic(t *testing.T) {
	table := Decode(sampleCSV)

	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	if table.Dropped != 0 {
		t.Fatalf("expected no dropped rows, got %d", table.Dropped)
	}

	first := table.Rows[0]
	if !first.HasTime {
		t.Fatal("first row should carry a timestamp")
	}
	want := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	if !first.ObservedAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, first.ObservedAt)
	}
	if v, ok := first.Value("btc_prediction"); !ok || v != 97000.5 {
		t.Fatalf("btc_prediction = %v (ok=%v)", v, ok)
	}
	if first.Meta["validator_hotkey"] != "5F3sa2TJc" {
		t.Fatalf("validator_hotkey = %q", first.Meta["validator_hotkey"])
	}

	// Empty field means absent, not zero.
	second := table.Rows[1]
	if _, ok := second.Value("btc_raw_prediction"); ok {
		t.Fatal("empty btc_raw_prediction should be absent")
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n  \n"} {
		table := Decode(text)
		if len(table.Rows) != 0 {
			t.Fatalf("input %q should yield no rows", text)
		}
	}
}

func TestDecodeDropsMalformedRecords(t *testing.T) {
	text := strings.Join([]string{
		"timestamp,btc_prediction",
		"2024-01-02T15:00:00Z,100",
		"short-record",
		"not-a-timestamp,101",
		"2024-01-02T15:05:00Z,102",
	}, "\n")

	table := Decode(text)
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 valid rows, got %d", len(table.Rows))
	}
	if table.Dropped != 2 {
		t.Fatalf("expected 2 dropped records, got %d", table.Dropped)
	}
}

func TestDecodePandasTimestampFormat(t *testing.T) {
	table := Decode("timestamp,btc_prediction\n2024-01-02 15:00:00+00:00,100\n")
	if len(table.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d (dropped %d)", len(table.Rows), table.Dropped)
	}
	want := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	if !table.Rows[0].ObservedAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, table.Rows[0].ObservedAt)
	}
}

func TestDetectAssetsOrderAndExclusions(t *testing.T) {
	columns := []string{
		"timestamp",
		"btc_prediction",
		"btc_raw_prediction",
		"eth_prediction",
		"tao_bittensor_prediction",
		"eth_interval_lower",
	}
	got := DetectAssets(columns)
	want := []string{"btc", "eth", "tao_bittensor"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestHasNaturalKey(t *testing.T) {
	with := Decode("timestamp,btc_prediction\n2024-01-02T15:00:00Z,1\n")
	if !with.HasNaturalKey() {
		t.Fatal("timestamp schema should report a natural key")
	}
	without := Decode("btc_prediction,note\n1,alpha\n")
	if without.HasNaturalKey() {
		t.Fatal("keyless schema should not report a natural key")
	}
}

func TestRowKeyFallsBackToRawRecord(t *testing.T) {
	table := Decode("btc_prediction,note\n1,alpha\n1,beta\n")
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	if table.Rows[0].Key() == table.Rows[1].Key() {
		t.Fatal("distinct keyless rows must have distinct identity keys")
	}
}

func TestCollapseByKeyFirstSeenWins(t *testing.T) {
	text := strings.Join([]string{
		"timestamp,btc_prediction",
		"2024-01-02T15:00:00Z,100",
		"2024-01-02T15:00:00Z,200",
		"2024-01-02T15:05:00Z,300",
	}, "\n")

	rows := CollapseByKey(Decode(text).Rows)
	if len(rows) != 2 {
		t.Fatalf("expected 2 collapsed rows, got %d", len(rows))
	}
	if v, _ := rows[0].Value("btc_prediction"); v != 100 {
		t.Fatalf("first-seen row should win, got %v", v)
	}
}
