package codec

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	predictionSuffix    = "_prediction"
	rawPredictionSuffix = "_raw_prediction"
)

// timestampColumns are checked in preference order when extracting the
// natural key of a row.
var timestampColumns = []string{"timestamp", "datetime"}

// timeLayouts cover the formats observed in miner history files.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Row is one decoded observation from a source log. Numeric columns land in
// Values; everything else in Meta. A column absent from the record is absent
// from the maps, never zero.
type Row struct {
	ObservedAt time.Time
	HasTime    bool
	Values     map[string]float64
	Meta       map[string]string

	raw string
}

// Key returns the string-normalized natural key of the row: the observation
// timestamp when present, otherwise the raw record so keyless schemas fall
// back to whole-row identity.
func (r Row) Key() string {
	if r.HasTime {
		return r.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	return r.raw
}

// Value returns the numeric field and whether it was present.
func (r Row) Value(column string) (float64, bool) {
	v, ok := r.Values[column]
	return v, ok
}

// Table is the result of decoding one read of a source file.
type Table struct {
	Columns []string
	Rows    []Row
	Dropped int
}

// HasNaturalKey reports whether the schema carries a timestamp column at all.
// Without one, snapshot diffing degrades to whole-row identity.
func (t Table) HasNaturalKey() bool {
	for _, want := range timestampColumns {
		for _, col := range t.Columns {
			if col == want {
				return true
			}
		}
	}
	return false
}

// Assets lists the asset keys present in the schema, in column order.
func (t Table) Assets() []string {
	return DetectAssets(t.Columns)
}

// Decode parses delimited text into typed rows. The first non-empty line is
// the header. Records that cannot be parsed are dropped and counted, never
// surfaced as an error; empty or all-whitespace input yields an empty table.
func Decode(text string) Table {
	if strings.TrimSpace(text) == "" {
		return Table{}
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return Table{}
	}
	columns := make([]string, len(header))
	for i, col := range header {
		columns[i] = strings.TrimSpace(col)
	}

	table := Table{Columns: columns}
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			table.Dropped++
			continue
		}
		row, ok := decodeRecord(columns, record)
		if !ok {
			table.Dropped++
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

func decodeRecord(columns, record []string) (Row, bool) {
	if len(record) != len(columns) {
		return Row{}, false
	}

	row := Row{
		Values: make(map[string]float64),
		Meta:   make(map[string]string),
		raw:    strings.Join(record, ","),
	}

	for i, col := range columns {
		field := strings.TrimSpace(record[i])
		if field == "" {
			continue
		}

		if isTimestampColumn(col) && !row.HasTime {
			if ts, ok := parseTime(field); ok {
				row.ObservedAt = ts
				row.HasTime = true
				continue
			}
			// A present but unparseable natural key makes the record
			// undiffable; drop it rather than guess.
			return Row{}, false
		}

		if v, err := strconv.ParseFloat(field, 64); err == nil {
			row.Values[col] = v
			continue
		}
		row.Meta[col] = field
	}

	return row, true
}

// DetectAssets scans column names for the `<asset>_prediction` suffix,
// excluding `_raw_prediction` columns. Order follows first appearance in the
// schema.
func DetectAssets(columns []string) []string {
	var assets []string
	seen := make(map[string]struct{})
	for _, col := range columns {
		if !strings.HasSuffix(col, predictionSuffix) || strings.HasSuffix(col, rawPredictionSuffix) {
			continue
		}
		asset := strings.TrimSuffix(col, predictionSuffix)
		if _, dup := seen[asset]; dup {
			continue
		}
		seen[asset] = struct{}{}
		assets = append(assets, asset)
	}
	return assets
}

// CollapseByKey reduces rows to one per natural key, keeping the first
// occurrence in source order. Concurrent producers legitimately emit several
// rows at the same timestamp; the first-seen row wins.
func CollapseByKey(rows []Row) []Row {
	if len(rows) == 0 {
		return rows
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		key := row.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

func isTimestampColumn(col string) bool {
	for _, want := range timestampColumns {
		if col == want {
			return true
		}
	}
	return false
}

func parseTime(field string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, field); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
