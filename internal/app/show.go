package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"prediction-monitor/internal/codec"
)

// Show prints the newest predictions of one source straight from its file.
func (a *App) Show(_ context.Context, opts ShowOptions) error {
	path := a.Config.Sources.SourcePath(opts.Source)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read source %s: %w", opts.Source, err)
	}

	table := codec.Decode(string(raw))
	rows := codec.CollapseByKey(table.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ObservedAt.After(rows[j].ObservedAt)
	})
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}

	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no predictions found")
		return nil
	}

	assets := codec.DetectAssets(table.Columns)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := []string{"Time (UTC)"}
	for _, asset := range assets {
		header = append(header, strings.ToUpper(asset))
	}
	header = append(header, "Validator")
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, row := range rows {
		fields := []string{row.ObservedAt.UTC().Format(time.RFC3339)}
		for _, asset := range assets {
			if v, ok := row.Value(asset + "_prediction"); ok {
				fields = append(fields, fmt.Sprintf("%.2f", v))
			} else {
				fields = append(fields, "-")
			}
		}
		fields = append(fields, truncateInline(row.Meta["validator_hotkey"], 20))
		fmt.Fprintln(writer, strings.Join(fields, "\t"))
	}

	return writer.Flush()
}

func truncateInline(v string, max int) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	if len(cleaned) > max {
		return cleaned[:max] + "..."
	}
	return cleaned
}
