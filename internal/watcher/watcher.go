// Package watcher tails one source log per instance: it polls the file's
// size and mtime, reads a bounded tail on change, diffs the decoded snapshot
// against the previous one, and hands off only newly-appeared rows. Every
// failure degrades to "no change this tick"; the loop never dies.
package watcher

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prediction-monitor/internal/codec"
	"prediction-monitor/internal/scheduler"
)

// Delta carries the rows newly present in the latest read of a source,
// in decoded order.
type Delta struct {
	Source    string
	Columns   []string
	Rows      []codec.Row
	FirstLoad bool
}

// OnDelta receives every non-empty delta exactly once per detection.
type OnDelta func(ctx context.Context, delta Delta)

// Options parameterise one watcher.
type Options struct {
	Source   string
	Path     string
	Interval time.Duration
	// MaxRows bounds how many trailing data lines are decoded per read,
	// keeping memory flat for unbounded-growth logs.
	MaxRows int
}

// Watcher owns the polling loop and snapshot for a single source.
type Watcher struct {
	opts    Options
	onDelta OnDelta
	logger  zerolog.Logger

	// mu serializes read/diff/notify cycles so scheduled ticks and manual
	// triggers never interleave; deltas for one source stay ordered.
	mu        sync.Mutex
	lastSize  int64
	lastMtime time.Time
	hasStat   bool
	snapshot  []codec.Row
	snapKeys  map[string]struct{}
	hasSnap   bool

	runMu   sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a watcher for one source file.
func New(opts Options, onDelta OnDelta, logger zerolog.Logger) *Watcher {
	return &Watcher{
		opts:    opts,
		onDelta: onDelta,
		logger: logger.With().
			Str("component", "watcher").
			Str("source", opts.Source).
			Logger(),
	}
}

// Start begins the polling loop. The first cycle runs immediately so a
// restart repopulates downstream state without waiting out an interval.
func (w *Watcher) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.stopped {
		return fmt.Errorf("watcher for %s already stopped", w.opts.Source)
	}
	if w.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	poller := scheduler.New(scheduler.Options{Interval: w.opts.Interval}, w.logger)

	go func() {
		defer close(w.done)
		err := poller.Run(runCtx, func(tickCtx context.Context) error {
			return w.tick(tickCtx)
		})
		if err != nil && err != context.Canceled {
			w.logger.Error().Err(err).Msg("polling loop exited")
		}
	}()

	w.logger.Info().Str("path", w.opts.Path).Dur("interval", w.opts.Interval).Msg("watcher started")
	return nil
}

// Stop terminates the loop. Any in-flight cycle completes before Stop
// returns; the watcher cannot be restarted afterwards.
func (w *Watcher) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if !w.running {
		return
	}
	w.cancel()
	<-w.done
	w.running = false
	w.logger.Info().Msg("watcher stopped")
}

// ManualTrigger forces one immediate read/diff/notify cycle outside the
// schedule, without altering it. It reports whether the read succeeded and
// a human-readable outcome.
func (w *Watcher) ManualTrigger(ctx context.Context) (bool, string) {
	emitted, err := w.cycle(ctx, true)
	if err != nil {
		return false, fmt.Sprintf("fetch failed for %s: %v", w.opts.Source, err)
	}
	return true, fmt.Sprintf("fetched %s: %d new row(s)", w.opts.Source, emitted)
}

// tick is one scheduled poll: a metadata check, then a full cycle only when
// the file actually changed.
func (w *Watcher) tick(ctx context.Context) error {
	_, err := w.cycle(ctx, false)
	return err
}

// cycle performs stat → read tail → decode → diff → notify. With force set
// the unchanged-metadata short-circuit is skipped. It returns the number of
// delta rows emitted.
func (w *Watcher) cycle(ctx context.Context, force bool) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.opts.Path)
	if err != nil {
		return 0, fmt.Errorf("source unavailable: %w", err)
	}

	if !force && w.hasStat && info.Size() == w.lastSize && info.ModTime().Equal(w.lastMtime) {
		return 0, nil
	}

	text, err := readTail(w.opts.Path, w.opts.MaxRows)
	if err != nil {
		return 0, fmt.Errorf("read source: %w", err)
	}

	table := codec.Decode(text)
	if table.Dropped > 0 {
		w.logger.Warn().Int("dropped", table.Dropped).Msg("skipped undecodable records")
	}

	w.lastSize = info.Size()
	w.lastMtime = info.ModTime()
	w.hasStat = true

	// Concurrent producers can write several rows for one timestamp; the
	// first in file order is the row every downstream consumer sees.
	rows := codec.CollapseByKey(table.Rows)

	if len(rows) == 0 {
		// An empty decode is a successful no-op; the prior snapshot stays
		// so a transiently truncated file cannot replay the whole log.
		return 0, nil
	}

	delta, firstLoad := w.diff(rows)
	w.replaceSnapshot(rows)

	if len(delta) == 0 {
		return 0, nil
	}

	if firstLoad {
		w.logger.Info().Int("rows", len(delta)).Msg("initial load")
	} else {
		w.logger.Info().Int("rows", len(delta)).Msg("new rows detected")
	}

	if w.onDelta != nil {
		w.onDelta(ctx, Delta{
			Source:    w.opts.Source,
			Columns:   table.Columns,
			Rows:      delta,
			FirstLoad: firstLoad,
		})
	}
	return len(delta), nil
}

// diff returns the rows whose natural key appears in the new snapshot but
// not the prior one. Without a prior snapshot the entire read is the delta.
// Keyless schemas fall back to whole-row identity via Row.Key.
func (w *Watcher) diff(next []codec.Row) ([]codec.Row, bool) {
	if !w.hasSnap {
		return next, true
	}

	var delta []codec.Row
	for _, row := range next {
		if _, known := w.snapKeys[row.Key()]; !known {
			delta = append(delta, row)
		}
	}
	return delta, false
}

func (w *Watcher) replaceSnapshot(rows []codec.Row) {
	keys := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		keys[row.Key()] = struct{}{}
	}
	w.snapshot = rows
	w.snapKeys = keys
	w.hasSnap = true
}

// readTail returns the header line plus at most maxRows trailing data lines.
func readTail(path string, maxRows int) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	text := string(raw)
	if maxRows <= 0 {
		return text, nil
	}

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= maxRows+1 {
		return text, nil
	}

	tail := make([]string, 0, maxRows+1)
	tail = append(tail, lines[0])
	tail = append(tail, lines[len(lines)-maxRows:]...)
	return strings.Join(tail, "\n") + "\n", nil
}
