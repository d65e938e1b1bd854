// Package scheduler drives the per-source polling cadence. Unlike a
// bucket-aligned sampler, the poller runs at a fixed interval and stretches
// a single wait to double the interval after two consecutive tick failures.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every poll tick. A returned error counts toward
// the consecutive-failure backoff; it never stops the loop.
type TickFunc func(ctx context.Context) error

// Options tune poller behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	// BackoffAfter is the consecutive-failure count that triggers a
	// doubled wait for the next tick only. Zero means two.
	BackoffAfter int
}

// Poller executes a tick function at a fixed interval until cancelled.
type Poller struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Poller.
func New(opts Options, logger zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		panic("poller interval must be positive")
	}
	if opts.BackoffAfter <= 0 {
		opts.BackoffAfter = 2
	}
	return &Poller{opts: opts, logger: logger.With().Str("component", "poller").Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled. An
// in-flight tick always completes before Run returns.
func (p *Poller) Run(ctx context.Context, tick TickFunc) error {
	if p.opts.StartupDelay > 0 {
		if err := sleep(ctx, p.opts.StartupDelay); err != nil {
			return err
		}
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := tick(ctx); err != nil {
			failures++
			p.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("tick failed")
		} else {
			failures = 0
		}

		wait := p.nextWait(failures)
		if wait > p.opts.Interval {
			p.logger.Debug().Dur("wait", wait).Msg("backing off after consecutive failures")
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// nextWait returns the delay before the next tick: the configured interval,
// doubled once the consecutive-failure count reaches the backoff threshold.
func (p *Poller) nextWait(failures int) time.Duration {
	if failures >= p.opts.BackoffAfter {
		return 2 * p.opts.Interval
	}
	return p.opts.Interval
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
