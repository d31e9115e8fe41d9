// Package poller repeatedly checks a remote job until it resolves, fails,
// runs out of attempts or is cancelled.
package poller

import (
	"context"
	"time"
)

// Outcome is how a poll ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Step is the verdict of one check. A step that is neither Done nor Failed
// keeps the poll going; Progressed tells an adaptive schedule that the job
// moved forward.
type Step[T any] struct {
	Done       bool
	Failed     bool
	Value      T
	Err        error
	Progressed bool
}

// Stats describes the poll so far.
type Stats struct {
	Attempts        int
	CurrentInterval time.Duration
	Elapsed         time.Duration
}

// Result is the final state of a poll. Err carries the failure reason, or
// the last transport error on timeout.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
	Stats   Stats
}

// CheckFunc performs attempt number attempt (1-based). A returned error is
// treated as transient: the poll continues until its bound is reached.
type CheckFunc[T any] func(ctx context.Context, attempt int) (Step[T], error)

// Strategy schedules attempts. Fixed and Adaptive are the two schedules.
type Strategy interface {
	initial() time.Duration
	next(cur time.Duration, progressed bool) time.Duration
	exhausted(attempts int, elapsed time.Duration) bool
}

// Fixed waits Interval before every attempt and gives up after MaxAttempts.
type Fixed struct {
	Interval    time.Duration
	MaxAttempts int
}

func (f Fixed) initial() time.Duration                 { return f.Interval }
func (f Fixed) next(time.Duration, bool) time.Duration { return f.Interval }
func (f Fixed) exhausted(attempts int, _ time.Duration) bool {
	return f.MaxAttempts > 0 && attempts >= f.MaxAttempts
}

// Adaptive starts at Initial and multiplies the interval by Growth after
// every attempt that made no progress, capped at Max. Progress resets the
// interval to Initial. MaxWait bounds the total time; zero means unbounded.
type Adaptive struct {
	Initial time.Duration
	Max     time.Duration
	Growth  float64
	MaxWait time.Duration
}

func (a Adaptive) initial() time.Duration { return a.Initial }

func (a Adaptive) next(cur time.Duration, progressed bool) time.Duration {
	if progressed {
		return a.Initial
	}
	growth := a.Growth
	if growth < 1 {
		growth = 1
	}
	n := time.Duration(float64(cur) * growth)
	if a.Max > 0 && n > a.Max {
		n = a.Max
	}
	return n
}

func (a Adaptive) exhausted(_ int, elapsed time.Duration) bool {
	return a.MaxWait > 0 && elapsed >= a.MaxWait
}

// Poll runs check on the schedule s. observe, when non-nil, is called after
// every attempt. Cancelling ctx ends the poll with OutcomeCancelled, which
// is never reported as a failure.
func Poll[T any](ctx context.Context, s Strategy, check CheckFunc[T], observe func(Stats)) Result[T] {
	start := time.Now()
	interval := s.initial()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var (
		stats   Stats
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			stats.Elapsed = time.Since(start)
			return Result[T]{Outcome: OutcomeCancelled, Err: ctx.Err(), Stats: stats}
		case <-timer.C:
		}

		step, err := check(ctx, attempt)
		stats = Stats{Attempts: attempt, CurrentInterval: interval, Elapsed: time.Since(start)}
		if observe != nil {
			observe(stats)
		}
		if ctx.Err() != nil {
			return Result[T]{Outcome: OutcomeCancelled, Err: ctx.Err(), Stats: stats}
		}

		switch {
		case err != nil:
			lastErr = err
		case step.Done:
			return Result[T]{Outcome: OutcomeSuccess, Value: step.Value, Stats: stats}
		case step.Failed:
			return Result[T]{Outcome: OutcomeFailure, Value: step.Value, Err: step.Err, Stats: stats}
		}

		if s.exhausted(attempt, stats.Elapsed) {
			return Result[T]{Outcome: OutcomeTimeout, Err: lastErr, Stats: stats}
		}
		interval = s.next(interval, err == nil && step.Progressed)
		timer.Reset(interval)
	}
}
