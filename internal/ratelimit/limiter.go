// Package ratelimit enforces per-account interaction caps over rolling
// 1-hour and 24-hour windows.
package ratelimit

import (
	"context"
	"time"

	"botflow/internal/domain"
)

// Limit is the cap for one interaction type.
type Limit struct {
	PerHour int `mapstructure:"per_hour"`
	PerDay  int `mapstructure:"per_day"`
}

// Limits maps interaction types to their caps. Types absent from the map
// are unlimited.
type Limits map[domain.TaskType]Limit

// DefaultLimits returns the stock caps. These are configuration defaults,
// not platform contracts; operators tune them per deployment.
func DefaultLimits() Limits {
	return Limits{
		domain.TypeLike:    {PerHour: 10, PerDay: 50},
		domain.TypeComment: {PerHour: 5, PerDay: 30},
		domain.TypeFollow:  {PerHour: 3, PerDay: 20},
		domain.TypePublish: {PerHour: 2, PerDay: 10},
	}
}

// CounterStore is the slice of the repository the limiter needs: counting
// successful interactions inside a window and finding the oldest one.
type CounterStore interface {
	CountInteractions(ctx context.Context, accountID string, typ domain.TaskType, since time.Time) (int, error)
	OldestInteraction(ctx context.Context, accountID string, typ domain.TaskType, since time.Time) (*time.Time, error)
}

// Limiter answers allow/deny for one prospective interaction. Counters are
// derived from the persisted interaction log, so limits hold across
// process restarts without any in-memory bookkeeping.
type Limiter struct {
	store  CounterStore
	limits Limits
	now    func() time.Time
}

// New creates a limiter. nowFn may be nil for wall-clock time.
func New(store CounterStore, limits Limits, nowFn func() time.Time) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Limiter{store: store, limits: limits, now: nowFn}
}

// Check reports whether one more interaction of the given type is allowed
// for the account right now. On denial, retryAfter is the time until the
// oldest counted interaction exits the binding window.
func (l *Limiter) Check(ctx context.Context, accountID string, typ domain.TaskType) (allowed bool, retryAfter time.Duration, err error) {
	limit, ok := l.limits[typ]
	if !ok {
		return true, 0, nil
	}

	now := l.now()
	var worst time.Duration

	windows := []struct {
		span time.Duration
		cap  int
	}{
		{time.Hour, limit.PerHour},
		{24 * time.Hour, limit.PerDay},
	}
	for _, w := range windows {
		if w.cap <= 0 {
			continue
		}
		since := now.Add(-w.span)
		count, err := l.store.CountInteractions(ctx, accountID, typ, since)
		if err != nil {
			return false, 0, err
		}
		if count < w.cap {
			continue
		}
		oldest, err := l.store.OldestInteraction(ctx, accountID, typ, since)
		if err != nil {
			return false, 0, err
		}
		wait := w.span // no oldest row should not happen at cap, be safe
		if oldest != nil {
			wait = oldest.Add(w.span).Sub(now)
		}
		if wait < time.Second {
			wait = time.Second
		}
		if wait > worst {
			worst = wait
		}
	}

	if worst > 0 {
		return false, worst, nil
	}
	return true, 0, nil
}
