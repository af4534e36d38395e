// Package ratelimit enforces per-user per-operation quotas. Limits apply
// in cloud mode; self-hosted deployments run with the limiter disabled.
package ratelimit

import (
	"context"
	"time"
)

// TimeWindow is the rolling window a limit counts over.
type TimeWindow string

const (
	WindowMinute TimeWindow = "minute"
	WindowHour   TimeWindow = "hour"
	WindowDay    TimeWindow = "day"
	WindowMonth  TimeWindow = "month"
)

// Duration returns the window length. Months are approximated.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Limit caps one operation type for every user. Operation "*" applies to
// all operations.
type Limit struct {
	Operation string     `yaml:"operation" json:"operation"`
	Window    TimeWindow `yaml:"window" json:"window"`
	Max       int64      `yaml:"max" json:"max"`
}

// Limiter checks and records operation counts against configured limits.
type Limiter struct {
	store   Store
	limits  map[string][]Limit
	enabled bool
}

// New builds a limiter. When enabled is false every check passes; usage is
// still counted so enabling limits later starts from real numbers.
func New(store Store, limits []Limit, enabled bool) *Limiter {
	byOp := make(map[string][]Limit)
	for _, l := range limits {
		if l.Max <= 0 {
			continue
		}
		byOp[l.Operation] = append(byOp[l.Operation], l)
	}
	return &Limiter{
		store:   store,
		limits:  byOp,
		enabled: enabled,
	}
}

// Allow records one occurrence of the operation for the user and fails
// with a QuotaError when a limit is exceeded. The count and the check are
// one atomic step per limit.
func (l *Limiter) Allow(ctx context.Context, userID, operation string) error {
	applicable := append([]Limit{}, l.limits[operation]...)
	applicable = append(applicable, l.limits["*"]...)
	if len(applicable) == 0 {
		return nil
	}

	for _, limit := range applicable {
		current, windowEnd, err := l.store.Increment(ctx, userID, operation, limit.Window, 1)
		if err != nil {
			return err
		}
		if l.enabled && current > limit.Max {
			return &QuotaError{
				UserID:     userID,
				Operation:  operation,
				Limit:      limit.Max,
				Current:    current,
				RetryAfter: time.Until(windowEnd),
			}
		}
	}
	return nil
}

// Reset clears all counters for a user.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	return l.store.Reset(ctx, userID)
}
