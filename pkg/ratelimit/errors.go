package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded is the sentinel every QuotaError unwraps to.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaError reports which limit a user ran into.
type QuotaError struct {
	UserID     string
	Operation  string
	Limit      int64
	Current    int64
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s on %s: %d/%d in window", e.UserID, e.Operation, e.Current, e.Limit)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}
