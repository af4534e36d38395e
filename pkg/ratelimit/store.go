package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store keeps windowed counters. Implementations must be safe for
// concurrent use.
type Store interface {
	// Increment adds amount to the (user, operation, window) counter,
	// starting a fresh window if the previous one expired. Returns the new
	// count and the window's end.
	Increment(ctx context.Context, userID, operation string, window TimeWindow, amount int64) (int64, time.Time, error)

	// Reset drops all counters for the user.
	Reset(ctx context.Context, userID string) error

	Close() error
}

type counterKey struct {
	UserID    string
	Operation string
	Window    TimeWindow
}

type counter struct {
	Count     int64
	WindowEnd time.Time
}

// MemoryStore is the in-process counter store used by self-hosted
// deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[counterKey]*counter
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[counterKey]*counter),
		now:  time.Now,
	}
}

func (s *MemoryStore) Increment(ctx context.Context, userID, operation string, window TimeWindow, amount int64) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{UserID: userID, Operation: operation, Window: window}
	now := s.now()

	record, exists := s.data[key]
	if !exists || record.WindowEnd.Before(now) {
		record = &counter{WindowEnd: now.Add(window.Duration())}
		s.data[key] = record
	}
	record.Count += amount
	return record.Count, record.WindowEnd, nil
}

func (s *MemoryStore) Reset(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.data {
		if key.UserID == userID {
			delete(s.data, key)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.data = make(map[counterKey]*counter)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
