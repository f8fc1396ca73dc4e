// Package cursor persists per-channel realtime watermarks so a cold-started
// poller neither re-delivers nor skips records.
package cursor

import (
	"context"
	"sync"
	"time"
)

const keyPrefix = "realtime_last_update_"

// Key returns the storage key for a channel's watermark.
func Key(channel string) string {
	return keyPrefix + channel
}

// Store reads and writes channel watermarks.
type Store interface {
	Load(ctx context.Context, channel string) (time.Time, bool, error)
	Save(ctx context.Context, channel string, mark time.Time) error
}

// MemoryStore keeps watermarks in memory. Useful in tests and for callers
// that accept re-delivery after a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[string]time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]time.Time)}
}

// Load returns the stored watermark for the channel.
func (s *MemoryStore) Load(_ context.Context, channel string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mark, ok := s.marks[channel]
	return mark, ok, nil
}

// Save records the watermark for the channel.
func (s *MemoryStore) Save(_ context.Context, channel string, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[channel] = mark
	return nil
}
