// Package gateway wraps single logical writes with a bounded-retry envelope
// so a flaky network does not produce duplicate or inconsistent writes.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/faults"
	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/metrics"
	"go.uber.org/zap"
)

// Operation is one logical write. The gateway may invoke it more than once,
// so it must be safe to repeat; server-side uniqueness or the caller's rate
// limit prevents duplicate rows even if two attempts both reach the server.
type Operation func(ctx context.Context) error

// Gateway tracks one attempt record per operation id and retries retryable
// classified failures sequentially with the classifier's suggested delay.
type Gateway struct {
	log   *zap.Logger
	sleep func(context.Context, time.Duration) error

	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	count     int
	lastDelay time.Duration
}

// New constructs a gateway.
func New(logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		log:      logger,
		sleep:    sleepCtx,
		attempts: make(map[string]*attemptRecord),
	}
}

// Execute runs the operation under the retry envelope identified by opID.
// It returns nil on success, or the terminal structured fault once the
// failure is non-retryable or the retry budget is spent. The attempt record
// is cleared on either terminal outcome.
func (g *Gateway) Execute(ctx context.Context, opID string, op Operation) error {
	for {
		record := g.record(opID)

		err := op(ctx)
		if err == nil {
			g.clear(opID)
			return nil
		}

		fault := faults.Classify(err)
		if !fault.Retryable || record.count >= fault.MaxRetries {
			g.clear(opID)
			if fault.Retryable {
				g.log.Warn("mutation retry budget exhausted",
					zap.String("op", opID), zap.Int("attempts", record.count+1))
			}
			return fault
		}

		record.count++
		record.lastDelay = fault.RetryAfter
		metrics.MutationRetries.Inc()
		g.log.Info("retrying mutation",
			zap.String("op", opID),
			zap.Int("attempt", record.count),
			zap.Duration("delay", fault.RetryAfter))

		if fault.RetryAfter > 0 {
			if err := g.sleep(ctx, fault.RetryAfter); err != nil {
				g.clear(opID)
				return faults.Classify(err)
			}
		}
	}
}

// Attempts reports the live attempt count for an operation id; zero once the
// operation reached a terminal outcome.
func (g *Gateway) Attempts(opID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if record := g.attempts[opID]; record != nil {
		return record.count
	}
	return 0
}

func (g *Gateway) record(opID string) *attemptRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	record := g.attempts[opID]
	if record == nil {
		record = &attemptRecord{}
		g.attempts[opID] = record
	}
	return record
}

func (g *Gateway) clear(opID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, opID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
