// Package worker records charges off the request path. A deduction has
// already happened by the time a charge is queued, so a failed write is
// logged and dropped rather than surfaced to the user.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/coin-advisor/internal/billing"
)

var (
	ErrQueueFull = errors.New("charge queue full")
	ErrClosed    = errors.New("charge queue closed")
)

const writeTimeout = 5 * time.Second

type Queue interface {
	Enqueue(ctx context.Context, c *billing.Charge) error
	Process(ctx context.Context) error // runs the drain loop until Close
}

var _ Queue = (*ChargeQueue)(nil)

type ChargeQueue struct {
	store billing.Store
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan *billing.Charge
	wg     sync.WaitGroup
}

func NewChargeQueue(store billing.Store, size int, log zerolog.Logger) *ChargeQueue {
	if size <= 0 {
		size = 256
	}
	return &ChargeQueue{
		store: store,
		log:   log,
		jobs:  make(chan *billing.Charge, size),
	}
}

// Enqueue never blocks the caller.
func (q *ChargeQueue) Enqueue(ctx context.Context, c *billing.Charge) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *ChargeQueue) Process(ctx context.Context) error {
	for c := range q.jobs {
		q.record(ctx, c)
	}
	return nil
}

// Start runs Process in the background; Close waits for it to drain.
func (q *ChargeQueue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = q.Process(ctx)
	}()
}

func (q *ChargeQueue) record(ctx context.Context, c *billing.Charge) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := q.store.LogCharge(writeCtx, c); err != nil {
		q.log.Error().Err(err).
			Str("username", c.Username).
			Str("request_id", c.RequestID).
			Float64("actual_cost_usd", c.ActualCostUSD).
			Msg("failed to record charge")
	}
}

// Close stops accepting charges and blocks until queued ones are written.
func (q *ChargeQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
