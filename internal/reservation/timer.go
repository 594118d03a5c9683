package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/reservo/internal/metrics"
)

// sweeperCaller is recorded as the trigger of sweeper settlements.
const sweeperCaller = "settlement-sweeper"

// Timer settles reservations whose period has ended by paying the owner.
type Timer struct {
	service   *Service
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewTimer creates a settlement sweeper that runs every interval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:   service,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// sweep settles one batch and returns how many reservations it completed.
func (t *Timer) sweep(ctx context.Context) int {
	ended, err := t.service.ListEnded(ctx, t.batchSize)
	if err != nil {
		t.logger.Warn("failed to list ended reservations", "error", err)
		return 0
	}

	settled := 0
	for _, r := range ended {
		done, err := t.service.CompleteAndWithdraw(ctx, sweeperCaller, r.ID)
		if err != nil {
			// Someone else settled or disputed it between list and lock.
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			t.logger.Warn("failed to settle ended reservation", "reservationId", r.ID, "error", err)
			continue
		}
		settled++
		metrics.SettlementsSwept.Inc()
		t.logger.Info("settled ended reservation",
			"reservationId", done.ID,
			"owner", done.Owner,
			"amount", done.AmountEscrowed.String(),
		)
	}
	return settled
}
