package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"heartlink-backend/pkg/logger"
)

// RingTimeoutWorker periodically expires calls that have been ringing for
// longer than the configured timeout. The timeout is deployment policy, not
// part of the state machine: disabling the worker leaves ringing calls
// untouched until a party ends them.
type RingTimeoutWorker struct {
	service     *Service
	ringTimeout time.Duration
	interval    time.Duration
}

// NewRingTimeoutWorker creates a worker that sweeps every interval and
// expires calls ringing for longer than ringTimeout
func NewRingTimeoutWorker(service *Service, ringTimeout, interval time.Duration) *RingTimeoutWorker {
	return &RingTimeoutWorker{
		service:     service,
		ringTimeout: ringTimeout,
		interval:    interval,
	}
}

// Run sweeps until the context is cancelled
func (w *RingTimeoutWorker) Run(ctx context.Context) {
	logger.Info("Ring timeout worker started",
		zap.Duration("ring_timeout", w.ringTimeout),
		zap.Duration("sweep_interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Ring timeout worker stopped")
			return
		case <-ticker.C:
			expired, err := w.service.ExpireRinging(ctx, w.ringTimeout)
			if err != nil {
				logger.Error("Ring timeout sweep failed",
					zap.Error(err))
				continue
			}
			if expired > 0 {
				logger.Info("Ring timeout sweep expired calls",
					zap.Int("count", expired))
			}
		}
	}
}
