package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// handleRemote turns one inbound trigger message into a local
// broadcast. It runs off the paho callback goroutine so a slow
// broadcast never stalls inbound message processing.
func (m *Mirror) handleRemote(ctx context.Context, payload []byte) {
	m.received.Add(1)
	if !m.limiter.allow() {
		return
	}
	m.logger.Debug("mqtt remote trigger received", "topic", m.setTopic(), "payload_size", len(payload))

	go func() {
		n := m.remote.Trigger(ctx)
		m.logger.Info("mqtt remote trigger", "listeners", n)
		if err := m.PublishTrigger(ctx, n, "mqtt"); err != nil {
			m.logger.Debug("mqtt trigger mirror failed", "error", err)
		}
	}()
}

// messageRateLimiter drops inbound messages once more than limit
// arrive within one interval. Counters are atomic so the hot path
// takes no lock.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// warns about anything dropped in the previous window.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt remote triggers dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether the current message is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
