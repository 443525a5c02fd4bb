package notifier

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	logx "pewcore/pkg/logx"
)

const sendTimeout = 10 * time.Second

// workerLoop sends queued jobs until the queue is closed.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.metrics.SetQueueDepth(len(q))
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	cfg, lim := s.snapshot()
	ad := s.adapters[j.n.Channel]
	if ad == nil || strings.TrimSpace(j.n.Text) == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = ad.SendText(callCtx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			s.metrics.Delivery("sent")
			s.emit(EventSent, j.n, j.key, nil)
			return
		}
		s.log.Debug("delivery.attempt_failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.metrics.Delivery("failed")
	s.log.Warn("delivery.failed",
		logx.String("channel", j.n.Channel),
		logx.Int64("chat_id", j.n.Target.ChatID),
		logx.Int("attempts", attempts),
		logx.Err(err),
	)
	s.emit(EventFailed, j.n, j.key, err)
}

// retryDelay is the wait before attempt+1: RetryBase doubled per attempt,
// jittered by ±30% and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, time.Millisecond), cfg.RetryMaxDelay)
}
