package upstream

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryConfig defines retry behavior for a single upstream call.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// DefaultRetryConfig keeps retries inside one refresh cycle short; the next
// tick is the real retry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

func withBackoff(ctx context.Context, cfg RetryConfig, operation string, fn func() error) error {
	l := log.WithFields(log.Fields{
		"package":   "upstream",
		"func":      "withBackoff",
		"operation": operation,
	})
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				l.Infof("succeeded after %d attempts", attempt)
			}
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		delay := backoffDelay(cfg, attempt)
		l.WithField("attempt", attempt).Warnf("failed, retrying in %s: %v", delay, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxRetries, lastErr)
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.JitterEnabled {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}
	return time.Duration(delay)
}
