package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/depin-orcha/orcha/internal/logging"
)

// RetryConfig defines retry behavior for provider connects
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// DefaultRetryConfig returns the default connect retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// NextDelay calculates the next delay for exponential backoff with jitter
func (r *RetryConfig) NextDelay(attempt int) time.Duration {
	delay := time.Duration(float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt)))
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	if r.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.1)
		delay = delay + jitter
	}
	return delay
}

// ConnectWithRetry connects p, backing off between failed attempts.
// Missing credentials are not retried.
func ConnectWithRetry(ctx context.Context, p Provider, cfg *RetryConfig, logger logging.Logger) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := cfg.NextDelay(attempt - 1)
			logger.Debug(ctx, "Retrying provider connect",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return fmt.Errorf("connect %s cancelled: %w", p.Name(), ctx.Err())
			case <-time.After(delay):
			}
		}

		err := p.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCredentialMissing) {
			return err
		}

		logger.Warn(ctx, "Provider connect failed",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return fmt.Errorf("connect %s failed after %d attempts: %w", p.Name(), attempts, lastErr)
}
