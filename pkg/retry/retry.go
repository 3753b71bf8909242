package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/openmdm/mdm-engine/pkg/apperrors"
)

// Config defines exponential-backoff retry behavior.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0, +/- fraction of the delay
}

// DefaultConfig is tuned for connector page fetches: 3 retries starting at
// 100ms, doubling up to 5s, with 10% jitter so parallel syncs don't align.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// retryAll retries every error; used when the caller has already classified
// the operation as transient-prone.
func retryAll(error) bool { return true }

// DoWithResult runs fn until it succeeds or retries are exhausted, retrying
// every error. A nil cfg uses DefaultConfig. Context cancellation interrupts
// the backoff wait, not a call in flight. On failure the last result is
// returned alongside the last error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return run(ctx, cfg, retryAll, fn)
}

// DoIfRetryable is DoWithResult restricted to transient errors per
// IsRetryable; permanent failures (bad cursor, validation) return
// immediately.
func DoIfRetryable[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return run(ctx, cfg, IsRetryable, fn)
}

func run[T any](ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if !shouldRetry(err) || attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(jittered(delay, cfg.JitterFactor)):
		case <-ctx.Done():
			return result, ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return result, lastErr
}

func jittered(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	offset := float64(delay) * factor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + offset)
}

// transientPatterns match error strings from drivers and HTTP clients that
// don't expose typed errors.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"deadlock",
	"i/o timeout",
	"network is unreachable",
	"429",
	"500",
	"502",
	"503",
	"504",
	"rate limit",
	"service busy",
	"service unavailable",
	"too many requests",
}

// IsRetryable reports whether an error is worth retrying. Connector and
// capacity errors always are; validation errors never are, since the data
// itself has to change. Anything else falls back to string matching.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var connErr *apperrors.ConnectorError
	var capErr *apperrors.CapacityError
	if errors.As(err, &connErr) || errors.As(err, &capErr) {
		return true
	}
	var valErr *apperrors.ValidationError
	if errors.As(err, &valErr) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
