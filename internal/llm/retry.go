package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/revizor-dev/revizor/internal/config"
)

// ErrCircuitOpen is returned when the circuit breaker is open and the call is
// rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryPolicy is an explicit retry object: callers pass the operation to Do
// instead of wrapping completers in decorators, so the policy (attempt count,
// backoff, per-attempt timeout, circuit breaker) is visible at every call
// site and inspectable in tests.
type RetryPolicy struct {
	cfg     config.RetryConfig
	breaker *CircuitBreaker
	log     *zap.Logger
}

// NewRetryPolicy creates a retry policy from configuration. breaker may be
// nil to disable circuit breaking.
func NewRetryPolicy(cfg config.RetryConfig, breaker *CircuitBreaker, log *zap.Logger) *RetryPolicy {
	return &RetryPolicy{cfg: cfg, breaker: breaker, log: log}
}

// Do runs fn up to MaxAttempts times with exponential backoff between
// attempts. Each attempt gets its own timeout context. Fatal errors (auth
// failures, client errors) abort immediately; only transient errors are
// retried and counted against the circuit breaker.
func (p *RetryPolicy) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error
	backoff := p.cfg.InitialBackoff

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				p.log.Warn("call blocked by circuit breaker",
					zap.String("operation", operation),
					zap.String("state", p.breaker.State().String()))
				return fmt.Errorf("%s: %w", operation, err)
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if p.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			if attempt > 1 {
				p.log.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			p.log.Error("operation failed with fatal error",
				zap.String("operation", operation),
				zap.Error(err))
			return err
		}
		if p.breaker != nil {
			p.breaker.RecordFailure()
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		}

		p.log.Warn("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * p.cfg.Multiplier)
			if backoff > p.cfg.MaxBackoff {
				backoff = p.cfg.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, p.cfg.MaxAttempts, lastErr)
}

// IsRetryable classifies an error as transient (worth retrying) or fatal.
// Rate limits, server errors, timeouts and connection failures are transient;
// authentication and other client errors are fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rle *rateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var se *serverError
	if errors.As(err, &se) {
		return true
	}
	var ae *authError
	if errors.As(err, &ae) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	// Errors from the Anthropic SDK and the network stack arrive untyped;
	// fall back to message inspection.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"):
		return true
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporary failure"):
		return true
	}
	return false
}
