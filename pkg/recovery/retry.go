// Package recovery centralises retry, strategy selection, degradation and
// checkpointing. Components detect errors; this package decides what
// happens next, and the session controller applies the outcome verbatim.
package recovery

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/models"
)

// RetryPolicy controls the exponential backoff for retryable operations.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterPercent     int
	// RetryableCodes limits retries to these codes. Empty means use each
	// error record's Retryable flag.
	RetryableCodes map[models.ErrorCode]bool
}

// PolicyFromConfig builds the default policy from configuration.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        cfg.MaxRetries,
		InitialDelay:      cfg.InitialDelay,
		MaxDelay:          cfg.MaxDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		JitterPercent:     cfg.JitterPercent,
	}
}

// Per-operation policy overrides.

// SpawnPolicy tunes agent spawn retries: fewer attempts, longer waits.
func SpawnPolicy(base RetryPolicy) RetryPolicy {
	base.MaxRetries = 2
	base.InitialDelay = 2 * time.Second
	base.RetryableCodes = map[models.ErrorCode]bool{
		models.CodeAgentSpawnFailed:  true,
		models.CodeTmuxSessionFailed: true,
	}
	return base
}

// SendPolicy tunes message delivery retries: quick and cheap.
func SendPolicy(base RetryPolicy) RetryPolicy {
	base.MaxRetries = 3
	base.InitialDelay = 250 * time.Millisecond
	base.MaxDelay = 2 * time.Second
	return base
}

// DatabasePolicy tunes audit write retries.
func DatabasePolicy(base RetryPolicy) RetryPolicy {
	base.MaxRetries = 3
	base.InitialDelay = 500 * time.Millisecond
	base.RetryableCodes = map[models.ErrorCode]bool{models.CodeDatabaseError: true}
	return base
}

// RateLimitPolicy waits out rate-limit windows: many attempts, long cap.
func RateLimitPolicy(base RetryPolicy) RetryPolicy {
	base.MaxRetries = 5
	base.InitialDelay = 5 * time.Second
	base.MaxDelay = 2 * time.Minute
	base.RetryableCodes = map[models.ErrorCode]bool{models.CodeRateLimited: true}
	return base
}

// Delay computes the backoff before attempt n (1-based):
// min(initial × multiplier^(n-1), maxDelay) plus uniform jitter in
// [0, cap × jitter%).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	capped := math.Min(base, float64(p.MaxDelay))
	jitterCap := capped * float64(p.JitterPercent) / 100
	jitter := 0.0
	if jitterCap > 0 {
		jitter = rand.Float64() * jitterCap
	}
	return time.Duration(capped + jitter)
}

// retryable decides whether a failed attempt may be retried.
func (p RetryPolicy) retryable(rec *models.ErrorRecord) bool {
	if len(p.RetryableCodes) > 0 {
		return p.RetryableCodes[rec.Code]
	}
	return rec.Retryable
}

// Do runs op with retries under the policy. A non-retryable error
// short-circuits immediately. The returned error record carries the final
// retry count.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	var last *models.ErrorRecord
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		rec := models.AsErrorRecord(err, models.CodeInvalidArgument, name)
		rec.RetryCount = attempt - 1
		last = rec

		if !p.retryable(rec) || attempt > p.MaxRetries {
			return rec
		}
		delay := p.Delay(attempt)
		slog.Warn("Operation failed, retrying",
			"operation", name, "attempt", attempt, "delay", delay, "code", rec.Code)
		select {
		case <-ctx.Done():
			last.RetryCount = attempt
			return last
		case <-time.After(delay):
		}
	}
}
