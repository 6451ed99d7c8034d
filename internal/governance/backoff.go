// Package governance provides retry backoff policies for step recovery.
package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// BackoffConfig defines the delay schedule between retry attempts.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is the factor by which the delay grows per attempt.
	Multiplier float64
	// Jitter adds randomness of up to 25% to each delay.
	Jitter bool
}

// DefaultBackoffConfig returns sensible defaults for step retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// BackoffPolicy computes retry delays from an attempt counter.
type BackoffPolicy struct {
	config BackoffConfig
}

// NewBackoffPolicy creates a policy, normalising non-positive fields to defaults.
func NewBackoffPolicy(config BackoffConfig) *BackoffPolicy {
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &BackoffPolicy{config: config}
}

// Config returns a copy of the policy configuration.
func (p *BackoffPolicy) Config() BackoffConfig {
	return p.config
}

// Delay returns the backoff before retry attempt n (0-based).
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.config.InitialDelay) * math.Pow(p.config.Multiplier, float64(attempt)))
	if delay > p.config.MaxDelay {
		delay = p.config.MaxDelay
	}
	if p.config.Jitter && delay > 0 {
		// #nosec G404 - non-cryptographic random is acceptable for jitter
		delay += time.Duration(rand.Int63n(int64(delay/4) + 1))
	}
	return delay
}

// Wait sleeps for the attempt's delay, returning early on context cancellation.
func (p *BackoffPolicy) Wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.Delay(attempt)):
		return nil
	}
}

// Validate rejects configurations that would never make progress.
func (c BackoffConfig) Validate() error {
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial delay must not be negative")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max delay must not be negative")
	}
	if c.Multiplier < 0 {
		return fmt.Errorf("multiplier must not be negative")
	}
	return nil
}

// IsRetryableError determines whether an error looks transient. Context
// cancellation is never retryable: the caller is going away.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"resource temporarily unavailable",
		"timeout",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
