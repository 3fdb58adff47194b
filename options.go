package vitalsync

import (
	"io"
	"log/slog"
	"time"
)

// options configures service behavior (internal only).
type options struct {
	lockTTL        time.Duration
	renewInterval  time.Duration
	electionRetry  time.Duration
	pollInterval   time.Duration
	stuckTimeout   time.Duration
	retryPolicy    RetryPolicy
	logger         *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	var lockTTL = 15 * time.Second
	return options{
		lockTTL:       lockTTL,
		renewInterval: lockTTL / 2,
		electionRetry: lockTTL,
		pollInterval:  time.Second,
		stuckTimeout:  5 * time.Minute,
		retryPolicy:   DefaultRetryPolicy(),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring vitalsync services.
type Option func(*options)

// WithLockTTL sets the leadership lock time-to-live duration. Renewal runs
// at half the TTL; failed acquisition retries once per TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.lockTTL = ttl
		o.renewInterval = ttl / 2
		o.electionRetry = ttl
	}
}

// WithPollInterval sets how often a queue worker polls for due jobs.
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

// WithRetryPolicy sets the retry policy applied to failed jobs.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy
	}
}

// WithLogger sets the logger.
// If the logger is nil, a no-op logger is used.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
