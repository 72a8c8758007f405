package workspace

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// busyRetries bounds how often a write is retried while another process
// holds the store's write lock.
const busyRetries = 4

// busyBackoff is the first retry delay; it doubles after every attempt.
var busyBackoff = 100 * time.Millisecond //nolint:gochecknoglobals // shortened by tests

// IsBusyError reports whether err is SQLite refusing a write because the
// database is locked by another connection.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// RetryWithBackoff runs operation up to maxRetries times, backing off
// exponentially between attempts. Only busy errors are retried.
func RetryWithBackoff(ctx context.Context, maxRetries int, operation func() error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = busyBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	op := func() error {
		err := operation()
		if err != nil && !IsBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries-1)), ctx)
	return backoff.Retry(op, bo)
}
