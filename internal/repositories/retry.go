package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"
)

// Retry policy for transient database failures. Every repository method wraps
// its database work in withRetry, so this is the single place the policy is
// defined.
const (
	retryAttempts    = 3
	retryBackoffBase = 50 * time.Millisecond
)

// transientMarkers are substrings of driver error messages that indicate a
// failure worth retrying: a dropped connection, a busy sqlite handle, or a
// postgres deadlock/serialization abort.
var transientMarkers = []string{
	"database is locked",         // sqlite SQLITE_BUSY
	"database table is locked",   // sqlite SQLITE_LOCKED
	"deadlock detected",          // postgres 40P01
	"could not serialize access", // postgres 40001
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
}

// isTransient reports whether err is a transient database error. Logical
// errors (record not found, constraint violations) are never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// withRetry runs fn, retrying up to retryAttempts times on transient database
// errors with exponential backoff. Non-transient errors are returned
// immediately and unwrapped, so callers can still match sentinels with
// errors.Is. Gives up early when ctx is cancelled.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := retryBackoffBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
