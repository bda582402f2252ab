package mssql

import (
	"context"
	"errors"
	"strings"
)

// IsTransient reports whether err looks like a transient network or
// connection failure worth retrying. Anything else (login failures,
// SQL errors, cancellation) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	errStr := strings.ToLower(err.Error())
	// Driver-level stale pool connections
	if strings.Contains(errStr, "driver: bad connection") {
		return true
	}
	if strings.Contains(errStr, "invalid connection") {
		return true
	}
	// Network blips
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	// Server restart: the instance may come back within the backoff
	// window, so a refused dial is worth retrying.
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	if strings.Contains(errStr, "forcibly closed") {
		return true
	}
	if strings.Contains(errStr, "i/o timeout") {
		return true
	}
	// go-mssqldb wraps dial failures as "unable to open tcp connection"
	if strings.Contains(errStr, "unable to open tcp connection") {
		return true
	}
	return false
}
