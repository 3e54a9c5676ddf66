// Package domain defines the entities, ports, and error policy shared by
// every adapter in the pipeline.
package domain

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// connectionIndicators is the substring denylist applied after the typed
// checks. Driver messages vary across versions, so the list stays broad.
var connectionIndicators = []string{
	"connection",
	"server closed",
	"network",
	"timeout",
	"could not connect",
	"terminating connection",
	"connection refused",
	"no route to host",
	"connection reset",
	"broken pipe",
}

// IsConnectionError reports whether err indicates a transport or
// availability failure rather than an application error. Connection errors
// are recovered by reconnect-and-retry and never ack a queue item; anything
// else surfaces to the caller.
//
// Typed checks run first; the substring denylist is the last resort.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range connectionIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}
