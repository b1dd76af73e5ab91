package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrUnavailable marks a transient infrastructure failure: the node could not
// be reached or timed out. Callers retry or surface a 503; intent state never
// advances on it.
var ErrUnavailable = errors.New("chain: node unavailable")

// RevertError carries the reason string of a reverted contract call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "chain: execution reverted"
	}
	return "chain: execution reverted: " + e.Reason
}

// classify wraps transport-level failures in ErrUnavailable and converts
// revert responses into RevertError so callers can branch on error kind
// without string matching.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "EOF"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "502"), strings.Contains(msg, "503"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(msg, "execution reverted"):
		reason := ""
		if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
			reason = strings.TrimSpace(msg[idx+len("execution reverted:"):])
		}
		return &RevertError{Reason: reason}
	}
	return err
}

// isTransient reports whether the classified error should trigger an
// endpoint failover.
func isTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
