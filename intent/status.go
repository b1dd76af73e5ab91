package intent

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusRequiresPayment Status = "REQUIRES_PAYMENT"
	StatusProcessing      Status = "PROCESSING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusCanceled        Status = "CANCELED"
	StatusExpired         Status = "EXPIRED"
	StatusRefunded        Status = "REFUNDED"
)

// allowedTransitions is the full transition graph. FAILED is additionally
// reachable from every non-terminal state on a permanent chain failure, which
// the entries below encode explicitly.
var allowedTransitions = map[Status][]Status{
	StatusRequiresPayment: {StatusProcessing, StatusCanceled, StatusExpired, StatusFailed},
	StatusProcessing:      {StatusSucceeded, StatusRefunded, StatusFailed},
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusRequiresPayment, StatusProcessing, StatusSucceeded,
		StatusFailed, StatusCanceled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// ParseStatus normalises a caller-supplied status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// ValidateTransition returns ErrInvalidTransition unless current -> next is an
// edge of the lifecycle graph.
func ValidateTransition(current, next Status) error {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}
