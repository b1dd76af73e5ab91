package intent

import "errors"

// Domain sentinels. Leaf packages wrap these with context; the engine is the
// single place that maps them onto API error codes.
var (
	ErrNotFound            = errors.New("payment intent not found")
	ErrMerchantNotFound    = errors.New("merchant not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrValidation          = errors.New("validation failed")
	ErrPriceUnavailable    = errors.New("price quote unavailable")
	ErrChainUnavailable    = errors.New("chain unavailable")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
)
