package engine

import (
	"context"
	"errors"

	"parapay/intent"
)

// ErrUnknownPayment marks a chain event whose payment creation has not been
// applied yet. The ingestor parks such events and replays them once the
// creation lands.
var ErrUnknownPayment = errors.New("engine: unknown escrow payment")

// API error codes surfaced on the merchant REST envelope.
const (
	CodeNotFound         = "PAYMENT_INTENT_NOT_FOUND"
	CodeMerchantNotFound = "MERCHANT_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeValidation       = "VALIDATION_ERROR"
	CodePriceUnavailable = "PRICE_UNAVAILABLE"
	CodeChainUnavailable = "CHAIN_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// CodeFor maps an engine error onto its API error code. The engine is the
// only translator; transport layers must not inspect domain sentinels.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, intent.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, intent.ErrMerchantNotFound):
		return CodeMerchantNotFound
	case errors.Is(err, intent.ErrInvalidTransition):
		return CodeInvalidState
	case errors.Is(err, intent.ErrValidation):
		return CodeValidation
	case errors.Is(err, intent.ErrPriceUnavailable):
		return CodePriceUnavailable
	case errors.Is(err, intent.ErrChainUnavailable), errors.Is(err, context.DeadlineExceeded):
		return CodeChainUnavailable
	default:
		return CodeInternal
	}
}
