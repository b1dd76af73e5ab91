package intent

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// NewID returns prefix + "_" + base58 of 16 random bytes, the public ID shape
// for every resource this service mints.
func NewID(prefix string) string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("intent: read entropy: %v", err))
	}
	return prefix + "_" + base58.Encode(buf[:])
}

// NewIntentID mints a payment-intent ID ("pi_...").
func NewIntentID() string { return NewID("pi") }

// NewWebhookEventID mints a webhook-event ID ("we_...").
func NewWebhookEventID() string { return NewID("we") }

// NewPayoutID mints a payout ID ("po_...").
func NewPayoutID() string { return NewID("po") }
