// Package intent holds the payment-intent domain model shared by the
// engine, the chain ingestor, the webhook dispatcher and the REST surface.
package intent

import "time"

// ReleaseMethod governs what happens once an intent leaves the hold window.
type ReleaseMethod string

const (
	// ReleaseAuto releases escrowed funds automatically after the hold window.
	ReleaseAuto ReleaseMethod = "AUTO"
	// ReleaseManual waits for an explicit confirm call from the merchant.
	ReleaseManual ReleaseMethod = "MANUAL"
)

// PayoutSchedule describes how often a merchant receives settlement transfers.
type PayoutSchedule string

const (
	PayoutManual PayoutSchedule = "MANUAL"
	PayoutDaily  PayoutSchedule = "DAILY"
	PayoutWeekly PayoutSchedule = "WEEKLY"
)

// Intent is the central record coupling a fiat-denominated charge to an
// on-chain escrow position. It is created by a merchant call, mutated only by
// the engine and never deleted; terminal rows stay for audit.
type Intent struct {
	ID             string         `gorm:"primaryKey;size:64" json:"id"`
	MerchantID     string         `gorm:"size:64;index;not null" json:"merchant_id"`
	FiatAmount     int64          `gorm:"not null" json:"fiat_amount"`
	FiatCurrency   FiatCurrency   `gorm:"size:8;not null" json:"fiat_currency"`
	CryptoAmount   string         `gorm:"size:80;not null" json:"crypto_amount"`
	CryptoCurrency CryptoCurrency `gorm:"size:8;not null" json:"crypto_currency"`
	QuoteRate      string         `gorm:"size:80;not null" json:"quote_rate"`
	QuoteTakenAt   time.Time      `json:"quote_taken_at"`

	Status Status `gorm:"size:32;index;not null" json:"status"`

	EscrowPaymentID  *uint64 `gorm:"uniqueIndex" json:"escrow_payment_id,omitempty"`
	EscrowCreationTx string  `gorm:"size:80;index" json:"escrow_creation_tx,omitempty"`
	ReleaseTx        string  `gorm:"size:80" json:"release_tx,omitempty"`
	RefundTx         string  `gorm:"size:80" json:"refund_tx,omitempty"`
	CancelTx         string  `gorm:"size:80" json:"cancel_tx,omitempty"`
	DepositAddress   string  `gorm:"size:64" json:"deposit_address"`

	ExpiresAt     time.Time     `gorm:"index" json:"expires_at"`
	ReleaseMethod ReleaseMethod `gorm:"size:16;not null" json:"release_method"`
	FailureReason string        `gorm:"size:512" json:"failure_reason,omitempty"`

	ReconcileRequired bool   `gorm:"index" json:"reconcile_required"`
	ReconcileReason   string `gorm:"size:512" json:"reconcile_reason,omitempty"`

	PayoutID *string `gorm:"size:64;index" json:"payout_id,omitempty"`

	Metadata map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DepositObserved reports whether a buyer deposit has ever been recorded.
// The state machine only enters PROCESSING on a deposit, so any status past
// REQUIRES_PAYMENT other than CANCELED/EXPIRED implies one was seen.
func (i *Intent) DepositObserved() bool {
	switch i.Status {
	case StatusProcessing, StatusSucceeded, StatusRefunded:
		return true
	default:
		return false
	}
}

// Merchant is read-only to the lifecycle core; rows are provisioned by the
// onboarding system and consumed here for quoting, webhooks and payouts.
type Merchant struct {
	ID              string         `gorm:"primaryKey;size:64" json:"id"`
	APIKey          string         `gorm:"size:128;uniqueIndex;not null" json:"-"`
	WalletAddress   string         `gorm:"size:64;not null" json:"wallet_address"`
	WebhookURL      string         `gorm:"size:512" json:"webhook_url"`
	WebhookSecret   string         `gorm:"size:128" json:"-"`
	PlatformFeeBps  uint32         `gorm:"not null" json:"platform_fee_bps"`
	PayoutSchedule  PayoutSchedule `gorm:"size:16;not null" json:"payout_schedule"`
	MinPayoutAmount string         `gorm:"size:80" json:"min_payout_amount"`
	CreatedAt       time.Time      `json:"created_at"`
}
