package intent

import "time"

// PayoutStatus is the settlement state of a batched merchant payout.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "PENDING"
	PayoutSent    PayoutStatus = "SENT"
	PayoutFailed  PayoutStatus = "FAILED"
)

// Payout aggregates settled intents into one on-chain transfer to the
// merchant's payout wallet. Member intents point back via Intent.PayoutID.
type Payout struct {
	ID          string         `gorm:"primaryKey;size:64" json:"id"`
	MerchantID  string         `gorm:"size:64;index;not null" json:"merchant_id"`
	Currency    CryptoCurrency `gorm:"size:8;not null" json:"currency"`
	Gross       string         `gorm:"size:80;not null" json:"gross"`
	Fee         string         `gorm:"size:80;not null" json:"fee"`
	Net         string         `gorm:"size:80;not null" json:"net"`
	Status      PayoutStatus   `gorm:"size:16;index;not null" json:"status"`
	TxHash      string         `gorm:"size:80" json:"tx_hash,omitempty"`
	SignerNonce *uint64        `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
