package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"parapay/intent"
	"parapay/store"
)

// CreateParams carries a merchant's create request after transport decoding.
type CreateParams struct {
	FiatAmount     int64
	FiatCurrency   string
	CryptoCurrency string
	ReleaseMethod  string
	HoldWindow     time.Duration
	Metadata       map[string]string
}

// Create quotes, submits the escrow creation, and persists the new intent in
// REQUIRES_PAYMENT. It returns as soon as the transaction is accepted by the
// node; the contract-assigned payment ID is backfilled by the ingestor when
// PaymentCreated lands.
func (e *Engine) Create(ctx context.Context, merchantID string, p CreateParams) (*intent.Intent, error) {
	merchant, err := e.store.MerchantByID(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	fiatCurrency, err := intent.ParseFiatCurrency(p.FiatCurrency)
	if err != nil {
		return nil, err
	}
	cryptoCurrency, err := intent.ParseCryptoCurrency(p.CryptoCurrency)
	if err != nil {
		return nil, err
	}
	if err := intent.ValidateFiatAmount(p.FiatAmount); err != nil {
		return nil, err
	}
	releaseMethod, err := intent.ParseReleaseMethod(p.ReleaseMethod)
	if err != nil {
		return nil, err
	}
	hold := e.holdWindow
	if p.HoldWindow != 0 {
		if p.HoldWindow < minHoldWindow || p.HoldWindow > maxHoldWindow {
			return nil, fmt.Errorf("%w: hold window %s outside [%s, %s]",
				intent.ErrValidation, p.HoldWindow, minHoldWindow, maxHoldWindow)
		}
		hold = p.HoldWindow
	}
	if !common.IsHexAddress(merchant.WalletAddress) {
		return nil, fmt.Errorf("merchant %s wallet address %q is not a hex address", merchant.ID, merchant.WalletAddress)
	}

	quote, err := e.prices.Quote(string(cryptoCurrency), string(fiatCurrency))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", intent.ErrPriceUnavailable, cryptoCurrency, fiatCurrency, err)
	}
	// The persisted rate string is the rate of record; the crypto amount is
	// derived from it so the stored pair always recomputes exactly.
	rateString := quote.RateString(8)
	rate, err := intent.ParseDecimal(rateString)
	if err != nil {
		return nil, fmt.Errorf("%w: quote rate %q: %w", intent.ErrPriceUnavailable, rateString, err)
	}
	cryptoAmount, baseUnits, err := intent.QuoteCryptoAmount(p.FiatAmount, fiatCurrency, rate)
	if err != nil {
		return nil, err
	}

	txHash, err := e.submitEscrowTx(ctx, "createPayment", func(cctx context.Context) (string, error) {
		return e.chain.CreatePayment(cctx, common.HexToAddress(merchant.WalletAddress), baseUnits, merchant.PlatformFeeBps)
	}, attribute.String("merchant.id", merchant.ID))
	if err != nil {
		return nil, submitErr("createPayment", err)
	}

	now := e.now()
	it := &intent.Intent{
		ID:               intent.NewIntentID(),
		MerchantID:       merchant.ID,
		FiatAmount:       p.FiatAmount,
		FiatCurrency:     fiatCurrency,
		CryptoAmount:     cryptoAmount,
		CryptoCurrency:   cryptoCurrency,
		QuoteRate:        rateString,
		QuoteTakenAt:     quote.TakenAt,
		Status:           intent.StatusRequiresPayment,
		EscrowCreationTx: txHash,
		DepositAddress:   e.chain.ContractAddress().Hex(),
		ExpiresAt:        now.Add(hold),
		ReleaseMethod:    releaseMethod,
		Metadata:         p.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateIntent(ctx, it); err != nil {
		return nil, err
	}

	e.publishTransition(it.ID, "", intent.StatusRequiresPayment)
	e.logger.Info("payment intent created",
		"intent_id", it.ID,
		"merchant_id", merchant.ID,
		"fiat_amount", p.FiatAmount,
		"fiat_currency", fiatCurrency,
		"crypto_amount", cryptoAmount,
		"crypto_currency", cryptoCurrency,
		"creation_tx", txHash,
	)
	return it, nil
}

// Get loads one intent scoped to the calling merchant. Reads skip the lock.
func (e *Engine) Get(ctx context.Context, merchantID, intentID string) (*intent.Intent, error) {
	return e.store.IntentForMerchant(ctx, merchantID, intentID)
}

// List pages a merchant's intents, newest first, returning the unpaged total.
func (e *Engine) List(ctx context.Context, merchantID string, f store.ListFilter) ([]intent.Intent, int64, error) {
	return e.store.ListIntents(ctx, merchantID, f)
}
