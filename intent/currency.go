package intent

import (
	"fmt"
	"strings"
)

// FiatCurrency is a supported settlement currency, lower-cased ISO 4217.
type FiatCurrency string

const (
	FiatUSD FiatCurrency = "usd"
	FiatEUR FiatCurrency = "eur"
	FiatGBP FiatCurrency = "gbp"
	FiatJPY FiatCurrency = "jpy"
)

// CryptoCurrency is a chain-native asset the escrow contract can hold.
type CryptoCurrency string

const (
	CryptoDOT CryptoCurrency = "dot"
	CryptoKSM CryptoCurrency = "ksm"
)

const (
	// MinFiatAmount and MaxFiatAmount bound fiat_amount in minor units.
	MinFiatAmount int64 = 1
	MaxFiatAmount int64 = 99_999_999
)

// ParseFiatCurrency normalises and validates a fiat currency code.
func ParseFiatCurrency(raw string) (FiatCurrency, error) {
	switch c := FiatCurrency(strings.ToLower(strings.TrimSpace(raw))); c {
	case FiatUSD, FiatEUR, FiatGBP, FiatJPY:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unsupported fiat currency %q", ErrValidation, raw)
	}
}

// ParseCryptoCurrency normalises and validates a crypto currency code.
func ParseCryptoCurrency(raw string) (CryptoCurrency, error) {
	switch c := CryptoCurrency(strings.ToLower(strings.TrimSpace(raw))); c {
	case CryptoDOT, CryptoKSM:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unsupported crypto currency %q", ErrValidation, raw)
	}
}

// MinorDigits returns the number of decimal digits a minor unit carries. JPY
// is a zero-decimal currency: minor units are whole yen.
func (c FiatCurrency) MinorDigits() int {
	if c == FiatJPY {
		return 0
	}
	return 2
}

// ValidateFiatAmount checks the amount bounds shared by all currencies.
func ValidateFiatAmount(amount int64) error {
	if amount < MinFiatAmount || amount > MaxFiatAmount {
		return fmt.Errorf("%w: fiat amount %d outside [%d, %d] minor units",
			ErrValidation, amount, MinFiatAmount, MaxFiatAmount)
	}
	return nil
}

// ParseReleaseMethod normalises a release method, defaulting to MANUAL.
func ParseReleaseMethod(raw string) (ReleaseMethod, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return ReleaseManual, nil
	}
	switch m := ReleaseMethod(trimmed); m {
	case ReleaseAuto, ReleaseManual:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unsupported release method %q", ErrValidation, raw)
	}
}
