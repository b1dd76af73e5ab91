package intent

import (
	"fmt"
	"math/big"
	"strings"
)

// CryptoDecimals is the chain-native precision; both supported assets use
// 18-decimal base units on the target EVM chain.
const CryptoDecimals = 18

var baseUnitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(CryptoDecimals), nil)

// ParseDecimal parses a positive decimal string (e.g. "5.00") into a big.Rat.
func ParseDecimal(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty decimal")
	}
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("malformed decimal %q", raw)
	}
	if r.Sign() <= 0 {
		return nil, fmt.Errorf("decimal %q must be positive", raw)
	}
	return r, nil
}

// QuoteCryptoAmount converts a fiat amount in minor units into chain base
// units at the supplied rate (fiat major units per one crypto unit). The
// result is truncated to the chain's 18-decimal precision and returned both
// as the canonical decimal string and as raw base units.
func QuoteCryptoAmount(fiatMinor int64, currency FiatCurrency, rate *big.Rat) (string, *big.Int, error) {
	if err := ValidateFiatAmount(fiatMinor); err != nil {
		return "", nil, err
	}
	if rate == nil || rate.Sign() <= 0 {
		return "", nil, fmt.Errorf("%w: non-positive quote rate", ErrValidation)
	}
	minorScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(currency.MinorDigits())), nil)
	fiatMajor := new(big.Rat).SetFrac(big.NewInt(fiatMinor), minorScale)
	crypto := new(big.Rat).Quo(fiatMajor, rate)

	// floor(crypto * 10^18)
	scaled := new(big.Rat).Mul(crypto, new(big.Rat).SetInt(baseUnitScale))
	base := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if base.Sign() <= 0 {
		return "", nil, fmt.Errorf("%w: amount rounds to zero at the current rate", ErrValidation)
	}
	return FormatBaseUnits(base), base, nil
}

// FormatBaseUnits renders base units as a decimal string with the full
// 18-digit fraction, e.g. 20e18 -> "20.000000000000000000".
func FormatBaseUnits(base *big.Int) string {
	q, r := new(big.Int).QuoRem(base, baseUnitScale, new(big.Int))
	return fmt.Sprintf("%s.%018s", q.String(), r.String())
}

// ParseBaseUnits is the inverse of FormatBaseUnits. It accepts up to 18
// fractional digits and rejects negative or malformed values.
func ParseBaseUnits(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("malformed base unit amount %q", raw)
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > CryptoDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimals", raw, CryptoDecimals)
	}
	frac += strings.Repeat("0", CryptoDecimals-len(frac))
	w, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("malformed base unit amount %q", raw)
	}
	f, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("malformed base unit amount %q", raw)
	}
	out := new(big.Int).Mul(w, baseUnitScale)
	return out.Add(out, f), nil
}

// FiatMinorFromCrypto converts base units back into fiat minor units at the
// supplied rate, rounding half-up at the currency's precision. Used by the
// reconciler to assert that a stored quote still balances.
func FiatMinorFromCrypto(base *big.Int, currency FiatCurrency, rate *big.Rat) int64 {
	minorScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(currency.MinorDigits())), nil)
	v := new(big.Rat).SetFrac(base, baseUnitScale)
	v.Mul(v, rate)
	v.Mul(v, new(big.Rat).SetInt(minorScale))
	// round half-up: floor((2*num + den) / (2*den))
	num := new(big.Int).Lsh(v.Num(), 1)
	num.Add(num, v.Denom())
	den := new(big.Int).Lsh(v.Denom(), 1)
	return new(big.Int).Quo(num, den).Int64()
}
