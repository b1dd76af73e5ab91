package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Manual is an in-memory source used for tests and operator overrides during
// incident response. It never expires entries on its own; the service's
// freshness window still applies.
type Manual struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewManual constructs an empty manual source.
func NewManual() *Manual {
	return &Manual{quotes: make(map[string]Quote)}
}

// Name implements Source.
func (m *Manual) Name() string { return "manual" }

// Set stores the provided rational rate for the pair.
func (m *Manual) Set(base, quote string, rate *big.Rat, ts time.Time) {
	if rate == nil {
		return
	}
	key := Pair{Base: base, Quote: quote}.key()
	m.mu.Lock()
	m.quotes[key] = Quote{Rate: new(big.Rat).Set(rate), TakenAt: ts, Source: "manual"}
	m.mu.Unlock()
}

// SetDecimal records the supplied decimal rate for the pair.
func (m *Manual) SetDecimal(base, quote, rate string, ts time.Time) error {
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("manual source: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual source: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual source: rate must be positive")
	}
	m.Set(base, quote, rat, ts)
	return nil
}

// Fetch implements Source.
func (m *Manual) Fetch(_ context.Context, base, quote string) (Quote, error) {
	key := Pair{Base: base, Quote: quote}.key()
	m.mu.RLock()
	stored, ok := m.quotes[key]
	m.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("manual source: quote for %s not found", key)
	}
	return stored.Clone(), nil
}
