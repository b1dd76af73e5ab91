package payouts

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"parapay/intent"
)

// ErrTransferCapExceeded reports a single payout larger than the policy allows.
var ErrTransferCapExceeded = errors.New("payouts: per-transfer cap exceeded")

// ErrDailyCapExceeded reports that a payout would push the rolling 24h total
// for its currency over the cap.
var ErrDailyCapExceeded = errors.New("payouts: daily cap exceeded")

// Policy throttles outbound transfers for one currency. Amounts are chain
// base units. A currency without a policy entry is unthrottled.
type Policy struct {
	Currency       intent.CryptoCurrency
	PerTransferCap *big.Int
	DailyCap       *big.Int
}

type policyFile struct {
	Currency       string `yaml:"currency"`
	PerTransferCap string `yaml:"per_transfer_cap"`
	DailyCap       string `yaml:"daily_cap"`
}

// LoadPolicies reads per-currency payout policies from a YAML file.
func LoadPolicies(path string) ([]Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open payout policies: %w", err)
	}
	defer file.Close()
	var entries []policyFile
	if err := yaml.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode payout policies: %w", err)
	}
	return parsePolicies(entries)
}

func parsePolicies(entries []policyFile) ([]Policy, error) {
	policies := make([]Policy, 0, len(entries))
	seen := make(map[intent.CryptoCurrency]struct{})
	for _, entry := range entries {
		currency, err := intent.ParseCryptoCurrency(strings.TrimSpace(entry.Currency))
		if err != nil {
			return nil, fmt.Errorf("policy currency: %w", err)
		}
		if _, dup := seen[currency]; dup {
			return nil, fmt.Errorf("duplicate policy for %s", currency)
		}
		seen[currency] = struct{}{}

		p := Policy{Currency: currency}
		if entry.PerTransferCap != "" {
			p.PerTransferCap, err = intent.ParseBaseUnits(entry.PerTransferCap)
			if err != nil {
				return nil, fmt.Errorf("%s per_transfer_cap: %w", currency, err)
			}
		}
		if entry.DailyCap != "" {
			p.DailyCap, err = intent.ParseBaseUnits(entry.DailyCap)
			if err != nil {
				return nil, fmt.Errorf("%s daily_cap: %w", currency, err)
			}
		}
		policies = append(policies, p)
	}
	return policies, nil
}

type window struct {
	start time.Time
	paid  *big.Int
}

// Enforcer applies payout policies. The daily window lives in memory; after a
// restart the window restarts too, which errs on the permissive side for at
// most one day.
type Enforcer struct {
	mu       sync.Mutex
	policies map[intent.CryptoCurrency]Policy
	windows  map[intent.CryptoCurrency]window
}

func NewEnforcer(policies []Policy) *Enforcer {
	byCurrency := make(map[intent.CryptoCurrency]Policy, len(policies))
	for _, p := range policies {
		byCurrency[p.Currency] = p
	}
	return &Enforcer{
		policies: byCurrency,
		windows:  make(map[intent.CryptoCurrency]window),
	}
}

// Allow reports whether a transfer of net base units fits the caps right now.
func (e *Enforcer) Allow(currency intent.CryptoCurrency, net *big.Int, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[currency]
	if !ok {
		return nil
	}
	if p.PerTransferCap != nil && p.PerTransferCap.Sign() > 0 && net.Cmp(p.PerTransferCap) > 0 {
		return fmt.Errorf("%w: %s net %s over cap %s",
			ErrTransferCapExceeded, currency, net, p.PerTransferCap)
	}
	if p.DailyCap != nil && p.DailyCap.Sign() > 0 {
		w := e.currentWindow(currency, now)
		total := new(big.Int).Add(w.paid, net)
		if total.Cmp(p.DailyCap) > 0 {
			return fmt.Errorf("%w: %s window total %s over cap %s",
				ErrDailyCapExceeded, currency, total, p.DailyCap)
		}
	}
	return nil
}

// Commit records a submitted transfer against the daily window.
func (e *Enforcer) Commit(currency intent.CryptoCurrency, net *big.Int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[currency]; !ok {
		return
	}
	w := e.currentWindow(currency, now)
	w.paid = new(big.Int).Add(w.paid, net)
	e.windows[currency] = w
}

func (e *Enforcer) currentWindow(currency intent.CryptoCurrency, now time.Time) window {
	w, ok := e.windows[currency]
	if !ok || now.Sub(w.start) >= 24*time.Hour {
		w = window{start: now, paid: new(big.Int)}
		e.windows[currency] = w
	}
	return w
}
