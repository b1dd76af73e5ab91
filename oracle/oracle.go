// Package oracle maintains fiat exchange rates for the crypto assets the
// gateway quotes. Rates are pulled from upstream price sources on a fixed
// interval, cached in memory, and optionally snapshotted to disk so a
// restarted process can serve quotes before the first refresh completes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"parapay/observability"
)

// Quote captures an exchange rate for a currency pair along with the time the
// observation was taken and the source that produced it. Rate is denominated
// in fiat units per one crypto unit.
type Quote struct {
	Rate    *big.Rat
	TakenAt time.Time
	Source  string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{TakenAt: q.TakenAt, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate with the supplied decimal precision.
func (q Quote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// Source resolves a price quote for a currency pair. Base is the crypto
// symbol and quote the fiat currency.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Quote, error)
}

// Pair identifies a base/quote pair tracked by the service.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) key() string {
	return normalizeSymbol(p.Base) + "/" + normalizeSymbol(p.Quote)
}

var (
	// ErrUnknownPair indicates the pair is not tracked or has never been priced.
	ErrUnknownPair = errors.New("oracle: unknown pair")
	// ErrStale indicates the cached quote is older than the freshness window.
	ErrStale = errors.New("oracle: quote is stale")
)

// Service polls the configured sources for every tracked pair and serves the
// most recent accepted quote. A failed refresh keeps the previous quote in
// place; staleness is enforced at read time so consumers never act on rates
// older than the freshness window.
type Service struct {
	mu    sync.RWMutex
	rates map[string]Quote

	sources  []Source
	pairs    []Pair
	interval time.Duration
	maxAge   time.Duration
	snapshot *Snapshot
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSnapshot attaches a persistent snapshot. Cached quotes are loaded from
// it during construction and every accepted refresh is written back.
func WithSnapshot(snap *Snapshot) Option {
	return func(s *Service) {
		s.snapshot = snap
	}
}

// New constructs a rate service. Sources are consulted in the order supplied;
// the first fresh quote wins.
func New(sources []Source, pairs []Pair, interval, maxAge time.Duration, opts ...Option) (*Service, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("oracle: at least one source required")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("oracle: at least one pair required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("oracle: interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	s := &Service{
		rates:    make(map[string]Quote),
		sources:  append([]Source{}, sources...),
		pairs:    append([]Pair{}, pairs...),
		interval: interval,
		maxAge:   maxAge,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.snapshot != nil {
		stored, err := s.snapshot.Load()
		if err != nil {
			return nil, fmt.Errorf("oracle: load snapshot: %w", err)
		}
		for key, q := range stored {
			s.rates[key] = q
		}
	}
	return s, nil
}

// Quote returns the cached rate for the pair. Quotes older than the freshness
// window are rejected rather than served.
func (s *Service) Quote(base, quote string) (Quote, error) {
	key := Pair{Base: base, Quote: quote}.key()
	s.mu.RLock()
	q, ok := s.rates[key]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownPair, key)
	}
	if time.Since(q.TakenAt) > s.maxAge {
		return Quote{}, fmt.Errorf("%w: %s last updated %s", ErrStale, key, q.TakenAt.UTC().Format(time.RFC3339))
	}
	return q.Clone(), nil
}

// Run blocks, refreshing all tracked pairs until the context is cancelled.
// The first refresh happens immediately so a cold cache warms up without
// waiting a full interval.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RefreshAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshAll performs a single refresh cycle across every tracked pair.
func (s *Service) RefreshAll(ctx context.Context) {
	for _, pair := range s.pairs {
		if ctx.Err() != nil {
			return
		}
		if err := s.refreshPair(ctx, pair); err != nil {
			s.logger.Warn("oracle refresh failed, keeping previous quote",
				"pair", pair.key(), "error", err)
		}
		s.publishAge(pair)
	}
}

func (s *Service) refreshPair(ctx context.Context, pair Pair) error {
	base := normalizeSymbol(pair.Base)
	quote := normalizeSymbol(pair.Quote)
	if base == "" || quote == "" {
		return fmt.Errorf("oracle: invalid pair configuration")
	}
	now := time.Now().UTC()

	var lastErr error
	for _, src := range s.sources {
		if src == nil {
			continue
		}
		q, err := s.fetchFrom(ctx, src, base, quote, now)
		observability.Oracle().RecordRefresh(src.Name(), err)
		if err != nil {
			lastErr = err
			continue
		}
		s.accept(pair, q)
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("oracle: no sources configured")
	}
	return lastErr
}

func (s *Service) fetchFrom(ctx context.Context, src Source, base, quote string, now time.Time) (Quote, error) {
	q, err := src.Fetch(ctx, base, quote)
	if err != nil {
		return Quote{}, fmt.Errorf("source %s: %w", src.Name(), err)
	}
	if q.Rate == nil || q.Rate.Sign() <= 0 {
		return Quote{}, fmt.Errorf("source %s returned invalid rate", src.Name())
	}
	if q.TakenAt.IsZero() {
		q.TakenAt = now
	}
	if q.TakenAt.After(now.Add(5 * time.Second)) {
		return Quote{}, fmt.Errorf("source %s produced future timestamp", src.Name())
	}
	if now.Sub(q.TakenAt) > s.maxAge {
		return Quote{}, fmt.Errorf("source %s quote already expired", src.Name())
	}
	if strings.TrimSpace(q.Source) == "" {
		q.Source = strings.ToLower(src.Name())
	}
	return q, nil
}

func (s *Service) publishAge(pair Pair) {
	key := pair.key()
	s.mu.RLock()
	q, ok := s.rates[key]
	s.mu.RUnlock()
	if ok {
		observability.Oracle().SetQuoteAge(key, time.Since(q.TakenAt))
	}
}

func (s *Service) accept(pair Pair, q Quote) {
	key := pair.key()
	stored := q.Clone()
	s.mu.Lock()
	s.rates[key] = stored
	s.mu.Unlock()
	if s.snapshot != nil {
		if err := s.snapshot.Save(key, stored); err != nil {
			s.logger.Warn("oracle snapshot write failed", "pair", key, "error", err)
		}
	}
	s.logger.Debug("oracle quote accepted",
		"pair", key, "rate", stored.RateString(18), "source", stored.Source)
}

// Seed installs a quote directly, bypassing the sources. Used by tests and
// operator overrides.
func (s *Service) Seed(base, quote string, q Quote) {
	s.accept(Pair{Base: base, Quote: quote}, q)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
