package payouts

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"parapay/chain"
	"parapay/intent"
	"parapay/observability"
	"parapay/store"
)

const (
	defaultChainTimeout = 30 * time.Second

	// feeDenominator converts basis points into a fraction.
	feeDenominator = 10_000
)

// Chain is the slice of the signer client the batcher needs: submitting
// wallet transfers and checking whether a prior transfer mined.
type Chain interface {
	SubmitPayout(ctx context.Context, to common.Address, amount *big.Int) (string, uint64, error)
	TxStatus(ctx context.Context, txHash string) (chain.TxState, error)
}

// Batcher groups a merchant's settled, unpaid intents into payout rows and
// submits one on-chain transfer per (merchant, currency) group. Runs are
// serialized; the scheduler and the admin trigger share one instance.
type Batcher struct {
	store        *store.Store
	chain        Chain
	policy       *Enforcer
	logger       *slog.Logger
	now          func() time.Time
	chainTimeout time.Duration

	mu sync.Mutex
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source. Tests use it to control schedule
// gating and cap windows.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) {
		if now != nil {
			b.now = now
		}
	}
}

// WithChainTimeout bounds each signer call.
func WithChainTimeout(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.chainTimeout = d
		}
	}
}

// New wires a Batcher. A nil enforcer means no transfer caps.
func New(st *store.Store, ch Chain, enforcer *Enforcer, opts ...Option) (*Batcher, error) {
	if st == nil {
		return nil, fmt.Errorf("payouts: store is required")
	}
	if ch == nil {
		return nil, fmt.Errorf("payouts: chain client is required")
	}
	if enforcer == nil {
		enforcer = NewEnforcer(nil)
	}
	b := &Batcher{
		store:        st,
		chain:        ch,
		policy:       enforcer,
		logger:       slog.Default(),
		now:          time.Now,
		chainTimeout: defaultChainTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Run executes one batching pass and returns the number of payouts created.
// With an empty merchantID it settles every merchant whose schedule is due;
// with a merchant ID it settles that merchant immediately, ignoring the
// schedule. Pending payouts from earlier runs are finalized first.
func (b *Batcher) Run(ctx context.Context, merchantID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.now()
	defer func() {
		observability.Payouts().ObserveBatch(b.now().Sub(start))
	}()

	b.finalizePending(ctx)

	var (
		merchants []intent.Merchant
		forced    = merchantID != ""
	)
	if forced {
		m, err := b.store.MerchantByID(ctx, merchantID)
		if err != nil {
			return 0, err
		}
		merchants = []intent.Merchant{*m}
	} else {
		var err error
		merchants, err = b.store.MerchantsWithSettledUnpaid(ctx)
		if err != nil {
			return 0, err
		}
	}

	created := 0
	for i := range merchants {
		n, err := b.settleMerchant(ctx, &merchants[i], forced)
		if err != nil {
			b.logger.Error("merchant settlement failed",
				"merchant_id", merchants[i].ID,
				"error", err)
			continue
		}
		created += n
	}
	return created, nil
}

// scheduleInterval maps a payout schedule onto the minimum gap between
// payouts. MANUAL merchants are only settled through a forced run.
func scheduleInterval(s intent.PayoutSchedule) (time.Duration, bool) {
	switch s {
	case intent.PayoutDaily:
		return 24 * time.Hour, true
	case intent.PayoutWeekly:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

func (b *Batcher) settleMerchant(ctx context.Context, m *intent.Merchant, forced bool) (int, error) {
	if !forced {
		interval, scheduled := scheduleInterval(m.PayoutSchedule)
		if !scheduled {
			return 0, nil
		}
		last, err := b.store.LastPayoutAt(ctx, m.ID)
		if err != nil {
			return 0, err
		}
		if last != nil && b.now().Sub(*last) < interval {
			return 0, nil
		}
	}
	if !common.IsHexAddress(m.WalletAddress) {
		return 0, fmt.Errorf("merchant %s wallet %q is not a valid address", m.ID, m.WalletAddress)
	}

	settled, err := b.store.SettledUnpaidIntents(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	if len(settled) == 0 {
		return 0, nil
	}

	minNet := new(big.Int)
	if m.MinPayoutAmount != "" {
		minNet, err = intent.ParseBaseUnits(m.MinPayoutAmount)
		if err != nil {
			return 0, fmt.Errorf("merchant %s min payout amount: %w", m.ID, err)
		}
	}

	created := 0
	for _, g := range groupByCurrency(settled) {
		n, err := b.settleGroup(ctx, m, g, minNet)
		if err != nil {
			b.logger.Error("payout group skipped",
				"merchant_id", m.ID,
				"currency", string(g.currency),
				"error", err)
			continue
		}
		created += n
	}
	return created, nil
}

type currencyGroup struct {
	currency intent.CryptoCurrency
	intents  []intent.Intent
}

// groupByCurrency splits intents by crypto currency, preserving the
// oldest-first order within each group and the order in which currencies
// first appear.
func groupByCurrency(intents []intent.Intent) []currencyGroup {
	index := make(map[intent.CryptoCurrency]int)
	var groups []currencyGroup
	for _, it := range intents {
		i, ok := index[it.CryptoCurrency]
		if !ok {
			i = len(groups)
			index[it.CryptoCurrency] = i
			groups = append(groups, currencyGroup{currency: it.CryptoCurrency})
		}
		groups[i].intents = append(groups[i].intents, it)
	}
	return groups
}

func (b *Batcher) settleGroup(ctx context.Context, m *intent.Merchant, g currencyGroup, minNet *big.Int) (int, error) {
	// Accumulate oldest-first until a transfer cap would be crossed. If even
	// the oldest intent alone does not fit the caps, surface the error so the
	// operator sees why nothing moves.
	var members []intent.Intent
	gross := new(big.Int)
	for _, it := range g.intents {
		amount, err := intent.ParseBaseUnits(it.CryptoAmount)
		if err != nil {
			return 0, fmt.Errorf("intent %s crypto amount: %w", it.ID, err)
		}
		next := new(big.Int).Add(gross, amount)
		_, nextNet := FeeSplit(next, m.PlatformFeeBps)
		if err := b.policy.Allow(g.currency, nextNet, b.now()); err != nil {
			if len(members) == 0 {
				return 0, err
			}
			b.logger.Warn("payout truncated at transfer cap",
				"merchant_id", m.ID,
				"currency", string(g.currency),
				"included", len(members),
				"deferred", len(g.intents)-len(members))
			break
		}
		members = append(members, it)
		gross = next
	}
	if len(members) == 0 {
		return 0, nil
	}

	fee, net := FeeSplit(gross, m.PlatformFeeBps)
	if net.Cmp(minNet) < 0 {
		b.logger.Debug("settled balance under payout minimum",
			"merchant_id", m.ID,
			"currency", string(g.currency),
			"net", intent.FormatBaseUnits(net),
			"min", intent.FormatBaseUnits(minNet))
		return 0, nil
	}

	now := b.now().UTC()
	p := &intent.Payout{
		ID:         intent.NewPayoutID(),
		MerchantID: m.ID,
		Currency:   g.currency,
		Gross:      intent.FormatBaseUnits(gross),
		Fee:        intent.FormatBaseUnits(fee),
		Net:        intent.FormatBaseUnits(net),
		Status:     intent.PayoutPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ids := make([]string, len(members))
	for i, it := range members {
		ids[i] = it.ID
	}
	err := b.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreatePayout(ctx, p); err != nil {
			return err
		}
		return tx.AssignIntentsToPayout(ctx, p.ID, ids)
	})
	if err != nil {
		return 0, err
	}
	b.logger.Info("payout batched",
		"payout_id", p.ID,
		"merchant_id", m.ID,
		"currency", string(g.currency),
		"intents", len(ids),
		"gross", p.Gross,
		"fee", p.Fee,
		"net", p.Net)

	// A failed submit leaves the row PENDING with no tx hash; the next run
	// retries the transfer without rebatching the member intents.
	if err := b.submit(ctx, p, common.HexToAddress(m.WalletAddress), net); err != nil {
		b.logger.Error("payout transfer submit failed",
			"payout_id", p.ID,
			"error", err)
	}
	return 1, nil
}

// submit sends the net amount to the merchant wallet and records the tx
// hash and signer nonce on the payout row.
func (b *Batcher) submit(ctx context.Context, p *intent.Payout, wallet common.Address, net *big.Int) error {
	callCtx, cancel := context.WithTimeout(ctx, b.chainTimeout)
	defer cancel()

	hash, nonce, err := b.chain.SubmitPayout(callCtx, wallet, net)
	observability.Payouts().RecordTransfer(err)
	if err != nil {
		return err
	}
	// The transfer is on the wire; count it against the caps even if the
	// bookkeeping below fails.
	b.policy.Commit(p.Currency, net, b.now())

	p.TxHash = hash
	p.SignerNonce = &nonce
	p.UpdatedAt = b.now().UTC()
	if err := b.store.SavePayout(ctx, p); err != nil {
		return fmt.Errorf("record payout tx %s: %w", hash, err)
	}
	b.logger.Info("payout transfer submitted",
		"payout_id", p.ID,
		"tx_hash", hash,
		"nonce", nonce)
	return nil
}

// finalizePending settles the fate of payouts left PENDING by earlier runs:
// submitted transfers are marked SENT or FAILED from their receipt, and rows
// whose submit never produced a hash are retried.
func (b *Batcher) finalizePending(ctx context.Context) {
	pending, err := b.store.PendingPayouts(ctx)
	if err != nil {
		b.logger.Error("list pending payouts", "error", err)
		return
	}
	for i := range pending {
		p := &pending[i]
		if err := b.finalizeOne(ctx, p); err != nil {
			b.logger.Error("finalize payout",
				"payout_id", p.ID,
				"error", err)
		}
	}
}

func (b *Batcher) finalizeOne(ctx context.Context, p *intent.Payout) error {
	if p.TxHash == "" {
		m, err := b.store.MerchantByID(ctx, p.MerchantID)
		if err != nil {
			return err
		}
		if !common.IsHexAddress(m.WalletAddress) {
			return fmt.Errorf("merchant %s wallet %q is not a valid address", m.ID, m.WalletAddress)
		}
		net, err := intent.ParseBaseUnits(p.Net)
		if err != nil {
			return err
		}
		return b.submit(ctx, p, common.HexToAddress(m.WalletAddress), net)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.chainTimeout)
	state, err := b.chain.TxStatus(callCtx, p.TxHash)
	cancel()
	if err != nil {
		return err
	}
	switch state {
	case chain.TxSucceeded:
		p.Status = intent.PayoutSent
		p.UpdatedAt = b.now().UTC()
		if err := b.store.SavePayout(ctx, p); err != nil {
			return err
		}
		b.logger.Info("payout confirmed",
			"payout_id", p.ID,
			"tx_hash", p.TxHash)
	case chain.TxFailed:
		p.Status = intent.PayoutFailed
		p.UpdatedAt = b.now().UTC()
		if err := b.store.SavePayout(ctx, p); err != nil {
			return err
		}
		// Release the member intents so the next run can batch them again.
		if err := b.store.UnassignPayoutIntents(ctx, p.ID); err != nil {
			return err
		}
		b.logger.Warn("payout transfer reverted, intents released",
			"payout_id", p.ID,
			"tx_hash", p.TxHash)
	}
	return nil
}

// FeeSplit divides a gross amount into the platform fee and the merchant
// net using basis points, truncating toward zero on uint256 like the escrow
// contract's integer math.
func FeeSplit(gross *big.Int, feeBps uint32) (fee, net *big.Int) {
	if feeBps > feeDenominator {
		feeBps = feeDenominator
	}
	g, overflow := uint256.FromBig(gross)
	if overflow {
		f := new(big.Int).Mul(gross, big.NewInt(int64(feeBps)))
		f.Quo(f, big.NewInt(feeDenominator))
		return f, new(big.Int).Sub(gross, f)
	}
	f := new(uint256.Int).Mul(g, uint256.NewInt(uint64(feeBps)))
	f.Div(f, uint256.NewInt(feeDenominator))
	n := new(uint256.Int).Sub(g, f)
	return f.ToBig(), n.ToBig()
}
