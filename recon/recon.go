// Package recon cross-checks the intent store against the escrow contract's
// view of the world and materialises settlement reports. It runs as a daily
// scheduled job and on operator demand; anomalies are alerted but never acted
// on automatically, resolution stays with a human.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"parapay/chain"
	"parapay/intent"
	"parapay/observability"
	"parapay/store"
)

// Anomaly kinds raised by the scan.
const (
	AnomalyMissingEscrow     = "missing_escrow"
	AnomalyAmountMismatch    = "amount_mismatch"
	AnomalyStuckProcessing   = "stuck_processing"
	AnomalyReconcileRequired = "reconcile_required"
)

const defaultStuckAfter = 24 * time.Hour

// ChainReader is the slice of the chain client the reconciler needs: the
// contract's current view of one escrow payment.
type ChainReader interface {
	PaymentState(ctx context.Context, paymentID uint64) (chain.PaymentView, error)
}

// AlertFunc is invoked for every anomaly found during a run.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store      *store.Store
	Chain      ChainReader
	OutputDir  string
	DryRun     bool
	StuckAfter time.Duration
	Now        func() time.Time
	Alert      AlertFunc
	Logger     *slog.Logger
}

// RunOptions specifies the window for one reconciliation pass.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Anomaly is one finding requiring operator review.
type Anomaly struct {
	Kind       string `json:"kind"`
	IntentID   string `json:"intent_id"`
	MerchantID string `json:"merchant_id,omitempty"`
	Details    string `json:"details"`
}

// ReportRow is one intent's reconciliation snapshot: the stored row joined
// with the contract's view and the anomaly flags derived from comparing them.
type ReportRow struct {
	IntentID          string
	MerchantID        string
	Status            string
	FiatAmount        int64
	FiatCurrency      string
	CryptoAmount      string
	CryptoCurrency    string
	QuoteRate         string
	EscrowPaymentID   string
	EscrowState       string
	EscrowAmount      string
	EscrowDeposited   string
	ReleaseTx         string
	RefundTx          string
	MissingEscrow     bool
	AmountMismatch    bool
	StuckProcessing   bool
	ReconcileRequired bool
	ReconcileReason   string
	QuoteDriftMinor   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
	SettleLatency     time.Duration
}

// ReportFile references the CSV and Parquet artefacts written for one
// merchant/currency combination.
type ReportFile struct {
	MerchantID  string
	Currency    string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises one reconciliation run. Totals holds settled fiat volume
// (minor units) per merchant within the window.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
	Totals    map[string]int64
}

// Reconciler joins stored intents with contract state and writes settlement
// reports.
type Reconciler struct {
	store      *store.Store
	chain      ChainReader
	outputDir  string
	dryRun     bool
	stuckAfter time.Duration
	now        func() time.Time
	alert      AlertFunc
	logger     *slog.Logger
}

// New builds a configured reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("recon: chain reader is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "recon-out"
	}
	stuckAfter := cfg.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:      cfg.Store,
		chain:      cfg.Chain,
		outputDir:  outputDir,
		dryRun:     cfg.DryRun,
		stuckAfter: stuckAfter,
		now:        nowFn,
		alert:      alert,
		logger:     logger,
	}, nil
}

// Run executes one reconciliation pass over the supplied window. Intents
// created or touched inside the window form the report population; stuck and
// operator-flagged intents outside the window are pulled in as well so old
// problems keep surfacing until resolved.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("recon: window end %s before start %s", end, start)
	}
	dryRun := r.dryRun || opts.DryRun
	now := r.now().UTC()

	intents, err := r.store.IntentsInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load window: %w", err)
	}
	seen := make(map[string]bool, len(intents))
	for i := range intents {
		seen[intents[i].ID] = true
	}

	stuck, err := r.store.StuckProcessing(ctx, now.Add(-r.stuckAfter))
	if err != nil {
		return nil, fmt.Errorf("recon: load stuck intents: %w", err)
	}
	stuckIDs := make(map[string]bool, len(stuck))
	for i := range stuck {
		stuckIDs[stuck[i].ID] = true
		if !seen[stuck[i].ID] {
			intents = append(intents, stuck[i])
			seen[stuck[i].ID] = true
		}
	}

	flagged, err := r.store.ReconcileRequired(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load flagged intents: %w", err)
	}
	for i := range flagged {
		if !seen[flagged[i].ID] {
			intents = append(intents, flagged[i])
			seen[flagged[i].ID] = true
		}
	}

	rows := make([]*ReportRow, 0, len(intents))
	anomalies := make([]Anomaly, 0)
	totals := make(map[string]int64)

	for i := range intents {
		it := &intents[i]
		row := &ReportRow{
			IntentID:          it.ID,
			MerchantID:        it.MerchantID,
			Status:            string(it.Status),
			FiatAmount:        it.FiatAmount,
			FiatCurrency:      string(it.FiatCurrency),
			CryptoAmount:      it.CryptoAmount,
			CryptoCurrency:    string(it.CryptoCurrency),
			QuoteRate:         it.QuoteRate,
			ReleaseTx:         it.ReleaseTx,
			RefundTx:          it.RefundTx,
			ReconcileRequired: it.ReconcileRequired,
			ReconcileReason:   it.ReconcileReason,
			CreatedAt:         it.CreatedAt.UTC(),
			UpdatedAt:         it.UpdatedAt.UTC(),
			ExpiresAt:         it.ExpiresAt.UTC(),
		}
		if it.Status.Terminal() && it.UpdatedAt.After(it.CreatedAt) {
			row.SettleLatency = it.UpdatedAt.Sub(it.CreatedAt)
		}

		r.examineEscrow(ctx, it, row, &anomalies)
		r.examineQuote(ctx, it, row, &anomalies)

		if stuckIDs[it.ID] {
			row.StuckProcessing = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Kind:       AnomalyStuckProcessing,
				IntentID:   it.ID,
				MerchantID: it.MerchantID,
				Details:    fmt.Sprintf("processing with no chain event since %s", it.UpdatedAt.UTC().Format(time.RFC3339)),
			}))
		}
		if it.ReconcileRequired {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Kind:       AnomalyReconcileRequired,
				IntentID:   it.ID,
				MerchantID: it.MerchantID,
				Details:    it.ReconcileReason,
			}))
		}

		rows = append(rows, row)
		if it.Status == intent.StatusSucceeded {
			totals[it.MerchantID] += it.FiatAmount
		}
	}

	files := make([]ReportFile, 0)
	if !dryRun {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		for _, entries := range groupRows(rows) {
			file, err := r.writeReportFiles(runDir, entries)
			if err != nil {
				return nil, err
			}
			if file.Count > 0 {
				files = append(files, file)
			}
		}
	}

	r.logger.Info("reconciliation run complete",
		"window_start", start.Format(time.RFC3339),
		"window_end", end.Format(time.RFC3339),
		"rows", len(rows),
		"anomalies", len(anomalies),
		"files", len(files),
		"dry_run", dryRun,
	)
	return &Result{Start: start, End: end, Rows: rows, Files: files, Anomalies: anomalies, Totals: totals}, nil
}

// examineEscrow joins the stored row with the contract view. A chain error
// leaves the escrow columns empty rather than generating false anomalies.
func (r *Reconciler) examineEscrow(ctx context.Context, it *intent.Intent, row *ReportRow, anomalies *[]Anomaly) {
	if it.EscrowPaymentID == nil {
		if it.DepositObserved() {
			row.MissingEscrow = true
			*anomalies = append(*anomalies, r.raise(ctx, Anomaly{
				Kind:       AnomalyMissingEscrow,
				IntentID:   it.ID,
				MerchantID: it.MerchantID,
				Details:    fmt.Sprintf("status %s without a bound escrow payment", it.Status),
			}))
		}
		return
	}
	row.EscrowPaymentID = strconv.FormatUint(*it.EscrowPaymentID, 10)

	view, err := r.chain.PaymentState(ctx, *it.EscrowPaymentID)
	if err != nil {
		r.logger.Warn("contract view unavailable, skipping comparison",
			"intent", it.ID, "escrow_payment_id", *it.EscrowPaymentID, "error", err)
		row.EscrowState = "unavailable"
		return
	}
	row.EscrowState = view.State.String()
	if view.Amount != nil {
		row.EscrowAmount = intent.FormatBaseUnits(view.Amount)
	}
	if view.Deposited != nil {
		row.EscrowDeposited = intent.FormatBaseUnits(view.Deposited)
	}

	if view.State == chain.EscrowNone {
		row.MissingEscrow = true
		*anomalies = append(*anomalies, r.raise(ctx, Anomaly{
			Kind:       AnomalyMissingEscrow,
			IntentID:   it.ID,
			MerchantID: it.MerchantID,
			Details:    fmt.Sprintf("escrow payment %d is unknown to the contract", *it.EscrowPaymentID),
		}))
		return
	}

	stored, err := intent.ParseBaseUnits(it.CryptoAmount)
	if err != nil || view.Amount == nil {
		return
	}
	if stored.Cmp(view.Amount) != 0 {
		row.AmountMismatch = true
		*anomalies = append(*anomalies, r.raise(ctx, Anomaly{
			Kind:       AnomalyAmountMismatch,
			IntentID:   it.ID,
			MerchantID: it.MerchantID,
			Details:    fmt.Sprintf("stored %s vs on-chain %s", it.CryptoAmount, row.EscrowAmount),
		}))
	}
}

// examineQuote re-derives the fiat amount from the stored crypto amount and
// rate. A drift beyond one minor unit means the persisted quote math no
// longer balances; quoting truncates at 18 decimals so honest rows round-trip
// within that tolerance.
func (r *Reconciler) examineQuote(ctx context.Context, it *intent.Intent, row *ReportRow, anomalies *[]Anomaly) {
	rate, err := intent.ParseDecimal(it.QuoteRate)
	if err != nil {
		return
	}
	stored, err := intent.ParseBaseUnits(it.CryptoAmount)
	if err != nil {
		return
	}
	drift := intent.FiatMinorFromCrypto(stored, it.FiatCurrency, rate) - it.FiatAmount
	row.QuoteDriftMinor = drift
	if drift > 1 || drift < -1 {
		row.AmountMismatch = true
		*anomalies = append(*anomalies, r.raise(ctx, Anomaly{
			Kind:       AnomalyAmountMismatch,
			IntentID:   it.ID,
			MerchantID: it.MerchantID,
			Details:    fmt.Sprintf("stored quote off by %d minor units", drift),
		}))
	}
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	observability.Recon().RecordAnomaly(anomaly.Kind)
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Warn("anomaly alert delivery failed",
			"kind", anomaly.Kind, "intent", anomaly.IntentID, "error", err)
	}
	return anomaly
}
