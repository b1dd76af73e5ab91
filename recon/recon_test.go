package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"parapay/chain"
	"parapay/intent"
	"parapay/store"
)

type stubChain struct {
	views map[uint64]chain.PaymentView
	errs  map[uint64]error
}

func (s *stubChain) PaymentState(_ context.Context, paymentID uint64) (chain.PaymentView, error) {
	if err := s.errs[paymentID]; err != nil {
		return chain.PaymentView{}, err
	}
	if view, ok := s.views[paymentID]; ok {
		return view, nil
	}
	return chain.PaymentView{State: chain.EscrowNone}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := store.New(db)
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func mustBase(t *testing.T, raw string) *big.Int {
	t.Helper()
	v, err := intent.ParseBaseUnits(raw)
	if err != nil {
		t.Fatalf("parse base units %q: %v", raw, err)
	}
	return v
}

func ptrUint64(v uint64) *uint64 { return &v }

// seedIntent persists a settled, internally consistent intent: $25.00 at
// 12.50 USD/DOT is exactly 2 DOT. mutate tweaks the row before insert.
func seedIntent(t *testing.T, s *store.Store, mutate func(*intent.Intent)) *intent.Intent {
	t.Helper()
	now := time.Now().UTC()
	it := &intent.Intent{
		ID:               intent.NewIntentID(),
		MerchantID:       "m1",
		FiatAmount:       2500,
		FiatCurrency:     intent.FiatUSD,
		CryptoAmount:     "2.000000000000000000",
		CryptoCurrency:   intent.CryptoDOT,
		QuoteRate:        "12.5",
		QuoteTakenAt:     now.Add(-2 * time.Hour),
		Status:           intent.StatusSucceeded,
		EscrowPaymentID:  ptrUint64(7),
		EscrowCreationTx: "0x" + uuid.NewString()[:8],
		ReleaseTx:        "0xrelease",
		DepositAddress:   "0x00000000000000000000000000000000000000cc",
		ExpiresAt:        now.Add(-time.Hour),
		ReleaseMethod:    intent.ReleaseManual,
		CreatedAt:        now.Add(-3 * time.Hour),
		UpdatedAt:        now.Add(-time.Hour),
	}
	if mutate != nil {
		mutate(it)
	}
	if err := s.CreateIntent(context.Background(), it); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	return it
}

func releasedView(amount *big.Int) chain.PaymentView {
	return chain.PaymentView{Amount: amount, Deposited: amount, State: chain.EscrowReleased}
}

func newTestReconciler(t *testing.T, s *store.Store, ch ChainReader, alerts *[]Anomaly, dryRun bool) *Reconciler {
	t.Helper()
	cfg := Config{
		Store:     s,
		Chain:     ch,
		OutputDir: t.TempDir(),
		DryRun:    dryRun,
	}
	if alerts != nil {
		cfg.Alert = func(_ context.Context, a Anomaly) error {
			*alerts = append(*alerts, a)
			return nil
		}
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func lastDay(now time.Time) RunOptions {
	return RunOptions{Start: now.Add(-24 * time.Hour), End: now}
}

func kinds(anomalies []Anomaly) map[string]int {
	out := make(map[string]int)
	for _, a := range anomalies {
		out[a.Kind]++
	}
	return out
}

func TestRunCleanIntent(t *testing.T) {
	s := newTestStore(t)
	it := seedIntent(t, s, nil)
	ch := &stubChain{views: map[uint64]chain.PaymentView{7: releasedView(mustBase(t, "2"))}}

	r := newTestReconciler(t, s, ch, nil, true)
	res, err := r.Run(context.Background(), lastDay(time.Now().UTC()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %+v", res.Anomalies)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}
	row := res.Rows[0]
	if row.IntentID != it.ID || row.EscrowState != "released" || row.QuoteDriftMinor != 0 {
		t.Fatalf("row = %+v, want clean released row", row)
	}
	if row.SettleLatency <= 0 {
		t.Fatal("expected a settle latency on a terminal row")
	}
	if res.Totals["m1"] != 2500 {
		t.Fatalf("totals = %+v, want m1: 2500", res.Totals)
	}
	if len(res.Files) != 0 {
		t.Fatalf("dry run wrote %d files", len(res.Files))
	}
}

func TestRunDetectsMissingEscrow(t *testing.T) {
	s := newTestStore(t)
	seedIntent(t, s, func(it *intent.Intent) {
		it.Status = intent.StatusProcessing
		it.ReleaseTx = ""
	})
	// The contract has no record of payment 7.
	ch := &stubChain{}

	var alerts []Anomaly
	r := newTestReconciler(t, s, ch, &alerts, true)
	res, err := r.Run(context.Background(), lastDay(time.Now().UTC()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if kinds(res.Anomalies)[AnomalyMissingEscrow] != 1 {
		t.Fatalf("anomalies = %+v, want one missing_escrow", res.Anomalies)
	}
	if !res.Rows[0].MissingEscrow {
		t.Fatal("row not flagged missing_escrow")
	}
	if len(alerts) != 1 || alerts[0].Kind != AnomalyMissingEscrow {
		t.Fatalf("alerts = %+v, want the missing_escrow anomaly", alerts)
	}
}

func TestRunDetectsAmountMismatch(t *testing.T) {
	s := newTestStore(t)
	// Contract holds 1 DOT against a stored quote of 2.
	seedIntent(t, s, nil)
	ch := &stubChain{views: map[uint64]chain.PaymentView{7: releasedView(mustBase(t, "1"))}}

	r := newTestReconciler(t, s, ch, nil, true)
	res, err := r.Run(context.Background(), lastDay(time.Now().UTC()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if kinds(res.Anomalies)[AnomalyAmountMismatch] != 1 {
		t.Fatalf("anomalies = %+v, want one amount_mismatch", res.Anomalies)
	}
	if !res.Rows[0].AmountMismatch {
		t.Fatal("row not flagged amount_mismatch")
	}
}

func TestRunDetectsQuoteDrift(t *testing.T) {
	s := newTestStore(t)
	// Stored fiat amount no longer matches crypto x rate: 2 DOT at 12.50 is
	// $25.00, not the recorded $30.00.
	seedIntent(t, s, func(it *intent.Intent) {
		it.FiatAmount = 3000
	})
	ch := &stubChain{views: map[uint64]chain.PaymentView{7: releasedView(mustBase(t, "2"))}}

	r := newTestReconciler(t, s, ch, nil, true)
	res, err := r.Run(context.Background(), lastDay(time.Now().UTC()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if kinds(res.Anomalies)[AnomalyAmountMismatch] != 1 {
		t.Fatalf("anomalies = %+v, want one amount_mismatch", res.Anomalies)
	}
	if res.Rows[0].QuoteDriftMinor != -500 {
		t.Fatalf("drift = %d, want -500", res.Rows[0].QuoteDriftMinor)
	}
}

func TestRunPullsInStuckAndFlaggedIntents(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().Add(-72 * time.Hour)
	stuck := seedIntent(t, s, func(it *intent.Intent) {
		it.Status = intent.StatusProcessing
		it.ReleaseTx = ""
		it.EscrowPaymentID = ptrUint64(8)
		it.CreatedAt = old
		it.UpdatedAt = old
	})
	flagged := seedIntent(t, s, func(it *intent.Intent) {
		it.EscrowPaymentID = ptrUint64(9)
		it.ReconcileRequired = true
		it.ReconcileReason = "reorg collided with surfaced terminal"
		it.CreatedAt = old
		it.UpdatedAt = old
	})
	two := mustBase(t, "2")
	ch := &stubChain{views: map[uint64]chain.PaymentView{
		8: {Amount: two, Deposited: two, State: chain.EscrowFunded},
		9: releasedView(two),
	}}

	r := newTestReconciler(t, s, ch, nil, true)
	res, err := r.Run(context.Background(), lastDay(time.Now().UTC()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Both rows predate the window yet must appear in the report.
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	got := kinds(res.Anomalies)
	if got[AnomalyStuckProcessing] != 1 || got[AnomalyReconcileRequired] != 1 {
		t.Fatalf("anomalies = %+v, want stuck_processing and reconcile_required", res.Anomalies)
	}
	byID := make(map[string]*ReportRow, len(res.Rows))
	for _, row := range res.Rows {
		byID[row.IntentID] = row
	}
	if !byID[stuck.ID].StuckProcessing {
		t.Fatal("stuck row not flagged")
	}
	if !byID[flagged.ID].ReconcileRequired || byID[flagged.ID].ReconcileReason == "" {
		t.Fatal("flagged row lost its reason")
	}
}

func TestRunSkipsComparisonWhenChainUnavailable(t *testing.T) {
	s := newTestStore(t)
	seedIntent(t, s, nil)
	ch := &stubChain{errs: map[uint64]error{7: fmt.Errorf("rpc: connection refused")}}

	r := newTestReconciler(t, s, ch, nil, true)
	res, err := r.Run(context.Background(), lastDay(time.Now().UTC()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Anomalies) != 0 {
		t.Fatalf("chain outage produced anomalies: %+v", res.Anomalies)
	}
	if res.Rows[0].EscrowState != "unavailable" {
		t.Fatalf("escrow state = %q, want unavailable", res.Rows[0].EscrowState)
	}
}

func TestRunWritesReports(t *testing.T) {
	s := newTestStore(t)
	it := seedIntent(t, s, nil)
	ch := &stubChain{views: map[uint64]chain.PaymentView{7: releasedView(mustBase(t, "2"))}}

	r := newTestReconciler(t, s, ch, nil, false)
	res, err := r.Run(context.Background(), lastDay(time.Now().UTC()))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Files) != 1 {
		t.Fatalf("files = %+v, want one merchant/currency pair", res.Files)
	}
	file := res.Files[0]
	if file.MerchantID != "m1" || file.Currency != "USD" || file.Count != 1 {
		t.Fatalf("file = %+v", file)
	}
	if _, err := os.Stat(file.ParquetPath); err != nil {
		t.Fatalf("parquet artefact: %v", err)
	}

	raw, err := os.Open(file.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer raw.Close()
	records, err := csv.NewReader(raw).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("csv records = %d, want header plus one row", len(records))
	}
	if records[0][0] != "intent_id" || records[1][0] != it.ID {
		t.Fatalf("csv row = %v", records[1])
	}
}

func TestRunRejectsInvertedWindow(t *testing.T) {
	s := newTestStore(t)
	r := newTestReconciler(t, s, &stubChain{}, nil, true)
	now := time.Now().UTC()
	if _, err := r.Run(context.Background(), RunOptions{Start: now, End: now.Add(-time.Hour)}); err == nil {
		t.Fatal("expected inverted window to fail")
	}
}
