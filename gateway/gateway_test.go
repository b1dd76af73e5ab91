package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"parapay/chain"
	"parapay/engine"
	"parapay/feed"
	"parapay/intent"
	"parapay/oracle"
	"parapay/store"
)

const testJWTSecret = "test-admin-secret"

type fakeChain struct {
	mu       sync.Mutex
	contract common.Address
	seq      int

	creates  int
	releases int

	headBlock uint64
	headAt    time.Time
	headErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		contract:  common.HexToAddress("0x00000000000000000000000000000000000000e5"),
		headBlock: 128,
		headAt:    time.Now().UTC(),
	}
}

func (f *fakeChain) hash() string {
	f.seq++
	return fmt.Sprintf("0x%064x", f.seq)
}

func (f *fakeChain) CreatePayment(context.Context, common.Address, *big.Int, uint32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return f.hash(), nil
}

func (f *fakeChain) Release(context.Context, uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return f.hash(), nil
}

func (f *fakeChain) Refund(context.Context, uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hash(), nil
}

func (f *fakeChain) Cancel(context.Context, uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hash(), nil
}

func (f *fakeChain) PaymentState(context.Context, uint64) (chain.PaymentView, error) {
	return chain.PaymentView{}, nil
}

func (f *fakeChain) TxStatus(context.Context, string) (chain.TxState, error) {
	return chain.TxPending, nil
}

func (f *fakeChain) ContractAddress() common.Address { return f.contract }

func (f *fakeChain) Head(context.Context) (uint64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, time.Time{}, f.headErr
	}
	return f.headBlock, f.headAt, nil
}

func (f *fakeChain) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeChain) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

type fakePrices struct{ rate *big.Rat }

func (f *fakePrices) Quote(base, quote string) (oracle.Quote, error) {
	return oracle.Quote{Rate: new(big.Rat).Set(f.rate), TakenAt: time.Now().UTC(), Source: "test"}, nil
}

type fakeWaker struct {
	mu    sync.Mutex
	wakes int
}

func (f *fakeWaker) Wake() {
	f.mu.Lock()
	f.wakes++
	f.mu.Unlock()
}

func (f *fakeWaker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes
}

type fakePayouts struct {
	mu         sync.Mutex
	submitted  int
	lastTarget string
	err        error
}

func (f *fakePayouts) Run(_ context.Context, merchantID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.lastTarget = merchantID
	return f.submitted, nil
}

type fakeJobs struct {
	mu    sync.Mutex
	known map[string]bool
	runs  []string
}

func (f *fakeJobs) Trigger(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[name] {
		return false, fmt.Errorf("scheduler: unknown job %q", name)
	}
	f.runs = append(f.runs, name)
	return true, nil
}

type fixture struct {
	t        *testing.T
	server   *Server
	store    *store.Store
	engine   *engine.Engine
	chain    *fakeChain
	hub      *feed.Hub
	waker    *fakeWaker
	payouts  *fakePayouts
	jobs     *fakeJobs
	merchant *intent.Merchant
	other    *intent.Merchant

	public *httptest.Server
	admin  *httptest.Server
}

type fixtureOption func(*Config)

func withRate(rps float64, burst int) fixtureOption {
	return func(cfg *Config) {
		cfg.RateRPS = rps
		cfg.RateBurst = burst
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	merchant := &intent.Merchant{
		ID:              "m1",
		APIKey:          "sk_m1",
		WalletAddress:   "0x00000000000000000000000000000000000000aa",
		WebhookURL:      "https://merchant.example/hooks",
		WebhookSecret:   "whsec_m1",
		PlatformFeeBps:  250,
		PayoutSchedule:  intent.PayoutDaily,
		MinPayoutAmount: "1.000000000000000000",
	}
	other := &intent.Merchant{
		ID:             "m2",
		APIKey:         "sk_m2",
		WalletAddress:  "0x00000000000000000000000000000000000000bb",
		PayoutSchedule: intent.PayoutManual,
	}
	for _, m := range []*intent.Merchant{merchant, other} {
		if err := st.CreateMerchant(context.Background(), m); err != nil {
			t.Fatalf("seed merchant: %v", err)
		}
	}

	fc := newFakeChain()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(st, fc, &fakePrices{rate: big.NewRat(5, 1)}, engine.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	f := &fixture{
		t:        t,
		store:    st,
		engine:   eng,
		chain:    fc,
		hub:      feed.NewHub(),
		waker:    &fakeWaker{},
		payouts:  &fakePayouts{submitted: 2},
		jobs:     &fakeJobs{known: map[string]bool{"recon-export": true, "payout-batch": true}},
		merchant: merchant,
		other:    other,
	}

	cfg := Config{
		Engine:    eng,
		Store:     st,
		Chain:     fc,
		Feed:      f.hub,
		Webhooks:  f.waker,
		Payouts:   f.payouts,
		Jobs:      f.jobs,
		JWTSecret: testJWTSecret,
		RateRPS:   1000,
		RateBurst: 1000,
		Logger:    quiet,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.server = srv

	f.public = httptest.NewServer(srv.PublicHandler())
	f.admin = httptest.NewServer(srv.AdminHandler())
	t.Cleanup(f.public.Close)
	t.Cleanup(f.admin.Close)
	return f
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
	Meta    struct {
		Timestamp time.Time `json:"timestamp"`
		RequestID string    `json:"request_id"`
	} `json:"meta"`
}

type roundTrip struct {
	status   int
	envelope testEnvelope
	header   http.Header
}

func (f *fixture) do(base, method, path, apiKey string, body any, headers map[string]string) roundTrip {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, base+path, reader)
	if err != nil {
		f.t.Fatalf("build request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := roundTrip{status: resp.StatusCode, header: resp.Header}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.envelope); err != nil {
			f.t.Fatalf("decode envelope %q: %v", raw, err)
		}
	}
	return out
}

func (f *fixture) merchantDo(method, path string, body any, headers map[string]string) roundTrip {
	return f.do(f.public.URL, method, path, f.merchant.APIKey, body, headers)
}

func (f *fixture) adminDo(method, path string, body any) roundTrip {
	return f.do(f.admin.URL, method, path, "", body, map[string]string{
		"Authorization": "Bearer " + adminToken(f.t, time.Now().Add(time.Hour)),
	})
}

func adminToken(t *testing.T, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func decodeData[T any](t *testing.T, env testEnvelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode data %q: %v", env.Data, err)
	}
	return out
}

func validCreateBody() map[string]any {
	return map[string]any{
		"fiat_amount":     2500,
		"fiat_currency":   "usd",
		"crypto_currency": "dot",
		"release_method":  "manual",
		"metadata":        map[string]string{"order": "ord_42"},
	}
}

// toProcessing walks a freshly created intent through the chain events that
// land it in PROCESSING.
func (f *fixture) toProcessing(t *testing.T, it *intent.Intent, paymentID uint64) {
	t.Helper()
	events := []chain.Event{
		{
			Kind:        chain.EventPaymentCreated,
			PaymentID:   paymentID,
			Amount:      mustBaseUnits(t, it.CryptoAmount),
			FeeBps:      big.NewInt(int64(f.merchant.PlatformFeeBps)),
			BlockNumber: 10,
			BlockHash:   common.HexToHash(fmt.Sprintf("0xb%063d", paymentID)),
			TxHash:      common.HexToHash(it.EscrowCreationTx),
			LogIndex:    0,
		},
		{
			Kind:        chain.EventDeposited,
			PaymentID:   paymentID,
			Amount:      mustBaseUnits(t, it.CryptoAmount),
			BlockNumber: 11,
			BlockHash:   common.HexToHash(fmt.Sprintf("0xc%063d", paymentID)),
			TxHash:      common.HexToHash(fmt.Sprintf("0xd%063d", paymentID)),
			LogIndex:    0,
		},
	}
	for _, ev := range events {
		if err := f.engine.OnChainEvent(context.Background(), ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Kind, err)
		}
	}
}

func mustBaseUnits(t *testing.T, amount string) *big.Int {
	t.Helper()
	v, err := intent.ParseBaseUnits(amount)
	if err != nil {
		t.Fatalf("parse base units %q: %v", amount, err)
	}
	return v
}
