package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"parapay/intent"
	"parapay/store"
)

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

func seedMerchant(t *testing.T, s *store.Store, webhookURL string) *intent.Merchant {
	t.Helper()
	m := &intent.Merchant{
		ID:             "m1",
		APIKey:         "sk_m1",
		WalletAddress:  "0x00000000000000000000000000000000000000aa",
		WebhookURL:     webhookURL,
		WebhookSecret:  "whsec_test",
		PayoutSchedule: intent.PayoutManual,
	}
	if err := s.CreateMerchant(context.Background(), m); err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
	return m
}

func seedIntent(t *testing.T, s *store.Store, merchantID string) *intent.Intent {
	t.Helper()
	now := time.Now().UTC()
	it := &intent.Intent{
		ID:             intent.NewIntentID(),
		MerchantID:     merchantID,
		FiatAmount:     10000,
		FiatCurrency:   intent.FiatUSD,
		CryptoAmount:   "20.000000000000000000",
		CryptoCurrency: intent.CryptoDOT,
		QuoteRate:      "5.00000000",
		QuoteTakenAt:   now,
		Status:         intent.StatusProcessing,
		ExpiresAt:      now.Add(5 * time.Minute),
		ReleaseMethod:  intent.ReleaseManual,
	}
	if err := s.CreateIntent(context.Background(), it); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	return it
}

func queueEvent(t *testing.T, s *store.Store, it *intent.Intent, typ intent.EventType) *intent.WebhookEvent {
	t.Helper()
	payload, err := json.Marshal(it)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	ev := &intent.WebhookEvent{
		ID:            intent.NewWebhookEventID(),
		IntentID:      it.ID,
		Type:          typ,
		Payload:       payload,
		Status:        intent.WebhookPending,
		NextAttemptAt: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.InsertWebhookEvent(context.Background(), ev); err != nil {
		t.Fatalf("insert webhook event: %v", err)
	}
	return ev
}

func newTestDispatcher(t *testing.T, s *store.Store, opts ...Option) *Dispatcher {
	t.Helper()
	base := []Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	d, err := New(s, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

type capturedRequest struct {
	body      []byte
	signature string
	requestID string
	content   string
}

func TestDeliverPostsSignedEnvelope(t *testing.T) {
	var mu sync.Mutex
	var got []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, capturedRequest{
			body:      body,
			signature: r.Header.Get("X-Signature"),
			requestID: r.Header.Get("X-Request-Id"),
			content:   r.Header.Get("Content-Type"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	m := seedMerchant(t, s, srv.URL)
	it := seedIntent(t, s, m.ID)
	ev := queueEvent(t, s, it, intent.EventPaymentProcessing)
	d := newTestDispatcher(t, s)

	d.Deliver(context.Background(), store.Delivery{Event: *ev, WebhookURL: m.WebhookURL, WebhookSecret: m.WebhookSecret})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	req := got[0]
	if req.content != "application/json" {
		t.Fatalf("content type = %s", req.content)
	}
	if req.requestID == "" {
		t.Fatal("missing X-Request-Id")
	}
	if req.signature != Sign(m.WebhookSecret, req.body) {
		t.Fatal("signature does not verify against the raw body")
	}

	var body envelope
	if err := json.Unmarshal(req.body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ID != ev.ID || body.Type != intent.EventPaymentProcessing {
		t.Fatalf("envelope = %+v", body)
	}
	var snapshot intent.Intent
	if err := json.Unmarshal(body.Data, &snapshot); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if snapshot.ID != it.ID || snapshot.Status != intent.StatusProcessing {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	stored, err := s.WebhookEventByID(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if stored.Status != intent.WebhookDelivered || stored.Attempts != 1 || stored.DeliveredAt == nil {
		t.Fatalf("stored = %+v", stored)
	}
	if stored.LastResponseCode != http.StatusOK {
		t.Fatalf("response code = %d", stored.LastResponseCode)
	}
}

func TestDeliveryRetriesThenExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestStore(t)
	m := seedMerchant(t, s, srv.URL)
	it := seedIntent(t, s, m.ID)
	ev := queueEvent(t, s, it, intent.EventPaymentSucceeded)
	d := newTestDispatcher(t, s)
	ctx := context.Background()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := s.WebhookEventByID(ctx, ev.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		before := time.Now()
		d.Deliver(ctx, store.Delivery{Event: *current, WebhookURL: m.WebhookURL, WebhookSecret: m.WebhookSecret})

		stored, err := s.WebhookEventByID(ctx, ev.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if stored.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", stored.Attempts, attempt)
		}
		if attempt < maxAttempts {
			if stored.Status != intent.WebhookRetrying {
				t.Fatalf("status = %s after attempt %d", stored.Status, attempt)
			}
			if !stored.NextAttemptAt.After(before) {
				t.Fatalf("next attempt %s not pushed past %s", stored.NextAttemptAt, before)
			}
		} else if stored.Status != intent.WebhookFailed {
			t.Fatalf("status = %s after final attempt", stored.Status)
		}
	}
}

func TestRearmedEventDeliversAgain(t *testing.T) {
	var healthy bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if !ok {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	m := seedMerchant(t, s, srv.URL)
	it := seedIntent(t, s, m.ID)
	ev := queueEvent(t, s, it, intent.EventPaymentSucceeded)
	d := newTestDispatcher(t, s)
	ctx := context.Background()

	for i := 0; i < maxAttempts; i++ {
		current, _ := s.WebhookEventByID(ctx, ev.ID)
		d.Deliver(ctx, store.Delivery{Event: *current, WebhookURL: m.WebhookURL, WebhookSecret: m.WebhookSecret})
	}
	if stored, _ := s.WebhookEventByID(ctx, ev.ID); stored.Status != intent.WebhookFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}

	rearmed, err := s.RearmWebhookEvent(ctx, ev.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("rearm: %v", err)
	}
	if rearmed.Status != intent.WebhookPending || rearmed.Attempts != 0 {
		t.Fatalf("rearmed = %+v", rearmed)
	}

	mu.Lock()
	healthy = true
	mu.Unlock()
	d.Deliver(ctx, store.Delivery{Event: *rearmed, WebhookURL: m.WebhookURL, WebhookSecret: m.WebhookSecret})
	stored, _ := s.WebhookEventByID(ctx, ev.ID)
	if stored.Status != intent.WebhookDelivered || stored.Attempts != 1 {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestMissingEndpointFailsTerminally(t *testing.T) {
	s := newTestStore(t)
	m := seedMerchant(t, s, "")
	it := seedIntent(t, s, m.ID)
	ev := queueEvent(t, s, it, intent.EventPaymentProcessing)
	d := newTestDispatcher(t, s)

	d.Deliver(context.Background(), store.Delivery{Event: *ev, WebhookURL: "", WebhookSecret: m.WebhookSecret})

	stored, _ := s.WebhookEventByID(context.Background(), ev.ID)
	if stored.Status != intent.WebhookFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
	if stored.LastError == "" {
		t.Fatal("missing failure reason")
	}
}

func TestBackoffGrowsWithinJitterBounds(t *testing.T) {
	s := newTestStore(t)
	d := newTestDispatcher(t, s)

	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{12, backoffCap},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			got := d.backoff(tc.attempt)
			lo := time.Duration(float64(tc.base) * (1 - jitterFraction))
			hi := time.Duration(float64(tc.base) * (1 + jitterFraction))
			if got < lo || got > hi {
				t.Fatalf("backoff(%d) = %s outside [%s, %s]", tc.attempt, got, lo, hi)
			}
		}
	}
}

func TestRunDrainsDueEvents(t *testing.T) {
	var mu sync.Mutex
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	m := seedMerchant(t, s, srv.URL)
	it := seedIntent(t, s, m.ID)
	queueEvent(t, s, it, intent.EventPaymentProcessing)

	d := newTestDispatcher(t, s, WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	d.Wake()

	deadline := time.After(3 * time.Second)
	for {
		stored, err := s.WebhookEventByID(ctx, itEventID(t, s, it.ID))
		if err == nil && stored.Status == intent.WebhookDelivered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event not delivered before deadline")
		case <-time.After(20 * time.Millisecond):
			d.Wake()
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if received != 1 {
		t.Fatalf("received = %d, want exactly 1", received)
	}
}

func itEventID(t *testing.T, s *store.Store, intentID string) string {
	t.Helper()
	events, err := s.WebhookEventsForIntent(context.Background(), intentID)
	if err != nil || len(events) == 0 {
		t.Fatalf("events for %s: %v", intentID, err)
	}
	return events[0].ID
}
