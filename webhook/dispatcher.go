// Package webhook drains persisted notification rows and delivers them to
// merchant endpoints with at-least-once semantics. Rows are written by the
// engine inside the transaction that changed the intent, so nothing is lost
// between a state change and its notification; this package only reads due
// rows and writes outcomes back.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"parapay/feed"
	"parapay/intent"
	"parapay/observability"
	"parapay/store"
)

const (
	defaultWorkers  = 16
	deliveryTimeout = 10 * time.Second
	maxAttempts     = 5

	backoffBase    = time.Second
	backoffCap     = 10 * time.Minute
	jitterFraction = 0.2

	sweepBatch    = 100
	sweepInterval = time.Second
)

// Publisher mirrors delivery outcomes onto the live feed.
type Publisher interface {
	Publish(ev feed.Event)
}

// Dispatcher owns the delivery worker pool. One instance runs per process;
// the due-row query keeps restarts safe because state never lives here.
type Dispatcher struct {
	store  *store.Store
	client *http.Client
	logger *slog.Logger
	feed   Publisher
	now    func() time.Time

	workers     int
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
	wake        chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option overrides a Dispatcher default.
type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithFeed(pub Publisher) Option {
	return func(d *Dispatcher) { d.feed = pub }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithHTTPClient swaps the delivery client; the replacement keeps its own
// timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetry overrides the delivery retry schedule. Zero or negative values
// keep the corresponding default.
func WithRetry(attempts int, base, cap time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
		if base > 0 {
			d.retryBase = base
		}
		if cap > 0 {
			d.retryCap = cap
		}
	}
}

func New(st *store.Store, opts ...Option) (*Dispatcher, error) {
	if st == nil {
		return nil, fmt.Errorf("webhook: store required")
	}
	d := &Dispatcher{
		store:       st,
		client:      &http.Client{Timeout: deliveryTimeout},
		logger:      slog.Default(),
		now:         time.Now,
		workers:     defaultWorkers,
		maxAttempts: maxAttempts,
		retryBase:   backoffBase,
		retryCap:    backoffCap,
		wake:        make(chan struct{}, 1),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Wake nudges the dispatcher to sweep for due rows ahead of the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run sweeps due rows and hands them to the worker pool until the context is
// cancelled. Deliveries in flight when the context ends finish against their
// own bounded timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	jobs := make(chan store.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dl := range jobs {
				d.deliver(ctx, dl)
			}
		}()
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.sweep(ctx, jobs)
	}
}

// sweep queries due rows and dispatches at most one event per intent; later
// events for the same intent wait for the earlier delivery to settle so the
// merchant sees them in order. One intent's failures never hold up another's.
func (d *Dispatcher) sweep(ctx context.Context, jobs chan<- store.Delivery) {
	due, err := d.store.DueDeliveries(ctx, d.now(), sweepBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("webhook sweep failed", "error", err)
		}
		return
	}
	observability.Webhook().SetBacklog(len(due))

	seen := make(map[string]struct{}, len(due))
	for _, dl := range due {
		if _, dup := seen[dl.Event.IntentID]; dup {
			continue
		}
		seen[dl.Event.IntentID] = struct{}{}
		if !d.claim(dl.Event.IntentID) {
			continue
		}
		select {
		case jobs <- dl:
		case <-ctx.Done():
			d.release(dl.Event.IntentID)
			return
		}
	}
}

func (d *Dispatcher) claim(intentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[intentID]; busy {
		return false
	}
	d.inFlight[intentID] = struct{}{}
	return true
}

func (d *Dispatcher) release(intentID string) {
	d.mu.Lock()
	delete(d.inFlight, intentID)
	d.mu.Unlock()
}

// Deliver pushes a single event synchronously, bypassing the pool. Used by
// tests and the operator retry path to get immediate feedback.
func (d *Dispatcher) Deliver(ctx context.Context, dl store.Delivery) {
	if !d.claim(dl.Event.IntentID) {
		return
	}
	d.deliver(ctx, dl)
}

func (d *Dispatcher) deliver(ctx context.Context, dl store.Delivery) {
	defer d.release(dl.Event.IntentID)

	ev := dl.Event
	now := d.now()

	if dl.WebhookURL == "" {
		ev.Status = intent.WebhookFailed
		ev.Attempts = d.maxAttempts
		ev.LastError = "no webhook endpoint configured"
		ev.NextAttemptAt = now
		if err := d.store.SaveWebhookEvent(ctx, &ev); err != nil {
			d.logger.Error("record webhook outcome", "webhook_id", ev.ID, "error", err)
		}
		observability.Webhook().RecordExhausted()
		d.publish(ev, "failed")
		d.logger.Warn("webhook event has no destination",
			"webhook_id", ev.ID, "intent_id", ev.IntentID, "type", string(ev.Type))
		return
	}

	start := d.now()
	code, err := d.post(ctx, dl)
	elapsed := d.now().Sub(start)

	ev.Attempts++
	ev.LastResponseCode = code

	if err == nil && code >= 200 && code < 300 {
		deliveredAt := d.now()
		ev.Status = intent.WebhookDelivered
		ev.DeliveredAt = &deliveredAt
		ev.LastError = ""
		if saveErr := d.store.SaveWebhookEvent(ctx, &ev); saveErr != nil {
			d.logger.Error("record webhook outcome", "webhook_id", ev.ID, "error", saveErr)
			return
		}
		observability.Webhook().RecordDelivery("delivered", elapsed)
		d.publish(ev, "delivered")
		d.logger.Info("webhook delivered",
			"webhook_id", ev.ID, "intent_id", ev.IntentID, "type", string(ev.Type),
			"attempt", ev.Attempts, "status_code", code)
		return
	}

	reason := fmt.Sprintf("status %d", code)
	if err != nil {
		reason = err.Error()
	}
	ev.LastError = truncate(reason, 512)

	if ev.Attempts >= d.maxAttempts {
		ev.Status = intent.WebhookFailed
		observability.Webhook().RecordDelivery("failed", elapsed)
		observability.Webhook().RecordExhausted()
		d.publish(ev, "failed")
		d.logger.Error("webhook exhausted its attempts",
			"webhook_id", ev.ID, "intent_id", ev.IntentID, "type", string(ev.Type),
			"attempts", ev.Attempts, "last_error", ev.LastError)
	} else {
		ev.Status = intent.WebhookRetrying
		ev.NextAttemptAt = d.now().Add(d.backoff(ev.Attempts))
		observability.Webhook().RecordDelivery("retrying", elapsed)
		d.logger.Warn("webhook delivery failed, will retry",
			"webhook_id", ev.ID, "intent_id", ev.IntentID, "type", string(ev.Type),
			"attempt", ev.Attempts, "next_attempt_at", ev.NextAttemptAt, "error", ev.LastError)
	}
	if saveErr := d.store.SaveWebhookEvent(ctx, &ev); saveErr != nil {
		d.logger.Error("record webhook outcome", "webhook_id", ev.ID, "error", saveErr)
	}
}

// envelope is the wire body merchants receive.
type envelope struct {
	ID        string           `json:"id"`
	Type      intent.EventType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Data      json.RawMessage  `json:"data"`
}

func (d *Dispatcher) post(ctx context.Context, dl store.Delivery) (int, error) {
	body, err := json.Marshal(envelope{
		ID:        dl.Event.ID,
		Type:      dl.Event.Type,
		CreatedAt: dl.Event.CreatedAt.UTC(),
		Data:      json.RawMessage(dl.Event.Payload),
	})
	if err != nil {
		return 0, fmt.Errorf("encode webhook body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("X-Signature", Sign(dl.WebhookSecret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// backoff is exponential from the base with ±20% jitter so a struggling
// endpoint does not see retries land in lockstep.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := d.retryBase << uint(attempt-1)
	if delay > d.retryCap {
		delay = d.retryCap
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(delay) * jitter)
}

func (d *Dispatcher) publish(ev intent.WebhookEvent, outcome string) {
	if d.feed == nil {
		return
	}
	d.feed.Publish(feed.Event{
		Kind:      feed.KindWebhook,
		IntentID:  ev.IntentID,
		WebhookID: ev.ID,
		Status:    outcome,
		Detail:    string(ev.Type),
		At:        d.now().UTC(),
	})
}

// Sign computes the hex HMAC-SHA256 signature merchants verify against their
// webhook secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
