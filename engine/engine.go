// Package engine owns the payment-intent lifecycle. It is the only component
// that writes intent status: merchant calls, chain events, and scheduler
// passes all funnel through here, where per-intent locks and the transition
// table keep every move legal and serialized.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"parapay/chain"
	"parapay/feed"
	"parapay/intent"
	"parapay/observability"
	"parapay/oracle"
	"parapay/store"
)

const (
	defaultHoldWindow   = 5 * time.Minute
	minHoldWindow       = time.Minute
	maxHoldWindow       = 24 * time.Hour
	defaultChainTimeout = 30 * time.Second
)

// ChainClient is the escrow contract surface the engine drives. Submissions
// return the transaction hash without awaiting inclusion.
type ChainClient interface {
	CreatePayment(ctx context.Context, merchant common.Address, amount *big.Int, feeBps uint32) (string, error)
	Release(ctx context.Context, paymentID uint64) (string, error)
	Refund(ctx context.Context, paymentID uint64) (string, error)
	Cancel(ctx context.Context, paymentID uint64) (string, error)
	PaymentState(ctx context.Context, paymentID uint64) (chain.PaymentView, error)
	TxStatus(ctx context.Context, txHash string) (chain.TxState, error)
	ContractAddress() common.Address
}

// PriceSource yields the current fiat rate for a crypto asset.
type PriceSource interface {
	Quote(base, quote string) (oracle.Quote, error)
}

// Publisher pushes live lifecycle activity to in-process subscribers.
type Publisher interface {
	Publish(ev feed.Event)
}

// Engine coordinates store, chain, and oracle for every intent mutation.
type Engine struct {
	store  *store.Store
	chain  ChainClient
	prices PriceSource
	feed   Publisher
	logger *slog.Logger
	tracer trace.Tracer
	locks  *lockTable
	now    func() time.Time

	holdWindow   time.Duration
	chainTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFeed attaches the live event hub.
func WithFeed(p Publisher) Option {
	return func(e *Engine) {
		e.feed = p
	}
}

// WithHoldWindow overrides the default expiry window applied when a create
// request does not carry its own.
func WithHoldWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.holdWindow = d
		}
	}
}

// WithChainTimeout overrides the per-call deadline for contract submissions
// and views.
func WithChainTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.chainTimeout = d
		}
	}
}

// WithClock overrides the time source; tests use it for deterministic expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New wires an engine. Store, chain client, and price source are mandatory.
func New(st *store.Store, chainClient ChainClient, prices PriceSource, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: store required")
	}
	if chainClient == nil {
		return nil, fmt.Errorf("engine: chain client required")
	}
	if prices == nil {
		return nil, fmt.Errorf("engine: price source required")
	}
	e := &Engine{
		store:        st,
		chain:        chainClient,
		prices:       prices,
		logger:       slog.Default(),
		tracer:       otel.Tracer("parapay/engine"),
		locks:        newLockTable(),
		now:          func() time.Time { return time.Now().UTC() },
		holdWindow:   defaultHoldWindow,
		chainTimeout: defaultChainTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) chainCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.chainTimeout)
}

// submitEscrowTx runs one contract submission inside its own span, applying
// the per-call deadline and recording the outcome metric.
func (e *Engine) submitEscrowTx(ctx context.Context, method string, call func(context.Context) (string, error), attrs ...attribute.KeyValue) (string, error) {
	cctx, cancel := e.chainCtx(ctx)
	defer cancel()
	cctx, span := e.tracer.Start(cctx, "escrow."+method, trace.WithAttributes(attrs...))
	defer span.End()
	hash, err := call(cctx)
	observability.Engine().RecordChainSubmission(method, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("tx.hash", hash))
	return hash, nil
}

// applyTransition moves a locked row to the next status and queues the
// webhook inside the caller's transaction. The caller holds the per-ID lock.
func (e *Engine) applyTransition(ctx context.Context, tx *store.Store, it *intent.Intent, next intent.Status, eventType intent.EventType, mutate func(*intent.Intent)) error {
	if err := intent.ValidateTransition(it.Status, next); err != nil {
		return err
	}
	if mutate != nil {
		mutate(it)
	}
	it.Status = next
	if err := tx.SaveIntent(ctx, it); err != nil {
		return err
	}
	if eventType == "" {
		return nil
	}
	return e.queueWebhook(ctx, tx, it, eventType)
}

// queueWebhook persists a PENDING notification carrying the intent snapshot.
// Runs inside the same transaction as the transition that caused it.
func (e *Engine) queueWebhook(ctx context.Context, tx *store.Store, it *intent.Intent, typ intent.EventType) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	ev := &intent.WebhookEvent{
		ID:            intent.NewWebhookEventID(),
		IntentID:      it.ID,
		Type:          typ,
		Payload:       payload,
		Status:        intent.WebhookPending,
		NextAttemptAt: e.now(),
	}
	return tx.InsertWebhookEvent(ctx, ev)
}

// publishTransition emits the post-commit feed event and counts the edge.
func (e *Engine) publishTransition(intentID string, from, to intent.Status) {
	observability.Engine().RecordTransition(string(from), string(to))
	if e.feed == nil {
		return
	}
	e.feed.Publish(feed.Event{
		Kind:     feed.KindTransition,
		IntentID: intentID,
		From:     string(from),
		To:       string(to),
	})
}

// publishAlert surfaces an operator-facing anomaly on the feed.
func (e *Engine) publishAlert(intentID, detail string) {
	if e.feed == nil {
		return
	}
	e.feed.Publish(feed.Event{
		Kind:     feed.KindAlert,
		IntentID: intentID,
		Detail:   detail,
	})
}

// flagReconcile marks a locked row for operator review without changing its
// status. Runs inside the caller's transaction; the alert fires after commit.
func (e *Engine) flagReconcile(ctx context.Context, tx *store.Store, it *intent.Intent, reason string) error {
	if it.ReconcileRequired {
		return nil
	}
	it.ReconcileRequired = true
	it.ReconcileReason = reason
	if err := tx.SaveIntent(ctx, it); err != nil {
		return err
	}
	observability.Engine().RecordReconcileFlag()
	return nil
}

// submitErr folds a chain submission failure into the domain error set.
func submitErr(method string, err error) error {
	if errors.Is(err, chain.ErrUnavailable) {
		return fmt.Errorf("%w: %s: %w", intent.ErrChainUnavailable, method, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}
