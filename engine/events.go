package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"parapay/chain"
	"parapay/intent"
	"parapay/observability"
	"parapay/store"
)

// OnChainEvent applies one finalized escrow log to its intent. Every status
// advancement in the system happens here: merchant calls only submit
// transactions, the resulting events move the state machine. Replayed logs
// are no-ops keyed by (block hash, log index); logs that contradict the
// current state flag the intent for reconciliation instead of forcing an
// illegal transition.
func (e *Engine) OnChainEvent(ctx context.Context, ev chain.Event) error {
	it, err := e.resolveIntent(ctx, ev)
	if err != nil {
		return err
	}

	unlock := e.locks.acquire(it.ID)
	defer unlock()

	var (
		from, to    intent.Status
		applied     bool
		alert       string
		closeOrphan bool
	)
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		inserted, err := tx.MarkEventProcessed(ctx, store.ProcessedChainEvent{
			BlockHash:   ev.BlockHash.Hex(),
			LogIndex:    ev.LogIndex,
			EventSig:    string(ev.Kind),
			PaymentID:   ev.PaymentID,
			TxHash:      ev.TxHash.Hex(),
			BlockNumber: ev.BlockNumber,
		})
		if err != nil {
			return err
		}
		if !inserted {
			observability.Ingest().RecordDuplicate()
			return nil
		}

		row, err := tx.LockIntent(ctx, it.ID)
		if err != nil {
			return err
		}

		if ev.Kind == chain.EventPaymentCreated {
			return e.applyCreated(ctx, tx, row, ev, &alert, &closeOrphan)
		}

		target, hook := eventTarget(ev.Kind, row.Status)
		if row.Status == target {
			// Replay, or the startup reconciler advanced the row first.
			return nil
		}
		if intent.ValidateTransition(row.Status, target) != nil {
			alert = fmt.Sprintf("event %s conflicts with status %s", ev.Kind, row.Status)
			return e.flagReconcile(ctx, tx, row, alert)
		}

		from, to = row.Status, target
		if err := e.applyTransition(ctx, tx, row, target, hook, eventMutation(ev, target)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}

	if alert != "" {
		e.publishAlert(it.ID, alert)
		e.logger.Error("chain event conflicts with intent state",
			"intent_id", it.ID, "event", string(ev.Kind), "payment_id", ev.PaymentID, "detail", alert)
	}
	if applied {
		e.publishTransition(it.ID, from, to)
		e.logger.Info("chain event applied",
			"intent_id", it.ID, "event", string(ev.Kind), "from", from, "to", to, "block", ev.BlockNumber)
	}
	if closeOrphan {
		e.closeOrphanEscrow(ctx, it.ID)
	}
	return nil
}

// closeOrphanEscrow cancels an escrow whose intent was already closed before
// the creation landed. Best effort: a failure leaves the unfunded escrow on
// chain and a late deposit into it would surface as a reconcile flag.
func (e *Engine) closeOrphanEscrow(ctx context.Context, intentID string) {
	row, err := e.store.IntentByID(ctx, intentID)
	if err != nil || row.EscrowPaymentID == nil || row.CancelTx != "" {
		return
	}
	hash, err := e.submitEscrowTx(ctx, "cancel", func(cctx context.Context) (string, error) {
		return e.chain.Cancel(cctx, *row.EscrowPaymentID)
	}, attribute.Int64("escrow.payment_id", int64(*row.EscrowPaymentID)))
	if err != nil {
		e.logger.Warn("orphan escrow cancel failed",
			"intent_id", intentID, "payment_id", *row.EscrowPaymentID, "err", err)
		return
	}
	row.CancelTx = hash
	if err := e.store.SaveIntent(ctx, row); err != nil {
		e.logger.Warn("record orphan cancel tx", "intent_id", intentID, "err", err)
	}
}

// resolveIntent maps an event to its intent row. Creations resolve by the
// transaction hash recorded at submission; everything else by the
// contract-assigned payment ID, which only exists once the creation event has
// been applied.
func (e *Engine) resolveIntent(ctx context.Context, ev chain.Event) (*intent.Intent, error) {
	var (
		it  *intent.Intent
		err error
	)
	if ev.Kind == chain.EventPaymentCreated {
		it, err = e.store.IntentByCreationTx(ctx, ev.TxHash.Hex())
	} else {
		it, err = e.store.IntentByEscrowPaymentID(ctx, ev.PaymentID)
	}
	if errors.Is(err, intent.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s for payment %d", ErrUnknownPayment, ev.Kind, ev.PaymentID)
	}
	return it, err
}

// applyCreated binds the contract-assigned payment ID to the intent. The
// binding is write-once; a second creation with a different ID is flagged.
// A creation landing on a row that was closed while waiting (direct cancel,
// expiry) asks the caller to cancel the now-orphaned escrow.
func (e *Engine) applyCreated(ctx context.Context, tx *store.Store, row *intent.Intent, ev chain.Event, alert *string, closeOrphan *bool) error {
	if row.EscrowPaymentID != nil {
		if *row.EscrowPaymentID != ev.PaymentID {
			*alert = fmt.Sprintf("PaymentCreated %d conflicts with bound payment id %d", ev.PaymentID, *row.EscrowPaymentID)
			return e.flagReconcile(ctx, tx, row, *alert)
		}
		return nil
	}
	paymentID := ev.PaymentID
	row.EscrowPaymentID = &paymentID
	if row.Status == intent.StatusCanceled || row.Status == intent.StatusExpired {
		*closeOrphan = true
	}
	return tx.SaveIntent(ctx, row)
}

// eventTarget maps an escrow event to the status it drives toward. A refund
// of a never-funded escrow surfaces as a cancellation to the merchant.
func eventTarget(kind chain.EventKind, current intent.Status) (intent.Status, intent.EventType) {
	switch kind {
	case chain.EventDeposited:
		return intent.StatusProcessing, intent.EventPaymentProcessing
	case chain.EventPaymentReleased:
		return intent.StatusSucceeded, intent.EventPaymentSucceeded
	case chain.EventPaymentRefunded:
		if current == intent.StatusRequiresPayment {
			return intent.StatusCanceled, intent.EventPaymentCanceled
		}
		return intent.StatusRefunded, intent.EventPaymentRefunded
	case chain.EventPaymentCanceled:
		return intent.StatusCanceled, intent.EventPaymentCanceled
	default:
		return current, ""
	}
}

// eventMutation backfills the transaction hash a transition settles, for
// paths where this process never submitted it (auto release by another
// instance, operator action straight against the contract).
func eventMutation(ev chain.Event, target intent.Status) func(*intent.Intent) {
	hash := ev.TxHash.Hex()
	switch target {
	case intent.StatusSucceeded:
		return func(r *intent.Intent) {
			if r.ReleaseTx == "" {
				r.ReleaseTx = hash
			}
		}
	case intent.StatusRefunded:
		return func(r *intent.Intent) {
			if r.RefundTx == "" {
				r.RefundTx = hash
			}
		}
	case intent.StatusCanceled:
		return func(r *intent.Intent) {
			if r.CancelTx == "" {
				r.CancelTx = hash
			}
		}
	default:
		return nil
	}
}
