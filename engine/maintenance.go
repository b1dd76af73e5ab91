package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"parapay/chain"
	"parapay/intent"
	"parapay/store"
)

// maintenanceBatch bounds how many rows one scheduler pass touches.
const maintenanceBatch = 100

// FailIntent moves a non-terminal intent to FAILED with the supplied reason
// and queues payment.failed. Terminal rows are left untouched.
func (e *Engine) FailIntent(ctx context.Context, intentID, reason string) error {
	unlock := e.locks.acquire(intentID)
	defer unlock()
	return e.failLocked(ctx, intentID, reason)
}

// ExpireDue sweeps REQUIRES_PAYMENT intents past their expiry and applies the
// expiration policy to each. Returns how many were handled without error.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	due, err := e.store.ExpiryDue(ctx, e.now(), maintenanceBatch)
	if err != nil {
		return 0, err
	}
	handled := 0
	for i := range due {
		if err := e.Expire(ctx, due[i].ID); err != nil {
			e.logger.Warn("expire intent", "intent_id", due[i].ID, "err", err)
			continue
		}
		handled++
	}
	return handled, nil
}

// Expire applies the expiration policy to one intent: an escrow that never
// made it on chain expires directly, an unfunded escrow is canceled on chain
// and closed by the resulting event, and a funded one is left for the deposit
// event and the auto-release path.
func (e *Engine) Expire(ctx context.Context, intentID string) error {
	unlock := e.locks.acquire(intentID)
	defer unlock()

	it, err := e.store.IntentByID(ctx, intentID)
	if err != nil {
		return err
	}
	if it.Status != intent.StatusRequiresPayment || e.now().Before(it.ExpiresAt) {
		return nil
	}
	if it.EscrowPaymentID == nil {
		return e.expireUnconfirmedCreation(ctx, it)
	}
	if it.CancelTx != "" {
		return nil
	}

	cctx, cancel := e.chainCtx(ctx)
	view, err := e.chain.PaymentState(cctx, *it.EscrowPaymentID)
	cancel()
	if err != nil {
		return submitErr("payments", err)
	}

	switch {
	case view.State == chain.EscrowFunded || (view.Deposited != nil && view.Deposited.Sign() > 0):
		// A deposit raced the expiry; the Deposited event moves the row to
		// PROCESSING and the auto-release pass takes over from there.
		return nil
	case view.State == chain.EscrowCreated:
		hash, err := e.submitEscrowTx(ctx, "cancel", func(cctx context.Context) (string, error) {
			return e.chain.Cancel(cctx, *it.EscrowPaymentID)
		}, attribute.Int64("escrow.payment_id", int64(*it.EscrowPaymentID)))
		if err != nil {
			var revert *chain.RevertError
			if errors.As(err, &revert) {
				return nil
			}
			return submitErr("cancel", err)
		}
		it.CancelTx = hash
		if err := e.store.SaveIntent(ctx, it); err != nil {
			return err
		}
		e.logger.Info("expiry cancel submitted", "intent_id", it.ID, "payment_id", *it.EscrowPaymentID, "tx", hash)
		return nil
	case view.State == chain.EscrowNone:
		return e.flagReconcileByID(ctx, it.ID, "contract has no record of payment id")
	default:
		// Released, Refunded, or Canceled on chain; the events settle the row.
		return nil
	}
}

// expireUnconfirmedCreation handles expiry for an intent whose creation has
// no applied event yet. A mined creation gets more time for its event to be
// ingested; one still unmined gets one extra hold window before the row
// expires directly.
func (e *Engine) expireUnconfirmedCreation(ctx context.Context, it *intent.Intent) error {
	if it.EscrowCreationTx != "" {
		cctx, cancel := e.chainCtx(ctx)
		status, err := e.chain.TxStatus(cctx, it.EscrowCreationTx)
		cancel()
		if err != nil {
			return submitErr("receipt", err)
		}
		switch status {
		case chain.TxSucceeded:
			return nil
		case chain.TxPending:
			if e.now().Before(it.ExpiresAt.Add(e.holdWindow)) {
				return nil
			}
		}
	}
	return e.expireDirect(ctx, it)
}

// expireDirect closes a row whose escrow never existed on chain.
func (e *Engine) expireDirect(ctx context.Context, it *intent.Intent) error {
	from := it.Status
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LockIntent(ctx, it.ID)
		if err != nil {
			return err
		}
		if row.Status != intent.StatusRequiresPayment {
			return nil
		}
		if err := e.applyTransition(ctx, tx, row, intent.StatusExpired, intent.EventPaymentExpired, nil); err != nil {
			return err
		}
		*it = *row
		return nil
	})
	if err != nil {
		return err
	}
	if it.Status == intent.StatusExpired {
		e.publishTransition(it.ID, from, intent.StatusExpired)
		e.logger.Info("intent expired", "intent_id", it.ID)
	}
	return nil
}

// AutoReleaseDue submits release for AUTO intents still PROCESSING one hold
// window past their expiry. Returns how many submissions went out.
func (e *Engine) AutoReleaseDue(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.holdWindow)
	due, err := e.store.AutoReleaseDue(ctx, cutoff, maintenanceBatch)
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range due {
		if err := e.autoRelease(ctx, due[i].ID); err != nil {
			e.logger.Warn("auto release", "intent_id", due[i].ID, "err", err)
			continue
		}
		released++
	}
	return released, nil
}

func (e *Engine) autoRelease(ctx context.Context, intentID string) error {
	unlock := e.locks.acquire(intentID)
	defer unlock()

	it, err := e.store.IntentByID(ctx, intentID)
	if err != nil {
		return err
	}
	if it.Status != intent.StatusProcessing || it.ReleaseMethod != intent.ReleaseAuto || it.ReleaseTx != "" {
		return nil
	}
	return e.submitRelease(ctx, it)
}

// ReconcilePending is the startup scan over non-terminal intents holding a
// submitted transaction. Each is re-read from chain state and either advanced
// along lifecycle edges, failed on a reverted submission, or flagged for the
// operator when the chain disagrees with the stored state.
func (e *Engine) ReconcilePending(ctx context.Context) error {
	pending, err := e.store.PendingChainIntents(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		if err := e.reconcileOne(ctx, pending[i].ID); err != nil {
			e.logger.Warn("reconcile intent", "intent_id", pending[i].ID, "err", err)
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, intentID string) error {
	unlock := e.locks.acquire(intentID)
	defer unlock()

	it, err := e.store.IntentByID(ctx, intentID)
	if err != nil {
		return err
	}
	if it.Status.Terminal() {
		return nil
	}
	if it.EscrowPaymentID == nil {
		return e.reconcileCreation(ctx, it)
	}

	cctx, cancel := e.chainCtx(ctx)
	view, err := e.chain.PaymentState(cctx, *it.EscrowPaymentID)
	cancel()
	if err != nil {
		return submitErr("payments", err)
	}

	var target intent.Status
	var event intent.EventType
	switch view.State {
	case chain.EscrowNone:
		return e.flagReconcileByID(ctx, it.ID, "contract has no record of payment id")
	case chain.EscrowCreated:
		return nil
	case chain.EscrowFunded:
		return e.reconcileFunded(ctx, it)
	case chain.EscrowReleased:
		target, event = intent.StatusSucceeded, intent.EventPaymentSucceeded
	case chain.EscrowRefunded:
		if it.Status == intent.StatusRequiresPayment {
			target, event = intent.StatusCanceled, intent.EventPaymentCanceled
		} else {
			target, event = intent.StatusRefunded, intent.EventPaymentRefunded
		}
	case chain.EscrowCanceled:
		target, event = intent.StatusCanceled, intent.EventPaymentCanceled
	default:
		return nil
	}

	if err := e.advance(ctx, it, target, event); err != nil {
		if errors.Is(err, intent.ErrInvalidTransition) {
			return e.flagReconcileByID(ctx, it.ID,
				fmt.Sprintf("contract reports %s while intent is %s", view.State, it.Status))
		}
		return err
	}
	return nil
}

// reconcileFunded checks submitted release/refund transactions against their
// receipts while the escrow still holds the deposit.
func (e *Engine) reconcileFunded(ctx context.Context, it *intent.Intent) error {
	if it.Status == intent.StatusRequiresPayment {
		// The deposit landed while this process was down.
		return e.advance(ctx, it, intent.StatusProcessing, intent.EventPaymentProcessing)
	}
	if it.ReleaseTx != "" {
		return e.checkSubmission(ctx, it, it.ReleaseTx, "release")
	}
	if it.RefundTx != "" {
		return e.checkSubmission(ctx, it, it.RefundTx, "refund")
	}
	return nil
}

func (e *Engine) checkSubmission(ctx context.Context, it *intent.Intent, txHash, action string) error {
	cctx, cancel := e.chainCtx(ctx)
	status, err := e.chain.TxStatus(cctx, txHash)
	cancel()
	if err != nil {
		return submitErr("receipt", err)
	}
	if status == chain.TxFailed {
		return e.failLocked(ctx, it.ID, action+" transaction reverted")
	}
	return nil
}

// reconcileCreation settles an intent still waiting for its creation event.
func (e *Engine) reconcileCreation(ctx context.Context, it *intent.Intent) error {
	if it.EscrowCreationTx == "" {
		return nil
	}
	cctx, cancel := e.chainCtx(ctx)
	status, err := e.chain.TxStatus(cctx, it.EscrowCreationTx)
	cancel()
	if err != nil {
		return submitErr("receipt", err)
	}
	if status == chain.TxFailed {
		return e.failLocked(ctx, it.ID, "escrow creation reverted")
	}
	return nil
}

// advance walks a row toward the chain-reported state along lifecycle edges,
// emitting the webhook for each leg so a recovered history looks exactly like
// one fed by events.
func (e *Engine) advance(ctx context.Context, it *intent.Intent, target intent.Status, event intent.EventType) error {
	if it.Status == target {
		return nil
	}
	if it.Status == intent.StatusRequiresPayment &&
		(target == intent.StatusSucceeded || target == intent.StatusRefunded) {
		if err := e.advanceStep(ctx, it, intent.StatusProcessing, intent.EventPaymentProcessing); err != nil {
			return err
		}
	}
	return e.advanceStep(ctx, it, target, event)
}

func (e *Engine) advanceStep(ctx context.Context, it *intent.Intent, next intent.Status, event intent.EventType) error {
	if it.Status == next {
		return nil
	}
	if err := intent.ValidateTransition(it.Status, next); err != nil {
		return err
	}
	from := it.Status
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LockIntent(ctx, it.ID)
		if err != nil {
			return err
		}
		if row.Status != from {
			*it = *row
			return nil
		}
		if err := e.applyTransition(ctx, tx, row, next, event, nil); err != nil {
			return err
		}
		*it = *row
		return nil
	})
	if err != nil {
		return err
	}
	if it.Status == next {
		e.publishTransition(it.ID, from, next)
		e.logger.Info("reconciler advanced intent", "intent_id", it.ID, "from", from, "to", next)
	}
	return nil
}

// flagReconcileByID flags a row for operator review outside any existing
// transaction and raises the feed alert once.
func (e *Engine) flagReconcileByID(ctx context.Context, intentID, reason string) error {
	var flagged bool
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LockIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if row.ReconcileRequired {
			return nil
		}
		flagged = true
		return e.flagReconcile(ctx, tx, row, reason)
	})
	if err != nil {
		return err
	}
	if flagged {
		e.publishAlert(intentID, reason)
		e.logger.Error("intent flagged for reconciliation", "intent_id", intentID, "reason", reason)
	}
	return nil
}

// AcknowledgeReconcile clears the operator review flag after manual
// resolution; the admin surface calls it.
func (e *Engine) AcknowledgeReconcile(ctx context.Context, intentID string) (*intent.Intent, error) {
	unlock := e.locks.acquire(intentID)
	defer unlock()

	var out *intent.Intent
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LockIntent(ctx, intentID)
		if err != nil {
			return err
		}
		row.ReconcileRequired = false
		row.ReconcileReason = ""
		if err := tx.SaveIntent(ctx, row); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("reconcile flag cleared", "intent_id", intentID)
	return out, nil
}
