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

// Confirm releases escrowed funds to the merchant. Valid only while
// PROCESSING; SUCCEEDED arrives through the PaymentReleased event, never
// eagerly. Repeat calls after submission are no-ops.
func (e *Engine) Confirm(ctx context.Context, merchantID, intentID string) (*intent.Intent, error) {
	unlock := e.locks.acquire(intentID)
	defer unlock()

	it, err := e.store.IntentForMerchant(ctx, merchantID, intentID)
	if err != nil {
		return nil, err
	}
	if it.Status != intent.StatusProcessing {
		return nil, fmt.Errorf("%w: confirm requires PROCESSING, intent is %s", intent.ErrInvalidTransition, it.Status)
	}
	if it.ReleaseTx != "" {
		return it, nil
	}
	if err := e.submitRelease(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// Refund returns escrowed funds to the buyer. Valid only while PROCESSING;
// REFUNDED arrives through the PaymentRefunded event.
func (e *Engine) Refund(ctx context.Context, merchantID, intentID string) (*intent.Intent, error) {
	unlock := e.locks.acquire(intentID)
	defer unlock()

	it, err := e.store.IntentForMerchant(ctx, merchantID, intentID)
	if err != nil {
		return nil, err
	}
	if it.Status != intent.StatusProcessing {
		return nil, fmt.Errorf("%w: refund requires PROCESSING, intent is %s", intent.ErrInvalidTransition, it.Status)
	}
	if it.RefundTx != "" {
		return it, nil
	}
	if it.EscrowPaymentID == nil {
		return nil, fmt.Errorf("intent %s is processing without an escrow payment id", it.ID)
	}

	hash, err := e.submitEscrowTx(ctx, "refund", func(cctx context.Context) (string, error) {
		return e.chain.Refund(cctx, *it.EscrowPaymentID)
	}, attribute.Int64("escrow.payment_id", int64(*it.EscrowPaymentID)))
	if err != nil {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			if ferr := e.failLocked(ctx, it.ID, "refund reverted: "+revert.Reason); ferr != nil {
				return nil, ferr
			}
		}
		return nil, submitErr("refund", err)
	}
	it.RefundTx = hash
	if err := e.store.SaveIntent(ctx, it); err != nil {
		return nil, err
	}
	e.logger.Info("refund submitted", "intent_id", it.ID, "payment_id", *it.EscrowPaymentID, "tx", hash)
	return it, nil
}

// Cancel voids an unfunded intent. When the escrow already exists on chain it
// submits cancel() and lets the resulting event finish the job; when the
// creation was never observed it marks CANCELED directly. A deposit showing
// up in the contract view rejects the call.
func (e *Engine) Cancel(ctx context.Context, merchantID, intentID string) (*intent.Intent, error) {
	unlock := e.locks.acquire(intentID)
	defer unlock()

	it, err := e.store.IntentForMerchant(ctx, merchantID, intentID)
	if err != nil {
		return nil, err
	}
	if it.Status != intent.StatusRequiresPayment {
		return nil, fmt.Errorf("%w: cancel requires REQUIRES_PAYMENT, intent is %s", intent.ErrInvalidTransition, it.Status)
	}
	if it.CancelTx != "" {
		return it, nil
	}

	if it.EscrowPaymentID == nil {
		if err := e.cancelDirect(ctx, it); err != nil {
			return nil, err
		}
		return it, nil
	}

	cctx, cancel := e.chainCtx(ctx)
	view, err := e.chain.PaymentState(cctx, *it.EscrowPaymentID)
	cancel()
	if err != nil {
		return nil, submitErr("payments", err)
	}
	if view.State == chain.EscrowFunded || (view.Deposited != nil && view.Deposited.Sign() > 0) {
		return nil, fmt.Errorf("%w: deposit already observed on chain", intent.ErrInvalidTransition)
	}

	hash, err := e.submitEscrowTx(ctx, "cancel", func(cctx context.Context) (string, error) {
		return e.chain.Cancel(cctx, *it.EscrowPaymentID)
	}, attribute.Int64("escrow.payment_id", int64(*it.EscrowPaymentID)))
	if err != nil {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			// Most likely a deposit raced in between the view and the
			// submit. Leave the intent alone; the deposit event will move it
			// to PROCESSING on its own.
			return nil, fmt.Errorf("%w: cancel rejected on chain: %s", intent.ErrInvalidTransition, revert.Reason)
		}
		return nil, submitErr("cancel", err)
	}
	it.CancelTx = hash
	if err := e.store.SaveIntent(ctx, it); err != nil {
		return nil, err
	}
	e.logger.Info("cancel submitted", "intent_id", it.ID, "payment_id", *it.EscrowPaymentID, "tx", hash)
	return it, nil
}

// cancelDirect closes an intent whose escrow never made it on chain. Caller
// holds the per-ID lock; it is refreshed with the committed row.
func (e *Engine) cancelDirect(ctx context.Context, it *intent.Intent) error {
	from := it.Status
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LockIntent(ctx, it.ID)
		if err != nil {
			return err
		}
		if err := e.applyTransition(ctx, tx, row, intent.StatusCanceled, intent.EventPaymentCanceled, nil); err != nil {
			return err
		}
		*it = *row
		return nil
	})
	if err != nil {
		return err
	}
	e.publishTransition(it.ID, from, intent.StatusCanceled)
	e.logger.Info("intent canceled before escrow creation", "intent_id", it.ID)
	return nil
}

// submitRelease submits release() and records the hash. The caller holds the
// per-ID lock and has already verified status and idempotency.
func (e *Engine) submitRelease(ctx context.Context, it *intent.Intent) error {
	if it.EscrowPaymentID == nil {
		return fmt.Errorf("intent %s is processing without an escrow payment id", it.ID)
	}
	hash, err := e.submitEscrowTx(ctx, "release", func(cctx context.Context) (string, error) {
		return e.chain.Release(cctx, *it.EscrowPaymentID)
	}, attribute.Int64("escrow.payment_id", int64(*it.EscrowPaymentID)))
	if err != nil {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			if ferr := e.failLocked(ctx, it.ID, "release reverted: "+revert.Reason); ferr != nil {
				return ferr
			}
		}
		return submitErr("release", err)
	}
	it.ReleaseTx = hash
	if err := e.store.SaveIntent(ctx, it); err != nil {
		return err
	}
	e.logger.Info("release submitted", "intent_id", it.ID, "payment_id", *it.EscrowPaymentID, "tx", hash)
	return nil
}

// failLocked moves a row to FAILED with the supplied reason and queues
// payment.failed. The caller holds the per-ID lock; rows already terminal are
// left untouched.
func (e *Engine) failLocked(ctx context.Context, intentID, reason string) error {
	var from intent.Status
	var applied bool
	err := e.store.WithTx(ctx, func(tx *store.Store) error {
		row, err := tx.LockIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if row.Status.Terminal() {
			return nil
		}
		from = row.Status
		if err := e.applyTransition(ctx, tx, row, intent.StatusFailed, intent.EventPaymentFailed, func(r *intent.Intent) {
			r.FailureReason = reason
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		e.publishTransition(intentID, from, intent.StatusFailed)
		e.logger.Warn("intent failed", "intent_id", intentID, "reason", reason)
	}
	return nil
}
