package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parapay/intent"
)

// ListFilter narrows and pages the merchant-facing intent listing.
type ListFilter struct {
	Status   intent.Status
	Currency intent.FiatCurrency
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int
	Limit    int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// CreateIntent persists a freshly minted intent row.
func (s *Store) CreateIntent(ctx context.Context, it *intent.Intent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Create(it).Error; err != nil {
		return fmt.Errorf("create intent %s: %w", it.ID, err)
	}
	return nil
}

// SaveIntent writes the full row back. Callers hold the per-intent lock.
func (s *Store) SaveIntent(ctx context.Context, it *intent.Intent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Save(it).Error; err != nil {
		return fmt.Errorf("save intent %s: %w", it.ID, err)
	}
	return nil
}

// IntentByID loads an intent regardless of owner.
func (s *Store) IntentByID(ctx context.Context, id string) (*intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var it intent.Intent
	err := s.db.WithContext(ctx).First(&it, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", intent.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load intent %s: %w", id, err)
	}
	return &it, nil
}

// IntentForMerchant loads an intent scoped to its owning merchant. A foreign
// merchant ID behaves exactly like a missing intent.
func (s *Store) IntentForMerchant(ctx context.Context, merchantID, id string) (*intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var it intent.Intent
	err := s.db.WithContext(ctx).First(&it, "id = ? AND merchant_id = ?", id, merchantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", intent.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load intent %s: %w", id, err)
	}
	return &it, nil
}

// LockIntent loads an intent FOR UPDATE; only meaningful inside WithTx.
func (s *Store) LockIntent(ctx context.Context, id string) (*intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var it intent.Intent
	err := s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&it, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", intent.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock intent %s: %w", id, err)
	}
	return &it, nil
}

// IntentByEscrowPaymentID resolves the intent bound to a contract payment id.
func (s *Store) IntentByEscrowPaymentID(ctx context.Context, paymentID uint64) (*intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var it intent.Intent
	err := s.db.WithContext(ctx).First(&it, "escrow_payment_id = ?", paymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: escrow payment %d", intent.ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load intent by escrow payment %d: %w", paymentID, err)
	}
	return &it, nil
}

// IntentByCreationTx resolves the intent that submitted the given
// createPayment transaction.
func (s *Store) IntentByCreationTx(ctx context.Context, txHash string) (*intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var it intent.Intent
	err := s.db.WithContext(ctx).First(&it, "escrow_creation_tx = ?", txHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: creation tx %s", intent.ErrNotFound, txHash)
	}
	if err != nil {
		return nil, fmt.Errorf("load intent by creation tx %s: %w", txHash, err)
	}
	return &it, nil
}

// ListIntents returns one page of a merchant's intents, newest first, plus
// the unpaged total.
func (s *Store) ListIntents(ctx context.Context, merchantID string, f ListFilter) ([]intent.Intent, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	q := s.db.WithContext(ctx).Model(&intent.Intent{}).Where("merchant_id = ?", merchantID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Currency != "" {
		q = q.Where("fiat_currency = ?", f.Currency)
	}
	if f.DateFrom != nil {
		q = q.Where("created_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("created_at <= ?", *f.DateTo)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count intents: %w", err)
	}
	var out []intent.Intent
	err := q.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list intents: %w", err)
	}
	return out, total, nil
}

// ExpiryDue returns REQUIRES_PAYMENT intents past their expiry.
func (s *Store) ExpiryDue(ctx context.Context, now time.Time, limit int) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", intent.StatusRequiresPayment, now).
		Order("expires_at ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query expiry due: %w", err)
	}
	return out, nil
}

// AutoReleaseDue returns AUTO intents still PROCESSING past expiry plus the
// hold window; cutoff is now minus the hold window.
func (s *Store) AutoReleaseDue(ctx context.Context, cutoff time.Time, limit int) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).
		Where("status = ? AND release_method = ? AND expires_at < ?",
			intent.StatusProcessing, intent.ReleaseAuto, cutoff).
		Order("expires_at ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query auto release due: %w", err)
	}
	return out, nil
}

// PendingChainIntents returns non-terminal intents holding a submitted
// transaction hash; the startup reconciler re-reads chain state for them.
func (s *Store) PendingChainIntents(ctx context.Context) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).
		Where("status IN ?", []intent.Status{intent.StatusRequiresPayment, intent.StatusProcessing}).
		Where("escrow_creation_tx <> '' OR release_tx <> '' OR refund_tx <> '' OR cancel_tx <> ''").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query pending chain intents: %w", err)
	}
	return out, nil
}

// IntentsInWindow returns intents created or last touched inside the window,
// oldest first. This is the reconciler's report population.
func (s *Store) IntentsInWindow(ctx context.Context, start, end time.Time) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).
		Where("(created_at BETWEEN ? AND ?) OR (updated_at BETWEEN ? AND ?)", start, end, start, end).
		Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query intents in window: %w", err)
	}
	return out, nil
}

// ReconcileRequired lists intents flagged for operator review.
func (s *Store) ReconcileRequired(ctx context.Context) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).
		Where("reconcile_required = ?", true).
		Order("updated_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query reconcile required: %w", err)
	}
	return out, nil
}

// StuckProcessing lists PROCESSING intents older than the cutoff, a
// reconciliation anomaly signal.
func (s *Store) StuckProcessing(ctx context.Context, cutoff time.Time) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", intent.StatusProcessing, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query stuck processing: %w", err)
	}
	return out, nil
}

// MarkEventProcessed records an escrow log application. The false return
// means the (block_hash, log_index) pair was already recorded and the caller
// must treat the event as applied.
func (s *Store) MarkEventProcessed(ctx context.Context, ev ProcessedChainEvent) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ev.ObservedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if res.Error != nil {
		return false, fmt.Errorf("mark event processed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
