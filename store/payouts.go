package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"parapay/intent"
)

// CreatePayout inserts a payout row.
func (s *Store) CreatePayout(ctx context.Context, p *intent.Payout) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create payout %s: %w", p.ID, err)
	}
	return nil
}

// SavePayout writes a payout row back.
func (s *Store) SavePayout(ctx context.Context, p *intent.Payout) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("save payout %s: %w", p.ID, err)
	}
	return nil
}

// PayoutByID loads one payout row.
func (s *Store) PayoutByID(ctx context.Context, id string) (*intent.Payout, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var p intent.Payout
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPayoutNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load payout %s: %w", id, err)
	}
	return &p, nil
}

// SettledUnpaidIntents returns a merchant's SUCCEEDED intents that are not
// yet part of any payout, oldest first.
func (s *Store) SettledUnpaidIntents(ctx context.Context, merchantID string) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).
		Where("merchant_id = ? AND status = ? AND payout_id IS NULL", merchantID, intent.StatusSucceeded).
		Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query settled unpaid intents: %w", err)
	}
	return out, nil
}

// AssignIntentsToPayout links intents to a payout, refusing to steal rows
// already claimed by another batch.
func (s *Store) AssignIntentsToPayout(ctx context.Context, payoutID string, intentIDs []string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res := s.db.WithContext(ctx).Model(&intent.Intent{}).
		Where("id IN ? AND payout_id IS NULL", intentIDs).
		Update("payout_id", payoutID)
	if res.Error != nil {
		return fmt.Errorf("assign intents to payout %s: %w", payoutID, res.Error)
	}
	if res.RowsAffected != int64(len(intentIDs)) {
		return fmt.Errorf("assign intents to payout %s: claimed %d of %d rows",
			payoutID, res.RowsAffected, len(intentIDs))
	}
	return nil
}

// UnassignPayoutIntents releases intents from a failed payout so a later
// batch can pick them up again.
func (s *Store) UnassignPayoutIntents(ctx context.Context, payoutID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(ctx).Model(&intent.Intent{}).
		Where("payout_id = ?", payoutID).
		Update("payout_id", nil).Error
	if err != nil {
		return fmt.Errorf("unassign intents from payout %s: %w", payoutID, err)
	}
	return nil
}

// PayoutIntents lists the intents grouped into a payout.
func (s *Store) PayoutIntents(ctx context.Context, payoutID string) ([]intent.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Intent
	err := s.db.WithContext(ctx).Where("payout_id = ?", payoutID).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list payout intents: %w", err)
	}
	return out, nil
}

// PendingPayouts lists payouts awaiting on-chain confirmation.
func (s *Store) PendingPayouts(ctx context.Context) ([]intent.Payout, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Payout
	err := s.db.WithContext(ctx).
		Where("status = ?", intent.PayoutPending).
		Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query pending payouts: %w", err)
	}
	return out, nil
}

// LastPayoutAt returns the newest payout creation time for a merchant, or nil.
func (s *Store) LastPayoutAt(ctx context.Context, merchantID string) (*time.Time, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var p intent.Payout
	err := s.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last payout: %w", err)
	}
	t := p.CreatedAt
	return &t, nil
}
