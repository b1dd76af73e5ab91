package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"parapay/intent"
)

// CreateMerchant inserts a merchant row; used by provisioning and tests.
func (s *Store) CreateMerchant(ctx context.Context, m *intent.Merchant) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create merchant %s: %w", m.ID, err)
	}
	return nil
}

// MerchantByID loads a merchant row.
func (s *Store) MerchantByID(ctx context.Context, id string) (*intent.Merchant, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var m intent.Merchant
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", intent.ErrMerchantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load merchant %s: %w", id, err)
	}
	return &m, nil
}

// MerchantByAPIKey resolves the bearer API key presented on the surface.
func (s *Store) MerchantByAPIKey(ctx context.Context, apiKey string) (*intent.Merchant, error) {
	trimmed := strings.TrimSpace(apiKey)
	if trimmed == "" {
		return nil, intent.ErrMerchantNotFound
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var m intent.Merchant
	err := s.db.WithContext(ctx).First(&m, "api_key = ?", trimmed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, intent.ErrMerchantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load merchant by api key: %w", err)
	}
	return &m, nil
}

// MerchantsWithSettledUnpaid returns merchants holding SUCCEEDED intents not
// yet grouped into a payout.
func (s *Store) MerchantsWithSettledUnpaid(ctx context.Context) ([]intent.Merchant, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.Merchant
	err := s.db.WithContext(ctx).
		Where("id IN (?)", s.db.Model(&intent.Intent{}).
			Select("DISTINCT merchant_id").
			Where("status = ? AND payout_id IS NULL", intent.StatusSucceeded)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query merchants with settled unpaid: %w", err)
	}
	return out, nil
}
