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

// StoredResponse is a cached create response replayed on idempotent retries.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for (apiKey, key), nil when
// the key is unseen, or ErrIdempotencyMismatch when the key was first used
// with a different request body.
func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var row IdempotencyKey
	err := s.db.WithContext(ctx).First(&row, "api_key = ? AND key = ?", apiKey, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if row.RequestHash != requestHash {
		return nil, intent.ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: row.ResponseStatus, Body: row.ResponseBody}, nil
}

// SaveIdempotency records the response for a key. The first write wins;
// concurrent duplicates fall back to the stored row on their next lookup.
func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := IdempotencyKey{
		APIKey:         apiKey,
		Key:            key,
		RequestHash:    requestHash,
		ResponseStatus: status,
		ResponseBody:   body,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// PruneIdempotencyKeys removes cache rows older than the cutoff.
func (s *Store) PruneIdempotencyKeys(ctx context.Context, cutoff time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&IdempotencyKey{}).Error
	if err != nil {
		return fmt.Errorf("prune idempotency keys: %w", err)
	}
	return nil
}
