package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"parapay/intent"
)

// Delivery pairs a due webhook event with the destination it must reach.
type Delivery struct {
	Event         intent.WebhookEvent
	WebhookURL    string
	WebhookSecret string
}

// InsertWebhookEvent persists a new notification row. Called inside the same
// transaction as the intent transition that produced it.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *intent.WebhookEvent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("insert webhook event %s: %w", ev.ID, err)
	}
	return nil
}

// SaveWebhookEvent writes a delivery outcome back.
func (s *Store) SaveWebhookEvent(ctx context.Context, ev *intent.WebhookEvent) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.WithContext(ctx).Save(ev).Error; err != nil {
		return fmt.Errorf("save webhook event %s: %w", ev.ID, err)
	}
	return nil
}

// WebhookEventByID loads one event row.
func (s *Store) WebhookEventByID(ctx context.Context, id string) (*intent.WebhookEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var ev intent.WebhookEvent
	err := s.db.WithContext(ctx).First(&ev, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWebhookEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook event %s: %w", id, err)
	}
	return &ev, nil
}

// WebhookEventsForIntent returns all events for one intent in creation order.
func (s *Store) WebhookEventsForIntent(ctx context.Context, intentID string) ([]intent.WebhookEvent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []intent.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list webhook events for %s: %w", intentID, err)
	}
	return out, nil
}

// DueDeliveries returns deliverable events ordered by next attempt then
// creation time (the per-intent FIFO key), joined with each destination.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var events []intent.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?",
			[]intent.WebhookStatus{intent.WebhookPending, intent.WebhookRetrying}, now).
		Order("next_attempt_at ASC, created_at ASC").
		Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query due webhook events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	intentIDs := make([]string, 0, len(events))
	for _, ev := range events {
		intentIDs = append(intentIDs, ev.IntentID)
	}
	var intents []intent.Intent
	if err := s.db.WithContext(ctx).Select("id", "merchant_id").Find(&intents, "id IN ?", intentIDs).Error; err != nil {
		return nil, fmt.Errorf("resolve intents for deliveries: %w", err)
	}
	merchantByIntent := make(map[string]string, len(intents))
	merchantIDs := make([]string, 0, len(intents))
	for _, it := range intents {
		merchantByIntent[it.ID] = it.MerchantID
		merchantIDs = append(merchantIDs, it.MerchantID)
	}
	var merchants []intent.Merchant
	if err := s.db.WithContext(ctx).Find(&merchants, "id IN ?", merchantIDs).Error; err != nil {
		return nil, fmt.Errorf("resolve merchants for deliveries: %w", err)
	}
	byMerchant := make(map[string]intent.Merchant, len(merchants))
	for _, m := range merchants {
		byMerchant[m.ID] = m
	}

	out := make([]Delivery, 0, len(events))
	for _, ev := range events {
		m, ok := byMerchant[merchantByIntent[ev.IntentID]]
		if !ok {
			continue
		}
		out = append(out, Delivery{Event: ev, WebhookURL: m.WebhookURL, WebhookSecret: m.WebhookSecret})
	}
	return out, nil
}

// RearmWebhookEvent resets a FAILED event for another delivery round; the
// operator-facing manual retry.
func (s *Store) RearmWebhookEvent(ctx context.Context, id string, now time.Time) (*intent.WebhookEvent, error) {
	ev, err := s.WebhookEventByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != intent.WebhookFailed {
		return nil, fmt.Errorf("webhook event %s is %s, only FAILED events can be retried", id, ev.Status)
	}
	ev.Status = intent.WebhookPending
	ev.Attempts = 0
	ev.NextAttemptAt = now
	ev.LastError = ""
	if err := s.SaveWebhookEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
