// Package store is the durable repository shared by every component. It owns
// the relational schema and keeps transactional boundaries per operation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"parapay/intent"
)

const defaultOpTimeout = 5 * time.Second

var (
	ErrWebhookEventNotFound = errors.New("webhook event not found")
	ErrPayoutNotFound       = errors.New("payout not found")
)

// IngestCursor is the single durable row recording the last finalized block
// the ingestor has fully applied.
type IngestCursor struct {
	ID          uint   `gorm:"primaryKey"`
	BlockNumber uint64 `gorm:"not null"`
	BlockHash   string `gorm:"size:80;not null"`
	UpdatedAt   time.Time
}

func (IngestCursor) TableName() string { return "ingest_cursor" }

// ProcessedChainEvent records an applied escrow log. The composite primary
// key makes re-application of a replayed or reorged log a no-op.
type ProcessedChainEvent struct {
	BlockHash   string `gorm:"primaryKey;size:80"`
	LogIndex    uint   `gorm:"primaryKey;autoIncrement:false"`
	EventSig    string `gorm:"size:80;not null"`
	PaymentID   uint64 `gorm:"index"`
	TxHash      string `gorm:"size:80"`
	BlockNumber uint64 `gorm:"index"`
	ObservedAt  time.Time
}

// IdempotencyKey caches the response of a mutating request so a retried call
// with the same key replays instead of re-executing.
type IdempotencyKey struct {
	APIKey         string `gorm:"primaryKey;size:128"`
	Key            string `gorm:"primaryKey;size:128"`
	RequestHash    string `gorm:"size:80;not null"`
	ResponseStatus int    `gorm:"not null"`
	ResponseBody   []byte
	CreatedAt      time.Time
}

// Store wraps a gorm handle. All methods apply a five second deadline when
// the caller has not already set one.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

// Open connects to postgres and returns a Store. Schema migration is a
// separate explicit step so operators control when DDL runs.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm handle; tests pass an in-memory sqlite handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, timeout: defaultOpTimeout}
}

// AutoMigrate creates or updates every table this service owns.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&intent.Merchant{},
		&intent.Intent{},
		&intent.WebhookEvent{},
		&intent.Payout{},
		&IngestCursor{},
		&ProcessedChainEvent{},
		&IdempotencyKey{},
	)
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx runs fn inside a transaction; the *Store passed to fn is bound to it.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		return fn(&Store{db: txdb, timeout: s.timeout})
	})
}

func (s *Store) opCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok {
		return parent, func() {}
	}
	return context.WithTimeout(parent, s.timeout)
}

// Cursor returns the ingest cursor, or zero values when none is stored yet.
func (s *Store) Cursor(ctx context.Context) (uint64, string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var row IngestCursor
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("load ingest cursor: %w", err)
	}
	return row.BlockNumber, row.BlockHash, nil
}

// SetCursor durably advances (or rewinds) the ingest cursor.
func (s *Store) SetCursor(ctx context.Context, blockNumber uint64, blockHash string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := IngestCursor{ID: 1, BlockNumber: blockNumber, BlockHash: blockHash, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Save(&row).Error
}
