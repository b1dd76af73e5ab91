// Package ingest tails finalized escrow contract events and feeds them to the
// lifecycle engine in per-payment order. The durable cursor lives in the
// store; nothing held in memory survives a restart and nothing needs to.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parapay/chain"
	"parapay/engine"
	"parapay/observability"
	"parapay/store"
)

const (
	defaultBatchBlocks = 2_000
	defaultWorkers     = 8
)

// Chain is the read-side slice of the chain client the ingestor needs.
type Chain interface {
	FinalizedBlock(ctx context.Context) (uint64, error)
	HeaderHashAt(ctx context.Context, number uint64) (string, error)
	EscrowLogs(ctx context.Context, from, to uint64) ([]chain.Event, error)
}

// Applier consumes decoded events. The engine implements it.
type Applier interface {
	OnChainEvent(ctx context.Context, ev chain.Event) error
}

// Ingestor advances the durable cursor over the finalized escrow event
// stream. Ticks are expected to be driven serially (the scheduler wraps the
// job in a single-flight lease); the worker fan-out inside one tick shards by
// payment id so per-intent order is preserved.
type Ingestor struct {
	store   *store.Store
	chain   Chain
	applier Applier
	logger  *slog.Logger

	startBlock  uint64
	batchBlocks uint64
	rewindDepth uint64
	workers     int
	now         func() time.Time

	replay *replayQueue
}

// Option overrides an Ingestor default.
type Option func(*Ingestor)

func WithLogger(logger *slog.Logger) Option {
	return func(ing *Ingestor) {
		if logger != nil {
			ing.logger = logger
		}
	}
}

// WithStartBlock sets the watermark used when no cursor row exists yet,
// normally the block the escrow contract was deployed in.
func WithStartBlock(block uint64) Option {
	return func(ing *Ingestor) { ing.startBlock = block }
}

// WithBatchBlocks caps how many blocks one tick scans.
func WithBatchBlocks(n uint64) Option {
	return func(ing *Ingestor) {
		if n > 0 {
			ing.batchBlocks = n
		}
	}
}

// WithRewindDepth sets how far the cursor rewinds when its recorded block
// hash is no longer on the canonical chain. Match the finality depth of the
// chain client.
func WithRewindDepth(n uint64) Option {
	return func(ing *Ingestor) { ing.rewindDepth = n }
}

// WithWorkers sets the apply fan-out width.
func WithWorkers(n int) Option {
	return func(ing *Ingestor) {
		if n > 0 {
			ing.workers = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(ing *Ingestor) {
		if now != nil {
			ing.now = now
		}
	}
}

// WithReplayQueue sizes the parking queue for events that arrive before the
// row they belong to.
func WithReplayQueue(capacity int, ttl time.Duration) Option {
	return func(ing *Ingestor) { ing.replay = newReplayQueue(capacity, ttl) }
}

func New(st *store.Store, ch Chain, applier Applier, opts ...Option) (*Ingestor, error) {
	if st == nil {
		return nil, fmt.Errorf("ingest: store required")
	}
	if ch == nil {
		return nil, fmt.Errorf("ingest: chain client required")
	}
	if applier == nil {
		return nil, fmt.Errorf("ingest: applier required")
	}
	ing := &Ingestor{
		store:       st,
		chain:       ch,
		applier:     applier,
		logger:      slog.Default(),
		batchBlocks: defaultBatchBlocks,
		rewindDepth: 12,
		workers:     defaultWorkers,
		now:         time.Now,
		replay:      newReplayQueue(defaultReplayCapacity, defaultReplayTTL),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing, nil
}

// Backlog reports how many events are parked waiting for their intent.
func (ing *Ingestor) Backlog() int { return ing.replay.len() }

// Tick processes one batch of finalized blocks: verify the cursor is still
// canonical, fetch and apply the next range, advance the cursor, then retry
// parked events. Any error leaves the cursor where it was; the next tick
// repeats the range and the processed-event table swallows the replays.
func (ing *Ingestor) Tick(ctx context.Context) error {
	watermark, err := ing.verifiedWatermark(ctx)
	if err != nil {
		return err
	}

	head, err := ing.chain.FinalizedBlock(ctx)
	if err != nil {
		return fmt.Errorf("finalized block: %w", err)
	}
	if head <= watermark {
		ing.drainReplay(ctx)
		return nil
	}

	from := watermark + 1
	to := head
	if to-from+1 > ing.batchBlocks {
		to = from + ing.batchBlocks - 1
	}

	events, err := ing.chain.EscrowLogs(ctx, from, to)
	if err != nil {
		return fmt.Errorf("escrow logs %d-%d: %w", from, to, err)
	}
	if err := ing.applyBatch(ctx, events); err != nil {
		return err
	}

	hash, err := ing.chain.HeaderHashAt(ctx, to)
	if err != nil {
		return fmt.Errorf("header %d: %w", to, err)
	}
	if err := ing.store.SetCursor(ctx, to, hash); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	observability.Ingest().SetCursor(to)
	if len(events) > 0 {
		ing.logger.Debug("applied escrow events",
			"events", len(events), "from", from, "to", to)
	}

	ing.drainReplay(ctx)
	return nil
}

// verifiedWatermark loads the cursor and checks its hash is still canonical.
// A mismatch means the finalized view reorganised under us; the cursor is
// rewound so the range is rescanned.
func (ing *Ingestor) verifiedWatermark(ctx context.Context) (uint64, error) {
	block, hash, err := ing.store.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	if hash == "" {
		return ing.startBlock, nil
	}
	onChain, err := ing.chain.HeaderHashAt(ctx, block)
	if err != nil {
		return 0, fmt.Errorf("verify cursor: %w", err)
	}
	if onChain == hash {
		return block, nil
	}

	rewound := ing.startBlock
	if block > ing.rewindDepth && block-ing.rewindDepth > ing.startBlock {
		rewound = block - ing.rewindDepth
	}
	rewoundHash, err := ing.chain.HeaderHashAt(ctx, rewound)
	if err != nil {
		return 0, fmt.Errorf("rewind header %d: %w", rewound, err)
	}
	if err := ing.store.SetCursor(ctx, rewound, rewoundHash); err != nil {
		return 0, fmt.Errorf("rewind cursor: %w", err)
	}
	observability.Ingest().RecordReorg()
	observability.Ingest().SetCursor(rewound)
	ing.logger.Warn("cursor block reorganised, rewinding",
		"block", block, "stored_hash", hash, "chain_hash", onChain, "rewound_to", rewound)
	return rewound, nil
}

// applyBatch fans events out to workers sharded by payment id. EscrowLogs
// returns events in (block, log index) order and each shard keeps that order,
// so two events for one payment are never applied concurrently or swapped.
func (ing *Ingestor) applyBatch(ctx context.Context, events []chain.Event) error {
	if len(events) == 0 {
		return nil
	}
	shards := make([][]chain.Event, ing.workers)
	for _, ev := range events {
		slot := int(ev.PaymentID % uint64(ing.workers))
		shards[slot] = append(shards[slot], ev)
	}

	var wg sync.WaitGroup
	errs := make([]error, ing.workers)
	for slot, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		wg.Add(1)
		go func(slot int, shard []chain.Event) {
			defer wg.Done()
			for _, ev := range shard {
				if err := ing.apply(ctx, ev); err != nil {
					errs[slot] = err
					return
				}
			}
		}(slot, shard)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingestor) apply(ctx context.Context, ev chain.Event) error {
	err := ing.applier.OnChainEvent(ctx, ev)
	switch {
	case err == nil:
		observability.Ingest().RecordEvent(string(ev.Kind))
		return nil
	case errors.Is(err, engine.ErrUnknownPayment):
		ing.park(ev)
		return nil
	default:
		return fmt.Errorf("apply %s payment %d block %d: %w", ev.Kind, ev.PaymentID, ev.BlockNumber, err)
	}
}

func (ing *Ingestor) park(ev chain.Event) {
	if ing.replay.push(ev, ing.now()) {
		observability.Ingest().RecordDeferred()
		ing.logger.Debug("parked event for unknown payment",
			"event", string(ev.Kind), "payment_id", ev.PaymentID, "block", ev.BlockNumber)
		return
	}
	observability.Ingest().RecordDropped()
	ing.logger.Error("replay queue full, dropping event",
		"event", string(ev.Kind), "payment_id", ev.PaymentID, "block", ev.BlockNumber)
}

// drainReplay retries parked events in enqueue order. Events that resolve are
// applied normally; events still unknown go back with their original park
// time so they eventually age out.
func (ing *Ingestor) drainReplay(ctx context.Context) {
	alive, expired := ing.replay.take(ing.now())
	for _, ev := range expired {
		observability.Ingest().RecordDropped()
		ing.logger.Error("parked event expired without its intent",
			"event", string(ev.Kind), "payment_id", ev.PaymentID, "block", ev.BlockNumber)
	}
	for _, entry := range alive {
		err := ing.applier.OnChainEvent(ctx, entry.ev)
		switch {
		case err == nil:
			observability.Ingest().RecordEvent(string(entry.ev.Kind))
		case errors.Is(err, engine.ErrUnknownPayment):
			if !ing.replay.requeue(entry) {
				observability.Ingest().RecordDropped()
				ing.logger.Error("replay queue full, dropping event",
					"event", string(entry.ev.Kind), "payment_id", entry.ev.PaymentID)
			}
		default:
			ing.logger.Error("replaying parked event failed",
				"event", string(entry.ev.Kind), "payment_id", entry.ev.PaymentID, "error", err)
			if !ing.replay.requeue(entry) {
				observability.Ingest().RecordDropped()
			}
		}
	}
}
