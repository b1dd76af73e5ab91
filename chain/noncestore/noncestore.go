// Package noncestore persists the signer's transaction nonce floor so a
// restarted process never reuses a nonce it already broadcast, even when the
// node's pending view lags behind.
package noncestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

const noncePrefix = "nonce:"

// Ledger is a LevelDB backed nonce floor per signer address. The stored value
// is the next nonce to use, never one already consumed.
type Ledger struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens (or creates) the ledger at path.
func Open(path string) (*Ledger, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("noncestore: path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("noncestore: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("noncestore: open: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Floor returns the stored next-nonce for the address. The boolean reports
// whether the address has been seen before.
func (l *Ledger) Floor(addr string) (uint64, bool, error) {
	if l == nil || l.db == nil {
		return 0, false, fmt.Errorf("noncestore: not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.db.Get(key(addr), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("noncestore: load: %w", err)
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("noncestore: corrupt record for %s", addr)
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Record raises the floor to next. Lower values are ignored so replays of an
// older submission cannot roll the ledger back.
func (l *Ledger) Record(addr string, next uint64) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("noncestore: not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := l.db.Get(key(addr), nil)
	if err == nil && len(raw) == 8 && binary.BigEndian.Uint64(raw) >= next {
		return nil
	}
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("noncestore: load: %w", err)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := l.db.Put(key(addr), buf, nil); err != nil {
		return fmt.Errorf("noncestore: store: %w", err)
	}
	return nil
}

func key(addr string) []byte {
	return []byte(noncePrefix + strings.ToLower(strings.TrimSpace(addr)))
}
