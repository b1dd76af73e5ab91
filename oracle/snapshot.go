package oracle

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRates = []byte("rates")

// Snapshot persists accepted quotes to a Bolt database so a restarted process
// can serve rates before its first refresh completes. Staleness is still
// enforced by the service, so a long-dead snapshot is loaded but never served.
type Snapshot struct {
	db *bolt.DB
}

type snapshotRecord struct {
	Rate    string    `json:"rate"`
	TakenAt time.Time `json:"takenAt"`
	Source  string    `json:"source"`
}

// OpenSnapshot initialises (and migrates) the Bolt-backed snapshot at path.
func OpenSnapshot(path string) (*Snapshot, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRates)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Snapshot{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Snapshot) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes the quote for the given pair key, replacing any prior value.
func (s *Snapshot) Save(key string, q Quote) error {
	if q.Rate == nil {
		return fmt.Errorf("oracle snapshot: rate required")
	}
	encoded, err := json.Marshal(snapshotRecord{
		Rate:    q.Rate.FloatString(18),
		TakenAt: q.TakenAt.UTC(),
		Source:  q.Source,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRates).Put([]byte(key), encoded)
	})
}

// Load returns every stored quote keyed by pair. Records that fail to parse
// are skipped rather than failing the whole load.
func (s *Snapshot) Load() (map[string]Quote, error) {
	out := make(map[string]Quote)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRates).ForEach(func(k, v []byte) error {
			var rec snapshotRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			rat, ok := new(big.Rat).SetString(rec.Rate)
			if !ok || rat.Sign() <= 0 {
				return nil
			}
			out[string(k)] = Quote{Rate: rat, TakenAt: rec.TakenAt, Source: rec.Source}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
