// Package storage provides persistent data storage for the trading bot.
// It uses BoltDB as the underlying engine to keep candle history and the
// record of every trade decision, so indicator state can be rebuilt after a
// restart and past decisions can be audited.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"deepseek-bot/internal/indicators"
)

const (
	barsBucket      = "bars"
	decisionsBucket = "decisions"
)

// Decision records one completed analysis cycle and what was done about it.
type Decision struct {
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Confidence string    `json:"confidence"`
	Reason     string    `json:"reason"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"qty"`
	GroupID    string    `json:"groupId,omitempty"`
	Ts         time.Time `json:"ts"`
}

// Store provides persistent storage using BoltDB. Keys are
// "symbol_unixnano" so range scans over a symbol's history stay cheap.
type Store struct {
	db *bbolt.DB
}

// New opens the database under dataPath and creates the buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "dstrader-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(barsBucket)); err != nil {
			return fmt.Errorf("create bars bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(decisionsBucket)); err != nil {
			return fmt.Errorf("create decisions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StoreBar persists one candle under "symbol_unixnano".
func (s *Store) StoreBar(bar indicators.Bar) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(barsBucket))

		data, err := json.Marshal(bar)
		if err != nil {
			return fmt.Errorf("marshal bar: %w", err)
		}

		key := fmt.Sprintf("%s_%d", bar.Symbol, bar.Ts.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// StoreDecision persists one decision record.
func (s *Store) StoreDecision(d Decision) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(decisionsBucket))

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal decision: %w", err)
		}

		key := fmt.Sprintf("%s_%d", d.Symbol, d.Ts.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// GetBars retrieves candles for a symbol within [start, end], ordered by
// timestamp. Malformed records are skipped.
func (s *Store) GetBars(symbol string, start, end time.Time) ([]indicators.Bar, error) {
	var bars []indicators.Bar
	err := s.scanRange(barsBucket, symbol, start, end, func(v []byte) {
		var bar indicators.Bar
		if json.Unmarshal(v, &bar) == nil {
			bars = append(bars, bar)
		}
	})
	return bars, err
}

// GetDecisions retrieves decision records for a symbol within [start, end].
func (s *Store) GetDecisions(symbol string, start, end time.Time) ([]Decision, error) {
	var out []Decision
	err := s.scanRange(decisionsBucket, symbol, start, end, func(v []byte) {
		var d Decision
		if json.Unmarshal(v, &d) == nil {
			out = append(out, d)
		}
	})
	return out, err
}

// scanRange walks a bucket's keys between the symbol's start and end
// timestamps with a cursor seek.
func (s *Store) scanRange(bucketName, symbol string, start, end time.Time, visit func([]byte)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		c := b.Cursor()

		prefix := []byte(symbol + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", symbol, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%d", symbol, end.UnixNano()))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			visit(v)
		}
		return nil
	})
}
