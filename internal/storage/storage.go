// Package storage provides an optional persistent audit log of scored flows
// for the cyber IDS inference service. It uses BoltDB as the underlying
// engine and keeps one record per scored flow so predictions can later be
// exported for analysis or retraining against ground truth.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const predictionsBucket = "predictions" // Bucket name for scored flow records

// PredictionRecord is one audited scoring outcome.
type PredictionRecord struct {
	ModelVersion string             `json:"model_version"`
	Probability  float64            `json:"probability"`
	Label        int                `json:"label"`
	Threshold    float64            `json:"threshold"`
	Features     map[string]float64 `json:"features,omitempty"`
	Ts           time.Time          `json:"ts"`
}

// Store provides persistent storage for prediction audit records.
type Store struct {
	db *bbolt.DB
}

// New creates a new storage instance rooted at the given data path.
// Returns an error if the database cannot be opened or the bucket cannot
// be created.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "cyberids-audit.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StorePrediction appends one scored flow. Records are keyed by
// "version_timestamp" so time-range exports per model version stay cheap.
// Keys carry a sequence suffix to keep same-nanosecond writes distinct.
func (s *Store) StorePrediction(rec PredictionRecord) error {
	if rec.Ts.IsZero() {
		rec.Ts = time.Now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		key := fmt.Sprintf("%s_%020d_%d", rec.ModelVersion, rec.Ts.UnixNano(), seq)
		return b.Put([]byte(key), data)
	})
}

// GetPredictions retrieves audit records for a model version within a time
// range, inclusive of both ends, ordered by timestamp.
func (s *Store) GetPredictions(version string, start, end time.Time) ([]PredictionRecord, error) {
	var records []PredictionRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))
		c := b.Cursor()

		prefix := []byte(version + "_")
		startKey := []byte(fmt.Sprintf("%s_%020d", version, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%020d_~", version, end.UnixNano()))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}

			var rec PredictionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}

		return nil
	})

	return records, err
}

// Count returns the total number of audit records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(predictionsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
