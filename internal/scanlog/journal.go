// Package scanlog keeps an append-only journal of receipt scan attempts in
// a BoltDB file.
package scanlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "scans"

// Status is the outcome of a scan attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Entry records one scan attempt.
type Entry struct {
	ID         uint64    `json:"id"`
	Filename   string    `json:"filename"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ReceiptID  int64     `json:"receipt_id,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Journal implements scan history storage using BoltDB
type Journal struct {
	db *bbolt.DB
}

// Open opens or creates the journal file at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends an entry, assigning its ID and, when unset, its timestamp.
func (j *Journal) Record(e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating id: %w", err)
		}
		e.ID = seq

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		return bucket.Put(key(seq), data)
	})
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	if limit <= 0 {
		return entries, nil
	}
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

// key encodes seq big-endian so cursor order matches insertion order.
func key(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
