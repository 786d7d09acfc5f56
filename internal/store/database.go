package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	counterBucketName    = "counter"
	attachmentBucketName = "attachments"
	lastNumberKey        = "last_no"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// DB defines the interface for local state operations
type DB interface {
	// Update runs fn against the stored document counter in one transaction
	Update(fn func(current string, exists bool) (string, error)) error

	// SaveAttachment records a processed attachment
	SaveAttachment(attachment *Attachment) error

	// GetAttachment retrieves a processed attachment by content hash
	GetAttachment(id string) (*Attachment, error)

	// ListAttachments returns all processed attachments, newest first
	ListAttachments() ([]*Attachment, error)

	// DeleteAttachment forgets a processed attachment so it can be reprocessed
	DeleteAttachment(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB. The file lock held by
// bbolt keeps a second process from opening the same store.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(counterBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(attachmentBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Update reads the counter, passes it to fn and stores the result. If fn
// fails nothing is written.
func (b *BoltDB) Update(fn func(current string, exists bool) (string, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(counterBucketName))
		data := bucket.Get([]byte(lastNumberKey))
		next, err := fn(string(data), data != nil)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(lastNumberKey), []byte(next))
	})
}

// SaveAttachment records a processed attachment
func (b *BoltDB) SaveAttachment(attachment *Attachment) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucketName))
		data, err := json.Marshal(attachment)
		if err != nil {
			return fmt.Errorf("marshaling attachment: %w", err)
		}
		return bucket.Put([]byte(attachment.ID), data)
	})
}

// GetAttachment retrieves a processed attachment by content hash
func (b *BoltDB) GetAttachment(id string) (*Attachment, error) {
	var attachment *Attachment
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("attachment %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &attachment)
	})
	if err != nil {
		return nil, err
	}
	return attachment, nil
}

// ListAttachments returns all processed attachments, newest first
func (b *BoltDB) ListAttachments() ([]*Attachment, error) {
	attachments := make([]*Attachment, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var attachment Attachment
			if err := json.Unmarshal(v, &attachment); err != nil {
				return fmt.Errorf("unmarshaling attachment: %w", err)
			}
			attachments = append(attachments, &attachment)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(attachments, func(i, j int) bool {
		return attachments[i].ProcessedAt.After(attachments[j].ProcessedAt)
	})
	return attachments, nil
}

// DeleteAttachment forgets a processed attachment
func (b *BoltDB) DeleteAttachment(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(attachmentBucketName))
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
