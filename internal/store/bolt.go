// Package store supplies the default persistence adapter for parameter
// maps: one bbolt bucket holding the flat key/value set.
package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const defaultBucket = "parameters"

// Bolt persists a flat string map in a single-bucket bbolt database. It
// satisfies params.SyncTarget.
type Bolt struct {
	path   string
	bucket []byte
}

// OpenBolt prepares an adapter writing to the database file at path. The
// parent directory is created if needed; the database itself is opened per
// operation so multiple adapters can share one file sequentially.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create state directory")
	}
	return &Bolt{path: path, bucket: []byte(defaultBucket)}, nil
}

func (b *Bolt) open() (*bolt.DB, error) {
	db, err := bolt.Open(b.path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open state database")
	}
	return db, nil
}

// LoadAll reads the entire key/value set. A missing database or bucket
// yields an empty map.
func (b *Bolt) LoadAll() (map[string]string, error) {
	if _, err := os.Stat(b.path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}

	db, err := b.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	values := make(map[string]string)
	err = db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			values[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load parameters")
	}
	return values, nil
}

// SaveAll replaces the stored key/value set with values.
func (b *Bolt) SaveAll(values map[string]string) error {
	db, err := b.open()
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(b.bucket) != nil {
			if err := tx.DeleteBucket(b.bucket); err != nil {
				return err
			}
		}
		bkt, err := tx.CreateBucket(b.bucket)
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := bkt.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "save parameters")
}

// Path returns the database file path.
func (b *Bolt) Path() string {
	return b.path
}

// Delete removes the database file entirely.
func (b *Bolt) Delete() error {
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete state database")
	}
	return nil
}
