// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package racer

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const failuresBucket = "route_failures"

// History remembers when routes last failed.
type History interface {
	// Failed records a failure of the route identified by key.
	Failed(key string, at time.Time) error

	// Succeeded forgets the failures of key.
	Succeeded(key string) error

	// LastFailure returns the time of the last recorded failure of key.
	LastFailure(key string) (time.Time, bool)

	// Reset forgets everything.
	Reset() error

	// Close releases any resources held by the History.
	Close() error
}

type memHistory struct {
	sync.RWMutex

	failures map[string]time.Time
}

// NewMemoryHistory returns a History that lives as long as the process.
func NewMemoryHistory() History {
	return &memHistory{failures: make(map[string]time.Time)}
}

func (h *memHistory) Failed(key string, at time.Time) error {
	h.Lock()
	defer h.Unlock()
	h.failures[key] = at
	return nil
}

func (h *memHistory) Succeeded(key string) error {
	h.Lock()
	defer h.Unlock()
	delete(h.failures, key)
	return nil
}

func (h *memHistory) LastFailure(key string) (time.Time, bool) {
	h.RLock()
	defer h.RUnlock()
	t, ok := h.failures[key]
	return t, ok
}

func (h *memHistory) Reset() error {
	h.Lock()
	defer h.Unlock()
	h.failures = make(map[string]time.Time)
	return nil
}

func (h *memHistory) Close() error {
	return nil
}

type boltHistory struct {
	db *bolt.DB
}

// NewBoltHistory returns a History persisted in the bolt database at path.
func NewBoltHistory(path string) (History, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(failuresBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltHistory{db: db}, nil
}

func (h *boltHistory) Failed(key string, at time.Time) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(at.UnixNano()))
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(failuresBucket)).Put([]byte(key), v[:])
	})
}

func (h *boltHistory) Succeeded(key string) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(failuresBucket)).Delete([]byte(key))
	})
}

func (h *boltHistory) LastFailure(key string) (time.Time, bool) {
	var (
		t  time.Time
		ok bool
	)
	h.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(failuresBucket)).Get([]byte(key))
		if len(v) != 8 {
			return nil
		}
		t = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		ok = true
		return nil
	})
	return t, ok
}

func (h *boltHistory) Reset() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(failuresBucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(failuresBucket))
		return err
	})
}

func (h *boltHistory) Close() error {
	return h.db.Close()
}
