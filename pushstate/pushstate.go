// Package pushstate persists the push-state tokens a pusher round-trips
// through its receiver, keyed by account and folder.
package pushstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store keeps one opaque token per account and folder. Get returns "" for
// a folder that has no token yet.
type Store interface {
	Get(account, folder string) (string, error)
	Set(account, folder, state string) error
}

// BoltStore is a Store backed by a bbolt file, one bucket per account.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open push state %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Get(account, folder string) (string, error) {
	var state string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(account))
		if b == nil {
			return nil
		}
		state = string(b.Get([]byte(folder)))
		return nil
	})
	return state, err
}

func (s *BoltStore) Set(account, folder, state string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(account))
		if err != nil {
			return err
		}
		return b.Put([]byte(folder), []byte(state))
	})
}

// Delete drops every token of account.
func (s *BoltStore) Delete(account string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(account)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(account))
	})
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]map[string]string)}
}

func (s *MemoryStore) Get(account, folder string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[account][folder], nil
}

func (s *MemoryStore) Set(account, folder, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[account] == nil {
		s.states[account] = make(map[string]string)
	}
	s.states[account][folder] = state
	return nil
}
