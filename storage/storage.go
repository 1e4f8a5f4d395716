// Package storage persists the node's secret key-share blob. The blob store
// is keyed by the node's account id and holds the JSON form of
// PersistentNodeData.
package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/kisdex/mpc-node/protocol"
)

// Options selects and configures a storage backend on the CLI.
type Options struct {
	// Path of the bbolt database file. Empty selects the in-memory store.
	Path string `toml:"path"`
}

// New builds the storage backend for the given options.
func New(opts Options, nodeAccountID string) (protocol.SecretNodeStorage, error) {
	if opts.Path == "" {
		return NewMemoryStorage(), nil
	}
	return NewBoltStorage(opts.Path, nodeAccountID)
}

// MemoryStorage keeps the blob in process memory. Useful for tests and
// throwaway deployments; a restart loses the share.
type MemoryStorage struct {
	mu   sync.Mutex
	blob []byte
}

// NewMemoryStorage constructs an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Store implements protocol.SecretNodeStorage.
func (s *MemoryStorage) Store(_ context.Context, data *protocol.PersistentNodeData) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding node data")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = blob
	return nil
}

// Load implements protocol.SecretNodeStorage.
func (s *MemoryStorage) Load(_ context.Context) (*protocol.PersistentNodeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blob == nil {
		return nil, nil
	}
	data := new(protocol.PersistentNodeData)
	if err := json.Unmarshal(s.blob, data); err != nil {
		return nil, errors.Wrap(err, "decoding node data")
	}
	return data, nil
}

var shareBucket = []byte("node_shares")

// BoltStorage keeps the blob in a bbolt database file.
type BoltStorage struct {
	db  *bolt.DB
	key []byte
}

// NewBoltStorage opens (or creates) the database at path.
func NewBoltStorage(path, nodeAccountID string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening storage at %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(shareBucket)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "creating storage bucket")
	}
	return &BoltStorage{db: db, key: []byte(nodeAccountID)}, nil
}

// Store implements protocol.SecretNodeStorage.
func (s *BoltStorage) Store(_ context.Context, data *protocol.PersistentNodeData) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding node data")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shareBucket).Put(s.key, blob)
	})
}

// Load implements protocol.SecretNodeStorage.
func (s *BoltStorage) Load(_ context.Context) (*protocol.PersistentNodeData, error) {
	var blob []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(shareBucket).Get(s.key); v != nil {
			blob = make([]byte, len(v))
			copy(blob, v)
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "reading node data")
	}
	if blob == nil {
		return nil, nil
	}
	data := new(protocol.PersistentNodeData)
	if err := json.Unmarshal(blob, data); err != nil {
		return nil, errors.Wrap(err, "decoding node data")
	}
	return data, nil
}

// Close releases the underlying database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
