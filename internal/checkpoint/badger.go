package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "checkpoint:thread:"

// BadgerStore keeps checkpoints in BadgerDB.
// In-memory mode keeps state for the life of the process only.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a BadgerDB-backed store
func NewBadgerStore(config *Config) (*BadgerStore, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := expandPath(config.Path)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

func threadKey(threadID string) []byte {
	return []byte(keyPrefix + threadID)
}

func (s *BadgerStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	var cp Checkpoint

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(threadKey(threadID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

func (s *BadgerStore) Save(ctx context.Context, cp *Checkpoint) error {
	stored := clone(cp)
	stored.UpdatedAt = time.Now()

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(threadKey(cp.ThreadID), data)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, threadID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(threadKey(threadID))
	})
}

// Threads lists stored thread ids using a key-only prefix scan
func (s *BadgerStore) Threads(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
