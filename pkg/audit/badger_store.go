package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/polisai/polis-dao/pkg/domain"
)

var badgerRecordPrefix = []byte("audit/")

// BadgerStore persists audit records in an embedded Badger key-value store.
// Keys are audit/<instance>/<big-endian seq>, so iteration within an instance is
// emission order. Badger locks its directory, so one process opens a dir once.
type BadgerStore struct {
	db       *badger.DB
	instance string
}

// NewBadgerStore opens the store in dir. An empty dir keeps everything in memory.
func NewBadgerStore(dir string, opts ...StoreOption) (*BadgerStore, error) {
	o := buildStoreOptions(opts)
	bopts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open audit badger store: %w", err)
	}
	return &BadgerStore{db: db, instance: o.instance}, nil
}

func badgerInstancePrefix(instance string) []byte {
	prefix := make([]byte, 0, len(badgerRecordPrefix)+len(instance)+1)
	prefix = append(prefix, badgerRecordPrefix...)
	prefix = append(prefix, instance...)
	return append(prefix, '/')
}

func badgerKey(instance string, seq uint64) []byte {
	prefix := badgerInstancePrefix(instance)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// prefix is the key range this store reads.
func (s *BadgerStore) prefix() []byte {
	if s.instance == "" {
		return badgerRecordPrefix
	}
	return badgerInstancePrefix(s.instance)
}

// Write stores rec under its instance and sequence number.
func (s *BadgerStore) Write(_ context.Context, rec Record) error {
	if rec.Instance == "" {
		rec.Instance = s.instance
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record %d: %w", rec.Seq, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(rec.Instance, rec.Seq), val)
	})
}

// List returns records grouped by instance in sequence order.
func (s *BadgerStore) List(_ context.Context, offset, limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode audit record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *BadgerStore) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix()
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Get returns the record with sequence number seq in the store's scope.
func (s *BadgerStore) Get(_ context.Context, seq uint64) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(s.instance, seq))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, domain.EntityError(domain.ErrNotFound, "audit.Get", "record", fmt.Sprint(seq), "")
	}
	return rec, err
}

// Close closes the Badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
