package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const entryPrefix = "entity:"

func entryKey(key string) []byte { return []byte(entryPrefix + key) }

// BadgerStore is a Store persisted in BadgerDB. Entries are JSON encoded
// under the "entity:" prefix.
type BadgerStore struct {
	db *badgerdb.DB
}

// OpenBadgerStore opens the database at path, or an in-memory database when
// path is empty.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("expiry: open badger store %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("expiry: encode entry %q: %w", e.Key, err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(entryKey(e.Key), data)
	})
}

func (s *BadgerStore) Get(ctx context.Context, key string, now time.Time) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return Entry{}, err
	}
	if e.Expired(now) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *BadgerStore) List(ctx context.Context, now time.Time) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := s.scan(func(e Entry) error {
		if !e.Expired(now) {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(entryKey(key)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(entryKey(key))
	})
}

func (s *BadgerStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var purged []string
	err := s.scan(func(e Entry) error {
		if e.Expired(now) {
			purged = append(purged, e.Key)
		}
		return nil
	})
	if err != nil || len(purged) == 0 {
		return nil, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range purged {
		if err := wb.Delete(entryKey(key)); err != nil {
			return nil, fmt.Errorf("expiry: purge %q: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return nil, fmt.Errorf("expiry: flush purge: %w", err)
	}
	return purged, nil
}

// scan visits entries in key order.
func (s *BadgerStore) scan(fn func(Entry) error) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		prefix := []byte(entryPrefix)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("expiry: decode %q: %w", it.Item().Key(), err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
