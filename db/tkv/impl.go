package tkv

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
)

const BadgerValuesDirName = "values"

type badgerTKV struct {
	logger *slog.Logger
	appCtx context.Context // if this is cancelled we need to prepare to receive Close() [but WE dont call Close() - Owner does]
	store  *badger.DB
}

var _ TKV = &badgerTKV{}

func newBadger(config Config) (*badgerTKV, error) {

	valuesDir := filepath.Join(config.Directory, BadgerValuesDirName)

	if err := os.MkdirAll(valuesDir, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	// Every write is synced so an acknowledged mint or put survives a crash.
	dbOpts := badger.DefaultOptions(valuesDir).
		WithLogger(newLogger(config.Logger.WithGroup("store"), config.BadgerLogLevel)).
		WithSyncWrites(true).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &badgerTKV{
		logger: config.Logger.WithGroup("tkv"),
		appCtx: config.AppCtx,
		store:  db,
	}, nil
}

func (t *badgerTKV) Close() error {
	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	t.logger.Info("store db closed")
	return nil
}

func (t *badgerTKV) Get(region Region, key uint64) ([]byte, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(region, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Region: region, Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *badgerTKV) Set(region Region, key uint64, value []byte) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set(encodeKey(region, key), value); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *badgerTKV) Delete(region Region, key uint64) ([]byte, error) {
	var prior []byte
	err := t.store.Update(func(txn *badger.Txn) error {
		k := encodeKey(region, key)
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Region: region, Key: key}
			}
			return &ErrInternal{Err: err}
		}
		prior, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		if err := txn.Delete(k); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

func (t *badgerTKV) Iterate(region Region, offset int, limit int) ([]Entry, error) {
	entries := []Entry{}
	err := t.store.View(func(txn *badger.Txn) error {
		prefix := []byte{byte(region)}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		collected := 0

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			item := it.Item()
			_, key, ok := decodeKey(item.KeyCopy(nil))
			if !ok {
				t.logger.Warn("Skipping malformed key during iterate", "region", region.String())
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			entries = append(entries, Entry{Key: key, Value: value})
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *badgerTKV) AtomicGet(region Region, key uint64) (uint64, error) {
	value, err := t.Get(region, key)
	if err != nil {
		if IsErrKeyNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return decodeCounter(region, key, value)
}

func (t *badgerTKV) AtomicAdd(region Region, key uint64, delta uint64) (uint64, error) {
	var next uint64
	err := t.store.Update(func(txn *badger.Txn) error {
		k := encodeKey(region, key)
		var current uint64
		item, err := txn.Get(k)
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			current, err = decodeCounter(region, key, raw)
			if err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			current = 0
		default:
			return &ErrInternal{Err: err}
		}
		next = current + delta
		if err := txn.Set(k, encodeCounter(next)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
