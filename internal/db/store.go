package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("key not found")

type Store struct {
	db *badger.DB
}

// NewStore opens a badger database under dataDir. A nil logger silences
// badger's own logging.
func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil
	if logger != nil {
		opts.Logger = badgerLogger{logger.Named("badger").Sugar()}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	fullKey := namespace + key
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fullKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}

	return value, err
}

func (s *Store) Set(namespace, key string, value []byte) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fullKey), value)
	})
}

func (s *Store) Delete(namespace, key string) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fullKey))
	})
}

func (s *Store) List(namespace, prefix string, limit int) ([]string, error) {
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		fullPrefix := []byte(namespace + prefix)
		count := 0
		for it.Seek(fullPrefix); it.ValidForPrefix(fullPrefix) && (limit <= 0 || count < limit); it.Next() {
			key := string(it.Item().Key())
			keys = append(keys, key[len(namespace):])
			count++
		}

		return nil
	})

	return keys, err
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
