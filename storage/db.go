// Package storage provides the on-device key-value store backing the
// encrypted keystore. Values stored here are already sealed; this layer only
// persists opaque blobs.
package storage

import (
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

type Config struct {
	Path string
	// InMemory runs badger without a value log on disk; used by tests.
	InMemory bool
}

type Storage interface {
	Close() error

	Exist(key []byte) (bool, error)
	GetKey(key []byte) ([]byte, error)
	ListKeys(prefix string) ([]string, error)

	Set(key, value []byte) error
	Delete(key []byte) error
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

type BadgerStorage struct {
	db *badger.DB
}

// NewWithPath opens a store at the given path with synchronous writes; key
// material must survive process death.
func NewWithPath(path string) (Storage, error) {
	return New(&Config{Path: path})
}

// New opens a store with the given config.
func New(c *Config) (Storage, error) {
	opts := badger.DefaultOptions(c.Path).WithSyncWrites(true)
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStorage{db: db}, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStorage) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStorage) Exist(key []byte) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *BadgerStorage) GetKey(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	return value, err
}

func (s *BadgerStorage) ListKeys(prefix string) ([]string, error) {
	var keys []string

	if strings.HasSuffix(prefix, "*") {
		prefix = prefix[:len(prefix)-1]
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}
