// Package store keeps out of band injected state on disk across restarts.
package store

import (
	"github.com/RoanBrand/gobridge/internal/connmgr"
	"github.com/dgraph-io/badger"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("store: not found")

var credsPrefix = []byte("creds/")

var encMode cbor.EncMode

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

type Store struct {
	db *badger.DB
}

func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions
	opts.Dir, opts.ValueDir = dir, dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func credsKey(name string) []byte {
	key := make([]byte, 0, len(credsPrefix)+len(name))
	key = append(key, credsPrefix...)
	return append(key, name...)
}

// SaveCredentials stores c under name, replacing what was there.
func (s *Store) SaveCredentials(name string, c *connmgr.Credentials) error {
	if c == nil {
		return errors.New("store: nil credentials")
	}
	val, err := encMode.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credsKey(name), val)
	})
}

func (s *Store) LoadCredentials(name string) (*connmgr.Credentials, error) {
	var c connmgr.Credentials
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credsKey(name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}

		return cbor.Unmarshal(val, &c)
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// DeleteCredentials is not an error for unknown names.
func (s *Store) DeleteCredentials(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(credsKey(name))
	})
}

// Names lists stored credential names in key order.
func (s *Store) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(credsPrefix); it.ValidForPrefix(credsPrefix); it.Next() {
			k := it.Item().Key()
			names = append(names, string(k[len(credsPrefix):]))
		}
		return nil
	})

	return names, err
}
