package badger

import badgerdb "github.com/dgraph-io/badger/v4"

// putRaw stores bytes under an explicit layout path, bypassing the codec.
func (s *Store) putRaw(path string, data []byte) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(path), data)
	})
}
