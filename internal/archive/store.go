package archive

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// ErrFragmentNotFound reports a read for a (session, position) pair that was
// never archived.
var ErrFragmentNotFound = errors.New("archive: fragment not found")

// Store persists replicated fragments in a BadgerDB keyed by publication
// session and begin position. Writes are synced to disk before Put returns,
// so a position acknowledged to the leader survives a crash.
type Store struct {
	db *badger.DB
}

// OpenStore opens or creates the fragment store under dir.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // disable internal logging
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening fragment store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// key format: sessionID:begin, zero padded so byte order matches numeric order
func formatKey(sessionID int32, begin int64) []byte {
	return []byte(fmt.Sprintf("%010d:%020d", sessionID, begin))
}

func parseKey(key []byte) (sessionID int32, begin int64, err error) {
	_, err = fmt.Sscanf(string(key), "%d:%d", &sessionID, &begin)
	return sessionID, begin, err
}

// value layout: 4 byte big endian stream id, then the raw payload
func encodeValue(streamID int32, payload []byte) []byte {
	value := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(value, uint32(streamID))
	copy(value[4:], payload)
	return value
}

func decodeValue(value []byte) (streamID int32, payload []byte, err error) {
	if len(value) < 4 {
		return 0, nil, fmt.Errorf("archive: value truncated at %d bytes", len(value))
	}
	return int32(binary.BigEndian.Uint32(value)), value[4:], nil
}

// Put stores one complete fragment. Re-writing the same (session, begin) pair
// is idempotent, which covers replays after a transport rewind.
func (s *Store) Put(sessionID int32, begin int64, streamID int32, payload []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(formatKey(sessionID, begin), encodeValue(streamID, payload))
	})
}

// Get returns the fragment that begins at the given position, or
// ErrFragmentNotFound.
func (s *Store) Get(sessionID int32, begin int64) (streamID int32, payload []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(formatKey(sessionID, begin))
		if err == badger.ErrKeyNotFound {
			return ErrFragmentNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			streamID, payload, err = decodeValue(value)
			return err
		})
	})
	if err != nil {
		return 0, nil, err
	}
	return streamID, payload, nil
}

// Scan walks every stored fragment in key order and reports its coordinates
// and payload length. Used to rebuild the in-memory index after a restart.
func (s *Store) Scan(fn func(sessionID int32, begin int64, length int32) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			sessionID, begin, err := parseKey(item.Key())
			if err != nil {
				return err
			}
			var length int32
			err = item.Value(func(v []byte) error {
				if len(v) < 4 {
					return fmt.Errorf("archive: value truncated at %d bytes", len(v))
				}
				length = int32(len(v) - 4)
				return nil
			})
			if err != nil {
				return err
			}
			if err := fn(sessionID, begin, length); err != nil {
				return err
			}
		}
		return nil
	})
}
