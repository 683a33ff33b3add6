// Package statestore persists sealed viewmodel state in a bbolt database.
//
// One entry is kept per ViewID: the latest snapshot saved for that
// capability, the module that produced it and when. Snapshots are stored
// sealed, so the data tag travels with the bytes and a later restore can
// refuse a layout it does not understand.
package statestore

import (
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

const (
	bucketState = "state"
	bucketMeta  = "meta"
	keySchema   = "schema"
	schema      = 1
)

var initDB = map[string]func(*bolt.Tx) error{
	"initialize state table": func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketState))
		return err
	},
	"initialize meta table": func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		if b.Get([]byte(keySchema)) == nil {
			return b.Put([]byte(keySchema), marshalKey(schema))
		}
		return nil
	},
}

// Entry is one persisted snapshot.
type Entry struct {
	View   modrt.ViewID
	Module string
	Tag    version.Tag
	Saved  time.Time
	Sealed []byte
}

// record is the stored form of an Entry.
type record struct {
	Module string `msgpack:"module"`
	Saved  int64  `msgpack:"saved"`
	Sealed []byte `msgpack:"sealed"`
}

// Store is a bbolt-backed snapshot store. It is safe for concurrent use.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseState, errors.KindOpenFailed, err, "open state store "+path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for name, fn := range initDB {
			if err := fn(tx); err != nil {
				return errors.Wrap(errors.PhaseState, errors.KindFailed, err, name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Put stores a sealed snapshot for view, replacing any previous one.
func (s *Store) Put(view modrt.ViewID, module string, sealed []byte) error {
	if _, _, err := version.Open(sealed); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&record{Module: module, Saved: s.now().UnixNano(), Sealed: sealed})
	if err != nil {
		return errors.Wrap(errors.PhaseState, errors.KindInvalidData, err, "encode entry")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketState)).Put(marshalKey(uint64(view)), data)
	})
}

// Get returns the snapshot stored for view.
func (s *Store) Get(view modrt.ViewID) (Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketState)).Get(marshalKey(uint64(view)))
		if v == nil {
			return errors.NotFound(errors.PhaseState, "snapshot for view", view.String())
		}
		var err error
		e, err = decodeEntry(view, v)
		return err
	})
	return e, err
}

// Delete removes the snapshot for view. Deleting a missing entry is not an
// error.
func (s *Store) Delete(view modrt.ViewID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketState)).Delete(marshalKey(uint64(view)))
	})
}

// List returns every entry ordered by ViewID.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketState)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := decodeEntry(modrt.ViewID(unmarshalKey(k)), v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func decodeEntry(view modrt.ViewID, data []byte) (Entry, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return Entry{}, errors.Wrap(errors.PhaseState, errors.KindInvalidData, err, "decode entry "+view.String())
	}
	tag, _, err := version.Open(r.Sealed)
	if err != nil {
		return Entry{}, err
	}
	// bbolt values are only valid inside the transaction.
	sealed := append([]byte(nil), r.Sealed...)
	return Entry{
		View:   view,
		Module: r.Module,
		Tag:    tag,
		Saved:  time.Unix(0, r.Saved),
		Sealed: sealed,
	}, nil
}

func marshalKey(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func unmarshalKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
