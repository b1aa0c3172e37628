package meta

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ErrMalformedRecord is returned by the stores when a persisted entry cannot
// be decoded on load.
var ErrMalformedRecord = errors.New("malformed record")

// Channel names one kind of per-deck state.
type Channel string

const (
	Records   Channel = "records"
	Boxes     Channel = "boxes"
	Baselines Channel = "baselines"
)

type Entry struct {
	Key   []byte
	Value []byte
}

type Storage interface {
	Write(deckKey string, ch Channel, entries []Entry) error
	Append(deckKey string, ch Channel, values [][]byte) error
	Read(deckKey string, ch Channel) ([]Entry, bool, error)
	Delete(deckKey string, ch Channel) error
	Decks() ([]string, error)
	Close() error
}

// StorageImpl keeps one top-level bucket per deck and one nested bucket per
// channel inside it.
type StorageImpl struct {
	db *bolt.DB
}

func Connect(dbPath string) (*StorageImpl, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open meta db")
	}
	return &StorageImpl{db}, nil
}

func (s *StorageImpl) Close() error {
	return s.db.Close()
}

// SequenceKey encodes n so that byte order matches numeric order.
func SequenceKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func (s *StorageImpl) Write(deckKey string, ch Channel, entries []Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		deck, err := tx.CreateBucketIfNotExists([]byte(deckKey))
		if err != nil {
			return errors.Wrapf(err, "create bucket for deck %q", deckKey)
		}
		if deck.Bucket([]byte(ch)) != nil {
			if err := deck.DeleteBucket([]byte(ch)); err != nil {
				return errors.Wrapf(err, "drop %s of deck %q", ch, deckKey)
			}
		}
		b, err := deck.CreateBucket([]byte(ch))
		if err != nil {
			return errors.Wrapf(err, "create %s of deck %q", ch, deckKey)
		}
		var seq uint64
		for _, e := range entries {
			if err := b.Put(e.Key, e.Value); err != nil {
				return errors.Wrapf(err, "put %s entry %x of deck %q", ch, e.Key, deckKey)
			}
			if len(e.Key) == 8 {
				if n := binary.BigEndian.Uint64(e.Key); n > seq {
					seq = n
				}
			}
		}
		return b.SetSequence(seq)
	})
}

func (s *StorageImpl) Append(deckKey string, ch Channel, values [][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		deck, err := tx.CreateBucketIfNotExists([]byte(deckKey))
		if err != nil {
			return errors.Wrapf(err, "create bucket for deck %q", deckKey)
		}
		b, err := deck.CreateBucketIfNotExists([]byte(ch))
		if err != nil {
			return errors.Wrapf(err, "create %s of deck %q", ch, deckKey)
		}
		for _, v := range values {
			n, err := b.NextSequence()
			if err != nil {
				return errors.Wrapf(err, "next %s sequence of deck %q", ch, deckKey)
			}
			if err := b.Put(SequenceKey(n), v); err != nil {
				return errors.Wrapf(err, "append to %s of deck %q", ch, deckKey)
			}
		}
		return nil
	})
}

func (s *StorageImpl) Read(deckKey string, ch Channel) ([]Entry, bool, error) {
	var entries []Entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		deck := tx.Bucket([]byte(deckKey))
		if deck == nil {
			return nil
		}
		b := deck.Bucket([]byte(ch))
		if b == nil {
			return nil
		}
		found = true
		return b.ForEach(func(k, v []byte) error {
			// bolt memory is only valid inside the transaction
			entries = append(entries, Entry{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s of deck %q", ch, deckKey)
	}
	return entries, found, nil
}

func (s *StorageImpl) Delete(deckKey string, ch Channel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		deck := tx.Bucket([]byte(deckKey))
		if deck == nil {
			return nil
		}
		if deck.Bucket([]byte(ch)) != nil {
			if err := deck.DeleteBucket([]byte(ch)); err != nil {
				return errors.Wrapf(err, "delete %s of deck %q", ch, deckKey)
			}
		}
		k, _ := deck.Cursor().First()
		if k == nil {
			return tx.DeleteBucket([]byte(deckKey))
		}
		return nil
	})
}

// Decks lists the keys of every deck that has persisted state.
func (s *StorageImpl) Decks() ([]string, error) {
	var decks []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			decks = append(decks, string(name))
			return nil
		})
	})
	return decks, err
}
