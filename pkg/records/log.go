// Package records keeps the ordered history of review attempts of one deck.
package records

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"fluent/pkg/meta"

	"github.com/pkg/errors"
)

// Record is one review attempt. Records refer to cards by key only.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	CardKey   string    `json:"card_key"`
	Duration  float64   `json:"duration"` // seconds, one decimal
	Success   bool      `json:"success"`
}

// Log holds the records of a deck ordered by timestamp, ties kept in
// insertion order.
type Log struct {
	deckKey string
	storage meta.Storage
	now     func() time.Time

	records []Record
	// records[flushed:] have not been written yet
	flushed int
	// set by edits that redistribute history; the next flush rewrites
	rewrite bool
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New returns an empty log that is not backed by storage.
func New(deckKey string, opts ...Option) *Log {
	l := &Log{deckKey: deckKey, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open loads the deck's records from storage.
func Open(storage meta.Storage, deckKey string, opts ...Option) (*Log, error) {
	l := New(deckKey, opts...)
	l.storage = storage
	entries, _, err := storage.Read(deckKey, meta.Records)
	if err != nil {
		return nil, errors.Wrapf(err, "load records of deck %q", deckKey)
	}
	for _, e := range entries {
		r, err := decode(e.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "records of deck %q, entry %x", deckKey, e.Key)
		}
		l.records = append(l.records, r)
	}
	sort.SliceStable(l.records, func(i, j int) bool {
		return l.records[i].Timestamp.Before(l.records[j].Timestamp)
	})
	l.flushed = len(l.records)
	return l, nil
}

func decode(raw []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, errors.Wrap(meta.ErrMalformedRecord, err.Error())
	}
	switch {
	case r.CardKey == "":
		return r, errors.Wrap(meta.ErrMalformedRecord, "missing card key")
	case r.Timestamp.IsZero():
		return r, errors.Wrap(meta.ErrMalformedRecord, "missing timestamp")
	case r.Duration < 0 || math.IsNaN(r.Duration):
		return r, errors.Wrapf(meta.ErrMalformedRecord, "invalid duration %v", r.Duration)
	}
	return r, nil
}

func Round(seconds float64) float64 {
	return math.Round(seconds*10) / 10
}

// Append records an attempt at the current time, truncated to the second.
// The timestamp never precedes the last record's.
func (l *Log) Append(cardKey string, duration float64, success bool) Record {
	ts := l.now().Truncate(time.Second)
	if n := len(l.records); n > 0 && ts.Before(l.records[n-1].Timestamp) {
		ts = l.records[n-1].Timestamp
	}
	r := Record{Timestamp: ts, CardKey: cardKey, Duration: Round(duration), Success: success}
	l.records = append(l.records, r)
	return r
}

// Import merges records from elsewhere and restores timestamp order.
func (l *Log) Import(records []Record) {
	if len(records) == 0 {
		return
	}
	l.records = append(l.records, records...)
	sort.SliceStable(l.records, func(i, j int) bool {
		return l.records[i].Timestamp.Before(l.records[j].Timestamp)
	})
	l.rewrite = true
}

// All returns a copy of every record in order.
func (l *Log) All() []Record {
	return append([]Record(nil), l.records...)
}

func (l *Log) Len() int {
	return len(l.records)
}

// ForCards returns, in order, the records of the given cards.
func (l *Log) ForCards(cardKeys ...string) []Record {
	keep := keySet(cardKeys)
	var out []Record
	for _, r := range l.records {
		if keep[r.CardKey] {
			out = append(out, r)
		}
	}
	return out
}

func (l *Log) RemoveForCards(cardKeys ...string) {
	drop := keySet(cardKeys)
	kept := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if !drop[r.CardKey] {
			kept = append(kept, r)
		}
	}
	if len(kept) != len(l.records) {
		l.rewrite = true
	}
	l.records = kept
}

// MarkRewrite makes the next Flush write the whole log.
func (l *Log) MarkRewrite() {
	l.rewrite = true
}

// Flush writes records created since the last flush, or the whole log after
// a structural edit.
func (l *Log) Flush() error {
	if l.rewrite {
		return l.Rewrite()
	}
	if l.storage == nil || l.flushed == len(l.records) {
		return nil
	}
	values := make([][]byte, 0, len(l.records)-l.flushed)
	for _, r := range l.records[l.flushed:] {
		raw, err := json.Marshal(r)
		if err != nil {
			return errors.Wrapf(err, "encode record of card %q", r.CardKey)
		}
		values = append(values, raw)
	}
	if err := l.storage.Append(l.deckKey, meta.Records, values); err != nil {
		return errors.Wrapf(err, "flush records of deck %q", l.deckKey)
	}
	l.flushed = len(l.records)
	return nil
}

func (l *Log) Rewrite() error {
	if l.storage == nil {
		l.rewrite = false
		l.flushed = len(l.records)
		return nil
	}
	entries := make([]meta.Entry, len(l.records))
	for i, r := range l.records {
		raw, err := json.Marshal(r)
		if err != nil {
			return errors.Wrapf(err, "encode record of card %q", r.CardKey)
		}
		entries[i] = meta.Entry{Key: meta.SequenceKey(uint64(i + 1)), Value: raw}
	}
	if err := l.storage.Write(l.deckKey, meta.Records, entries); err != nil {
		return errors.Wrapf(err, "rewrite records of deck %q", l.deckKey)
	}
	l.rewrite = false
	l.flushed = len(l.records)
	return nil
}

// Delete removes the persisted log. The in-memory records are dropped too.
func (l *Log) Delete() error {
	if l.storage != nil {
		if err := l.storage.Delete(l.deckKey, meta.Records); err != nil {
			return errors.Wrapf(err, "delete records of deck %q", l.deckKey)
		}
	}
	l.records = nil
	l.flushed = 0
	l.rewrite = false
	return nil
}

func keySet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
