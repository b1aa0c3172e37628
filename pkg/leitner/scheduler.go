// Package leitner assigns cards to repetition boxes. Each box maps to an
// entry of a fixed interval table; unseen cards sit in box 0.
package leitner

import (
	"encoding/json"
	"sort"
	"time"

	"fluent/pkg/meta"

	"github.com/pkg/errors"
)

// Entry is the persisted state of one card.
type Entry struct {
	Box int `json:"box"`
	// Applied counts the card's attempts whose outcome already moved the box.
	Applied int `json:"applied,omitempty"`
	// Recalibrated is the attempt count at which an overrun streak last reset
	// the card's target time.
	Recalibrated int `json:"recalibrated,omitempty"`
}

type Scheduler struct {
	deckKey   string
	storage   meta.Storage
	intervals []time.Duration
	boxes     map[string]Entry
}

func New(deckKey string, intervals []time.Duration) (*Scheduler, error) {
	if len(intervals) == 0 {
		return nil, errors.New("empty interval table")
	}
	return &Scheduler{
		deckKey:   deckKey,
		intervals: append([]time.Duration(nil), intervals...),
		boxes:     make(map[string]Entry),
	}, nil
}

func Open(storage meta.Storage, deckKey string, intervals []time.Duration) (*Scheduler, error) {
	s, err := New(deckKey, intervals)
	if err != nil {
		return nil, err
	}
	s.storage = storage
	entries, _, err := storage.Read(deckKey, meta.Boxes)
	if err != nil {
		return nil, errors.Wrapf(err, "load boxes of deck %q", deckKey)
	}
	for _, e := range entries {
		var v Entry
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, errors.Wrapf(meta.ErrMalformedRecord, "boxes of deck %q, card %q: %v", deckKey, e.Key, err)
		}
		v.Box = s.clamp(v.Box)
		s.boxes[string(e.Key)] = v
	}
	return s, nil
}

func (s *Scheduler) Len() int {
	return len(s.intervals)
}

func (s *Scheduler) clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > len(s.intervals)-1 {
		return len(s.intervals) - 1
	}
	return n
}

// Track registers box 0 for cards that have no entry yet.
func (s *Scheduler) Track(cardKeys ...string) {
	for _, k := range cardKeys {
		if _, ok := s.boxes[k]; !ok {
			s.boxes[k] = Entry{}
		}
	}
}

func (s *Scheduler) Has(cardKey string) bool {
	_, ok := s.boxes[cardKey]
	return ok
}

func (s *Scheduler) Box(cardKey string) int {
	return s.boxes[cardKey].Box
}

func (s *Scheduler) Interval(cardKey string) time.Duration {
	return s.intervals[s.Box(cardKey)]
}

func (s *Scheduler) Advance(cardKey string) {
	s.SetBox(cardKey, s.Box(cardKey)+1)
}

func (s *Scheduler) Regress(cardKey string) {
	s.SetBox(cardKey, s.Box(cardKey)-1)
}

func (s *Scheduler) Reset(cardKey string) {
	s.SetBox(cardKey, 0)
}

func (s *Scheduler) SetBox(cardKey string, n int) {
	e := s.boxes[cardKey]
	e.Box = s.clamp(n)
	s.boxes[cardKey] = e
}

// Applied reports how many of the card's attempts have been applied to its box.
func (s *Scheduler) Applied(cardKey string) int {
	return s.boxes[cardKey].Applied
}

func (s *Scheduler) MarkApplied(cardKey string, attempts int) {
	e := s.boxes[cardKey]
	e.Applied = attempts
	s.boxes[cardKey] = e
}

func (s *Scheduler) Recalibrated(cardKey string) int {
	return s.boxes[cardKey].Recalibrated
}

func (s *Scheduler) MarkRecalibrated(cardKey string, attempts int) {
	e := s.boxes[cardKey]
	e.Recalibrated = attempts
	s.boxes[cardKey] = e
}

// Entry returns the card's full state, for transplanting it to another deck.
func (s *Scheduler) Entry(cardKey string) (Entry, bool) {
	e, ok := s.boxes[cardKey]
	return e, ok
}

func (s *Scheduler) SetEntry(cardKey string, e Entry) {
	e.Box = s.clamp(e.Box)
	s.boxes[cardKey] = e
}

func (s *Scheduler) RemoveForCards(cardKeys ...string) {
	for _, k := range cardKeys {
		delete(s.boxes, k)
	}
}

func (s *Scheduler) Keys() []string {
	keys := make([]string, 0, len(s.boxes))
	for k := range s.boxes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Scheduler) Flush() error {
	if s.storage == nil {
		return nil
	}
	keys := s.Keys()
	entries := make([]meta.Entry, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(s.boxes[k])
		if err != nil {
			return errors.Wrapf(err, "encode box of card %q", k)
		}
		entries = append(entries, meta.Entry{Key: []byte(k), Value: raw})
	}
	return errors.Wrapf(s.storage.Write(s.deckKey, meta.Boxes, entries), "flush boxes of deck %q", s.deckKey)
}

func (s *Scheduler) Delete() error {
	if s.storage != nil {
		if err := s.storage.Delete(s.deckKey, meta.Boxes); err != nil {
			return errors.Wrapf(err, "delete boxes of deck %q", s.deckKey)
		}
	}
	s.boxes = make(map[string]Entry)
	return nil
}
