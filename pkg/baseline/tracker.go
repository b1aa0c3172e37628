package baseline

import (
	"encoding/json"
	"math"
	"sort"

	"fluent/pkg/meta"

	"github.com/pkg/errors"
)

// Tracker maps cards to their calibrated target response time in seconds.
// A tracked card with a nil target is not calibrated yet.
type Tracker struct {
	deckKey string
	storage meta.Storage
	targets map[string]*float64
}

func New(deckKey string) *Tracker {
	return &Tracker{deckKey: deckKey, targets: make(map[string]*float64)}
}

func Open(storage meta.Storage, deckKey string) (*Tracker, error) {
	t := New(deckKey)
	t.storage = storage
	entries, _, err := storage.Read(deckKey, meta.Baselines)
	if err != nil {
		return nil, errors.Wrapf(err, "load baselines of deck %q", deckKey)
	}
	for _, e := range entries {
		var v *float64
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, errors.Wrapf(meta.ErrMalformedRecord, "baselines of deck %q, card %q: %v", deckKey, e.Key, err)
		}
		if v != nil && (*v < 0 || math.IsNaN(*v)) {
			return nil, errors.Wrapf(meta.ErrMalformedRecord, "baselines of deck %q, card %q: invalid target %v", deckKey, e.Key, *v)
		}
		t.targets[string(e.Key)] = v
	}
	return t, nil
}

func (t *Tracker) Get(cardKey string) (float64, bool) {
	v := t.targets[cardKey]
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Set stores the target rounded to a tenth of a second.
func (t *Tracker) Set(cardKey string, seconds float64) {
	v := math.Round(seconds*10) / 10
	t.targets[cardKey] = &v
}

// Clear forgets the target but keeps tracking the card.
func (t *Tracker) Clear(cardKey string) {
	t.targets[cardKey] = nil
}

// Transplant copies a target (or its absence) as read from another tracker.
func (t *Tracker) Transplant(cardKey string, seconds float64, ok bool) {
	if !ok {
		t.Clear(cardKey)
		return
	}
	t.Set(cardKey, seconds)
}

func (t *Tracker) Track(cardKeys ...string) {
	for _, k := range cardKeys {
		if _, ok := t.targets[k]; !ok {
			t.targets[k] = nil
		}
	}
}

func (t *Tracker) Has(cardKey string) bool {
	_, ok := t.targets[cardKey]
	return ok
}

func (t *Tracker) RemoveForCards(cardKeys ...string) {
	for _, k := range cardKeys {
		delete(t.targets, k)
	}
}

func (t *Tracker) Keys() []string {
	keys := make([]string, 0, len(t.targets))
	for k := range t.targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tracker) Flush() error {
	if t.storage == nil {
		return nil
	}
	keys := t.Keys()
	entries := make([]meta.Entry, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(t.targets[k])
		if err != nil {
			return errors.Wrapf(err, "encode baseline of card %q", k)
		}
		entries = append(entries, meta.Entry{Key: []byte(k), Value: raw})
	}
	return errors.Wrapf(t.storage.Write(t.deckKey, meta.Baselines, entries), "flush baselines of deck %q", t.deckKey)
}

func (t *Tracker) Delete() error {
	if t.storage != nil {
		if err := t.storage.Delete(t.deckKey, meta.Baselines); err != nil {
			return errors.Wrapf(err, "delete baselines of deck %q", t.deckKey)
		}
	}
	t.targets = make(map[string]*float64)
	return nil
}
