package core

import (
	"sort"
	"sync"
	"time"

	"fluent/pkg/baseline"
	"fluent/pkg/catalog"
	"fluent/pkg/config"
	"fluent/pkg/deck"
	"fluent/pkg/leitner"
	"fluent/pkg/meta"
	"fluent/pkg/picker"
	"fluent/pkg/records"
	"fluent/pkg/session"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// End inserts cards after the last card of the destination deck.
const End = -1

var (
	ErrDeckNotFound = errors.New("deck not found")
	// ErrDeckBusy is returned when a deck is held by a session or by another
	// structural edit.
	ErrDeckBusy = errors.New("deck is busy")
)

type Core interface {
	Load() error
	Decks() []*deck.Deck
	Deck(key string) (*deck.Deck, error)
	CreateDeck(title string) (*deck.Deck, error)
	RenameDeck(key, title string) error
	DeleteDeck(key string) error
	CreateCard(deckKey, question, correction string, index int) (*deck.Card, error)
	EditCard(deckKey, cardKey, question, correction string) error
	MoveCards(cardKeys []string, origin, destination string, index int) error
	CopyCards(cardKeys []string, origin, destination string, index int) ([]*deck.Card, error)
	RemoveCards(cardKeys []string, deckKey string) error
	ClearDeck(deckKey string) error
	Save(deckKey string) error
	Begin(deckKey string) (*session.Session, error)
	Interval(deckKey, cardKey string) (time.Duration, error)
	Box(deckKey, cardKey string) (int, error)
	TargetTime(deckKey, cardKey string) (float64, bool, error)
	Scores(deckKey string) (map[string]picker.Score, error)
	Close() error
}

// Stores are the per-card states of one deck.
type Stores struct {
	Log     *records.Log
	Boxes   *leitner.Scheduler
	Targets *baseline.Tracker
}

func (s *Stores) remove(keys []string) {
	s.Log.RemoveForCards(keys...)
	s.Boxes.RemoveForCards(keys...)
	s.Targets.RemoveForCards(keys...)
}

// checkMembers fails on the first card key held by the stores that is not
// a card of d.
func (s *Stores) checkMembers(d *deck.Deck) error {
	member := make(map[string]bool, d.Len())
	for _, k := range d.Keys() {
		member[k] = true
	}
	var recorded []string
	for _, r := range s.Log.All() {
		recorded = append(recorded, r.CardKey)
	}
	channels := []struct {
		ch   meta.Channel
		keys []string
	}{
		{meta.Records, recorded},
		{meta.Boxes, s.Boxes.Keys()},
		{meta.Baselines, s.Targets.Keys()},
	}
	for _, c := range channels {
		for _, k := range c.keys {
			if !member[k] {
				return errors.Wrapf(meta.ErrMalformedRecord, "%s of deck %q refer to unknown card %q", c.ch, d.Key, k)
			}
		}
	}
	return nil
}

func (s *Stores) delete() error {
	if err := s.Log.Delete(); err != nil {
		return err
	}
	if err := s.Boxes.Delete(); err != nil {
		return err
	}
	return s.Targets.Delete()
}

func (s *Stores) flush() error {
	if err := s.Log.Flush(); err != nil {
		return err
	}
	if err := s.Boxes.Flush(); err != nil {
		return err
	}
	return s.Targets.Flush()
}

func (s *Stores) track(keys []string) {
	s.Boxes.Track(keys...)
	s.Targets.Track(keys...)
}

// CoreImpl owns the decks and their stores. Stores are opened the first
// time a deck needs them. Every edit of deck membership goes through it so
// that a card and its state always live in the same deck.
type CoreImpl struct {
	dbMeta    meta.Storage
	dbCatalog catalog.Storage
	sched     config.Scheduling

	now    func() time.Time
	logger *zap.Logger

	decks  map[string]*deck.Deck
	stores map[string]*Stores
	locks  map[string]*sync.Mutex
}

type Option func(*CoreImpl)

func WithClock(now func() time.Time) Option {
	return func(c *CoreImpl) { c.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *CoreImpl) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(dbMeta meta.Storage, dbCatalog catalog.Storage, sched config.Scheduling, opts ...Option) *CoreImpl {
	c := &CoreImpl{
		dbMeta:    dbMeta,
		dbCatalog: dbCatalog,
		sched:     sched,
		now:       time.Now,
		logger:    zap.NewNop(),
		decks:     make(map[string]*deck.Deck),
		stores:    make(map[string]*Stores),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CoreImpl) Load() error {
	decks, err := c.dbCatalog.LoadDecks()
	if err != nil {
		return errors.Wrap(err, "load decks from catalog")
	}
	for _, d := range decks {
		c.decks[d.Key] = d
	}

	stored, err := c.dbMeta.Decks()
	if err != nil {
		return errors.Wrap(err, "list decks in meta storage")
	}
	for _, key := range stored {
		if _, ok := c.decks[key]; !ok {
			c.logger.Warn("review state without deck", zap.String("deck", key))
		}
	}
	c.logger.Info("decks loaded", zap.Int("decks", len(decks)))
	return nil
}

// Decks returns the decks ordered by title.
func (c *CoreImpl) Decks() []*deck.Deck {
	res := make([]*deck.Deck, 0, len(c.decks))
	for _, d := range c.decks {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Title != res[j].Title {
			return res[i].Title < res[j].Title
		}
		return res[i].Key < res[j].Key
	})
	return res
}

func (c *CoreImpl) Deck(key string) (*deck.Deck, error) {
	d, ok := c.decks[key]
	if !ok {
		return nil, errors.Wrapf(ErrDeckNotFound, "deck %q", key)
	}
	return d, nil
}

func (c *CoreImpl) CreateDeck(title string) (*deck.Deck, error) {
	d := deck.New(title)
	if err := c.dbCatalog.SaveDeck(d); err != nil {
		return nil, errors.Wrapf(err, "save new deck %q", title)
	}
	c.decks[d.Key] = d
	c.logger.Info("deck created", zap.String("deck", d.Key), zap.String("title", title))
	return d, nil
}

func (c *CoreImpl) RenameDeck(key, title string) error {
	d, err := c.Deck(key)
	if err != nil {
		return err
	}
	d.Title = title
	return nil
}

// storesFor returns the deck's stores, opening them on first use.
func (c *CoreImpl) storesFor(d *deck.Deck) (*Stores, error) {
	if st, ok := c.stores[d.Key]; ok {
		return st, nil
	}
	log, err := records.Open(c.dbMeta, d.Key, records.WithClock(c.now))
	if err != nil {
		return nil, err
	}
	boxes, err := leitner.Open(c.dbMeta, d.Key, c.sched.Intervals)
	if err != nil {
		return nil, err
	}
	targets, err := baseline.Open(c.dbMeta, d.Key)
	if err != nil {
		return nil, err
	}
	st := &Stores{Log: log, Boxes: boxes, Targets: targets}
	if err := st.checkMembers(d); err != nil {
		return nil, err
	}
	st.track(d.Keys())
	c.stores[d.Key] = st
	return st, nil
}

// lock takes the locks of the given decks, all or none.
func (c *CoreImpl) lock(keys ...string) (unlock func(), err error) {
	keys = append([]string(nil), keys...)
	sort.Strings(keys)
	var held []*sync.Mutex
	release := func() {
		for _, m := range held {
			m.Unlock()
		}
	}
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		m, ok := c.locks[k]
		if !ok {
			m = &sync.Mutex{}
			c.locks[k] = m
		}
		if !m.TryLock() {
			release()
			return nil, errors.Wrapf(ErrDeckBusy, "deck %q", k)
		}
		held = append(held, m)
	}
	return release, nil
}

func (c *CoreImpl) CreateCard(deckKey, question, correction string, index int) (*deck.Card, error) {
	d, err := c.Deck(deckKey)
	if err != nil {
		return nil, err
	}
	unlock, err := c.lock(deckKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	st, err := c.storesFor(d)
	if err != nil {
		return nil, err
	}
	card := deck.NewCard(question, correction)
	if err := d.Insert(index, card); err != nil {
		return nil, err
	}
	st.track([]string{card.Key})
	return card, nil
}

func (c *CoreImpl) EditCard(deckKey, cardKey, question, correction string) error {
	d, err := c.Deck(deckKey)
	if err != nil {
		return err
	}
	card, err := d.Card(cardKey)
	if err != nil {
		return err
	}
	card.Question = question
	card.Correction = correction
	return nil
}

// MoveCards moves cards from origin to destination, inserted at index, along
// with their history, box and target time. Nothing changes if any card is
// not in origin, is already in destination, or a deck is busy.
func (c *CoreImpl) MoveCards(cardKeys []string, originKey, destKey string, index int) error {
	origin, err := c.Deck(originKey)
	if err != nil {
		return err
	}
	dest, err := c.Deck(destKey)
	if err != nil {
		return err
	}
	cards, err := origin.Lookup(cardKeys)
	if err != nil {
		return errors.Wrap(err, "move cards")
	}
	if originKey == destKey {
		return c.reorder(origin, cards, index)
	}
	for _, card := range cards {
		if dest.Contains(card.Key) {
			return errors.Wrapf(deck.ErrDuplicateCard, "move card %q to deck %q", card.Key, destKey)
		}
	}

	unlock, err := c.lock(originKey, destKey)
	if err != nil {
		return err
	}
	defer unlock()
	from, err := c.storesFor(origin)
	if err != nil {
		return err
	}
	to, err := c.storesFor(dest)
	if err != nil {
		return err
	}

	to.Log.Import(from.Log.ForCards(cardKeys...))
	for _, card := range cards {
		if e, ok := from.Boxes.Entry(card.Key); ok {
			to.Boxes.SetEntry(card.Key, e)
		} else {
			to.Boxes.Track(card.Key)
		}
		v, ok := from.Targets.Get(card.Key)
		to.Targets.Transplant(card.Key, v, ok)
	}
	if err := dest.Insert(index, cards...); err != nil {
		return err
	}
	from.remove(cardKeys)
	if err := origin.Remove(cardKeys...); err != nil {
		return err
	}

	c.logger.Info("cards moved",
		zap.String("origin", originKey),
		zap.String("destination", destKey),
		zap.Int("cards", len(cards)),
	)
	return nil
}

func (c *CoreImpl) reorder(d *deck.Deck, cards []*deck.Card, index int) error {
	unlock, err := c.lock(d.Key)
	if err != nil {
		return err
	}
	defer unlock()
	keys := make([]string, len(cards))
	for i, card := range cards {
		keys[i] = card.Key
	}
	if err := d.Remove(keys...); err != nil {
		return err
	}
	return d.Insert(index, cards...)
}

// CopyCards inserts copies of cards into destination. Copies get fresh keys
// and start with no history.
func (c *CoreImpl) CopyCards(cardKeys []string, originKey, destKey string, index int) ([]*deck.Card, error) {
	origin, err := c.Deck(originKey)
	if err != nil {
		return nil, err
	}
	dest, err := c.Deck(destKey)
	if err != nil {
		return nil, err
	}
	cards, err := origin.Lookup(cardKeys)
	if err != nil {
		return nil, errors.Wrap(err, "copy cards")
	}
	unlock, err := c.lock(destKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	to, err := c.storesFor(dest)
	if err != nil {
		return nil, err
	}
	copies := make([]*deck.Card, len(cards))
	keys := make([]string, len(cards))
	for i, card := range cards {
		copies[i] = card.Copy()
		keys[i] = copies[i].Key
	}
	if err := dest.Insert(index, copies...); err != nil {
		return nil, err
	}
	to.track(keys)
	c.logger.Info("cards copied",
		zap.String("origin", originKey),
		zap.String("destination", destKey),
		zap.Int("cards", len(cards)),
	)
	return copies, nil
}

// RemoveCards deletes cards and all their state from the deck. Nothing
// changes if any card is not in the deck.
func (c *CoreImpl) RemoveCards(cardKeys []string, deckKey string) error {
	d, err := c.Deck(deckKey)
	if err != nil {
		return err
	}
	if _, err := d.Lookup(cardKeys); err != nil {
		return errors.Wrap(err, "remove cards")
	}
	unlock, err := c.lock(deckKey)
	if err != nil {
		return err
	}
	defer unlock()
	st, err := c.storesFor(d)
	if err != nil {
		return err
	}
	st.remove(cardKeys)
	if err := d.Remove(cardKeys...); err != nil {
		return err
	}
	c.logger.Info("cards removed", zap.String("deck", deckKey), zap.Int("cards", len(cardKeys)))
	return nil
}

func (c *CoreImpl) ClearDeck(deckKey string) error {
	d, err := c.Deck(deckKey)
	if err != nil {
		return err
	}
	return c.RemoveCards(d.Keys(), deckKey)
}

// DeleteDeck deletes the deck and its persisted state. It cannot be undone.
func (c *CoreImpl) DeleteDeck(key string) error {
	if _, err := c.Deck(key); err != nil {
		return err
	}
	unlock, err := c.lock(key)
	if err != nil {
		return err
	}
	defer unlock()
	if st, ok := c.stores[key]; ok {
		if err := st.delete(); err != nil {
			return err
		}
		delete(c.stores, key)
	} else {
		// never opened; stored state may not even decode
		for _, ch := range []meta.Channel{meta.Records, meta.Boxes, meta.Baselines} {
			if err := c.dbMeta.Delete(key, ch); err != nil {
				return errors.Wrapf(err, "delete %s of deck %q", ch, key)
			}
		}
	}
	if err := c.dbCatalog.DeleteDeck(key); err != nil {
		return errors.Wrapf(err, "delete deck %q from catalog", key)
	}
	delete(c.decks, key)
	c.logger.Info("deck deleted", zap.String("deck", key))
	return nil
}

// Save persists the deck and flushes its stores. Stores rewrite themselves
// fully when an edit moved history around since their last flush.
func (c *CoreImpl) Save(deckKey string) error {
	d, err := c.Deck(deckKey)
	if err != nil {
		return err
	}
	if err := c.dbCatalog.SaveDeck(d); err != nil {
		return errors.Wrapf(err, "save deck %q", deckKey)
	}
	st, ok := c.stores[deckKey]
	if ok {
		if err := st.flush(); err != nil {
			return err
		}
	}
	c.logger.Info("deck saved", zap.String("deck", deckKey), zap.Int("cards", d.Len()))
	return nil
}

func (c *CoreImpl) newPicker(st *Stores) *picker.Picker {
	return picker.New(c.sched.Picker(), st.Log, st.Boxes, st.Targets,
		picker.WithClock(c.now),
		picker.WithLogger(c.logger),
	)
}

// Begin starts a review session on the deck. The deck stays locked until
// the session ends.
func (c *CoreImpl) Begin(deckKey string) (*session.Session, error) {
	d, err := c.Deck(deckKey)
	if err != nil {
		return nil, err
	}
	st, err := c.storesFor(d)
	if err != nil {
		return nil, err
	}
	unlock, err := c.lock(deckKey)
	if err != nil {
		return nil, err
	}
	c.logger.Info("session started", zap.String("deck", deckKey))
	return session.New(d, st.Log, c.newPicker(st),
		session.WithClock(c.now),
		session.WithLogger(c.logger),
		session.WithFlush(st.Log, st.Boxes, st.Targets),
		session.WithRelease(unlock),
	), nil
}

func (c *CoreImpl) cardStores(deckKey, cardKey string) (*Stores, error) {
	d, err := c.Deck(deckKey)
	if err != nil {
		return nil, err
	}
	if _, err := d.Card(cardKey); err != nil {
		return nil, err
	}
	return c.storesFor(d)
}

func (c *CoreImpl) Interval(deckKey, cardKey string) (time.Duration, error) {
	st, err := c.cardStores(deckKey, cardKey)
	if err != nil {
		return 0, err
	}
	return st.Boxes.Interval(cardKey), nil
}

func (c *CoreImpl) Box(deckKey, cardKey string) (int, error) {
	st, err := c.cardStores(deckKey, cardKey)
	if err != nil {
		return 0, err
	}
	return st.Boxes.Box(cardKey), nil
}

func (c *CoreImpl) TargetTime(deckKey, cardKey string) (float64, bool, error) {
	st, err := c.cardStores(deckKey, cardKey)
	if err != nil {
		return 0, false, err
	}
	v, ok := st.Targets.Get(cardKey)
	return v, ok, nil
}

func (c *CoreImpl) Scores(deckKey string) (map[string]picker.Score, error) {
	d, err := c.Deck(deckKey)
	if err != nil {
		return nil, err
	}
	st, err := c.storesFor(d)
	if err != nil {
		return nil, err
	}
	return c.newPicker(st).Scores(d), nil
}

// Stores exposes the deck's stores for read-only use.
func (c *CoreImpl) Stores(deckKey string) (*Stores, error) {
	d, err := c.Deck(deckKey)
	if err != nil {
		return nil, err
	}
	return c.storesFor(d)
}

// Close saves every deck.
func (c *CoreImpl) Close() error {
	for _, d := range c.Decks() {
		if err := c.Save(d.Key); err != nil {
			return err
		}
	}
	return nil
}
