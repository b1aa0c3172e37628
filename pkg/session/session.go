// Package session sequences one review sitting: pick a card, time the
// answer, record the outcome.
package session

import (
	"time"

	"fluent/pkg/deck"
	"fluent/pkg/picker"
	"fluent/pkg/records"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrInvalidState = errors.New("invalid session state")

type State int

const (
	Idle State = iota
	InReview
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InReview:
		return "in review"
	}
	return "unknown"
}

// Flusher persists a store.
type Flusher interface {
	Flush() error
}

type Session struct {
	deck   *deck.Deck
	log    *records.Log
	picker *picker.Picker
	// flushed on End, in order
	stores []Flusher
	// called once by End, after flushing
	release func()

	now    func() time.Time
	logger *zap.Logger

	state State
	card  *deck.Card
	start time.Time
	ended bool
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFlush registers stores to flush when the session ends.
func WithFlush(stores ...Flusher) Option {
	return func(s *Session) { s.stores = append(s.stores, stores...) }
}

// WithRelease registers a function to call once the session has ended.
func WithRelease(release func()) Option {
	return func(s *Session) { s.release = release }
}

func New(d *deck.Deck, log *records.Log, p *picker.Picker, opts ...Option) *Session {
	s := &Session{
		deck:   d,
		log:    log,
		picker: p,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	return s.state
}

// Card returns the card under review, or nil when idle.
func (s *Session) Card() *deck.Card {
	return s.card
}

func (s *Session) Deck() *deck.Deck {
	return s.deck
}

func (s *Session) PickNext() (*deck.Card, error) {
	if s.state != Idle {
		return nil, errors.Wrapf(ErrInvalidState, "pick while %s", s.state)
	}
	if s.ended {
		return nil, errors.Wrap(ErrInvalidState, "pick after end")
	}
	c, err := s.picker.Pick(s.deck)
	if err != nil {
		return nil, err
	}
	s.card = c
	s.start = s.now()
	s.state = InReview
	return c, nil
}

// Elapsed returns the time since the card in review was picked.
func (s *Session) Elapsed() (time.Duration, error) {
	if s.state != InReview {
		return 0, errors.Wrapf(ErrInvalidState, "elapsed while %s", s.state)
	}
	return s.now().Sub(s.start), nil
}

// Submit records the outcome for the card in review.
func (s *Session) Submit(success bool) (records.Record, error) {
	elapsed, err := s.Elapsed()
	if err != nil {
		return records.Record{}, errors.Wrap(ErrInvalidState, "submit while idle")
	}
	r := s.log.Append(s.card.Key, elapsed.Seconds(), success)
	s.logger.Debug("outcome recorded",
		zap.String("deck", s.deck.Key),
		zap.String("card", r.CardKey),
		zap.Float64("duration", r.Duration),
		zap.Bool("success", r.Success),
	)
	s.card = nil
	s.state = Idle
	// score once so box and target updates land before the next flush
	s.picker.Score(r.CardKey)
	return r, nil
}

// End abandons any card in review, flushes the stores and releases the deck.
// Ending twice is harmless.
func (s *Session) End() error {
	s.card = nil
	s.state = Idle
	if s.ended {
		return nil
	}
	s.ended = true
	defer func() {
		if s.release != nil {
			s.release()
		}
	}()
	for _, st := range s.stores {
		if err := st.Flush(); err != nil {
			return errors.Wrapf(err, "end session on deck %q", s.deck.Key)
		}
	}
	return nil
}
