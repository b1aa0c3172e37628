// Package picker scores the cards of a deck from its review history and
// chooses the next one to review.
//
// A card first goes through a warm-up: it is shown until it has at least
// WarmupSize+SampleSize attempts and the last SampleSize were successes. The
// mean duration of those attempts becomes the card's target time. From then
// on an attempt is an overrun when it lasts more than FactorMax times the
// target, and too fast when it is shorter than the target by the same margin.
//
// Scoring reads the whole log on every call and may update the deck's boxes
// and targets as a side effect. Box moves are applied once per attempt, so
// scoring again without a new record changes nothing.
package picker

import (
	"math/rand"
	"sort"
	"time"

	"fluent/pkg/baseline"
	"fluent/pkg/deck"
	"fluent/pkg/leitner"
	"fluent/pkg/records"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrEmptyDeck = errors.New("deck has no cards")

type Config struct {
	SampleSize int
	WarmupSize int
	FactorMax  float64
}

func (c Config) TotalSize() int {
	return c.WarmupSize + c.SampleSize
}

func (c Config) Validate() error {
	switch {
	case c.SampleSize < 1:
		return errors.Errorf("sample size %d must be positive", c.SampleSize)
	case c.WarmupSize < 0:
		return errors.Errorf("warmup size %d must not be negative", c.WarmupSize)
	case c.FactorMax <= 1:
		return errors.Errorf("factor max %v must be greater than 1", c.FactorMax)
	}
	return nil
}

type Picker struct {
	cfg     Config
	log     *records.Log
	boxes   *leitner.Scheduler
	targets *baseline.Tracker

	now    func() time.Time
	rng    *rand.Rand
	logger *zap.Logger
}

type Option func(*Picker)

func WithClock(now func() time.Time) Option {
	return func(p *Picker) { p.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(p *Picker) { p.rng = rng }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Picker) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(cfg Config, log *records.Log, boxes *leitner.Scheduler, targets *baseline.Tracker, opts ...Option) *Picker {
	p := &Picker{
		cfg:     cfg,
		log:     log,
		boxes:   boxes,
		targets: targets,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// history is the view of one card inside the deck log.
type history struct {
	all []records.Record
	// pos[i] is the index in all of the card's i-th attempt
	pos []int
}

func newHistory(all []records.Record, cardKey string) history {
	h := history{all: all}
	for i, r := range all {
		if r.CardKey == cardKey {
			h.pos = append(h.pos, i)
		}
	}
	return h
}

func (h history) len() int {
	return len(h.pos)
}

// fromEnd returns the card's attempt n places before its last one.
func (h history) fromEnd(n int) records.Record {
	return h.all[h.pos[len(h.pos)-1-n]]
}

// contiguous reports whether the card's last n attempts were made in a row.
func (h history) contiguous(n int) bool {
	k := len(h.pos)
	if n < 1 || n > k {
		return false
	}
	return h.pos[k-1]-h.pos[k-n] == n-1
}

// streak is the length of the card's trailing run of attempts made in a row.
func (h history) streak() int {
	k := len(h.pos)
	if k == 0 {
		return 0
	}
	c := 1
	for c < k && h.pos[k-1-c] == h.pos[k-1]-c {
		c++
	}
	return c
}

func (h history) lastIsLatest() bool {
	return len(h.pos) > 0 && h.pos[len(h.pos)-1] == len(h.all)-1
}

// Score computes the score of one card against the current log.
func (p *Picker) Score(cardKey string) Score {
	return p.score(cardKey, p.log.All())
}

// Scores computes the score of every card of d.
func (p *Picker) Scores(d *deck.Deck) map[string]Score {
	all := p.log.All()
	scores := make(map[string]Score, d.Len())
	for _, c := range d.Cards {
		scores[c.Key] = p.score(c.Key, all)
	}
	return scores
}

// Pick returns the card of d with the lowest score. Ties are broken at
// random, except between uncalibrated cards which come in key order.
func (p *Picker) Pick(d *deck.Deck) (*deck.Card, error) {
	if d.Len() == 0 {
		return nil, errors.Wrapf(ErrEmptyDeck, "pick from deck %q", d.Key)
	}
	all := p.log.All()
	var best []*deck.Card
	lowest := Passed + 1
	for _, c := range d.Cards {
		s := p.score(c.Key, all)
		switch {
		case s < lowest:
			lowest = s
			best = []*deck.Card{c}
		case s == lowest:
			best = append(best, c)
		}
	}
	if lowest == Uncalibrated {
		sort.Slice(best, func(i, j int) bool { return best[i].Key < best[j].Key })
		return best[0], nil
	}
	return best[p.rng.Intn(len(best))], nil
}

func (p *Picker) score(cardKey string, all []records.Record) Score {
	h := newHistory(all, cardKey)
	target, ok := p.targets.Get(cardKey)
	if !ok {
		if h.len() < p.cfg.TotalSize() || !p.lastSampleSucceeded(h) {
			return Uncalibrated
		}
		target = p.calibrate(cardKey, h)
	}
	if h.lastIsLatest() {
		s, done := p.scoreLatest(cardKey, h, target)
		if done {
			return s
		}
		target, _ = p.targets.Get(cardKey)
	}

	if h.len() == 0 {
		return Due
	}
	last := h.fromEnd(0)
	if p.now().Sub(last.Timestamp) > p.boxes.Interval(cardKey) {
		return Due
	}
	n := h.streak()
	slow := false
	for i := 0; i < n; i++ {
		r := h.fromEnd(i)
		if !r.Success {
			return Faltered
		}
		slow = slow || p.overran(r, target)
	}
	if slow {
		return Slow
	}
	return Passed
}

// scoreLatest handles a calibrated card whose attempt is the last of the
// deck. done is false when scoring should go on with the due and streak
// checks.
func (p *Picker) scoreLatest(cardKey string, h history, target float64) (s Score, done bool) {
	last := h.fromEnd(0)
	if p.boxes.Recalibrated(cardKey) >= h.len() {
		// this attempt already replaced the target
		return 0, false
	}
	switch {
	case !last.Success:
		p.settle(cardKey, h, p.boxes.Reset)
		return Urgent, true

	case p.overran(last, target):
		if p.overrunStreak(h, target) {
			p.calibrate(cardKey, h)
			p.boxes.MarkRecalibrated(cardKey, h.len())
			return 0, false
		}
		if h.contiguous(2) {
			p.settle(cardKey, h, p.boxes.Regress)
		}
		return Urgent, true

	case p.tooFast(last, target):
		p.targets.Clear(cardKey)
		p.logger.Debug("target cleared", zap.String("card", cardKey), zap.Float64("duration", last.Duration))
		return Uncalibrated, true
	}

	// answered in time after waiting out the interval: promote
	if h.len() >= 2 && last.Timestamp.Sub(h.fromEnd(1).Timestamp) > p.boxes.Interval(cardKey) {
		p.settle(cardKey, h, p.boxes.Advance)
	}
	return 0, false
}

// overrunStreak reports whether the last TotalSize attempts were made in a
// row and the last SampleSize of them all succeeded and all overran.
func (p *Picker) overrunStreak(h history, target float64) bool {
	if !h.contiguous(p.cfg.TotalSize()) || !p.lastSampleSucceeded(h) {
		return false
	}
	for i := 0; i < p.cfg.SampleSize; i++ {
		if !p.overran(h.fromEnd(i), target) {
			return false
		}
	}
	return true
}

func (p *Picker) lastSampleSucceeded(h history) bool {
	if h.len() < p.cfg.SampleSize {
		return false
	}
	for i := 0; i < p.cfg.SampleSize; i++ {
		if !h.fromEnd(i).Success {
			return false
		}
	}
	return true
}

func (p *Picker) overran(r records.Record, target float64) bool {
	return r.Duration > target*p.cfg.FactorMax
}

func (p *Picker) tooFast(r records.Record, target float64) bool {
	return r.Duration < 2*target-target*p.cfg.FactorMax
}

// calibrate sets the target to the mean duration of the last SampleSize
// attempts and returns it as stored.
func (p *Picker) calibrate(cardKey string, h history) float64 {
	var sum float64
	for i := 0; i < p.cfg.SampleSize; i++ {
		sum += h.fromEnd(i).Duration
	}
	p.targets.Set(cardKey, sum/float64(p.cfg.SampleSize))
	target, _ := p.targets.Get(cardKey)
	p.logger.Debug("target calibrated", zap.String("card", cardKey), zap.Float64("target", target))
	return target
}

// settle applies move to the card's box unless its last attempt has already
// been applied.
func (p *Picker) settle(cardKey string, h history, move func(string)) {
	if p.boxes.Applied(cardKey) >= h.len() {
		return
	}
	before := p.boxes.Box(cardKey)
	move(cardKey)
	p.boxes.MarkApplied(cardKey, h.len())
	p.logger.Debug("box moved",
		zap.String("card", cardKey),
		zap.Int("from", before),
		zap.Int("to", p.boxes.Box(cardKey)),
	)
}
