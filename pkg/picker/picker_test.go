package picker

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"fluent/pkg/baseline"
	"fluent/pkg/deck"
	"fluent/pkg/leitner"
	"fluent/pkg/records"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

var (
	t0  = time.Date(2024, 3, 25, 19, 26, 48, 0, time.UTC)
	cfg = Config{SampleSize: 3, WarmupSize: 2, FactorMax: 1.5}
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	clock   *clock
	deck    *deck.Deck
	log     *records.Log
	boxes   *leitner.Scheduler
	targets *baseline.Tracker
	picker  *Picker
}

func newFixture(t *testing.T, cards int) *fixture {
	t.Helper()
	c := &clock{t0}
	d := deck.New("MyDeck")
	for i := 0; i < cards; i++ {
		d.Cards = append(d.Cards, deck.NewCard("Q?", "R"))
	}
	boxes, err := leitner.New(d.Key, []time.Duration{day, 2 * day, 3 * day, 7 * day})
	require.NoError(t, err)
	f := &fixture{
		clock:   c,
		deck:    d,
		log:     records.New(d.Key, records.WithClock(c.now)),
		boxes:   boxes,
		targets: baseline.New(d.Key),
	}
	f.picker = New(cfg, f.log, f.boxes, f.targets, WithClock(c.now), WithRand(rand.New(rand.NewSource(7))))
	return f
}

func (f *fixture) card(i int) string {
	return f.deck.Cards[i].Key
}

// review appends an attempt and runs a scoring pass, as a session would.
func (f *fixture) review(key string, duration float64, success bool) {
	f.log.Append(key, duration, success)
	f.picker.Score(key)
}

// warm calibrates every card at 5.8s, one card after another.
func (f *fixture) warm() {
	for _, c := range f.deck.Cards {
		for i := 0; i < cfg.TotalSize(); i++ {
			f.review(c.Key, 5.8, true)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.TotalSize())
	assert.Error(t, Config{SampleSize: 0, WarmupSize: 2, FactorMax: 1.5}.Validate())
	assert.Error(t, Config{SampleSize: 3, WarmupSize: -1, FactorMax: 1.5}.Validate())
	assert.Error(t, Config{SampleSize: 3, WarmupSize: 2, FactorMax: 1}.Validate())
}

func TestScoreString(t *testing.T) {
	assert.Equal(t, "uncalibrated", Uncalibrated.String())
	assert.Equal(t, "passed", Passed.String())
	assert.Equal(t, "Score(9)", Score(9).String())
}

func TestUnreviewedCardsAreUncalibrated(t *testing.T) {
	f := newFixture(t, 5)
	for key, s := range f.picker.Scores(f.deck) {
		assert.Equal(t, Uncalibrated, s, key)
	}
}

func TestWarmupThenCalibrate(t *testing.T) {
	f := newFixture(t, 10)
	keys := f.deck.Keys()
	sort.Strings(keys)

	card, err := f.picker.Pick(f.deck)
	require.NoError(t, err)
	assert.Equal(t, keys[0], card.Key)

	for i := 0; i < cfg.TotalSize(); i++ {
		assert.Equal(t, Uncalibrated, f.picker.Score(card.Key))
		picked, err := f.picker.Pick(f.deck)
		require.NoError(t, err)
		assert.Equal(t, card.Key, picked.Key)
		f.log.Append(card.Key, 5.8, true)
	}

	assert.Equal(t, Passed, f.picker.Score(card.Key))
	target, ok := f.targets.Get(card.Key)
	require.True(t, ok)
	assert.Equal(t, 5.8, target)

	next, err := f.picker.Pick(f.deck)
	require.NoError(t, err)
	assert.NotEqual(t, card.Key, next.Key)
	assert.Equal(t, keys[1], next.Key)
}

func TestFailureDuringWarmupDelaysCalibration(t *testing.T) {
	f := newFixture(t, 10)
	key := f.card(0)
	for i := 0; i < cfg.TotalSize()-1; i++ {
		f.log.Append(key, 5.8, true)
	}
	f.log.Append(key, 5.8, false)
	assert.Equal(t, Uncalibrated, f.picker.Score(key))

	for i := 0; i < cfg.SampleSize; i++ {
		assert.Equal(t, Uncalibrated, f.picker.Score(key))
		f.log.Append(key, 6.7, true)
	}
	assert.Equal(t, Faltered, f.picker.Score(key))
	target, ok := f.targets.Get(key)
	require.True(t, ok)
	assert.Equal(t, 6.7, target)
}

func TestFailureResetsBox(t *testing.T) {
	f := newFixture(t, 10)
	f.warm()
	key := f.card(0)
	f.boxes.Advance(key)
	f.boxes.Advance(key)

	f.log.Append(key, 5.8, false)
	assert.Equal(t, Urgent, f.picker.Score(key))
	assert.Equal(t, 0, f.boxes.Box(key))

	picked, err := f.picker.Pick(f.deck)
	require.NoError(t, err)
	assert.Equal(t, key, picked.Key)
}

func TestOverrunRegressesBoxOnce(t *testing.T) {
	f := newFixture(t, 3)
	key := f.card(0)
	for i := 0; i < cfg.TotalSize(); i++ {
		f.review(key, 5.8, true)
	}
	f.boxes.SetBox(key, 2)

	f.log.Append(key, 5.8*2.5, true)
	assert.Equal(t, Urgent, f.picker.Score(key))
	assert.Equal(t, 1, f.boxes.Box(key))

	assert.Equal(t, Urgent, f.picker.Score(key))
	_, err := f.picker.Pick(f.deck)
	require.NoError(t, err)
	assert.Equal(t, 1, f.boxes.Box(key))
}

func TestOverrunAfterOtherCardsKeepsBox(t *testing.T) {
	f := newFixture(t, 3)
	f.warm()
	key := f.card(0)
	f.boxes.SetBox(key, 2)

	f.log.Append(key, 5.8*2.5, true)
	assert.Equal(t, Urgent, f.picker.Score(key))
	assert.Equal(t, 2, f.boxes.Box(key))
}

func TestRepeatedOverrunsRegressEachAttempt(t *testing.T) {
	f := newFixture(t, 10)
	f.warm()
	key := f.card(0)
	f.boxes.SetBox(key, 3)

	for i := cfg.SampleSize + 1; i > 1; i-- {
		f.review(key, 5.8*(cfg.FactorMax+float64(i)), true)
	}
	assert.Equal(t, Urgent, f.picker.Score(key))
	assert.Equal(t, 1, f.boxes.Box(key))
}

func TestOverrunStreakRecalibrates(t *testing.T) {
	f := newFixture(t, 10)
	f.warm()
	key := f.card(0)

	for i := 0; i < cfg.TotalSize(); i++ {
		f.review(key, 5.8*(cfg.FactorMax+1), true)
	}
	target, ok := f.targets.Get(key)
	require.True(t, ok)
	assert.Equal(t, 14.5, target)
	assert.Equal(t, Passed, f.picker.Score(key))
	assert.Equal(t, 0, f.boxes.Box(key))
}

func TestOverrunStreakKeepsBox(t *testing.T) {
	f := newFixture(t, 1)
	f.warm()
	key := f.card(0)
	f.boxes.SetBox(key, 3)

	f.review(key, 10, true)
	f.review(key, 10, true)
	require.Equal(t, 1, f.boxes.Box(key))

	f.log.Append(key, 40, true)
	for i := 0; i < 2; i++ {
		assert.Equal(t, Slow, f.picker.Score(key))
		assert.Equal(t, 1, f.boxes.Box(key))
		target, ok := f.targets.Get(key)
		require.True(t, ok)
		assert.Equal(t, 20.0, target)
	}
}

func TestOverrunStreakTargetIsNotClearedAtOnce(t *testing.T) {
	f := newFixture(t, 1)
	f.warm()
	key := f.card(0)

	f.review(key, 30, true)
	f.review(key, 30, true)
	f.log.Append(key, 9, true)
	for i := 0; i < 2; i++ {
		assert.Equal(t, Passed, f.picker.Score(key))
		target, ok := f.targets.Get(key)
		require.True(t, ok)
		assert.Equal(t, 23.0, target)
	}
}

func TestTooFastClearsTarget(t *testing.T) {
	f := newFixture(t, 2)
	key := f.card(0)
	for i := 0; i < cfg.TotalSize(); i++ {
		f.review(key, 5.8, true)
	}

	f.log.Append(key, 2.0, true)
	assert.Equal(t, Uncalibrated, f.picker.Score(key))
	_, ok := f.targets.Get(key)
	assert.False(t, ok)
	assert.Equal(t, Uncalibrated, f.picker.Score(key))

	f.log.Append(key, 5.0, true)
	assert.NotEqual(t, Uncalibrated, f.picker.Score(key))
	_, ok = f.targets.Get(key)
	assert.True(t, ok)
}

func TestDueAfterInterval(t *testing.T) {
	f := newFixture(t, 2)
	f.warm()
	key := f.card(0)
	assert.Equal(t, Passed, f.picker.Score(key))

	f.clock.t = f.clock.t.Add(day + time.Second)
	assert.Equal(t, Due, f.picker.Score(key))
}

func TestAnsweringDueCardAdvancesBox(t *testing.T) {
	f := newFixture(t, 2)
	key := f.card(0)
	for i := 0; i < cfg.TotalSize(); i++ {
		f.review(key, 5.8, true)
	}
	f.clock.t = f.clock.t.Add(day + time.Second)

	f.log.Append(key, 5.8, true)
	assert.Equal(t, Passed, f.picker.Score(key))
	assert.Equal(t, 1, f.boxes.Box(key))
	assert.Equal(t, Passed, f.picker.Score(key))
	assert.Equal(t, 1, f.boxes.Box(key))
}

func TestCalibratedCardWithoutRecordsIsDue(t *testing.T) {
	f := newFixture(t, 1)
	f.targets.Set(f.card(0), 4)
	assert.Equal(t, Due, f.picker.Score(f.card(0)))
}

func TestScoringIsIdempotent(t *testing.T) {
	f := newFixture(t, 4)
	rng := rand.New(rand.NewSource(3))
	for step := 0; step < 300; step++ {
		key := f.card(rng.Intn(f.deck.Len()))
		f.log.Append(key, 2+rng.Float64()*10, rng.Intn(5) > 0)
		if rng.Intn(10) == 0 {
			f.clock.t = f.clock.t.Add(time.Duration(rng.Intn(72)) * time.Hour)
		}

		first := f.picker.Scores(f.deck)
		boxes := snapshotBoxes(f)
		targets := snapshotTargets(f)

		assert.Equal(t, first, f.picker.Scores(f.deck), "step %d", step)
		assert.Equal(t, boxes, snapshotBoxes(f), "step %d", step)
		assert.Equal(t, targets, snapshotTargets(f), "step %d", step)
	}
}

func snapshotBoxes(f *fixture) map[string]int {
	m := make(map[string]int)
	for _, k := range f.deck.Keys() {
		m[k] = f.boxes.Box(k)
	}
	return m
}

func snapshotTargets(f *fixture) map[string]float64 {
	m := make(map[string]float64)
	for _, k := range f.deck.Keys() {
		if v, ok := f.targets.Get(k); ok {
			m[k] = v
		}
	}
	return m
}

func TestPickBreaksTiesAtRandom(t *testing.T) {
	f := newFixture(t, 5)
	f.warm()
	for _, s := range f.picker.Scores(f.deck) {
		require.Equal(t, Passed, s)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := f.picker.Pick(f.deck)
		require.NoError(t, err)
		require.True(t, f.deck.Contains(c.Key))
		seen[c.Key] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestPickEmptyDeck(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.picker.Pick(f.deck)
	assert.True(t, errors.Is(err, ErrEmptyDeck))
}
