package records

import (
	"path/filepath"
	"testing"
	"time"

	"fluent/pkg/meta"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 25, 19, 26, 48, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func storage(t *testing.T) *meta.StorageImpl {
	t.Helper()
	s, err := meta.Connect(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendRoundsAndTruncates(t *testing.T) {
	c := &clock{t0.Add(700 * time.Millisecond)}
	l := New("deck", WithClock(c.now))

	r := l.Append("a", 5.8349, true)
	assert.Equal(t, t0, r.Timestamp)
	assert.Equal(t, 5.8, r.Duration)
	assert.Equal(t, "a", r.CardKey)
	assert.True(t, r.Success)
	assert.Equal(t, 1, l.Len())
}

func TestAppendNeverGoesBackwards(t *testing.T) {
	c := &clock{t0}
	l := New("deck", WithClock(c.now))
	l.Append("a", 1, true)
	c.add(-time.Hour)
	r := l.Append("b", 1, true)
	assert.Equal(t, t0, r.Timestamp)
}

func TestImportSortsStably(t *testing.T) {
	c := &clock{t0}
	l := New("deck", WithClock(c.now))
	l.Append("a", 1, true)
	c.add(2 * time.Second)
	l.Append("a", 2, true)

	l.Import([]Record{
		{Timestamp: t0.Add(time.Second), CardKey: "b", Duration: 3, Success: true},
		{Timestamp: t0, CardKey: "c", Duration: 4, Success: false},
	})

	var keys []string
	for _, r := range l.All() {
		keys = append(keys, r.CardKey)
	}
	assert.Equal(t, []string{"a", "c", "b", "a"}, keys)
}

func TestForCardsAndRemove(t *testing.T) {
	l := New("deck")
	l.Append("a", 1, true)
	l.Append("b", 2, false)
	l.Append("a", 3, true)
	l.Append("c", 4, true)

	assert.Len(t, l.ForCards("a"), 2)
	assert.Len(t, l.ForCards("a", "c"), 3)

	l.RemoveForCards("a", "missing")
	assert.Empty(t, l.ForCards("a"))
	assert.Equal(t, 2, l.Len())
}

func TestFlushIsIncremental(t *testing.T) {
	s := storage(t)
	c := &clock{t0}
	l, err := Open(s, "deck", WithClock(c.now))
	require.NoError(t, err)

	l.Append("a", 1, true)
	require.NoError(t, l.Flush())
	c.add(time.Second)
	l.Append("b", 2, false)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Flush())

	entries, _, err := s.Read("deck", meta.Records)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	reloaded, err := Open(s, "deck")
	require.NoError(t, err)
	assert.Equal(t, l.All(), reloaded.All())
}

func TestFlushRewritesAfterRemoval(t *testing.T) {
	s := storage(t)
	l, err := Open(s, "deck", WithClock((&clock{t0}).now))
	require.NoError(t, err)
	l.Append("a", 1, true)
	l.Append("b", 1, true)
	require.NoError(t, l.Flush())

	l.RemoveForCards("a")
	l.Append("c", 1, true)
	require.NoError(t, l.Flush())

	reloaded, err := Open(s, "deck")
	require.NoError(t, err)
	var keys []string
	for _, r := range reloaded.All() {
		keys = append(keys, r.CardKey)
	}
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestOpenMalformed(t *testing.T) {
	s := storage(t)
	require.NoError(t, s.Append("deck", meta.Records, [][]byte{
		[]byte(`{"timestamp":"2024-03-25T19:26:48Z","card_key":"a","duration":1,"success":true}`),
		[]byte(`{"timestamp":"2024-03-25T19:26:49Z","duration":1,"success":true}`),
	}))
	_, err := Open(s, "deck")
	assert.True(t, errors.Is(err, meta.ErrMalformedRecord))

	require.NoError(t, s.Write("other", meta.Records, []meta.Entry{
		{Key: meta.SequenceKey(1), Value: []byte("not json")},
	}))
	_, err = Open(s, "other")
	assert.True(t, errors.Is(err, meta.ErrMalformedRecord))
}

func TestDelete(t *testing.T) {
	s := storage(t)
	l, err := Open(s, "deck")
	require.NoError(t, err)
	l.Append("a", 1, true)
	require.NoError(t, l.Flush())

	require.NoError(t, l.Delete())
	assert.Zero(t, l.Len())
	_, found, err := s.Read("deck", meta.Records)
	require.NoError(t, err)
	assert.False(t, found)
}
