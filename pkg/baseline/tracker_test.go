package baseline

import (
	"path/filepath"
	"testing"

	"fluent/pkg/meta"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetRoundsToTenth(t *testing.T) {
	tr := New("deck")
	_, ok := tr.Get("a")
	assert.False(t, ok)

	tr.Set("a", 5.8333)
	v, ok := tr.Get("a")
	require.True(t, ok)
	assert.Equal(t, 5.8, v)
}

func TestClearKeepsTracking(t *testing.T) {
	tr := New("deck")
	tr.Set("a", 3)
	tr.Clear("a")
	_, ok := tr.Get("a")
	assert.False(t, ok)
	assert.True(t, tr.Has("a"))

	tr.RemoveForCards("a", "never-tracked")
	assert.False(t, tr.Has("a"))
}

func TestTransplant(t *testing.T) {
	tr := New("deck")
	tr.Transplant("a", 4.2, true)
	tr.Transplant("b", 0, false)
	v, ok := tr.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 4.2, v)
	_, ok = tr.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, tr.Keys())
}

func TestPersistence(t *testing.T) {
	st, err := meta.Connect(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer st.Close()

	tr, err := Open(st, "deck")
	require.NoError(t, err)
	tr.Set("a", 5.8)
	tr.Track("b")
	require.NoError(t, tr.Flush())

	entries, _, err := st.Read("deck", meta.Baselines)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "5.8", string(entries[0].Value))
	assert.Equal(t, "null", string(entries[1].Value))

	reloaded, err := Open(st, "deck")
	require.NoError(t, err)
	v, ok := reloaded.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 5.8, v)
	assert.True(t, reloaded.Has("b"))

	require.NoError(t, reloaded.Delete())
	_, found, err := st.Read("deck", meta.Baselines)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenMalformed(t *testing.T) {
	st, err := meta.Connect(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Write("deck", meta.Baselines, []meta.Entry{{Key: []byte("a"), Value: []byte(`"fast"`)}}))
	_, err = Open(st, "deck")
	assert.True(t, errors.Is(err, meta.ErrMalformedRecord))
}
