package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/orchestration/oerr"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := record{Name: "alpha", Count: 3}
	require.NoError(t, s.Put("alpha", want))

	var got record
	require.NoError(t, s.Get("alpha", &got))
	assert.Equal(t, want, got)
}

func TestStore_GetMissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	var got record
	err := s.Get("nope", &got)
	require.Error(t, err)
	assert.True(t, oerr.IsKind(err, oerr.NotFound))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutOverwrites(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("k", record{Name: "first"}))
	require.NoError(t, s.Put("k", record{Name: "second"}))

	var got record
	require.NoError(t, s.Get("k", &got))
	assert.Equal(t, "second", got.Name)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("k", record{Name: "x"}))
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k")) // missing key is a no-op

	assert.False(t, s.Exists("k"))
}

func TestStore_Keys(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("a", record{}))
	require.NoError(t, s.Put("b", record{}))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestStore_RejectsPathTraversalKeys(t *testing.T) {
	s := newTestStore(t)

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		err := s.Put(key, record{})
		require.Error(t, err, "key %q should be rejected", key)
		assert.True(t, oerr.IsKind(err, oerr.Validation))
	}
}

func TestStore_ConcurrentPutsSameKey(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Put("shared", record{Count: n})
		}(i)
	}
	wg.Wait()

	// Atomic rename means the final document is one complete write,
	// never a torn mix of two.
	var got record
	require.NoError(t, s.Get("shared", &got))
	assert.GreaterOrEqual(t, got.Count, 0)
	assert.Less(t, got.Count, 20)
}
