// Package vstoretest holds the compliance tests for [vstore.Store] implementations.
package vstoretest

import (
	"context"
	"testing"
	"time"

	"github.com/flipsession/vsession/vstate"
	"github.com/flipsession/vsession/vstore"
	"github.com/stretchr/testify/require"
)

// StoreFactory returns a new, empty store for a single test.
type StoreFactory func(t *testing.T) vstore.Store

// TestStoreCompliance runs every compliance test against stores from f.
func TestStoreCompliance(t *testing.T, f StoreFactory) {
	t.Run("missing key", func(t *testing.T) {
		t.Parallel()

		s := f(t)
		_, err := s.Get(context.Background(), "nope")
		require.ErrorIs(t, err, vstore.ErrNotFound)
	})

	t.Run("put then get", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		require.NoError(t, s.Put(ctx, "a", []byte("one")))
		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, []byte("one"), got)

		require.NoError(t, s.Put(ctx, "a", []byte("two")))
		got, err = s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, []byte("two"), got)

		_, err = s.Get(ctx, "b")
		require.ErrorIs(t, err, vstore.ErrNotFound)
	})

	t.Run("empty value", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		require.NoError(t, s.Put(ctx, "e", nil))
		got, err := s.Get(ctx, "e")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("value not aliased", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		v := []byte("abc")
		require.NoError(t, s.Put(ctx, "k", v))
		v[0] = 'X'

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), got)

		got[1] = 'Y'
		again, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), again)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		require.NoError(t, s.Delete(ctx, "never set"))

		require.NoError(t, s.Put(ctx, "d", []byte("x")))
		require.NoError(t, s.Delete(ctx, "d"))
		_, err := s.Get(ctx, "d")
		require.ErrorIs(t, err, vstore.ErrNotFound)
	})

	t.Run("validation state round trip", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		st, err := vstore.LoadValidation(ctx, s)
		require.NoError(t, err)
		require.Equal(t, vstate.Initial(), st)

		st.Epoch = 12
		st.Retries = []time.Time{time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
		st.Short.Flips = []vstate.Flip{{
			Hash: "0xa", Ready: true, Loaded: true,
			Pics:   [][]byte{[]byte("p")},
			Orders: [][]int{{0}},
			URLs:   []string{"blob:0xa/0"},
		}}
		st.Short.Answers = []vstate.Choice{{Answer: vstate.AnswerRight, Recorded: true}}
		st.Long.Submitted = true

		require.NoError(t, vstore.SaveValidation(ctx, s, st))

		got, err := vstore.LoadValidation(ctx, s)
		require.NoError(t, err)
		require.Equal(t, st, got)
	})

	t.Run("settings round trip", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		s := f(t)

		set, err := vstore.LoadSettings(ctx, s)
		require.NoError(t, err)
		require.Equal(t, vstore.DefaultSettings(), set)

		saved, err := vstore.SaveSettings(ctx, s, vstore.Settings{Language: "ru-RU"})
		require.NoError(t, err)
		require.Equal(t, "ru", saved.Language)

		set, err = vstore.LoadSettings(ctx, s)
		require.NoError(t, err)
		require.Equal(t, saved, set)
	})
}
