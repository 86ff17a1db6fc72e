// Package storetest holds the behavior every annotator.Store must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) annotator.Store

// Run exercises upsert semantics against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("first save creates record", func(t *testing.T) {
		store := newStore(t)
		defer store.Close() //nolint:errcheck // test cleanup
		ctx := context.Background()

		res, err := store.Upsert(ctx, "0", map[string]string{"category": "news", "tags": "a;b"}, "Al")
		require.NoError(t, err)
		require.True(t, res.Created)
		require.Empty(t, res.Previous)
		require.Nil(t, res.Conflict())
		require.Equal(t, "Al", res.Record.Annotator)
		require.Equal(t, map[string]string{"category": "news", "tags": "a;b"}, res.Record.Values)

		rec, ok, err := store.Get(ctx, "0")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, res.Record, rec)
	})

	t.Run("upsert replaces values without merging", func(t *testing.T) {
		store := newStore(t)
		defer store.Close() //nolint:errcheck // test cleanup
		ctx := context.Background()

		_, err := store.Upsert(ctx, "1", map[string]string{"category": "news", "notes": "first"}, "Al")
		require.NoError(t, err)
		res, err := store.Upsert(ctx, "1", map[string]string{"category": "shop"}, "Al")
		require.NoError(t, err)
		require.False(t, res.Created)
		require.Equal(t, "Al", res.Previous)
		require.Nil(t, res.Conflict())

		rec, ok, err := store.Get(ctx, "1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "shop", rec.Values["category"])
		require.Empty(t, rec.Values["notes"])
	})

	t.Run("ownership transfers with conflict warning", func(t *testing.T) {
		store := newStore(t)
		defer store.Close() //nolint:errcheck // test cleanup
		ctx := context.Background()

		_, err := store.Upsert(ctx, "2", map[string]string{"category": "news"}, "Al")
		require.NoError(t, err)
		res, err := store.Upsert(ctx, "2", map[string]string{"category": "shop"}, "Bo")
		require.NoError(t, err)
		require.Equal(t, "Bo", res.Record.Annotator)
		conflict := res.Conflict()
		require.NotNil(t, conflict)
		require.Equal(t, "Al", conflict.Previous)

		same, err := store.Upsert(ctx, "2", map[string]string{"category": "shop"}, "bo")
		require.NoError(t, err)
		require.Nil(t, same.Conflict())
	})

	t.Run("all returns every saved row", func(t *testing.T) {
		store := newStore(t)
		defer store.Close() //nolint:errcheck // test cleanup
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := store.Upsert(ctx, fmt.Sprint(i), map[string]string{"category": fmt.Sprint("c", i)}, "Al")
			require.NoError(t, err)
		}
		all, err := store.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "c1", all["1"].Values["category"])

		_, ok, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("concurrent upserts keep one consistent record", func(t *testing.T) {
		store := newStore(t)
		defer store.Close() //nolint:errcheck // test cleanup
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				who := fmt.Sprint("R", i)
				_, err := store.Upsert(ctx, "hot", map[string]string{"category": who}, who)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		rec, ok, err := store.Get(ctx, "hot")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, rec.Annotator, rec.Values["category"])
	})
}
