// Package objectstoretest holds helpers for testing code against
// objectstore.Store: a behavioural contract suite every backend must pass
// and a fault-injecting wrapper.
package objectstoretest

import (
	"context"
	"fmt"
	"testing"

	"github.com/cuongbtq/spot-pipeline/shared/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunContract exercises the semantics shared by all backends. newStore must
// return an empty store on every call.
func RunContract(t *testing.T, newStore func(t *testing.T) objectstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("put then get returns payload", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "bucket", "input/a.png", []byte("hello"), objectstore.Metadata{ContentType: "image/png"}))

		data, info, err := s.Get(ctx, "bucket", "input/a.png")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
		assert.Equal(t, int64(5), info.Size)
		assert.Equal(t, "input/a.png", info.Key)
	})

	t.Run("content type is stored with the object", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "bucket", "jobs/abc", []byte(`{"id":"abc"}`), objectstore.Metadata{ContentType: "application/json"}))

		_, info, err := s.Get(ctx, "bucket", "jobs/abc")
		require.NoError(t, err)
		assert.Equal(t, "application/json", info.ContentType)

		info, err = s.Stat(ctx, "bucket", "jobs/abc")
		require.NoError(t, err)
		assert.Equal(t, "application/json", info.ContentType)

		page, err := s.List(ctx, "bucket", "jobs/", "", 10)
		require.NoError(t, err)
		require.Len(t, page.Objects, 1)
		assert.Equal(t, "application/json", page.Objects[0].ContentType)

		require.NoError(t, s.Put(ctx, "bucket", "jobs/abc", []byte("gray"), objectstore.Metadata{ContentType: "image/png"}))
		info, err = s.Stat(ctx, "bucket", "jobs/abc")
		require.NoError(t, err)
		assert.Equal(t, "image/png", info.ContentType)
	})

	t.Run("put overwrites existing object", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "bucket", "k", []byte("first"), objectstore.Metadata{}))
		require.NoError(t, s.Put(ctx, "bucket", "k", []byte("second!"), objectstore.Metadata{}))

		data, info, err := s.Get(ctx, "bucket", "k")
		require.NoError(t, err)
		assert.Equal(t, "second!", string(data))
		assert.Equal(t, int64(7), info.Size)
	})

	t.Run("missing key is not found", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.Get(ctx, "bucket", "missing")
		assert.ErrorIs(t, err, objectstore.ErrNotFound)

		_, err = s.Stat(ctx, "bucket", "missing")
		assert.ErrorIs(t, err, objectstore.ErrNotFound)

		err = s.Delete(ctx, "bucket", "missing")
		assert.ErrorIs(t, err, objectstore.ErrNotFound)

		ok, err := s.Exists(ctx, "bucket", "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete removes object", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "bucket", "jobs/1", []byte("{}"), objectstore.Metadata{}))

		ok, err := s.Exists(ctx, "bucket", "jobs/1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "bucket", "jobs/1"))

		ok, err = s.Exists(ctx, "bucket", "jobs/1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list filters by prefix and paginates", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Put(ctx, "bucket", fmt.Sprintf("jobs/%d", i), []byte("x"), objectstore.Metadata{}))
		}
		require.NoError(t, s.Put(ctx, "bucket", "outputs/0", []byte("y"), objectstore.Metadata{}))

		var keys []string
		marker := ""
		pages := 0
		for {
			page, err := s.List(ctx, "bucket", "jobs/", marker, 2)
			require.NoError(t, err)
			pages++
			for _, obj := range page.Objects {
				keys = append(keys, obj.Key)
			}
			if page.NextMarker == "" {
				break
			}
			marker = page.NextMarker
		}

		assert.Equal(t, []string{"jobs/0", "jobs/1", "jobs/2", "jobs/3", "jobs/4"}, keys)
		assert.GreaterOrEqual(t, pages, 3)
	})

	t.Run("list of empty container is empty", func(t *testing.T) {
		s := newStore(t)
		page, err := s.List(ctx, "empty", "", "", 10)
		require.NoError(t, err)
		assert.Empty(t, page.Objects)
		assert.Empty(t, page.NextMarker)
	})

	t.Run("walk visits every object", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Put(ctx, "bucket", fmt.Sprintf("a/%d", i), []byte("x"), objectstore.Metadata{}))
		}

		var seen []string
		err := objectstore.Walk(ctx, s, "bucket", "", func(obj objectstore.ObjectInfo) error {
			seen = append(seen, obj.Key)
			return nil
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a/0", "a/1", "a/2"}, seen)
	})

	t.Run("create if absent", func(t *testing.T) {
		s := newStore(t)
		cs, ok := s.(objectstore.ConditionalStore)
		if !ok {
			t.Skip("backend has no conditional create")
		}

		require.NoError(t, cs.CreateIfAbsent(ctx, "bucket", "leases/1", []byte("a"), objectstore.Metadata{ContentType: "application/json"}))
		err := cs.CreateIfAbsent(ctx, "bucket", "leases/1", []byte("b"), objectstore.Metadata{ContentType: "text/plain"})
		assert.ErrorIs(t, err, objectstore.ErrConflict)

		data, info, err := s.Get(ctx, "bucket", "leases/1")
		require.NoError(t, err)
		assert.Equal(t, "a", string(data))
		assert.Equal(t, "application/json", info.ContentType)
	})
}
