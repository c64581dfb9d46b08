package expiry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func entry(key string, ttl time.Duration) Entry {
	e := Entry{Key: key, Value: json.RawMessage(`{"v":"` + key + `"}`), CreatedAt: epoch}
	if ttl > 0 {
		e.ExpiresAt = epoch.Add(ttl)
	}
	return e
}

// runStoreConformance exercises the Store contract against one backend.
func runStoreConformance(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, entry("a", 0)))

		got, err := s.Get(ctx, "a", epoch)
		require.NoError(t, err)
		assert.Equal(t, "a", got.Key)
		assert.JSONEq(t, `{"v":"a"}`, string(got.Value))
		assert.True(t, got.ExpiresAt.IsZero())
	})

	t.Run("missing key", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, "nope", epoch)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrNotFound)
	})

	t.Run("expired entries are hidden", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, entry("short", time.Second)))
		require.NoError(t, s.Put(ctx, entry("forever", 0)))

		_, err := s.Get(ctx, "short", epoch)
		require.NoError(t, err)

		later := epoch.Add(time.Second)
		_, err = s.Get(ctx, "short", later)
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.List(ctx, later)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "forever", list[0].Key)
	})

	t.Run("list is ordered", func(t *testing.T) {
		s := open(t)
		for _, k := range []string{"c", "a", "b"} {
			require.NoError(t, s.Put(ctx, entry(k, 0)))
		}
		list, err := s.List(ctx, epoch)
		require.NoError(t, err)
		keys := make([]string, 0, len(list))
		for _, e := range list {
			keys = append(keys, e.Key)
		}
		assert.Equal(t, []string{"a", "b", "c"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, entry("a", 0)))
		require.NoError(t, s.Delete(ctx, "a"))
		_, err := s.Get(ctx, "a", epoch)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("purge expired", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, entry("b", time.Second)))
		require.NoError(t, s.Put(ctx, entry("a", 2*time.Second)))
		require.NoError(t, s.Put(ctx, entry("keep", time.Hour)))
		require.NoError(t, s.Put(ctx, entry("forever", 0)))

		purged, err := s.PurgeExpired(ctx, epoch)
		require.NoError(t, err)
		assert.Empty(t, purged)

		purged, err = s.PurgeExpired(ctx, epoch.Add(5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, purged)

		// Purged entries are gone even for an earlier clock.
		_, err = s.Get(ctx, "a", epoch)
		assert.ErrorIs(t, err, ErrNotFound)

		purged, err = s.PurgeExpired(ctx, epoch.Add(5*time.Second))
		require.NoError(t, err)
		assert.Empty(t, purged)
	})

	t.Run("canceled context", func(t *testing.T) {
		s := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, s.Put(cctx, entry("a", 0)), context.Canceled)
		_, err := s.PurgeExpired(cctx, epoch)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.Error(t, s.Put(context.Background(), entry("a", 0)))
	_, err := s.PurgeExpired(context.Background(), epoch)
	assert.Error(t, err)
}

func TestBadgerStore_InMemory(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		s, err := OpenBadgerStore("")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, entry("durable", time.Hour)))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "durable", epoch)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(epoch.Add(time.Hour)))
}

func TestOpen(t *testing.T) {
	s, err := Open(StoreConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(StoreConfig{Backend: BackendBadger})
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(StoreConfig{Backend: "redis"})
	assert.ErrorContains(t, err, "unknown store backend")
}
