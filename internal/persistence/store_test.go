package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// runStoreContract exercises the full EventStore contract against one
// backend. Every implementation must pass it unchanged.
func runStoreContract(t *testing.T, store EventStore) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))
	})

	t.Run("get missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "contract:missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, store.SetWithTTL(ctx, "contract:kv", []byte(`{"a":1}`), time.Hour))
		blob, err := store.Get(ctx, "contract:kv")
		require.NoError(t, err)
		require.JSONEq(t, `{"a":1}`, string(blob))
	})

	t.Run("timeline range ascending", func(t *testing.T) {
		key := "contract:timeline"
		require.NoError(t, store.AddToTimeline(ctx, key, 300, "ev-3"))
		require.NoError(t, store.AddToTimeline(ctx, key, 100, "ev-1"))
		require.NoError(t, store.AddToTimeline(ctx, key, 200, "ev-2"))

		members, err := store.RangeByScore(ctx, key, 100, 300)
		require.NoError(t, err)
		require.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, members)

		members, err = store.RangeByScore(ctx, key, 150, 250)
		require.NoError(t, err)
		require.Equal(t, []string{"ev-2"}, members)

		members, err = store.RangeByScore(ctx, key, 400, 500)
		require.NoError(t, err)
		require.Empty(t, members)
	})

	t.Run("timeline member score update", func(t *testing.T) {
		key := "contract:rescore"
		require.NoError(t, store.AddToTimeline(ctx, key, 10, "ev-x"))
		require.NoError(t, store.AddToTimeline(ctx, key, 99, "ev-x"))

		members, err := store.RangeByScore(ctx, key, 0, 50)
		require.NoError(t, err)
		require.Empty(t, members, "old score must be replaced")

		members, err = store.RangeByScore(ctx, key, 90, 100)
		require.NoError(t, err)
		require.Equal(t, []string{"ev-x"}, members)
	})

	t.Run("stream append", func(t *testing.T) {
		key := "contract:stream"
		for i := 0; i < 5; i++ {
			require.NoError(t, store.AppendStream(ctx, key, []byte(fmt.Sprintf("e%d", i)), 100))
		}
	})

	t.Run("dead letter push", func(t *testing.T) {
		key := "contract:dlq"
		for i := 0; i < 3; i++ {
			require.NoError(t, store.PushDeadLetter(ctx, key, []byte(fmt.Sprintf("d%d", i)), 10))
		}
	})
}

func TestMemoryEventStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryEventStore())
}

func TestMemoryEventStoreTrimsAndExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendStream(ctx, "s", []byte{byte(i)}, 4))
	}
	require.Equal(t, 4, store.StreamLen("s"))

	for i := 0; i < 10; i++ {
		require.NoError(t, store.PushDeadLetter(ctx, "d", []byte{byte(i)}, 3))
	}
	require.Equal(t, 3, store.DeadLetterCount("d"))

	require.NoError(t, store.SetWithTTL(ctx, "short", []byte("v"), time.Nanosecond))
	time.Sleep(5 * time.Millisecond)
	_, err := store.Get(ctx, "short")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisEventStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runStoreContract(t, NewRedisEventStore(client))
}

func TestRedisEventStoreTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisEventStore(client)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "ttl:key", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := store.Get(ctx, "ttl:key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteEventStoreContract(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteEventStore(db)
	require.NoError(t, err)

	runStoreContract(t, store)
}

func TestSQLiteEventStoreExpiry(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteEventStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "short", []byte("v"), time.Nanosecond))
	time.Sleep(5 * time.Millisecond)
	_, err = store.Get(ctx, "short")
	require.ErrorIs(t, err, ErrNotFound)
}
