package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStoreTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisStore(rdb), mr
}

func TestRedisStoreHitScenario(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(store, WithClock(clock.Now), WithKeyPrefix("rl:"))
	p := NewPolicy(IdentityLogin, 5, 300, 1800)
	ctx := context.Background()

	for _, want := range []int{4, 3, 2, 1, 0} {
		res := l.Check(ctx, p, "alice@example.com")
		require.False(t, res.Limited)
		require.False(t, res.Degraded)
		assert.Equal(t, want, res.Remaining)
		clock.Advance(2 * time.Second)
		mr.FastForward(2 * time.Second)
	}

	res := l.Check(ctx, p, "alice@example.com")
	assert.True(t, res.Limited)
	assert.Equal(t, clock.Now().Add(1800*time.Second), res.ResetAt)

	key := "rl:identity-login:alice@example.com"
	assert.Equal(t, 1800*time.Second, mr.TTL(key), "transition sets the block ttl")

	clock.Advance(100 * time.Second)
	mr.FastForward(100 * time.Second)
	res = l.Check(ctx, p, "alice@example.com")
	assert.True(t, res.Limited)
	assert.Equal(t, 1700*time.Second, mr.TTL(key), "retries do not extend the block")
	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Count)
	assert.Equal(t, res.ResetAt, rec.BlockedUntil)
}

func TestRedisStoreKeyExpiresAfterWindow(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(store, WithClock(clock.Now))
	p := NewPolicy(GeneralAPI, 2, 60, 60)
	ctx := context.Background()

	l.Check(ctx, p, "fp")
	l.Check(ctx, p, "fp")

	mr.FastForward(61 * time.Second)
	clock.Advance(61 * time.Second)
	assert.False(t, mr.Exists("general-api:fp"), "ttl is the only cleanup")

	res := l.Check(ctx, p, "fp")
	assert.False(t, res.Limited)
	assert.Equal(t, 1, res.Remaining)
}

func TestRedisStoreGetSetRoundTrip(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := Record{Count: 3, WindowStart: time.Unix(100, 0), BlockedUntil: time.Unix(400, 0)}
	require.NoError(t, store.Set(ctx, "k", rec, 90*time.Second))

	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Count, got.Count)
	assert.True(t, rec.WindowStart.Equal(got.WindowStart))
	assert.True(t, rec.BlockedUntil.Equal(got.BlockedUntil))
	assert.Equal(t, 90*time.Second, mr.TTL("k"))

	require.NoError(t, store.Set(ctx, "counting", Record{Count: 1, WindowStart: time.Unix(100, 0)}, time.Minute))
	got, err = store.Get(ctx, "counting")
	require.NoError(t, err)
	assert.False(t, got.Blocked())
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	mr.Close()
	ctx := context.Background()

	_, _, err := store.Hit(ctx, "k", Rule{Limit: 1, Window: time.Second, Block: time.Second}, time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreUnavailable)

	res := New(store).Check(ctx, NewPolicy(GeneralAPI, 1, 1, 1), "fp")
	assert.True(t, res.Degraded)
	assert.False(t, res.Limited)
}
