package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"postpart-sync/internal/cache"
	"postpart-sync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStore(kv cache.KV, c *clock) *cache.Store {
	return cache.NewStore(kv, "postpart:cache:", zap.NewNop()).WithClock(c.Now)
}

func TestStore_SetGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := newStore(cache.NewMemoryKV(), c)

	children := []models.Child{{ID: "c1", FirstName: "Ada"}, {ID: "c2", FirstName: "Alan"}}
	s.Set(ctx, cache.Key("u1", models.CategoryChildren), children, time.Minute)

	var got []models.Child
	require.True(t, s.Get(ctx, cache.Key("u1", models.CategoryChildren), &got))
	assert.Equal(t, children, got)
}

func TestStore_Get_ExpiredEntryIsEvicted(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	kv := cache.NewMemoryKV()
	s := newStore(kv, c)

	s.Set(ctx, "k", "v", time.Second)

	c.Advance(time.Second)
	var v string
	assert.True(t, s.Get(ctx, "k", &v), "ttl boundary is inclusive")

	c.Advance(time.Millisecond)
	assert.False(t, s.Get(ctx, "k", &v))

	_, err := kv.Get(ctx, "postpart:cache:k")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestStore_Set_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	kv := cache.NewMemoryKV()
	s := newStore(kv, c)

	s.Set(ctx, "k", 42, 0)

	raw, err := kv.Get(ctx, "postpart:cache:k")
	require.NoError(t, err)
	var env cache.Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, cache.DefaultTTL.Milliseconds(), env.TTL)
	assert.Equal(t, c.now.UnixMilli(), env.Timestamp)

	c.Advance(4 * time.Minute)
	var n int
	assert.True(t, s.Get(ctx, "k", &n))
	assert.Equal(t, 42, n)

	c.Advance(2 * time.Minute)
	assert.False(t, s.Get(ctx, "k", &n))
}

func TestStore_Get_CorruptEntryIsRemoved(t *testing.T) {
	ctx := context.Background()
	kv := cache.NewMemoryKV()
	s := newStore(kv, &clock{now: time.Now()})

	require.NoError(t, kv.Set(ctx, "postpart:cache:bad", "{not json", 0))

	var v map[string]any
	assert.False(t, s.Get(ctx, "bad", &v))

	_, err := kv.Get(ctx, "postpart:cache:bad")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestStore_Set_Overwrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(cache.NewMemoryKV(), &clock{now: time.Now()})

	s.Set(ctx, "k", "first", time.Minute)
	s.Set(ctx, "k", "second", time.Minute)

	var v string
	require.True(t, s.Get(ctx, "k", &v))
	assert.Equal(t, "second", v)
}

func TestStore_Clear_OnlyOwnNamespace(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	kv := cache.NewRedisKV(client)
	s := newStore(kv, &clock{now: time.Now()})

	s.Set(ctx, "a", 1, time.Minute)
	s.Set(ctx, "b", 2, time.Minute)
	require.NoError(t, client.Set(ctx, "other:key", "keep", 0).Err())

	assert.Equal(t, 2, s.Len(ctx))
	s.Clear(ctx)
	assert.Equal(t, 0, s.Len(ctx))

	val, err := client.Get(ctx, "other:key").Result()
	require.NoError(t, err)
	assert.Equal(t, "keep", val)
}

func TestStore_Redis_PersistsAcrossStores(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	c := &clock{now: time.Now()}

	newStore(cache.NewRedisKV(client), c).Set(ctx, "profile", models.Profile{ID: "u1", Status: models.StatusActive}, time.Minute)

	var p models.Profile
	require.True(t, newStore(cache.NewRedisKV(client), c).Get(ctx, "profile", &p))
	assert.Equal(t, "u1", p.ID)
	assert.True(t, p.IsActive())
}

func TestStore_Redis_Unavailable_IsMiss(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	s := newStore(cache.NewRedisKV(client), &clock{now: time.Now()})

	s.Set(ctx, "k", "v", time.Minute)
	mr.Close()

	var v string
	assert.False(t, s.Get(ctx, "k", &v))
	s.Set(ctx, "k", "v", time.Minute)
	s.Clear(ctx)
}

type failingKV struct{ cache.KV }

func (failingKV) Get(context.Context, string) (string, error) { return "", errors.New("disk full") }
func (failingKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("disk full")
}

func TestStore_PersistenceFailureIsSilent(t *testing.T) {
	ctx := context.Background()
	s := newStore(failingKV{KV: cache.NewMemoryKV()}, &clock{now: time.Now()})

	s.Set(ctx, "k", "v", time.Minute)
	var v string
	assert.False(t, s.Get(ctx, "k", &v))
}
