package redisstream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type collector struct {
	mu     sync.Mutex
	events []backend.Event
}

func (c *collector) handle(ev backend.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestFeed_DeliversOnlyNewMatchingEntries(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	f := New(client, "", 50*time.Millisecond, zap.NewNop())

	old := backend.Event{Entity: models.EntityCheckIns, Type: models.ChangeInsert, Record: json.RawMessage(`{"id":"old","parent_id":"u1"}`)}
	_, err := f.Publish(ctx, old, 0)
	require.NoError(t, err)

	c := &collector{}
	sub, err := f.Subscribe(ctx, backend.Filter{Entity: models.EntityCheckIns, Column: "parent_id", Value: "u1"}, c.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.Publish(ctx, backend.Event{Entity: models.EntityCheckIns, Type: models.ChangeInsert, Record: json.RawMessage(`{"id":"other","parent_id":"u2"}`)}, 0)
	require.NoError(t, err)
	_, err = f.Publish(ctx, backend.Event{Entity: models.EntityCheckIns, Type: models.ChangeUpdate, Record: json.RawMessage(`{"id":"ci-1","parent_id":"u1"}`)}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.mu.Lock()
	assert.Equal(t, "ci-1", c.events[0].RecordID)
	assert.Equal(t, models.ChangeUpdate, c.events[0].Type)
	c.mu.Unlock()
}

func TestFeed_CloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	client := setupTestRedis(t)
	f := New(client, "test:", 20*time.Millisecond, zap.NewNop())
	assert.Equal(t, "test:profiles", f.StreamKey(models.EntityProfiles))

	c := &collector{}
	sub, err := f.Subscribe(ctx, backend.Filter{Entity: models.EntityProfiles, Column: "id", Value: "u1"}, c.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = f.Publish(ctx, backend.Event{Entity: models.EntityProfiles, Type: models.ChangeUpdate, Record: json.RawMessage(`{"id":"u1"}`)}, 0)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}
