package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postpart-sync/internal/backend/memory"
	"postpart-sync/internal/models"
)

func newScheduler(t *testing.T, store *memory.Store, sink *recordingSink, interval time.Duration) *Scheduler {
	t.Helper()
	l := NewLoader(store, sink, nil, nil, LoaderOptions{}, zap.NewNop())
	s := NewScheduler(l, interval, zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func TestParseAppState(t *testing.T) {
	st, ok := ParseAppState(" Active ")
	assert.True(t, ok)
	assert.Equal(t, AppActive, st)
	_, ok = ParseAppState("sleeping")
	assert.False(t, ok)
}

// Backgrounded then foregrounded: exactly one refresh on the transition.
func TestHandleAppState_OneRefreshPerTransition(t *testing.T) {
	store := seedStore(models.StatusActive)
	s := newScheduler(t, store, newSink(user), time.Hour)
	s.Start(context.Background(), user)
	ctx := context.Background()

	assert.False(t, s.HandleAppState(ctx, AppActive))
	assert.False(t, s.HandleAppState(ctx, AppBackground))
	assert.Equal(t, 0, store.Calls(memory.OpGetProfile))

	assert.True(t, s.HandleAppState(ctx, AppActive))
	assert.Equal(t, 1, store.Calls(memory.OpGetProfile))
	assert.Equal(t, 1, store.Calls(memory.OpListChildren))

	assert.False(t, s.HandleAppState(ctx, AppActive))
	assert.Equal(t, 1, store.Calls(memory.OpGetProfile))

	assert.False(t, s.HandleAppState(ctx, AppInactive))
	assert.True(t, s.HandleAppState(ctx, AppActive))
	assert.Equal(t, 2, store.Calls(memory.OpGetProfile))
}

func TestHandleAppState_NoUser(t *testing.T) {
	store := seedStore(models.StatusActive)
	s := newScheduler(t, store, newSink(user), time.Hour)

	s.HandleAppState(context.Background(), AppBackground)
	assert.False(t, s.HandleAppState(context.Background(), AppActive))
	assert.Equal(t, 0, store.Calls(memory.OpGetProfile))
}

func TestPoll_RunsWhileActiveAndPausesInBackground(t *testing.T) {
	store := seedStore(models.StatusActive)
	s := newScheduler(t, store, newSink(user), 10*time.Millisecond)
	s.Start(context.Background(), user)

	assert.Eventually(t, func() bool { return store.Calls(memory.OpGetProfile) >= 2 }, time.Second, 5*time.Millisecond)

	s.HandleAppState(context.Background(), AppBackground)
	time.Sleep(30 * time.Millisecond)
	paused := store.Calls(memory.OpGetProfile)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, paused, store.Calls(memory.OpGetProfile))

	s.Stop()
	assert.Equal(t, "", s.CurrentUserID())
}

// gatedStore holds GetProfile until the gate opens.
type gatedStore struct {
	*memory.Store
	gate    chan struct{}
	entered atomic.Int32
}

func (g *gatedStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	g.entered.Add(1)
	<-g.gate
	return g.Store.GetProfile(ctx, userID)
}

func TestRefresh_ConcurrentIdenticalCallsCoalesce(t *testing.T) {
	g := &gatedStore{Store: seedStore(models.StatusActive), gate: make(chan struct{})}
	l := NewLoader(g, newSink(user), nil, nil, LoaderOptions{}, zap.NewNop())
	s := NewScheduler(l, time.Hour, zap.NewNop())

	var wg sync.WaitGroup
	refresh := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RefreshAll(context.Background(), user, true)
		}()
	}

	refresh()
	assert.Eventually(t, func() bool { return g.entered.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 4; i++ {
		refresh()
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), g.entered.Load())

	close(g.gate)
	wg.Wait()

	// the four late callers share a single trailing load
	assert.Equal(t, int32(2), g.entered.Load())
	assert.Equal(t, 2, g.Calls(memory.OpListChildren))
}

func TestRefresh_SequentialCallsDoNotReload(t *testing.T) {
	store := seedStore(models.StatusActive)
	s := newScheduler(t, store, newSink(user), time.Hour)

	s.RefreshAll(context.Background(), user, true)
	s.RefreshAll(context.Background(), user, true)
	assert.Equal(t, 2, store.Calls(memory.OpGetProfile))
}

// readThenWaitStore returns the first active check-in read, then blocks until
// the gate opens, so the row can change behind the in-flight load.
type readThenWaitStore struct {
	*memory.Store
	gate  chan struct{}
	read  chan struct{}
	calls atomic.Int32
}

func (r *readThenWaitStore) GetActiveCheckIn(ctx context.Context, parentID string) (*models.CheckIn, error) {
	c, err := r.Store.GetActiveCheckIn(ctx, parentID)
	if r.calls.Add(1) == 1 {
		close(r.read)
		<-r.gate
	}
	return c, err
}

func TestRefreshEntity_ChangeDuringLoadTriggersTrailingLoad(t *testing.T) {
	store := seedStore(models.StatusActive)
	store.PutCheckIn(models.CheckIn{ID: "open", ParentID: user, ChildID: "k1", CentreID: "centre-a", CheckInTime: time.Now()})
	r := &readThenWaitStore{Store: store, gate: make(chan struct{}), read: make(chan struct{})}
	sink := newSink(user)
	s := NewScheduler(NewLoader(r, sink, nil, nil, LoaderOptions{}, zap.NewNop()), time.Hour, zap.NewNop())

	var wg sync.WaitGroup
	change := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RefreshEntity(context.Background(), user, models.EntityCheckIns)
		}()
	}

	change()
	select {
	case <-r.read:
	case <-time.After(time.Second):
		t.Fatal("active check-in was never read")
	}

	require.NoError(t, store.SetCheckOutTime(context.Background(), user, "open", time.Now()))
	change()
	time.Sleep(50 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	assert.Equal(t, 0, store.OpenCheckIns(user))
	assert.Equal(t, int32(2), r.calls.Load())
	v, ok := sink.get(models.CategoryActiveCheckIn)
	require.True(t, ok)
	assert.Nil(t, v.(*models.CheckIn))
}

// Two change events close together: a failure in one category leaves the
// other's update intact.
func TestHandleChange_IndependentCategories(t *testing.T) {
	store := seedStore(models.StatusActive)
	sink := newSink(user)
	s := newScheduler(t, store, sink, time.Hour)
	s.Start(context.Background(), user)

	store.SetFault(memory.OpListNotifications, fmt.Errorf("list notifications: %w", models.ErrUnknownBackend))

	var wg sync.WaitGroup
	for _, e := range []models.Entity{models.EntityCheckIns, models.EntityNotifications} {
		wg.Add(1)
		go func(e models.Entity) {
			defer wg.Done()
			s.HandleChange(context.Background(), e)
		}(e)
	}
	wg.Wait()

	for _, c := range models.CategoriesFor(models.EntityCheckIns) {
		_, ok := sink.get(c)
		assert.True(t, ok, string(c))
	}
	_, ok := sink.get(models.CategoryNotifications)
	assert.False(t, ok)
	_, ok = sink.get(models.CategoryChildren)
	assert.False(t, ok)
}

func TestHandleChange_UnknownEntityAndNoUser(t *testing.T) {
	store := seedStore(models.StatusActive)
	s := newScheduler(t, store, newSink(user), time.Hour)

	s.HandleChange(context.Background(), models.EntityCheckIns)
	assert.Equal(t, 0, store.Calls(memory.OpGetProfile))

	s.Start(context.Background(), user)
	s.HandleChange(context.Background(), models.Entity("centres"))
	assert.Equal(t, 0, store.Calls(memory.OpGetProfile))
}

func TestRefreshProfile(t *testing.T) {
	store := seedStore(models.StatusActive)
	sink := newSink(user)
	s := newScheduler(t, store, sink, time.Hour)

	p, err := s.RefreshProfile(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, user, p.ID)
	assert.Equal(t, 0, store.Calls(memory.OpListChildren))

	store.SetFault(memory.OpGetProfile, models.ErrNetworkUnavailable)
	_, err = s.RefreshProfile(context.Background(), user)
	assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
}

func TestFlightKey(t *testing.T) {
	a := flightKey(user, []models.Category{models.CategoryStats, models.CategoryChildren}, true)
	b := flightKey(user, []models.Category{models.CategoryChildren, models.CategoryStats}, true)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, flightKey(user, []models.Category{models.CategoryChildren, models.CategoryStats}, false))
	assert.NotEqual(t, a, flightKey("u2", []models.Category{models.CategoryChildren, models.CategoryStats}, true))
}
