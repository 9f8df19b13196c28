package userdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"postpart-sync/internal/auth"
	"postpart-sync/internal/backend"
	"postpart-sync/internal/cache"
	"postpart-sync/internal/checkin"
	"postpart-sync/internal/models"
	"postpart-sync/internal/realtime"
	"postpart-sync/internal/refresh"
)

var (
	// ErrNotSignedIn is returned by actions called without a session.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrUnknownCategory is returned by RefreshCategory for an unknown name.
	ErrUnknownCategory = errors.New("unknown refresh category")
)

// Session is the part of auth.Manager the context depends on.
type Session interface {
	Subscribe() <-chan auth.Event
	CurrentUserID() string
	HandleAuthError(err error) bool
}

var _ Session = (*auth.Manager)(nil)

// Deps are the collaborators of a Context. Feed may be nil, in which case
// only the poll keeps data fresh.
type Deps struct {
	Store   backend.Store
	Feed    backend.ChangeFeed
	Cache   *cache.Store
	Session Session
}

// Options tune refresh behaviour.
type Options struct {
	PollInterval time.Duration
	Loader       refresh.LoaderOptions
}

// Context owns the client state of the signed-in parent. It follows the
// session: sign-in starts it, sign-out clears it.
type Context struct {
	store     backend.Store
	cache     *cache.Store
	session   Session
	events    <-chan auth.Event
	state     *State
	loader    *refresh.Loader
	scheduler *refresh.Scheduler
	realtime  *realtime.Manager
	engine    *checkin.Engine
	logger    *zap.Logger
	now       func() time.Time

	lifecycle sync.Mutex
	active    *auth.Session
	handle    *realtime.Handle

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

// New wires a Context. It subscribes to session events immediately so a
// sign-in that happens before Run is not missed.
func New(deps Deps, opts Options, logger *zap.Logger) *Context {
	state := NewState(logger)
	loader := refresh.NewLoader(deps.Store, state, deps.Cache, deps.Session, opts.Loader, logger)
	scheduler := refresh.NewScheduler(loader, opts.PollInterval, logger)

	c := &Context{
		store:     deps.Store,
		cache:     deps.Cache,
		session:   deps.Session,
		events:    deps.Session.Subscribe(),
		state:     state,
		loader:    loader,
		scheduler: scheduler,
		engine:    checkin.NewEngine(deps.Store, logger),
		logger:    logger,
		now:       time.Now,
	}
	if deps.Feed != nil {
		c.realtime = realtime.NewManager(deps.Feed, deps.Store, scheduler, deps.Session, logger)
	}
	state.onChange(c.notify)
	return c
}

// Run follows session events until ctx ends, then shuts down. The cache is
// kept so the next run can paint from it; only a sign-out clears it.
func (c *Context) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Shutdown(context.WithoutCancel(ctx))
			return nil
		case ev := <-c.events:
			switch ev.Type {
			case auth.SignedIn:
				if err := c.Start(ctx, ev.Session); err != nil {
					c.logger.Error("Failed to start user data", zap.String("user_id", ev.Session.UserID), zap.Error(err))
				}
			case auth.SignedOut:
				c.logger.Info("Session ended, clearing user data", zap.String("reason", ev.Reason))
				c.Teardown(ctx)
			}
		}
	}
}

// Start binds the context to session: cached data is painted, a full load
// runs, the change feed is attached and the poll starts. Starting the same
// session twice is a no-op; a different session replaces the current one.
func (c *Context) Start(ctx context.Context, session auth.Session) error {
	if session.UserID == "" {
		return ErrNotSignedIn
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if a := c.active; a != nil {
		if a.UserID == session.UserID && a.Generation == session.Generation {
			return nil
		}
		c.teardownLocked(ctx)
	}

	userID := session.UserID
	logger := c.logger.With(zap.String("user_id", userID), zap.Uint64("generation", session.Generation))

	c.state.Reset(userID, session.Generation)
	c.state.SetLoading(true)
	painted := c.loader.Paint(ctx, userID)

	profile, err := c.scheduler.LoadCategories(ctx, userID, models.DependentCategories, false)
	if err != nil {
		logger.Warn("Initial load failed, showing cached data", zap.Int("cached_categories", painted), zap.Error(err))
	}

	if c.realtime != nil {
		h, err := c.realtime.Attach(ctx, userID, profile)
		if err != nil {
			logger.Warn("Change feed unavailable, relying on poll", zap.Error(err))
		}
		c.handle = h
	}
	c.scheduler.Start(ctx, userID)

	s := session
	c.active = &s
	c.state.SetLoading(false)
	logger.Info("User data started", zap.Int("cached_categories", painted))
	return nil
}

// Teardown clears every field and the cache, detaches the feed and stops the poll.
func (c *Context) Teardown(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.teardownLocked(ctx)
}

func (c *Context) teardownLocked(ctx context.Context) {
	c.state.Reset("", 0)

	c.stopLocked(ctx)
	if c.cache != nil {
		c.cache.Clear(ctx)
	}
	if c.active != nil {
		c.logger.Info("User data cleared", zap.String("user_id", c.active.UserID))
	}
	c.active = nil
}

// Shutdown stops the poll and detaches the feed for process exit. The session,
// the in-memory state and the cache are left as they are.
func (c *Context) Shutdown(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stopLocked(ctx)
	if c.active != nil {
		c.logger.Info("User data stopped", zap.String("user_id", c.active.UserID))
	}
	c.active = nil
}

func (c *Context) stopLocked(ctx context.Context) {
	c.scheduler.Stop()
	if c.handle != nil {
		if err := c.realtime.Detach(ctx, c.handle); err != nil {
			c.logger.Warn("Failed to detach change feed", zap.Error(err))
		}
		c.handle = nil
	}
}

// Snapshot returns the current state.
func (c *Context) Snapshot() Snapshot {
	return c.state.Snapshot()
}

// OnChange registers fn to receive a snapshot after every state change.
func (c *Context) OnChange(fn func(Snapshot)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Context) notify() {
	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	snap := c.state.Snapshot()
	for _, fn := range listeners {
		fn(snap)
	}
}

// userID returns the user the state belongs to if that user is still the
// signed-in one.
func (c *Context) userID() (string, error) {
	id, _ := c.state.Session()
	if id == "" || id != c.session.CurrentUserID() {
		return "", ErrNotSignedIn
	}
	return id, nil
}

func (c *Context) refresh(ctx context.Context, categories []models.Category) error {
	userID, err := c.userID()
	if err != nil {
		return err
	}
	done := c.state.BeginRefresh()
	defer done()
	if err := c.scheduler.RefreshCategories(ctx, userID, categories, true); err != nil {
		c.session.HandleAuthError(err)
		return err
	}
	return nil
}

// RefreshAll reloads everything, bypassing the cache write.
func (c *Context) RefreshAll(ctx context.Context) error {
	return c.refresh(ctx, models.DependentCategories)
}

func (c *Context) RefreshChildren(ctx context.Context) error {
	return c.refresh(ctx, []models.Category{models.CategoryChildren})
}

func (c *Context) RefreshCheckIns(ctx context.Context) error {
	return c.refresh(ctx, []models.Category{models.CategoryActiveCheckIn, models.CategoryRecentCheckIns})
}

func (c *Context) RefreshStats(ctx context.Context) error {
	return c.refresh(ctx, []models.Category{models.CategoryStats, models.CategoryFrequentCentres})
}

func (c *Context) RefreshNotifications(ctx context.Context) error {
	return c.refresh(ctx, []models.Category{models.CategoryNotifications})
}

// RefreshCategory dispatches by name: all, children, checkins, stats or notifications.
func (c *Context) RefreshCategory(ctx context.Context, name string) error {
	switch name {
	case "all":
		return c.RefreshAll(ctx)
	case "children":
		return c.RefreshChildren(ctx)
	case "checkins":
		return c.RefreshCheckIns(ctx)
	case "stats":
		return c.RefreshStats(ctx)
	case "notifications":
		return c.RefreshNotifications(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCategory, name)
	}
}

// ClearCache drops every cached entry. In-memory state is kept.
func (c *Context) ClearCache(ctx context.Context) {
	if c.cache != nil {
		c.cache.Clear(ctx)
	}
}

// HandleAppState forwards a foreground state change to the scheduler.
func (c *Context) HandleAppState(ctx context.Context, st refresh.AppState) bool {
	return c.scheduler.HandleAppState(ctx, st)
}

// CheckIn scans rawCode for childID and refreshes check-in data on success.
func (c *Context) CheckIn(ctx context.Context, rawCode, childID string) (*checkin.Result, error) {
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	res, err := c.engine.CheckIn(ctx, userID, rawCode, childID)
	if err != nil {
		c.session.HandleAuthError(err)
		return nil, err
	}
	c.afterCheckInChange(ctx, userID)
	return res, nil
}

// CheckOut closes the open check-in, if any, and refreshes check-in data.
func (c *Context) CheckOut(ctx context.Context) (*checkin.Result, error) {
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	res, err := c.engine.CheckOut(ctx, userID)
	if err != nil {
		c.session.HandleAuthError(err)
		return nil, err
	}
	c.afterCheckInChange(ctx, userID)
	return res, nil
}

func (c *Context) afterCheckInChange(ctx context.Context, userID string) {
	if err := c.scheduler.RefreshCategories(ctx, userID, models.CategoriesFor(models.EntityCheckIns), true); err != nil {
		c.logger.Debug("Refresh after check-in change failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// MarkNotificationRead marks one of the parent's notifications read.
func (c *Context) MarkNotificationRead(ctx context.Context, parentNotificationID string) error {
	userID, err := c.userID()
	if err != nil {
		return err
	}
	if err := c.store.MarkNotificationRead(ctx, userID, parentNotificationID, c.now().UTC()); err != nil {
		c.session.HandleAuthError(err)
		return fmt.Errorf("mark notification read: %w", err)
	}
	if err := c.scheduler.RefreshCategories(ctx, userID, []models.Category{models.CategoryNotifications}, true); err != nil {
		c.logger.Debug("Refresh after mark-read failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}
