// Package refresh loads user data from the backend into the client state and
// decides when to do it.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/cache"
	"postpart-sync/internal/models"
)

// Ticket identifies one fetch of one category. Seq is issued when the fetch
// starts and only increases.
type Ticket struct {
	UserID     string
	Generation uint64
	Category   models.Category
	Seq        uint64
}

// Sink receives category results.
type Sink interface {
	// Begin issues a ticket for a fetch of category. It returns false when
	// userID is no longer the signed-in user.
	Begin(userID string, category models.Category) (Ticket, bool)
	// Apply stores value unless a newer fetch of the same category was
	// already applied or the session changed. It reports whether value was stored.
	Apply(t Ticket, value any) bool
}

// AuthErrorHandler ends the session on an expired-credentials error.
type AuthErrorHandler interface {
	HandleAuthError(err error) bool
}

// LoaderOptions tunes list sizes and cache lifetime.
type LoaderOptions struct {
	RecentCheckInsLimit int
	CentresLimit        int
	CacheTTL            time.Duration
}

// Loader fetches categories and writes them to the Sink and, optionally, the cache.
type Loader struct {
	store  backend.Store
	sink   Sink
	cache  *cache.Store
	auth   AuthErrorHandler
	opts   LoaderOptions
	now    func() time.Time
	logger *zap.Logger
}

func NewLoader(store backend.Store, sink Sink, c *cache.Store, auth AuthErrorHandler, opts LoaderOptions, logger *zap.Logger) *Loader {
	if opts.RecentCheckInsLimit <= 0 {
		opts.RecentCheckInsLimit = 10
	}
	if opts.CentresLimit <= 0 {
		opts.CentresLimit = 5
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	return &Loader{
		store:  store,
		sink:   sink,
		cache:  c,
		auth:   auth,
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

// errSessionChanged is returned when the user signed out mid-load.
var errSessionChanged = errors.New("session changed during load")

// LoadFreshData reloads the profile and, for an active account, every
// dependent category.
func (l *Loader) LoadFreshData(ctx context.Context, userID string, skipCache bool) error {
	_, err := l.Load(ctx, userID, models.DependentCategories, skipCache)
	return err
}

// Load fetches the profile, then the requested dependent categories
// concurrently. Dependent categories are skipped for a non-active account.
// The returned error is the profile's; category failures are logged and leave
// the previous value of that category in place.
func (l *Loader) Load(ctx context.Context, userID string, categories []models.Category, skipCache bool) (*models.Profile, error) {
	profile, err := l.loadProfile(ctx, userID, skipCache)
	if err != nil {
		return nil, err
	}
	if !profile.IsActive() {
		l.logger.Debug("Account not active, skipping dependent data",
			zap.String("user_id", userID),
			zap.String("status", string(profile.Status)),
		)
		return profile, nil
	}

	var wg sync.WaitGroup
	for _, c := range categories {
		if c == models.CategoryProfile {
			continue
		}
		wg.Add(1)
		go func(c models.Category) {
			defer wg.Done()
			l.loadCategory(ctx, userID, profile, c, skipCache)
		}(c)
	}
	wg.Wait()
	return profile, nil
}

func (l *Loader) loadProfile(ctx context.Context, userID string, skipCache bool) (*models.Profile, error) {
	ticket, ok := l.sink.Begin(userID, models.CategoryProfile)
	if !ok {
		return nil, errSessionChanged
	}
	profile, err := l.store.GetProfile(ctx, userID)
	if err != nil {
		l.report(userID, models.CategoryProfile, err)
		return nil, fmt.Errorf("load profile: %w", err)
	}
	l.apply(ctx, ticket, profile, skipCache)
	return profile, nil
}

func (l *Loader) loadCategory(ctx context.Context, userID string, profile *models.Profile, c models.Category, skipCache bool) {
	ticket, ok := l.sink.Begin(userID, c)
	if !ok {
		return
	}
	value, err := l.fetch(ctx, userID, profile, c)
	if err != nil {
		l.report(userID, c, err)
		return
	}
	l.apply(ctx, ticket, value, skipCache)
}

func (l *Loader) apply(ctx context.Context, t Ticket, value any, skipCache bool) {
	if !l.sink.Apply(t, value) {
		l.logger.Debug("Discarding stale result",
			zap.String("user_id", t.UserID),
			zap.String("category", string(t.Category)),
			zap.Uint64("seq", t.Seq),
		)
		return
	}
	if !skipCache && l.cache != nil {
		l.cache.Set(ctx, cache.Key(t.UserID, t.Category), value, l.opts.CacheTTL)
	}
}

func (l *Loader) fetch(ctx context.Context, userID string, profile *models.Profile, c models.Category) (any, error) {
	switch c {
	case models.CategoryChildren:
		return l.store.ListChildren(ctx, userID)
	case models.CategoryRecentCheckIns:
		return l.store.ListRecentCheckIns(ctx, userID, l.opts.RecentCheckInsLimit)
	case models.CategoryActiveCheckIn:
		return l.store.GetActiveCheckIn(ctx, userID)
	case models.CategoryStats:
		return l.store.CheckInStats(ctx, userID, backend.MonthStart(l.now()))
	case models.CategoryFrequentCentres:
		return l.store.FrequentCentres(ctx, userID, l.opts.CentresLimit)
	case models.CategoryFeaturedCentres:
		orgID := profile.OrgID()
		if orgID == "" {
			return []models.Centre{}, nil
		}
		return l.store.FeaturedCentres(ctx, orgID, l.opts.CentresLimit)
	case models.CategoryNotifications:
		return l.store.ListNotifications(ctx, userID)
	default:
		return nil, fmt.Errorf("unknown category %q", c)
	}
}

// report logs a category failure. Network failures are expected while
// offline and stay at debug; expired credentials end the session.
func (l *Loader) report(userID string, c models.Category, err error) {
	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("entity", entityOf(c)),
		zap.String("operation", "load_"+string(c)),
		zap.Error(err),
	}
	switch {
	case models.IsNetwork(err) || backend.IsNetworkMessage(err):
		l.logger.Debug("Network unavailable, keeping cached data", fields...)
	case models.IsAuthExpired(err):
		l.logger.Warn("Credentials expired during refresh", fields...)
		if l.auth != nil {
			l.auth.HandleAuthError(err)
		}
	default:
		l.logger.Error("Failed to load user data", fields...)
	}
}

func entityOf(c models.Category) string {
	switch c {
	case models.CategoryProfile:
		return string(models.EntityProfiles)
	case models.CategoryChildren:
		return "children"
	case models.CategoryFeaturedCentres:
		return "centres"
	case models.CategoryNotifications:
		return string(models.EntityNotifications)
	default:
		return string(models.EntityCheckIns)
	}
}

// Paint copies cached categories of userID into the Sink. Missing or expired
// entries are skipped. It returns the number of categories painted.
func (l *Loader) Paint(ctx context.Context, userID string) int {
	if l.cache == nil {
		return 0
	}
	painted := 0
	for _, c := range append([]models.Category{models.CategoryProfile}, models.DependentCategories...) {
		ticket, ok := l.sink.Begin(userID, c)
		if !ok {
			return painted
		}
		value, hit := l.cached(ctx, cache.Key(userID, c), c)
		if !hit {
			continue
		}
		if l.sink.Apply(ticket, value) {
			painted++
		}
	}
	l.logger.Debug("Painted cached data", zap.String("user_id", userID), zap.Int("categories", painted))
	return painted
}

func (l *Loader) cached(ctx context.Context, key string, c models.Category) (any, bool) {
	switch c {
	case models.CategoryProfile:
		var v *models.Profile
		ok := l.cache.Get(ctx, key, &v)
		return v, ok && v != nil
	case models.CategoryChildren:
		var v []models.Child
		return v, l.cache.Get(ctx, key, &v)
	case models.CategoryRecentCheckIns:
		var v []models.CheckIn
		return v, l.cache.Get(ctx, key, &v)
	case models.CategoryActiveCheckIn:
		var v *models.CheckIn
		return v, l.cache.Get(ctx, key, &v)
	case models.CategoryStats:
		var v *models.Stats
		ok := l.cache.Get(ctx, key, &v)
		return v, ok && v != nil
	case models.CategoryFrequentCentres, models.CategoryFeaturedCentres:
		var v []models.Centre
		return v, l.cache.Get(ctx, key, &v)
	case models.CategoryNotifications:
		var v []models.ParentNotification
		return v, l.cache.Get(ctx, key, &v)
	default:
		return nil, false
	}
}
