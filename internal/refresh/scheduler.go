package refresh

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"postpart-sync/internal/models"
)

// AppState is the foreground state reported by the host shell.
type AppState string

const (
	AppActive     AppState = "active"
	AppBackground AppState = "background"
	AppInactive   AppState = "inactive"
)

// ParseAppState accepts the three known states.
func ParseAppState(s string) (AppState, bool) {
	switch st := AppState(strings.ToLower(strings.TrimSpace(s))); st {
	case AppActive, AppBackground, AppInactive:
		return st, true
	default:
		return "", false
	}
}

// DefaultPollInterval is the fallback refresh period while the app is active.
const DefaultPollInterval = 30 * time.Second

// Scheduler turns foreground transitions, a fallback ticker and change-feed
// events into Loader calls. Identical concurrent refreshes share one load, and
// a request arriving while that load runs gets one trailing load after it.
type Scheduler struct {
	loader   *Loader
	interval time.Duration
	logger   *zap.Logger
	group    singleflight.Group

	mu       sync.Mutex
	requests map[string]uint64 // per flight key, bumped by every refresh request
	userID   string
	appState AppState
	resume   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(loader *Loader, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		loader:   loader,
		interval: interval,
		logger:   logger,
		appState: AppActive,
		requests: make(map[string]uint64),
	}
}

// Start begins polling for userID. A running poll loop is stopped first.
func (s *Scheduler) Start(ctx context.Context, userID string) {
	s.Stop()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.userID = userID
	s.resume = make(chan struct{}, 1)
	s.cancel = cancel
	s.done = make(chan struct{})
	resume, done := s.resume, s.done
	s.mu.Unlock()

	go s.run(ctx, userID, resume, done)
	s.logger.Info("Refresh scheduler started",
		zap.String("user_id", userID),
		zap.Duration("interval", s.interval),
	)
}

// Stop ends the poll loop and forgets the user.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.userID = ""
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, userID string, resume <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resume:
			ticker.Reset(s.interval)
		case <-ticker.C:
			if s.state() != AppActive {
				continue
			}
			if err := s.RefreshCategories(ctx, userID, models.DependentCategories, false); err != nil {
				s.logger.Debug("Poll refresh failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) state() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appState
}

// CurrentUserID returns the user being polled for, or "".
func (s *Scheduler) CurrentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// HandleAppState records a foreground state change. Only a transition from
// background or inactive into active triggers a refresh, and only one per
// transition. It reports whether a refresh ran.
func (s *Scheduler) HandleAppState(ctx context.Context, next AppState) bool {
	s.mu.Lock()
	prev := s.appState
	s.appState = next
	userID := s.userID
	resume := s.resume
	s.mu.Unlock()

	if next != AppActive || prev == AppActive || userID == "" {
		return false
	}

	// restart the ticker so the poll does not fire right behind this refresh
	select {
	case resume <- struct{}{}:
	default:
	}

	s.logger.Debug("App returned to foreground", zap.String("user_id", userID), zap.String("from", string(prev)))
	if err := s.RefreshCategories(ctx, userID, models.DependentCategories, false); err != nil {
		s.logger.Debug("Foreground refresh failed", zap.String("user_id", userID), zap.Error(err))
	}
	return true
}

// HandleChange refreshes the categories derived from a changed entity for the
// current user.
func (s *Scheduler) HandleChange(ctx context.Context, entity models.Entity) {
	userID := s.CurrentUserID()
	if userID == "" {
		return
	}
	s.RefreshEntity(ctx, userID, entity)
}

// RefreshCategories loads categories for userID. Calls with the same user,
// categories and cache mode share one in-flight load; a call made after that
// load started waits for the trailing load instead of taking a stale result.
func (s *Scheduler) RefreshCategories(ctx context.Context, userID string, categories []models.Category, skipCache bool) error {
	_, err := s.do(ctx, userID, categories, skipCache)
	return err
}

// LoadCategories is RefreshCategories returning the profile the load read,
// which is nil when the profile could not be fetched.
func (s *Scheduler) LoadCategories(ctx context.Context, userID string, categories []models.Category, skipCache bool) (*models.Profile, error) {
	return s.do(ctx, userID, categories, skipCache)
}

// flight is the outcome of one shared load. started is the request counter
// observed when the load began; it covers every request numbered at or below it.
type flight struct {
	profile *models.Profile
	started uint64
}

func (s *Scheduler) do(ctx context.Context, userID string, categories []models.Category, skipCache bool) (*models.Profile, error) {
	key := flightKey(userID, categories, skipCache)
	for {
		ticket := s.request(key)
		v, err, shared := s.group.Do(key, func() (any, error) {
			return s.load(ctx, key, userID, categories, skipCache)
		})
		f := v.(flight)
		if f.started >= ticket {
			if shared {
				s.logger.Debug("Joined in-flight refresh", zap.String("user_id", userID))
			}
			return f.profile, err
		}
		// the load finished reading before this request was made
	}
}

// load runs the loader until no request arrived during the last pass.
func (s *Scheduler) load(ctx context.Context, key, userID string, categories []models.Category, skipCache bool) (flight, error) {
	for {
		started := s.requested(key)
		p, err := s.loader.Load(ctx, userID, categories, skipCache)
		if s.requested(key) == started {
			return flight{profile: p, started: started}, err
		}
		s.logger.Debug("Refresh requested during load, loading again",
			zap.String("user_id", userID),
			zap.Int("categories", len(categories)),
		)
	}
}

func (s *Scheduler) request(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[key]++
	return s.requests[key]
}

func (s *Scheduler) requested(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

// RefreshAll reloads every category.
func (s *Scheduler) RefreshAll(ctx context.Context, userID string, skipCache bool) {
	if err := s.RefreshCategories(ctx, userID, models.DependentCategories, skipCache); err != nil {
		s.logger.Debug("Full refresh failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// RefreshEntity reloads the categories a changed entity affects, bypassing
// the cache write.
func (s *Scheduler) RefreshEntity(ctx context.Context, userID string, entity models.Entity) {
	categories := models.CategoriesFor(entity)
	if len(categories) == 0 {
		return
	}
	if err := s.RefreshCategories(ctx, userID, categories, true); err != nil {
		s.logger.Debug("Change refresh failed",
			zap.String("user_id", userID),
			zap.String("entity", string(entity)),
			zap.Error(err),
		)
	}
}

// RefreshProfile reloads the profile alone and returns it.
func (s *Scheduler) RefreshProfile(ctx context.Context, userID string) (*models.Profile, error) {
	return s.do(ctx, userID, []models.Category{models.CategoryProfile}, true)
}

func flightKey(userID string, categories []models.Category, skipCache bool) string {
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, string(c))
	}
	sort.Strings(names)
	mode := "cached"
	if skipCache {
		mode = "uncached"
	}
	return userID + "|" + strings.Join(names, ",") + "|" + mode
}
