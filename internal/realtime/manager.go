// Package realtime keeps one change-feed subscription per tracked entity for
// the signed-in user and turns row changes into targeted refreshes. Event
// payloads are never applied to state directly.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
	"postpart-sync/internal/status"
)

// Refresher re-fetches data on behalf of the manager.
type Refresher interface {
	// RefreshProfile re-fetches the profile category and returns the new profile.
	RefreshProfile(ctx context.Context, userID string) (*models.Profile, error)
	// RefreshEntity re-fetches the categories derived from entity.
	RefreshEntity(ctx context.Context, userID string, entity models.Entity)
	// RefreshAll reloads every category.
	RefreshAll(ctx context.Context, userID string, skipCache bool)
}

// SessionChecker reports who is signed in right now.
type SessionChecker interface {
	CurrentUserID() string
}

// Manager attaches change-feed subscriptions for a user.
type Manager struct {
	feed      backend.ChangeFeed
	profiles  backend.ProfileReader
	refresher Refresher
	session   SessionChecker
	logger    *zap.Logger
}

func NewManager(feed backend.ChangeFeed, profiles backend.ProfileReader, refresher Refresher, session SessionChecker, logger *zap.Logger) *Manager {
	return &Manager{
		feed:      feed,
		profiles:  profiles,
		refresher: refresher,
		session:   session,
		logger:    logger,
	}
}

// Handle owns the subscriptions of one attached user.
type Handle struct {
	id     string
	userID string
	m      *Manager
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[models.Entity]backend.Subscription
	orgID   string
	profile *models.Profile
	closed  bool

	// serialises profile transitions
	profileMu sync.Mutex
}

func (h *Handle) ID() string     { return h.id }
func (h *Handle) UserID() string { return h.userID }

// Filters returns the filters of the open subscriptions keyed by entity.
func (h *Handle) Filters() map[models.Entity]backend.Filter {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[models.Entity]backend.Filter, len(h.subs))
	for e, s := range h.subs {
		out[e] = s.Filter()
	}
	return out
}

// SubscriptionID returns the id of the entity's subscription or "".
func (h *Handle) SubscriptionID(e models.Entity) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[e]; ok {
		return s.ID()
	}
	return ""
}

// Attach opens the user's subscriptions. Subscribe failures are logged and
// leave the entity to the polling fallback. The organisation subscription
// needs the profile first and is skipped when there is no organisation.
//
// loaded is the profile the caller's last load returned, or nil. The profile
// is read again once the subscriptions are open, and an account that became
// active in between is reloaded in full.
func (m *Manager) Attach(ctx context.Context, userID string, loaded *models.Profile) (*Handle, error) {
	if userID == "" {
		return nil, errors.New("attach: empty user id")
	}
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		id:     uuid.NewString(),
		userID: userID,
		m:      m,
		ctx:    hctx,
		cancel: cancel,
		logger: m.logger.With(zap.String("user_id", userID)),
		subs:   make(map[models.Entity]backend.Subscription),
	}

	h.subscribe(ctx, backend.Filter{Entity: models.EntityCheckIns, Column: "parent_id", Value: userID})
	h.subscribe(ctx, backend.Filter{Entity: models.EntityNotifications, Column: "parent_id", Value: userID})
	h.subscribe(ctx, backend.Filter{Entity: models.EntityProfiles, Column: "id", Value: userID})

	h.profileMu.Lock()
	defer h.profileMu.Unlock()

	current, err := m.profiles.GetProfile(ctx, userID)
	if err != nil {
		h.logger.Warn("Profile unavailable on attach, using last loaded", zap.Error(err))
		current = loaded
	}
	h.mu.Lock()
	h.profile = current
	h.mu.Unlock()

	if current != nil {
		h.setOrganization(ctx, current.OrgID())
	}
	if err == nil && loaded != nil && status.BecameActive(loaded, current) {
		h.logger.Info("Account activated while attaching, reloading everything")
		m.refresher.RefreshAll(h.ctx, userID, true)
	}

	h.logger.Info("Change feed attached", zap.Int("subscriptions", len(h.Filters())))
	return h, nil
}

// subscribe opens one subscription and records it, replacing nothing.
func (h *Handle) subscribe(ctx context.Context, f backend.Filter) {
	sub, err := h.m.feed.Subscribe(ctx, f, func(ev backend.Event) { h.onEvent(ev) })
	if err != nil {
		h.logger.Warn("Change feed subscribe failed",
			zap.String("entity", string(f.Entity)),
			zap.String("filter", f.String()),
			zap.Error(err),
		)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = sub.Close()
		return
	}
	h.subs[f.Entity] = sub
}

// setOrganization points the organisation subscription at orgID. Nothing
// happens when orgID is unchanged and a subscription is already open.
func (h *Handle) setOrganization(ctx context.Context, orgID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	old, had := h.subs[models.EntityOrganizations]
	if had && h.orgID == orgID {
		h.mu.Unlock()
		return
	}
	delete(h.subs, models.EntityOrganizations)
	h.orgID = orgID
	h.mu.Unlock()

	if had {
		if err := old.Close(); err != nil {
			h.logger.Warn("Failed to close organization subscription", zap.Error(err))
		}
	}
	if orgID == "" {
		return
	}
	h.subscribe(ctx, backend.Filter{Entity: models.EntityOrganizations, Column: "id", Value: orgID})
}

// ResubscribeOrganization recreates only the organisation subscription.
func (h *Handle) ResubscribeOrganization(ctx context.Context, orgID string) {
	h.setOrganization(ctx, orgID)
}

func (h *Handle) onEvent(ev backend.Event) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	if current := h.m.session.CurrentUserID(); current != h.userID {
		h.logger.Debug("Dropping change for a different session",
			zap.String("entity", string(ev.Entity)),
			zap.String("current_user_id", current),
		)
		return
	}

	switch ev.Entity {
	case models.EntityProfiles:
		h.onProfileChange()
	default:
		h.m.refresher.RefreshEntity(h.ctx, h.userID, ev.Entity)
	}
}

func (h *Handle) onProfileChange() {
	h.profileMu.Lock()
	defer h.profileMu.Unlock()

	next, err := h.m.refresher.RefreshProfile(h.ctx, h.userID)
	if err != nil {
		h.logger.Debug("Profile refresh after change failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	prev := h.profile
	h.profile = next
	h.mu.Unlock()

	if status.BecameActive(prev, next) {
		h.logger.Info("Account activated, reloading everything")
		h.m.refresher.RefreshAll(h.ctx, h.userID, true)
	}
	h.setOrganization(h.ctx, next.OrgID())
}

// Detach closes every subscription of h. Events arriving afterwards are dropped.
func (m *Manager) Detach(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[models.Entity]backend.Subscription)
	h.mu.Unlock()
	h.cancel()

	var errs []error
	for entity, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s subscription: %w", entity, err))
		}
	}
	h.logger.Info("Change feed detached", zap.Int("subscriptions", len(subs)))
	return errors.Join(errs...)
}
