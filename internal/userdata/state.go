// Package userdata is the single entry point the UI uses for the signed-in
// parent's data and check-in actions.
package userdata

import (
	"sync"

	"go.uber.org/zap"

	"postpart-sync/internal/models"
	"postpart-sync/internal/refresh"
	"postpart-sync/internal/status"
)

// Snapshot is a copy of the client state at one point in time.
type Snapshot struct {
	UserID              string                      `json:"user_id"`
	Profile             *models.Profile             `json:"profile"`
	Account             status.Decision             `json:"account"`
	Children            []models.Child              `json:"children"`
	Stats               *models.Stats               `json:"stats"`
	RecentCheckIns      []models.CheckIn            `json:"recent_checkins"`
	ActiveCheckIn       *models.CheckIn             `json:"active_checkin"`
	FeaturedCentres     []models.Centre             `json:"featured_centres"`
	FrequentCentres     []models.Centre             `json:"frequent_centres"`
	Notifications       []models.ParentNotification `json:"notifications"`
	UnreadNotifications int                         `json:"unread_notifications"`
	Loading             bool                        `json:"loading"`
	Refreshing          bool                        `json:"refreshing"`
}

// State holds per-category data for one session. Every update carries a
// ticket; an update older than the last applied one for its category, or from
// another session, is dropped.
type State struct {
	logger *zap.Logger

	mu         sync.Mutex
	userID     string
	generation uint64
	seq        uint64
	applied    map[models.Category]uint64
	snap       Snapshot
	refreshing int
	onApply    func()
}

// NewState returns an empty signed-out state.
func NewState(logger *zap.Logger) *State {
	return &State{
		logger:  logger,
		applied: make(map[models.Category]uint64),
	}
}

var _ refresh.Sink = (*State)(nil)

// Reset clears every field and binds the state to a session. An empty userID
// means signed out.
func (s *State) Reset(userID string, generation uint64) {
	s.mu.Lock()
	s.userID = userID
	s.generation = generation
	s.applied = make(map[models.Category]uint64)
	s.refreshing = 0
	s.snap = Snapshot{UserID: userID, Account: status.Authorize(nil)}
	s.mu.Unlock()
	s.changed()
}

// Session returns the bound user and generation.
func (s *State) Session() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.generation
}

func (s *State) Begin(userID string, c models.Category) (refresh.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == "" || userID != s.userID {
		return refresh.Ticket{}, false
	}
	s.seq++
	return refresh.Ticket{UserID: userID, Generation: s.generation, Category: c, Seq: s.seq}, true
}

func (s *State) Apply(t refresh.Ticket, value any) bool {
	s.mu.Lock()
	if t.UserID != s.userID || t.Generation != s.generation || t.Seq <= s.applied[t.Category] {
		s.mu.Unlock()
		return false
	}
	if !s.set(t.Category, value) {
		s.mu.Unlock()
		s.logger.Warn("Ignoring value of unexpected type",
			zap.String("category", string(t.Category)),
			zap.Uint64("seq", t.Seq),
		)
		return false
	}
	s.applied[t.Category] = t.Seq
	s.mu.Unlock()
	s.changed()
	return true
}

// set replaces one category; s.mu must be held.
func (s *State) set(c models.Category, value any) bool {
	switch c {
	case models.CategoryProfile:
		v, ok := value.(*models.Profile)
		if ok {
			s.snap.Profile = v
			s.snap.Account = status.Authorize(v)
		}
		return ok
	case models.CategoryChildren:
		v, ok := value.([]models.Child)
		if ok {
			s.snap.Children = v
		}
		return ok
	case models.CategoryRecentCheckIns:
		v, ok := value.([]models.CheckIn)
		if ok {
			s.snap.RecentCheckIns = v
		}
		return ok
	case models.CategoryActiveCheckIn:
		v, ok := value.(*models.CheckIn)
		if ok {
			s.snap.ActiveCheckIn = v
		}
		return ok
	case models.CategoryStats:
		v, ok := value.(*models.Stats)
		if ok {
			s.snap.Stats = v
		}
		return ok
	case models.CategoryFrequentCentres:
		v, ok := value.([]models.Centre)
		if ok {
			s.snap.FrequentCentres = v
		}
		return ok
	case models.CategoryFeaturedCentres:
		v, ok := value.([]models.Centre)
		if ok {
			s.snap.FeaturedCentres = v
		}
		return ok
	case models.CategoryNotifications:
		v, ok := value.([]models.ParentNotification)
		if ok {
			s.snap.Notifications = v
			s.snap.UnreadNotifications = countUnread(v)
		}
		return ok
	default:
		return false
	}
}

func countUnread(ns []models.ParentNotification) int {
	n := 0
	for _, pn := range ns {
		if !pn.Read {
			n++
		}
	}
	return n
}

// SetLoading marks the initial load.
func (s *State) SetLoading(loading bool) {
	s.mu.Lock()
	s.snap.Loading = loading
	s.mu.Unlock()
	s.changed()
}

// BeginRefresh marks a refresh in progress; the returned func ends it.
func (s *State) BeginRefresh() func() {
	s.mu.Lock()
	s.refreshing++
	s.snap.Refreshing = true
	s.mu.Unlock()
	s.changed()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.refreshing > 0 {
				s.refreshing--
			}
			s.snap.Refreshing = s.refreshing > 0
			s.mu.Unlock()
			s.changed()
		})
	}
}

// Snapshot returns a copy of the current state. Slices are shared and must
// not be modified.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *State) onChange(fn func()) {
	s.mu.Lock()
	s.onApply = fn
	s.mu.Unlock()
}

func (s *State) changed() {
	s.mu.Lock()
	fn := s.onApply
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
