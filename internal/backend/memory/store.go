// Package memory is an in-process backend used by tests and the demo mode of
// the daemon. It enforces the same one-open-check-in rule as the database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

// Operation names accepted by SetFault.
const (
	OpGetProfile        = "GetProfile"
	OpGetOrganization   = "GetOrganization"
	OpListChildren      = "ListChildren"
	OpListRecent        = "ListRecentCheckIns"
	OpGetActive         = "GetActiveCheckIn"
	OpGetCheckIn        = "GetCheckIn"
	OpLookupCode        = "LookupCode"
	OpCreateCheckIn     = "CreateCheckIn"
	OpSetCheckOut       = "SetCheckOutTime"
	OpStats             = "CheckInStats"
	OpFrequentCentres   = "FrequentCentres"
	OpFeaturedCentres   = "FeaturedCentres"
	OpListNotifications = "ListNotifications"
	OpMarkRead          = "MarkNotificationRead"
	OpInsertAudit       = "InsertAudit"
)

// Store is a mutex-guarded in-memory backend.Store.
type Store struct {
	mu sync.Mutex

	profiles      map[string]models.Profile
	organizations map[string]models.Organization
	children      []models.Child
	centres       map[string]models.Centre
	codes         map[string]models.CentreCode
	checkIns      []models.CheckIn
	notifications map[string]models.Notification
	inbox         []models.ParentNotification
	audit         []models.AuditEntry
	capacity      map[string]int // centre id -> max open check-ins

	faults map[string]error
	calls  map[string]int

	// DropCheckOutWrites makes SetCheckOutTime report success without
	// persisting, which is how a misbehaving row policy looks to a client.
	DropCheckOutWrites bool

	feed *Feed
}

var _ backend.Store = (*Store)(nil)

// NewStore creates an empty store. When feed is non-nil every mutation is
// published to it after the write.
func NewStore(feed *Feed) *Store {
	return &Store{
		profiles:      make(map[string]models.Profile),
		organizations: make(map[string]models.Organization),
		centres:       make(map[string]models.Centre),
		codes:         make(map[string]models.CentreCode),
		notifications: make(map[string]models.Notification),
		capacity:      make(map[string]int),
		faults:        make(map[string]error),
		calls:         make(map[string]int),
		feed:          feed,
	}
}

// SetFault makes op fail with err until cleared with nil.
func (s *Store) SetFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records a call and returns the injected fault; s.mu must be held.
func (s *Store) enter(op string) error {
	s.calls[op]++
	return s.faults[op]
}

func (s *Store) publish(entity models.Entity, typ models.ChangeType, row any) {
	if s.feed != nil {
		s.feed.Publish(entity, typ, row)
	}
}

// --- seeding ---

// PutProfile inserts or replaces a profile and publishes the change.
func (s *Store) PutProfile(p models.Profile) {
	s.mu.Lock()
	_, existed := s.profiles[p.ID]
	s.profiles[p.ID] = p
	s.mu.Unlock()

	typ := models.ChangeInsert
	if existed {
		typ = models.ChangeUpdate
	}
	s.publish(models.EntityProfiles, typ, p)
}

// PutOrganization inserts or replaces an organisation and publishes the change.
func (s *Store) PutOrganization(o models.Organization) {
	s.mu.Lock()
	s.organizations[o.ID] = o
	s.mu.Unlock()
	s.publish(models.EntityOrganizations, models.ChangeUpdate, o)
}

func (s *Store) PutChild(c models.Child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, c)
}

// PutCentre registers a centre; capacity > 0 limits its concurrent open check-ins.
func (s *Store) PutCentre(c models.Centre) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.centres[c.ID] = c
	if c.Capacity > 0 {
		s.capacity[c.ID] = c.Capacity
	}
}

func (s *Store) PutCode(c models.CentreCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
}

// PutCheckIn stores a historical or open check-in without the uniqueness check.
func (s *Store) PutCheckIn(c models.CheckIn) {
	s.mu.Lock()
	s.checkIns = append(s.checkIns, c)
	s.mu.Unlock()
	s.publish(models.EntityCheckIns, models.ChangeInsert, c)
}

// Notify delivers a notification to a parent's inbox.
func (s *Store) Notify(parentID string, n models.Notification) models.ParentNotification {
	s.mu.Lock()
	s.notifications[n.ID] = n
	pn := models.ParentNotification{
		ID:             uuid.NewString(),
		ParentID:       parentID,
		NotificationID: n.ID,
	}
	s.inbox = append(s.inbox, pn)
	s.mu.Unlock()

	s.publish(models.EntityNotifications, models.ChangeInsert, pn)
	return pn
}

// AuditEntries returns a copy of the audit log.
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.audit...)
}

// OpenCheckIns counts open check-ins of a parent.
func (s *Store) OpenCheckIns(parentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.checkIns {
		if c.ParentID == parentID && c.CheckOutTime == nil {
			n++
		}
	}
	return n
}

// --- backend.Store ---

func (s *Store) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetProfile); err != nil {
		return nil, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) GetOrganization(_ context.Context, orgID string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetOrganization); err != nil {
		return nil, err
	}
	o, ok := s.organizations[orgID]
	if !ok {
		return nil, fmt.Errorf("organization %s: %w", orgID, models.ErrNotFound)
	}
	return &o, nil
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]models.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListChildren); err != nil {
		return nil, err
	}
	var out []models.Child
	for _, c := range s.children {
		if c.ParentID == parentID {
			out = append(out, c)
		}
	}
	return out, nil
}

// withRelations returns c with Centre and Child attached; s.mu must be held.
func (s *Store) withRelations(c models.CheckIn) models.CheckIn {
	if centre, ok := s.centres[c.CentreID]; ok {
		c.Centre = &centre
	}
	for i := range s.children {
		if s.children[i].ID == c.ChildID {
			child := s.children[i]
			c.Child = &child
			break
		}
	}
	return c
}

// parentCheckIns returns a parent's check-ins newest first; s.mu must be held.
func (s *Store) parentCheckIns(parentID string) []models.CheckIn {
	var out []models.CheckIn
	for _, c := range s.checkIns {
		if c.ParentID == parentID {
			out = append(out, s.withRelations(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CheckInTime.After(out[j].CheckInTime)
	})
	return out
}

func (s *Store) ListRecentCheckIns(_ context.Context, parentID string, limit int) ([]models.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListRecent); err != nil {
		return nil, err
	}
	out := s.parentCheckIns(parentID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetActiveCheckIn(_ context.Context, parentID string) (*models.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetActive); err != nil {
		return nil, err
	}
	for _, c := range s.parentCheckIns(parentID) {
		if c.CheckOutTime == nil {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) GetCheckIn(_ context.Context, parentID, checkInID string) (*models.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetCheckIn); err != nil {
		return nil, err
	}
	for _, c := range s.checkIns {
		if c.ID == checkInID && c.ParentID == parentID {
			out := s.withRelations(c)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("checkin %s: %w", checkInID, models.ErrNotFound)
}

func (s *Store) LookupCode(_ context.Context, code string) (*models.CentreCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLookupCode); err != nil {
		return nil, err
	}
	cc, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	if centre, ok := s.centres[cc.CentreID]; ok {
		cc.Centre = &centre
	}
	return &cc, nil
}

func (s *Store) CreateCheckIn(_ context.Context, in models.NewCheckIn) (*models.CheckIn, error) {
	s.mu.Lock()
	if err := s.enter(OpCreateCheckIn); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	open := 0
	for _, c := range s.checkIns {
		if c.CheckOutTime != nil {
			continue
		}
		if c.ParentID == in.ParentID {
			s.mu.Unlock()
			return nil, fmt.Errorf("parent %s: %w", in.ParentID, models.ErrAlreadyCheckedIn)
		}
		if c.CentreID == in.CentreID {
			open++
		}
	}
	if limit, ok := s.capacity[in.CentreID]; ok && open >= limit {
		s.mu.Unlock()
		return nil, fmt.Errorf("centre %s: %w", in.CentreID, models.ErrLimitReached)
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := models.CheckIn{
		ID:          id,
		ParentID:    in.ParentID,
		ChildID:     in.ChildID,
		CentreID:    in.CentreID,
		CheckInTime: in.CheckInTime,
	}
	s.checkIns = append(s.checkIns, c)
	out := s.withRelations(c)
	s.mu.Unlock()

	s.publish(models.EntityCheckIns, models.ChangeInsert, c)
	return &out, nil
}

func (s *Store) SetCheckOutTime(_ context.Context, parentID, checkInID string, at time.Time) error {
	s.mu.Lock()
	if err := s.enter(OpSetCheckOut); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.DropCheckOutWrites {
		s.mu.Unlock()
		return nil
	}
	var updated *models.CheckIn
	for i := range s.checkIns {
		c := &s.checkIns[i]
		if c.ID == checkInID && c.ParentID == parentID {
			t := at
			c.CheckOutTime = &t
			cp := *c
			updated = &cp
			break
		}
	}
	s.mu.Unlock()

	if updated != nil {
		s.publish(models.EntityCheckIns, models.ChangeUpdate, *updated)
	}
	return nil
}

func (s *Store) CheckInStats(_ context.Context, parentID string, monthStart time.Time) (*models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpStats); err != nil {
		return nil, err
	}
	st := backend.ComputeStats(s.parentCheckIns(parentID), monthStart)
	return &st, nil
}

func (s *Store) FrequentCentres(_ context.Context, parentID string, limit int) ([]models.Centre, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFrequentCentres); err != nil {
		return nil, err
	}
	return backend.RankCentres(s.parentCheckIns(parentID), limit), nil
}

func (s *Store) FeaturedCentres(_ context.Context, orgID string, limit int) ([]models.Centre, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFeaturedCentres); err != nil {
		return nil, err
	}
	var out []models.Centre
	for _, c := range s.centres {
		if c.Featured && c.OrganizationID == orgID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListNotifications(_ context.Context, parentID string) ([]models.ParentNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListNotifications); err != nil {
		return nil, err
	}
	var out []models.ParentNotification
	for _, pn := range s.inbox {
		if pn.ParentID != parentID {
			continue
		}
		if n, ok := s.notifications[pn.NotificationID]; ok {
			pn.Notification = &n
		}
		out = append(out, pn)
	}
	sort.SliceStable(out, func(i, j int) bool {
		var ti, tj time.Time
		if out[i].Notification != nil {
			ti = out[i].Notification.CreatedAt
		}
		if out[j].Notification != nil {
			tj = out[j].Notification.CreatedAt
		}
		return ti.After(tj)
	})
	return out, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, parentID, parentNotificationID string, at time.Time) error {
	s.mu.Lock()
	if err := s.enter(OpMarkRead); err != nil {
		s.mu.Unlock()
		return err
	}
	var updated *models.ParentNotification
	for i := range s.inbox {
		pn := &s.inbox[i]
		if pn.ID == parentNotificationID && pn.ParentID == parentID {
			t := at
			pn.Read = true
			pn.ReadAt = &t
			cp := *pn
			updated = &cp
			break
		}
	}
	s.mu.Unlock()

	if updated == nil {
		return fmt.Errorf("notification %s: %w", parentNotificationID, models.ErrNotFound)
	}
	s.publish(models.EntityNotifications, models.ChangeUpdate, *updated)
	return nil
}

func (s *Store) InsertAudit(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertAudit); err != nil {
		return err
	}
	s.audit = append(s.audit, entry)
	return nil
}
