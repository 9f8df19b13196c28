package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

const (
	checkInSelect = "*,centre:centres(*),child:children(*)"
	codeSelect    = "*,centre:centres(*)"
	inboxSelect   = "*,notification:notifications(*)"
)

type checkInRow struct {
	ID           string          `json:"id"`
	ParentID     string          `json:"parent_id"`
	ChildID      string          `json:"child_id"`
	CentreID     string          `json:"centre_id"`
	CheckInTime  time.Time       `json:"check_in_time"`
	CheckOutTime *time.Time      `json:"check_out_time"`
	Centre       json.RawMessage `json:"centre"`
	Child        json.RawMessage `json:"child"`
}

func (r checkInRow) model() (models.CheckIn, error) {
	c := models.CheckIn{
		ID:           r.ID,
		ParentID:     r.ParentID,
		ChildID:      r.ChildID,
		CentreID:     r.CentreID,
		CheckInTime:  r.CheckInTime,
		CheckOutTime: r.CheckOutTime,
	}
	var centre models.Centre
	ok, err := embedded(r.Centre, &centre)
	if err != nil {
		return c, fmt.Errorf("decoding centre of checkin %s: %w", r.ID, err)
	}
	if ok {
		c.Centre = &centre
	}
	var child models.Child
	ok, err = embedded(r.Child, &child)
	if err != nil {
		return c, fmt.Errorf("decoding child of checkin %s: %w", r.ID, err)
	}
	if ok {
		c.Child = &child
	}
	return c, nil
}

func toCheckIns(rows []checkInRow) ([]models.CheckIn, error) {
	out := make([]models.CheckIn, 0, len(rows))
	for _, r := range rows {
		c, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var rows []models.Profile
	req := s.request(ctx).SetQueryParams(map[string]string{"id": eq(userID), "select": "*"})
	if err := s.send(req, http.MethodGet, "/profiles", &rows); err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
	}
	return &rows[0], nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	var rows []models.Organization
	req := s.request(ctx).SetQueryParams(map[string]string{"id": eq(orgID), "select": "*"})
	if err := s.send(req, http.MethodGet, "/organizations", &rows); err != nil {
		return nil, fmt.Errorf("loading organization: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("organization %s: %w", orgID, models.ErrNotFound)
	}
	return &rows[0], nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]models.Child, error) {
	rows := make([]models.Child, 0)
	req := s.request(ctx).SetQueryParams(map[string]string{
		"parent_id": eq(parentID),
		"select":    "*",
		"order":     "created_at.asc",
	})
	if err := s.send(req, http.MethodGet, "/children", &rows); err != nil {
		return nil, fmt.Errorf("loading children: %w", err)
	}
	return rows, nil
}

func (s *Store) listCheckIns(ctx context.Context, params map[string]string) ([]models.CheckIn, error) {
	var rows []checkInRow
	if err := s.send(s.request(ctx).SetQueryParams(params), http.MethodGet, "/checkins", &rows); err != nil {
		return nil, fmt.Errorf("loading checkins: %w", err)
	}
	return toCheckIns(rows)
}

func (s *Store) ListRecentCheckIns(ctx context.Context, parentID string, limit int) ([]models.CheckIn, error) {
	params := map[string]string{
		"parent_id": eq(parentID),
		"select":    checkInSelect,
		"order":     "check_in_time.desc",
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	return s.listCheckIns(ctx, params)
}

func (s *Store) GetActiveCheckIn(ctx context.Context, parentID string) (*models.CheckIn, error) {
	list, err := s.listCheckIns(ctx, map[string]string{
		"parent_id":      eq(parentID),
		"check_out_time": "is.null",
		"select":         checkInSelect,
		"order":          "check_in_time.desc",
		"limit":          "1",
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (s *Store) GetCheckIn(ctx context.Context, parentID, checkInID string) (*models.CheckIn, error) {
	list, err := s.listCheckIns(ctx, map[string]string{
		"id":        eq(checkInID),
		"parent_id": eq(parentID),
		"select":    checkInSelect,
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("checkin %s: %w", checkInID, models.ErrNotFound)
	}
	return &list[0], nil
}

func (s *Store) LookupCode(ctx context.Context, code string) (*models.CentreCode, error) {
	var rows []struct {
		Code     string          `json:"code"`
		CentreID string          `json:"centre_id"`
		Active   bool            `json:"is_active"`
		Centre   json.RawMessage `json:"centre"`
	}
	req := s.request(ctx).SetQueryParams(map[string]string{"code": eq(code), "select": codeSelect})
	if err := s.send(req, http.MethodGet, "/centre_codes", &rows); err != nil {
		return nil, fmt.Errorf("loading centre code: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	cc := &models.CentreCode{Code: r.Code, CentreID: r.CentreID, Active: r.Active}
	var centre models.Centre
	ok, err := embedded(r.Centre, &centre)
	if err != nil {
		return nil, fmt.Errorf("decoding centre of code %s: %w", code, err)
	}
	if ok {
		cc.Centre = &centre
	}
	return cc, nil
}

func (s *Store) CreateCheckIn(ctx context.Context, in models.NewCheckIn) (*models.CheckIn, error) {
	var rows []checkInRow
	req := s.request(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(in)
	if err := s.send(req, http.MethodPost, "/checkins", &rows); err != nil {
		return nil, fmt.Errorf("inserting checkin: %w", err)
	}
	if len(rows) == 0 {
		return &models.CheckIn{
			ID:          in.ID,
			ParentID:    in.ParentID,
			ChildID:     in.ChildID,
			CentreID:    in.CentreID,
			CheckInTime: in.CheckInTime,
		}, nil
	}
	c, err := rows[0].model()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) SetCheckOutTime(ctx context.Context, parentID, checkInID string, at time.Time) error {
	req := s.request(ctx).
		SetQueryParams(map[string]string{"id": eq(checkInID), "parent_id": eq(parentID)}).
		SetBody(map[string]any{"check_out_time": at})
	if err := s.send(req, http.MethodPatch, "/checkins", nil); err != nil {
		return fmt.Errorf("updating checkin: %w", err)
	}
	return nil
}

func (s *Store) CheckInStats(ctx context.Context, parentID string, monthStart time.Time) (*models.Stats, error) {
	list, err := s.listCheckIns(ctx, map[string]string{
		"parent_id": eq(parentID),
		"select":    "id,centre_id,check_in_time,check_out_time",
	})
	if err != nil {
		return nil, err
	}
	st := backend.ComputeStats(list, monthStart)
	return &st, nil
}

func (s *Store) FrequentCentres(ctx context.Context, parentID string, limit int) ([]models.Centre, error) {
	list, err := s.listCheckIns(ctx, map[string]string{
		"parent_id": eq(parentID),
		"select":    "id,centre_id,check_in_time,centre:centres(*)",
	})
	if err != nil {
		return nil, err
	}
	return backend.RankCentres(list, limit), nil
}

func (s *Store) FeaturedCentres(ctx context.Context, orgID string, limit int) ([]models.Centre, error) {
	rows := make([]models.Centre, 0)
	params := map[string]string{
		"organization_id": eq(orgID),
		"featured":        "is.true",
		"select":          "*",
		"order":           "name.asc",
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	if err := s.send(s.request(ctx).SetQueryParams(params), http.MethodGet, "/centres", &rows); err != nil {
		return nil, fmt.Errorf("loading featured centres: %w", err)
	}
	return rows, nil
}

func (s *Store) ListNotifications(ctx context.Context, parentID string) ([]models.ParentNotification, error) {
	var rows []struct {
		models.ParentNotification
		Embedded json.RawMessage `json:"notification"`
	}
	req := s.request(ctx).SetQueryParams(map[string]string{"parent_id": eq(parentID), "select": inboxSelect})
	if err := s.send(req, http.MethodGet, "/parent_notifications", &rows); err != nil {
		return nil, fmt.Errorf("loading notifications: %w", err)
	}

	out := make([]models.ParentNotification, 0, len(rows))
	for _, r := range rows {
		pn := r.ParentNotification
		var n models.Notification
		ok, err := embedded(r.Embedded, &n)
		if err != nil {
			return nil, fmt.Errorf("decoding notification %s: %w", pn.ID, err)
		}
		if ok {
			pn.Notification = &n
		}
		out = append(out, pn)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return createdAt(out[i]).After(createdAt(out[j]))
	})
	return out, nil
}

func createdAt(pn models.ParentNotification) time.Time {
	if pn.Notification == nil {
		return time.Time{}
	}
	return pn.Notification.CreatedAt
}

func (s *Store) MarkNotificationRead(ctx context.Context, parentID, parentNotificationID string, at time.Time) error {
	var rows []json.RawMessage
	req := s.request(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParams(map[string]string{"id": eq(parentNotificationID), "parent_id": eq(parentID)}).
		SetBody(map[string]any{"is_read": true, "read_at": at})
	if err := s.send(req, http.MethodPatch, "/parent_notifications", &rows); err != nil {
		return fmt.Errorf("updating notification: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("notification %s: %w", parentNotificationID, models.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertAudit(ctx context.Context, entry models.AuditEntry) error {
	if err := s.send(s.request(ctx).SetBody(entry), http.MethodPost, "/audit_log", nil); err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}
