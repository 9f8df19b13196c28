// Package postgres is the direct database backend: a squirrel-built query
// layer over lib/pq plus a LISTEN/NOTIFY change feed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

// psq is the statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var profileColumns = []string{
	"id", "full_name", "email", "phone", "status", "organization_id", "updated_at",
}

var checkInColumns = []string{
	"ci.id", "ci.parent_id", "ci.child_id", "ci.centre_id", "ci.check_in_time", "ci.check_out_time",
	"ce.name", "ce.address", "COALESCE(ce.organization_id::text, '')",
	"COALESCE(ch.first_name, '')", "COALESCE(ch.last_name, '')",
}

var centreColumns = []string{
	"ce.id", "ce.name", "ce.address", "COALESCE(ce.organization_id::text, '')", "ce.capacity", "ce.featured",
}

// Store implements backend.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ backend.Store = (*Store)(nil)

// New creates a Store over an open pool.
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	query, args, err := psq.Select(profileColumns...).
		From("profiles").
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building profile query: %w", err)
	}

	var p models.Profile
	var org sql.NullString
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.DisplayName, &p.Email, &p.Phone, &p.Status, &org, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
		}
		return nil, backend.Classify(fmt.Errorf("querying profile: %w", err))
	}
	if org.Valid {
		p.OrganizationID = &org.String
	}
	return &p, nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	query, args, err := psq.Select("id", "name", "status").
		From("organizations").
		Where(sq.Eq{"id": orgID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building organization query: %w", err)
	}

	var o models.Organization
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&o.ID, &o.Name, &o.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("organization %s: %w", orgID, models.ErrNotFound)
		}
		return nil, backend.Classify(fmt.Errorf("querying organization: %w", err))
	}
	return &o, nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]models.Child, error) {
	query, args, err := psq.Select("id", "parent_id", "first_name", "last_name", "date_of_birth", "allergies", "created_at").
		From("children").
		Where(sq.Eq{"parent_id": parentID}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building children query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.Classify(fmt.Errorf("querying children: %w", err))
	}
	defer func() { _ = rows.Close() }()

	children := make([]models.Child, 0)
	for rows.Next() {
		var c models.Child
		var dob sql.NullTime
		if err := rows.Scan(&c.ID, &c.ParentID, &c.FirstName, &c.LastName, &dob, &c.Allergies, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning child: %w", err)
		}
		if dob.Valid {
			c.DateOfBirth = &dob.Time
		}
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Classify(fmt.Errorf("iterating children: %w", err))
	}
	return children, nil
}

func checkInSelect() sq.SelectBuilder {
	return psq.Select(checkInColumns...).
		From("checkins ci").
		Join("centres ce ON ce.id = ci.centre_id").
		LeftJoin("children ch ON ch.id = ci.child_id")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckIn(r rowScanner) (models.CheckIn, error) {
	var c models.CheckIn
	var out sql.NullTime
	centre := &models.Centre{}
	child := &models.Child{}
	err := r.Scan(
		&c.ID, &c.ParentID, &c.ChildID, &c.CentreID, &c.CheckInTime, &out,
		&centre.Name, &centre.Address, &centre.OrganizationID,
		&child.FirstName, &child.LastName,
	)
	if err != nil {
		return c, err
	}
	if out.Valid {
		c.CheckOutTime = &out.Time
	}
	centre.ID = c.CentreID
	c.Centre = centre
	child.ID = c.ChildID
	child.ParentID = c.ParentID
	c.Child = child
	return c, nil
}

func (s *Store) queryCheckIns(ctx context.Context, qb sq.SelectBuilder) ([]models.CheckIn, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building checkin query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.Classify(fmt.Errorf("querying checkins: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.CheckIn, 0)
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkin: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Classify(fmt.Errorf("iterating checkins: %w", err))
	}
	return out, nil
}

func (s *Store) ListRecentCheckIns(ctx context.Context, parentID string, limit int) ([]models.CheckIn, error) {
	qb := checkInSelect().
		Where(sq.Eq{"ci.parent_id": parentID}).
		OrderBy("ci.check_in_time DESC")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	return s.queryCheckIns(ctx, qb)
}

func (s *Store) GetActiveCheckIn(ctx context.Context, parentID string) (*models.CheckIn, error) {
	list, err := s.queryCheckIns(ctx, checkInSelect().
		Where(sq.Eq{"ci.parent_id": parentID, "ci.check_out_time": nil}).
		OrderBy("ci.check_in_time DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (s *Store) GetCheckIn(ctx context.Context, parentID, checkInID string) (*models.CheckIn, error) {
	list, err := s.queryCheckIns(ctx, checkInSelect().
		Where(sq.Eq{"ci.id": checkInID, "ci.parent_id": parentID}))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("checkin %s: %w", checkInID, models.ErrNotFound)
	}
	return &list[0], nil
}

func (s *Store) LookupCode(ctx context.Context, code string) (*models.CentreCode, error) {
	query, args, err := psq.Select(append([]string{"cc.code", "cc.is_active"}, centreColumns...)...).
		From("centre_codes cc").
		Join("centres ce ON ce.id = cc.centre_id").
		Where(sq.Eq{"cc.code": code}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building code query: %w", err)
	}

	var cc models.CentreCode
	var c models.Centre
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&cc.Code, &cc.Active, &c.ID, &c.Name, &c.Address, &c.OrganizationID, &c.Capacity, &c.Featured,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, backend.Classify(fmt.Errorf("querying centre code: %w", err))
	}
	cc.CentreID = c.ID
	cc.Centre = &c
	return &cc, nil
}

func (s *Store) CreateCheckIn(ctx context.Context, in models.NewCheckIn) (*models.CheckIn, error) {
	query, args, err := psq.Insert("checkins").
		Columns("id", "parent_id", "child_id", "centre_id", "check_in_time").
		Values(in.ID, in.ParentID, in.ChildID, in.CentreID, in.CheckInTime).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building checkin insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, backend.Classify(fmt.Errorf("inserting checkin: %w", err))
	}
	return &models.CheckIn{
		ID:          in.ID,
		ParentID:    in.ParentID,
		ChildID:     in.ChildID,
		CentreID:    in.CentreID,
		CheckInTime: in.CheckInTime,
	}, nil
}

func (s *Store) SetCheckOutTime(ctx context.Context, parentID, checkInID string, at time.Time) error {
	query, args, err := psq.Update("checkins").
		Set("check_out_time", at).
		Where(sq.Eq{"id": checkInID, "parent_id": parentID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building checkout update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return backend.Classify(fmt.Errorf("updating checkin: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("Checkout update matched no rows",
			zap.String("user_id", parentID),
			zap.String("checkin_id", checkInID),
		)
	}
	return nil
}

func (s *Store) CheckInStats(ctx context.Context, parentID string, monthStart time.Time) (*models.Stats, error) {
	query, args, err := psq.Select("COUNT(*)").
		Column(sq.Expr("COUNT(*) FILTER (WHERE check_in_time >= ?)", monthStart)).
		Column("COUNT(DISTINCT centre_id)").
		Column(sq.Expr("COALESCE(FLOOR(SUM(EXTRACT(EPOCH FROM (check_out_time - check_in_time))) FILTER (WHERE check_in_time >= ? AND check_out_time IS NOT NULL) / 3600), 0)::int", monthStart)).
		From("checkins").
		Where(sq.Eq{"parent_id": parentID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building stats query: %w", err)
	}

	var st models.Stats
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.TotalVisits, &st.VisitsThisMonth, &st.UniqueCentres, &st.HoursThisMonth,
	)
	if err != nil {
		return nil, backend.Classify(fmt.Errorf("querying stats: %w", err))
	}
	return &st, nil
}

func (s *Store) queryCentres(ctx context.Context, qb sq.SelectBuilder) ([]models.Centre, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building centre query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.Classify(fmt.Errorf("querying centres: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.Centre, 0)
	for rows.Next() {
		var c models.Centre
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &c.OrganizationID, &c.Capacity, &c.Featured); err != nil {
			return nil, fmt.Errorf("scanning centre: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Classify(fmt.Errorf("iterating centres: %w", err))
	}
	return out, nil
}

func (s *Store) FrequentCentres(ctx context.Context, parentID string, limit int) ([]models.Centre, error) {
	qb := psq.Select(centreColumns...).
		From("checkins ci").
		Join("centres ce ON ce.id = ci.centre_id").
		Where(sq.Eq{"ci.parent_id": parentID}).
		GroupBy("ce.id").
		OrderBy("COUNT(*) DESC", "ce.id")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	return s.queryCentres(ctx, qb)
}

func (s *Store) FeaturedCentres(ctx context.Context, orgID string, limit int) ([]models.Centre, error) {
	qb := psq.Select(centreColumns...).
		From("centres ce").
		Where(sq.Eq{"ce.organization_id": orgID, "ce.featured": true}).
		OrderBy("ce.name")
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	return s.queryCentres(ctx, qb)
}

func (s *Store) ListNotifications(ctx context.Context, parentID string) ([]models.ParentNotification, error) {
	query, args, err := psq.Select(
		"pn.id", "pn.parent_id", "pn.notification_id", "pn.is_read", "pn.read_at",
		"n.title", "n.message", "n.type", "n.created_at",
	).
		From("parent_notifications pn").
		Join("notifications n ON n.id = pn.notification_id").
		Where(sq.Eq{"pn.parent_id": parentID}).
		OrderBy("n.created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building notifications query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.Classify(fmt.Errorf("querying notifications: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.ParentNotification, 0)
	for rows.Next() {
		var pn models.ParentNotification
		var readAt sql.NullTime
		n := &models.Notification{}
		if err := rows.Scan(
			&pn.ID, &pn.ParentID, &pn.NotificationID, &pn.Read, &readAt,
			&n.Title, &n.Body, &n.Kind, &n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		if readAt.Valid {
			pn.ReadAt = &readAt.Time
		}
		n.ID = pn.NotificationID
		pn.Notification = n
		out = append(out, pn)
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Classify(fmt.Errorf("iterating notifications: %w", err))
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, parentID, parentNotificationID string, at time.Time) error {
	query, args, err := psq.Update("parent_notifications").
		Set("is_read", true).
		Set("read_at", at).
		Where(sq.Eq{"id": parentNotificationID, "parent_id": parentID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building mark-read update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return backend.Classify(fmt.Errorf("updating notification: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return backend.Classify(fmt.Errorf("updating notification: %w", err))
	}
	if n == 0 {
		return fmt.Errorf("notification %s: %w", parentNotificationID, models.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertAudit(ctx context.Context, entry models.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil || entry.Details == nil {
		details = []byte("{}")
	}
	query, args, err := psq.Insert("audit_log").
		Columns("id", "actor_id", "action", "entity_type", "entity_id", "details", "created_at").
		Values(entry.ID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, details, entry.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return backend.Classify(fmt.Errorf("inserting audit entry: %w", err))
	}
	return nil
}
