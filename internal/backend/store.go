// Package backend declares the row-level data access and change feed the
// client depends on. Implementations live in the subpackages.
package backend

import (
	"context"
	"time"

	"postpart-sync/internal/models"
)

// Store is the backend data access used by the loader and the check-in engine.
//
// Single-row reads return models.ErrNotFound (wrapped) when nothing matches,
// except GetActiveCheckIn and LookupCode which return nil, nil.
type Store interface {
	ProfileReader
	CheckInStore

	GetOrganization(ctx context.Context, orgID string) (*models.Organization, error)

	// ListRecentCheckIns returns the parent's latest check-ins, newest first,
	// with Centre and Child populated.
	ListRecentCheckIns(ctx context.Context, parentID string, limit int) ([]models.CheckIn, error)

	// CheckInStats aggregates the parent's visits. monthStart bounds the
	// "this month" counters.
	CheckInStats(ctx context.Context, parentID string, monthStart time.Time) (*models.Stats, error)

	// FrequentCentres returns the centres the parent visits most, most visited first.
	FrequentCentres(ctx context.Context, parentID string, limit int) ([]models.Centre, error)

	// FeaturedCentres returns featured centres of an organisation.
	FeaturedCentres(ctx context.Context, orgID string, limit int) ([]models.Centre, error)

	// ListNotifications returns the parent's notifications, newest first.
	ListNotifications(ctx context.Context, parentID string) ([]models.ParentNotification, error)

	MarkNotificationRead(ctx context.Context, parentID, parentNotificationID string, at time.Time) error
}

// ProfileReader reads the account record.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// CheckInStore is the subset of Store the check-in engine needs.
type CheckInStore interface {
	ProfileReader

	ListChildren(ctx context.Context, parentID string) ([]models.Child, error)

	// GetActiveCheckIn returns the parent's open check-in or nil.
	GetActiveCheckIn(ctx context.Context, parentID string) (*models.CheckIn, error)

	GetCheckIn(ctx context.Context, parentID, checkInID string) (*models.CheckIn, error)

	// LookupCode resolves a code in the active-code registry. Inactive codes
	// are returned with Active=false; unknown codes return nil, nil.
	LookupCode(ctx context.Context, code string) (*models.CentreCode, error)

	// CreateCheckIn inserts a new open check-in. A second open check-in for
	// the same parent fails with models.ErrAlreadyCheckedIn.
	CreateCheckIn(ctx context.Context, in models.NewCheckIn) (*models.CheckIn, error)

	// SetCheckOutTime closes the check-in. The parent id is part of the
	// predicate so one parent can never close another's visit.
	SetCheckOutTime(ctx context.Context, parentID, checkInID string, at time.Time) error

	InsertAudit(ctx context.Context, entry models.AuditEntry) error
}
