// Package checkin turns a scanned centre code into a check-in and closes it
// again. The backend's one-open-check-in constraint is authoritative; the
// engine's own pre-check only avoids a doomed insert.
package checkin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
	"postpart-sync/internal/status"
)

// Result is the outcome of a check-in or check-out.
type Result struct {
	CheckIn *models.CheckIn `json:"checkin,omitempty"`
	Centre  *models.Centre  `json:"centre,omitempty"`
	Child   *models.Child   `json:"child,omitempty"`

	// NothingToCheckOut is set by CheckOut when no check-in was open.
	NothingToCheckOut bool `json:"nothing_to_checkout"`
}

// Engine runs the check-in and check-out flows against a backend.
type Engine struct {
	store  backend.CheckInStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewEngine(store backend.CheckInStore, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CheckIn creates an open check-in for userID at the centre behind rawCode.
// childID may be empty when the parent has exactly one child.
func (e *Engine) CheckIn(ctx context.Context, userID, rawCode, childID string) (*Result, error) {
	log := e.logger.With(zap.String("user_id", userID), zap.String("operation", "checkin"))

	// never trust a cached profile for a mutation
	profile, err := e.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if d := status.Authorize(profile); !d.Allowed {
		log.Info("Check-in blocked by account status", zap.String("status", string(d.Status)))
		return nil, &BlockedError{Decision: d}
	}

	active, err := e.store.GetActiveCheckIn(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load active checkin: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("checkin %s is still open: %w", active.ID, ErrAlreadyCheckedIn)
	}

	code, err := ParseCode(rawCode)
	if err != nil {
		return nil, err
	}
	cc, err := e.store.LookupCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve code: %w", err)
	}
	if cc == nil || !cc.Active {
		log.Info("Rejected check-in code", zap.String("code", code))
		return nil, fmt.Errorf("code %s: %w", code, models.ErrInvalidCode)
	}

	children, err := e.store.ListChildren(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load children: %w", err)
	}
	child, err := selectChild(children, childID)
	if err != nil {
		return nil, err
	}

	created, err := e.store.CreateCheckIn(ctx, models.NewCheckIn{
		ID:          e.newID(),
		ParentID:    userID,
		ChildID:     child.ID,
		CentreID:    cc.CentreID,
		CheckInTime: e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create checkin: %w", err)
	}

	centre := cc.Centre
	if centre == nil {
		centre = &models.Centre{ID: cc.CentreID}
	}
	created.Centre = centre
	created.Child = child

	e.audit(ctx, models.AuditEntry{
		ActorID:    userID,
		Action:     models.AuditCheckInCreated,
		EntityType: "checkin",
		EntityID:   created.ID,
		Details: map[string]any{
			"centre_id": cc.CentreID,
			"child_id":  child.ID,
			"code":      code,
		},
	})

	log.Info("Checked in",
		zap.String("checkin_id", created.ID),
		zap.String("centre_id", cc.CentreID),
		zap.String("child_id", child.ID),
	)
	return &Result{CheckIn: created, Centre: centre, Child: child}, nil
}

func selectChild(children []models.Child, childID string) (*models.Child, error) {
	if len(children) == 0 {
		return nil, ErrNoChildren
	}
	if childID == "" {
		if len(children) == 1 {
			c := children[0]
			return &c, nil
		}
		return nil, &SelectionError{Children: children}
	}
	for i := range children {
		if children[i].ID == childID {
			c := children[i]
			return &c, nil
		}
	}
	return nil, fmt.Errorf("child %s: %w", childID, ErrChildNotFound)
}

// CheckOut closes userID's open check-in and re-reads it to confirm the
// timestamp persisted.
func (e *Engine) CheckOut(ctx context.Context, userID string) (*Result, error) {
	log := e.logger.With(zap.String("user_id", userID), zap.String("operation", "checkout"))

	active, err := e.store.GetActiveCheckIn(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load active checkin: %w", err)
	}
	if active == nil {
		return &Result{NothingToCheckOut: true}, nil
	}

	at := e.now().UTC()
	if err := e.store.SetCheckOutTime(ctx, userID, active.ID, at); err != nil {
		return nil, fmt.Errorf("close checkin: %w", err)
	}

	verified, err := e.store.GetCheckIn(ctx, userID, active.ID)
	if err != nil {
		return nil, fmt.Errorf("verify checkout: %w", err)
	}
	if verified.CheckOutTime == nil {
		log.Error("Checkout did not persist", zap.String("checkin_id", active.ID))
		return nil, fmt.Errorf("checkin %s: %w", active.ID, models.ErrVerificationFailed)
	}

	e.audit(ctx, models.AuditEntry{
		ActorID:    userID,
		Action:     models.AuditCheckInClosed,
		EntityType: "checkin",
		EntityID:   verified.ID,
		Details: map[string]any{
			"centre_id":        verified.CentreID,
			"child_id":         verified.ChildID,
			"duration_minutes": int(verified.Duration(at).Minutes()),
		},
	})

	log.Info("Checked out", zap.String("checkin_id", verified.ID))
	return &Result{CheckIn: verified, Centre: verified.Centre, Child: verified.Child}, nil
}

// audit writes entry and only logs a failure.
func (e *Engine) audit(ctx context.Context, entry models.AuditEntry) {
	entry.ID = e.newID()
	entry.CreatedAt = e.now().UTC()
	if err := e.store.InsertAudit(ctx, entry); err != nil {
		e.logger.Warn("Failed to write audit entry",
			zap.String("user_id", entry.ActorID),
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err),
		)
	}
}
