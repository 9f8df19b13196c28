package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postpart-sync/internal/backend/memory"
	"postpart-sync/internal/models"
	"postpart-sync/internal/status"
)

const parent = "u1"

func seed(t *testing.T, children ...models.Child) *memory.Store {
	t.Helper()
	s := memory.NewStore(nil)
	s.PutProfile(models.Profile{ID: parent, Status: models.StatusActive})
	s.PutCentre(models.Centre{ID: "centre-a", Name: "Acorn"})
	s.PutCentre(models.Centre{ID: "centre-b", Name: "Birch"})
	s.PutCode(models.CentreCode{Code: "CTR-A", CentreID: "centre-a", Active: true})
	s.PutCode(models.CentreCode{Code: "CTR-B", CentreID: "centre-b", Active: true})
	s.PutCode(models.CentreCode{Code: "CTR-OLD", CentreID: "centre-a", Active: false})
	for _, c := range children {
		c.ParentID = parent
		s.PutChild(c)
	}
	return s
}

func TestCheckIn_SingleChildAutoSelected(t *testing.T) {
	s := seed(t, models.Child{ID: "k1", FirstName: "Ada"})
	e := NewEngine(s, zap.NewNop())

	res, err := e.CheckIn(context.Background(), parent, " ctr-a ", "")
	require.NoError(t, err)
	assert.Equal(t, "k1", res.Child.ID)
	assert.Equal(t, "Acorn", res.Centre.Name)
	assert.True(t, res.CheckIn.IsOpen())
	assert.Equal(t, 1, s.OpenCheckIns(parent))

	entries := s.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditCheckInCreated, entries[0].Action)
	assert.Equal(t, res.CheckIn.ID, entries[0].EntityID)
}

func TestCheckIn_NoChildren(t *testing.T) {
	s := seed(t)
	e := NewEngine(s, zap.NewNop())

	_, err := e.CheckIn(context.Background(), parent, "CTR-A", "")
	assert.ErrorIs(t, err, ErrNoChildren)
	assert.Equal(t, 0, s.Calls(memory.OpCreateCheckIn))
}

func TestCheckIn_InactiveCodeCreatesNothing(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	e := NewEngine(s, zap.NewNop())

	for _, code := range []string{"CTR-42-INACTIVE", "CTR-OLD"} {
		_, err := e.CheckIn(context.Background(), parent, code, "")
		assert.ErrorIs(t, err, models.ErrInvalidCode, code)
	}
	assert.Equal(t, 0, s.Calls(memory.OpCreateCheckIn))
	assert.Equal(t, 0, s.OpenCheckIns(parent))
}

func TestCheckIn_OpenCheckInRejectedBeforeInsert(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	e := NewEngine(s, zap.NewNop())

	_, err := e.CheckIn(context.Background(), parent, "CTR-A", "")
	require.NoError(t, err)

	_, err = e.CheckIn(context.Background(), parent, "CTR-B", "")
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)
	assert.ErrorIs(t, err, models.ErrLimitReached)
	assert.Equal(t, 1, s.Calls(memory.OpCreateCheckIn))
	assert.Equal(t, 1, s.OpenCheckIns(parent))
}

// staleView hides the open check-in, as a second device would see it.
type staleView struct{ *memory.Store }

func (staleView) GetActiveCheckIn(context.Context, string) (*models.CheckIn, error) {
	return nil, nil
}

func TestCheckIn_BackendConstraintSurfacesSameError(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	_, err := NewEngine(s, zap.NewNop()).CheckIn(context.Background(), parent, "CTR-A", "")
	require.NoError(t, err)

	_, err = NewEngine(staleView{s}, zap.NewNop()).CheckIn(context.Background(), parent, "CTR-B", "")
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)
	assert.Equal(t, 2, s.Calls(memory.OpCreateCheckIn))
	assert.Equal(t, 1, s.OpenCheckIns(parent))
}

func TestCheckIn_CapacityLimit(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	s.PutCentre(models.Centre{ID: "centre-a", Name: "Acorn", Capacity: 1})
	s.PutCheckIn(models.CheckIn{ID: "other", ParentID: "u2", CentreID: "centre-a", CheckInTime: time.Now()})

	_, err := NewEngine(s, zap.NewNop()).CheckIn(context.Background(), parent, "CTR-A", "")
	assert.ErrorIs(t, err, models.ErrLimitReached)
	assert.NotErrorIs(t, err, ErrAlreadyCheckedIn)
}

func TestCheckIn_ChildSelection(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"}, models.Child{ID: "k2"})
	e := NewEngine(s, zap.NewNop())

	_, err := e.CheckIn(context.Background(), parent, "CTR-A", "")
	require.ErrorIs(t, err, ErrChildSelectionRequired)
	var sel *SelectionError
	require.True(t, errors.As(err, &sel))
	assert.Len(t, sel.Children, 2)

	_, err = e.CheckIn(context.Background(), parent, "CTR-A", "someone-elses-child")
	assert.ErrorIs(t, err, ErrChildNotFound)

	res, err := e.CheckIn(context.Background(), parent, "CTR-A", "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", res.Child.ID)
}

func TestCheckIn_BlockedAccount(t *testing.T) {
	for _, st := range []models.ProfileStatus{models.StatusInactive, models.StatusSuspended} {
		t.Run(string(st), func(t *testing.T) {
			s := seed(t, models.Child{ID: "k1"})
			s.PutProfile(models.Profile{ID: parent, Status: st})

			_, err := NewEngine(s, zap.NewNop()).CheckIn(context.Background(), parent, "CTR-A", "")
			require.ErrorIs(t, err, ErrAccountInactive)
			var blocked *BlockedError
			require.True(t, errors.As(err, &blocked))
			assert.Equal(t, status.Authorize(&models.Profile{Status: st}).Reason, blocked.Decision.Reason)
			assert.Equal(t, 0, s.Calls(memory.OpLookupCode))
			assert.Equal(t, 0, s.OpenCheckIns(parent))
		})
	}
}

func TestCheckIn_AuditFailureDoesNotBlock(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	s.SetFault(memory.OpInsertAudit, errors.New("audit table locked"))

	res, err := NewEngine(s, zap.NewNop()).CheckIn(context.Background(), parent, "CTR-A", "")
	require.NoError(t, err)
	assert.True(t, res.CheckIn.IsOpen())
}

func TestCheckOut(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	e := NewEngine(s, zap.NewNop())
	start := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return start }

	in, err := e.CheckIn(context.Background(), parent, "CTR-A", "")
	require.NoError(t, err)

	e.now = func() time.Time { return start.Add(3 * time.Hour) }
	res, err := e.CheckOut(context.Background(), parent)
	require.NoError(t, err)
	assert.False(t, res.NothingToCheckOut)
	assert.Equal(t, in.CheckIn.ID, res.CheckIn.ID)
	require.NotNil(t, res.CheckIn.CheckOutTime)
	assert.Equal(t, 0, s.OpenCheckIns(parent))

	entries := s.AuditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditCheckInClosed, entries[1].Action)
	assert.Equal(t, 180, entries[1].Details["duration_minutes"])
}

func TestCheckOut_NothingOpen(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	res, err := NewEngine(s, zap.NewNop()).CheckOut(context.Background(), parent)
	require.NoError(t, err)
	assert.True(t, res.NothingToCheckOut)
	assert.Equal(t, 0, s.Calls(memory.OpSetCheckOut))
}

func TestCheckOut_OnlyOwnRecord(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	s.PutCheckIn(models.CheckIn{ID: "theirs", ParentID: "u2", CentreID: "centre-a", CheckInTime: time.Now()})

	res, err := NewEngine(s, zap.NewNop()).CheckOut(context.Background(), parent)
	require.NoError(t, err)
	assert.True(t, res.NothingToCheckOut)
	assert.Equal(t, 1, s.OpenCheckIns("u2"))
}

func TestCheckOut_SilentWriteIsVerificationFailure(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	e := NewEngine(s, zap.NewNop())
	_, err := e.CheckIn(context.Background(), parent, "CTR-A", "")
	require.NoError(t, err)

	s.DropCheckOutWrites = true
	_, err = e.CheckOut(context.Background(), parent)
	assert.ErrorIs(t, err, models.ErrVerificationFailed)
	assert.Equal(t, 1, s.OpenCheckIns(parent))
	assert.Len(t, s.AuditEntries(), 1, "no closed entry for an unverified checkout")
}

func TestCheckOut_AuditFailureDoesNotBlock(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	e := NewEngine(s, zap.NewNop())
	_, err := e.CheckIn(context.Background(), parent, "CTR-A", "")
	require.NoError(t, err)

	s.SetFault(memory.OpInsertAudit, errors.New("audit table locked"))
	res, err := e.CheckOut(context.Background(), parent)
	require.NoError(t, err)
	assert.NotNil(t, res.CheckIn.CheckOutTime)
}

func TestCheckIn_AtMostOneOpenUnderRepeatedAttempts(t *testing.T) {
	s := seed(t, models.Child{ID: "k1"})
	fresh := NewEngine(s, zap.NewNop())
	stale := NewEngine(staleView{s}, zap.NewNop())

	for i := 0; i < 20; i++ {
		e := fresh
		if i%2 == 1 {
			e = stale
		}
		code := "CTR-A"
		if i%3 == 0 {
			code = "CTR-B"
		}
		_, _ = e.CheckIn(context.Background(), parent, code, "")
		if i%5 == 4 {
			_, _ = fresh.CheckOut(context.Background(), parent)
		}
		assert.LessOrEqual(t, s.OpenCheckIns(parent), 1)
	}
}
