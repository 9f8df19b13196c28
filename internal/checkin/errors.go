package checkin

import (
	"errors"
	"fmt"

	"postpart-sync/internal/models"
	"postpart-sync/internal/status"
)

var (
	// ErrAccountInactive: the freshly read profile is not active.
	ErrAccountInactive = errors.New("account is not active")
	// ErrNoChildren: the parent has to add a child before checking in.
	ErrNoChildren = errors.New("add a child before checking in")
	// ErrChildSelectionRequired: several children and none chosen.
	ErrChildSelectionRequired = errors.New("select which child to check in")
	// ErrChildNotFound: the chosen child does not belong to the parent.
	ErrChildNotFound = errors.New("child not found")
	// ErrAlreadyCheckedIn: an open check-in exists. Limit-class.
	ErrAlreadyCheckedIn = models.ErrAlreadyCheckedIn
)

// BlockedError carries the status gate's decision for an inactive account.
type BlockedError struct {
	Decision status.Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAccountInactive, e.Decision.Reason)
}

func (e *BlockedError) Is(target error) bool { return target == ErrAccountInactive }

// SelectionError lists the children the user must choose from.
type SelectionError struct {
	Children []models.Child
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s (%d children)", ErrChildSelectionRequired, len(e.Children))
}

func (e *SelectionError) Is(target error) bool { return target == ErrChildSelectionRequired }
