package models

import "time"

// CheckIn is one visit of a child to a centre. A nil CheckOutTime means the
// visit is still open.
type CheckIn struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"parent_id"`
	ChildID      string     `json:"child_id"`
	CentreID     string     `json:"centre_id"`
	CheckInTime  time.Time  `json:"check_in_time"`
	CheckOutTime *time.Time `json:"check_out_time,omitempty"`

	Centre *Centre `json:"centre,omitempty"`
	Child  *Child  `json:"child,omitempty"`
}

// IsOpen reports whether the visit has not been checked out.
func (c *CheckIn) IsOpen() bool {
	return c != nil && c.CheckOutTime == nil
}

// Duration is the visit length; open visits are measured up to now.
func (c *CheckIn) Duration(now time.Time) time.Duration {
	end := now
	if c.CheckOutTime != nil {
		end = *c.CheckOutTime
	}
	return end.Sub(c.CheckInTime)
}

// NewCheckIn is the insert payload for a check-in.
type NewCheckIn struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id"`
	ChildID     string    `json:"child_id"`
	CentreID    string    `json:"centre_id"`
	CheckInTime time.Time `json:"check_in_time"`
}

// Centre is a daycare location.
type Centre struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Capacity       int    `json:"capacity,omitempty"`
	Featured       bool   `json:"featured,omitempty"`
}

// CentreCode is an entry of the active-code registry printed on a centre's QR poster.
type CentreCode struct {
	Code     string  `json:"code"`
	CentreID string  `json:"centre_id"`
	Active   bool    `json:"is_active"`
	Centre   *Centre `json:"centre,omitempty"`
}

// Stats is the parent's aggregate dashboard numbers.
type Stats struct {
	TotalVisits     int `json:"total_visits"`
	VisitsThisMonth int `json:"visits_this_month"`
	UniqueCentres   int `json:"unique_centres"`
	HoursThisMonth  int `json:"hours_this_month"`
}
