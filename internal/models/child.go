package models

import "time"

// Child belongs to exactly one parent profile.
type Child struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Allergies   string     `json:"allergies,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FullName joins first and last name.
func (c Child) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
