// Package models defines the records postpart-sync reads from and writes to the
// backend, and the error taxonomy shared by every component.
package models

import "time"

// ProfileStatus is the lifecycle status of a parent account.
type ProfileStatus string

const (
	StatusActive    ProfileStatus = "active"
	StatusInactive  ProfileStatus = "inactive"
	StatusSuspended ProfileStatus = "suspended"
)

// Profile is the signed-in user's account record.
type Profile struct {
	ID             string        `json:"id"`
	DisplayName    string        `json:"full_name"`
	Email          string        `json:"email,omitempty"`
	Phone          string        `json:"phone,omitempty"`
	Status         ProfileStatus `json:"status"`
	OrganizationID *string       `json:"organization_id,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsActive reports whether p is non-nil and active.
func (p *Profile) IsActive() bool {
	return p != nil && p.Status == StatusActive
}

// OrgID returns the organization id or "" when the profile has none.
func (p *Profile) OrgID() string {
	if p == nil || p.OrganizationID == nil {
		return ""
	}
	return *p.OrganizationID
}

// StatusOf returns p's status, or "" for a nil profile.
func StatusOf(p *Profile) ProfileStatus {
	if p == nil {
		return ""
	}
	return p.Status
}

// Organization groups centres and parents under one administrator.
type Organization struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}
