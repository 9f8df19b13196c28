package models

import "time"

// Audit actions written by the check-in engine.
const (
	AuditCheckInCreated = "checkin.created"
	AuditCheckInClosed  = "checkin.closed"
)

// AuditEntry is an append-only log line in the backend's audit table.
type AuditEntry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
