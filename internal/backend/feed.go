package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"postpart-sync/internal/models"
)

// Filter scopes a subscription to the rows of one entity whose Column equals Value.
type Filter struct {
	Entity models.Entity
	Column string
	Value  string
}

// String renders the filter in PostgREST form, e.g. "checkins:parent_id=eq.u1".
func (f Filter) String() string {
	return fmt.Sprintf("%s:%s=eq.%s", f.Entity, f.Column, f.Value)
}

// Matches reports whether a row with the given column values falls under f.
func (f Filter) Matches(entity models.Entity, row map[string]any) bool {
	if entity != f.Entity {
		return false
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// Event is one row change pushed by a ChangeFeed. Consumers treat it as a
// signal to re-fetch; Record is informational only.
type Event struct {
	Entity   models.Entity     `json:"entity"`
	Type     models.ChangeType `json:"type"`
	Record   json.RawMessage   `json:"record,omitempty"`
	RecordID string            `json:"record_id,omitempty"`
}

// Handler receives events. It may be called from a feed goroutine.
type Handler func(Event)

// Subscription is a live handle on one entity and one filter.
type Subscription interface {
	ID() string
	Filter() Filter
	Close() error
}

// ChangeFeed delivers row changes matching a filter.
type ChangeFeed interface {
	Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error)
}

// DecodeEvent parses the JSON wire form shared by the stream, MQTT and
// websocket feeds. Row payloads are accepted as "record" or "new".
func DecodeEvent(data []byte) (Event, error) {
	var wire struct {
		Entity    models.Entity     `json:"entity"`
		Table     models.Entity     `json:"table"`
		Type      models.ChangeType `json:"type"`
		EventType models.ChangeType `json:"eventType"`
		Record    json.RawMessage   `json:"record"`
		New       json.RawMessage   `json:"new"`
		RecordID  string            `json:"record_id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("decode change event: %w", err)
	}
	ev := Event{
		Entity:   wire.Entity,
		Type:     wire.Type,
		Record:   wire.Record,
		RecordID: wire.RecordID,
	}
	if ev.Entity == "" {
		ev.Entity = wire.Table
	}
	if ev.Type == "" {
		ev.Type = wire.EventType
	}
	if len(ev.Record) == 0 {
		ev.Record = wire.New
	}
	if ev.Entity == "" {
		return Event{}, fmt.Errorf("decode change event: missing entity")
	}
	if ev.RecordID == "" && len(ev.Record) > 0 {
		var row struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(ev.Record, &row) == nil {
			ev.RecordID = row.ID
		}
	}
	return ev, nil
}

// RowValues decodes an event record into a column map; nil on failure.
func (e Event) RowValues() map[string]any {
	if len(e.Record) == 0 {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(e.Record, &row); err != nil {
		return nil
	}
	return row
}
