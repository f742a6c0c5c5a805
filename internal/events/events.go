// Package events fans pipeline lifecycle events out to live subscribers per
// run. Events are not buffered for late subscribers; the record store is the
// source of truth for anything missed.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names emitted by the pipeline and coordinator.
const (
	EventHello       = "hello"
	EventRowStart    = "row-start"
	EventRowUpdate   = "row-update"
	EventRowResult   = "row-result"
	EventRowError    = "row-error"
	EventRowFinal    = "row-final"
	EventRowDone     = "row-done"
	EventRunComplete = "run-complete"
	EventDone        = "done"
	EventHeartbeat   = "heartbeat"
)

// Event is one named payload broadcast to a run's subscribers.
type Event struct {
	Name string
	Data json.RawMessage
}

// New builds an event, marshalling the payload. A payload that cannot be
// marshalled becomes a null body rather than an error; event emission must
// never fail a scan.
func New(name string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = json.RawMessage("null")
	}
	return Event{Name: name, Data: data}
}

// Heartbeat is the keep-alive event payload.
type Heartbeat struct {
	RunID uuid.UUID `json:"runId"`
	At    time.Time `json:"at"`
}
