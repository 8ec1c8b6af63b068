package types

import "time"

type EventType string

const (
	EventDataStall      EventType = "DataStall"
	EventSetupError     EventType = "SetupError"
	EventOutOfService   EventType = "OutOfService"
	EventProbeScheduled EventType = "ProbeScheduled"
	EventProbeReport    EventType = "ProbeReport"
	EventHandover       EventType = "Handover"
	EventInboxDrop      EventType = "InboxDrop"
)

// Event is a record handed to the recording pipeline. Details carries
// event specific values; Labels carries the radio metadata snapshot.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	RadioID   RadioID           `json:"radio_id"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
