// Package telemetry defines the typed events voxdropd broadcasts to every
// connected WebSocket client. They travel as the data of an "event" envelope.
package telemetry

import "time"

// EventType identifies the kind of broadcast event.
type EventType string

const (
	EventHeartbeat    EventType = "heartbeat"
	EventUploadStored EventType = "upload_stored"
	EventUploadFailed EventType = "upload_failed"
	EventLog          EventType = "log"
)

// Event is the base envelope shared by every event type.
type Event struct {
	Type      EventType `json:"type"`
	TS        string    `json:"ts"`
	Component string    `json:"component,omitempty"`
}

// NowTS returns the current UTC time as an RFC 3339 nano string, matching the
// timestamp format used across all events.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewEvent stamps a base event with the current time.
func NewEvent(t EventType, component string) Event {
	return Event{Type: t, TS: NowTS(), Component: component}
}

// Heartbeat is sent periodically so clients can detect connectivity and
// monitor daemon uptime.
type Heartbeat struct {
	Event
	UptimeSeconds int64 `json:"uptime_seconds"`
	Clients       int   `json:"clients"`
}

// UploadStored is emitted after an upload has been written to storage.
type UploadStored struct {
	Event
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	FileType string `json:"file_type,omitempty"`
}

// UploadFailed is emitted when an upload could not be stored.
type UploadFailed struct {
	Event
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error"`
}

// LogLine carries a human-readable log message at a severity level.
type LogLine struct {
	Event
	Level   string `json:"level"`
	Message string `json:"message"`
}
