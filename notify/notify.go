// Package notify carries user-facing events out of the discovery and
// device layers: device table changes, touchscreen authorization prompts,
// upload progress and terminal upload outcomes. Session code emits events
// after applying a state transition; sinks decide how to present them.
package notify

import "github.com/rs/zerolog"

// EventType identifies the kind of event.
type EventType string

const (
	EventDeviceAdded    EventType = "device_added"
	EventDeviceRemoved  EventType = "device_removed"
	EventAuthRequired   EventType = "auth_required"
	EventAuthOK         EventType = "auth_ok"
	EventAuthDenied     EventType = "auth_denied"
	EventUploadProgress EventType = "upload_progress"
	EventUploadDone     EventType = "upload_done"
	EventUploadFailed   EventType = "upload_failed"
	EventError          EventType = "error"
)

// Event is one notification. Fields are filled per type; unused fields
// are omitted from the JSON form.
type Event struct {
	Type     EventType `json:"type"`
	Device   string    `json:"device,omitempty"`
	Address  string    `json:"address,omitempty"`
	Model    string    `json:"model,omitempty"`
	Status   string    `json:"status,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Sink receives events. Publish must not block for long: it is called
// from session goroutines holding no locks, but an upload progress
// callback fires on every chunk.
type Sink interface {
	Publish(Event)
}

// Sinks fans one event out to several sinks.
type Sinks []Sink

func (ss Sinks) Publish(e Event) {
	for _, s := range ss {
		s.Publish(e)
	}
}

// LogSink writes events to a zerolog logger. It is the default sink for
// headless runs.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Publish(e Event) {
	ev := s.Log.Info()
	switch e.Type {
	case EventUploadProgress:
		ev = s.Log.Debug().Float64("progress", e.Progress)
	case EventUploadFailed, EventError:
		ev = s.Log.Warn()
	}
	if e.Device != "" {
		ev = ev.Str("device", e.Device)
	}
	if e.Address != "" {
		ev = ev.Str("address", e.Address)
	}
	if e.Status != "" {
		ev = ev.Str("status", e.Status)
	}
	if e.Filename != "" {
		ev = ev.Str("filename", e.Filename)
	}
	if e.Message != "" {
		ev = ev.Str("message", e.Message)
	}
	ev.Msg(string(e.Type))
}
