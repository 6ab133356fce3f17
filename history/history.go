// Package history records upload outcomes so a UI can show what was
// sent to which printer. It subscribes to the notification stream and
// persists through the JSON store.
package history

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/snapmaker_send/notify"
	"github.com/john/snapmaker_send/store"
)

const namespace = "history"

// keep bounds how many entries are retained.
const keep = 50

// Entry is one recorded upload.
type Entry struct {
	Device   string    `json:"device"`
	Filename string    `json:"filename"`
	Success  bool      `json:"success"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Recorder implements notify.Sink, capturing terminal upload events.
type Recorder struct {
	mu      sync.Mutex
	db      *store.Store
	entries []Entry
	log     zerolog.Logger
}

// Load reads previously recorded entries from the store.
func Load(db *store.Store, log zerolog.Logger) (*Recorder, error) {
	r := &Recorder{db: db, log: log}
	if err := db.Load(namespace, &r.entries); err != nil {
		return nil, err
	}
	return r, nil
}

// Publish records upload_done and upload_failed events; everything else
// is ignored.
func (r *Recorder) Publish(e notify.Event) {
	var success bool
	switch e.Type {
	case notify.EventUploadDone:
		success = true
	case notify.EventUploadFailed:
	default:
		return
	}

	r.mu.Lock()
	r.entries = append(r.entries, Entry{
		Device:   e.Device,
		Filename: e.Filename,
		Success:  success,
		Message:  e.Message,
		Time:     time.Now(),
	})
	if len(r.entries) > keep {
		r.entries = r.entries[len(r.entries)-keep:]
	}
	snapshot := make([]Entry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	if err := r.db.Save(namespace, snapshot); err != nil {
		r.log.Warn().Err(err).Msg("saving upload history failed")
	}
}

// List returns the recorded entries, newest last.
func (r *Recorder) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Handler serves the history as JSON (GET /history).
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.List()); err != nil {
			r.log.Debug().Err(err).Msg("encoding history failed")
		}
	})
}
