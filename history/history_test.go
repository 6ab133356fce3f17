package history

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/snapmaker_send/notify"
	"github.com/john/snapmaker_send/store"
)

func newRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	db, err := store.New(t.TempDir())
	require.NoError(t, err)
	r, err := Load(db, zerolog.Nop())
	require.NoError(t, err)
	return r, db
}

func TestRecorderCapturesUploadOutcomes(t *testing.T) {
	r, db := newRecorder(t)

	r.Publish(notify.Event{
		Type:     notify.EventUploadDone,
		Device:   "My3DP@Snapmaker 2 Model A350",
		Filename: "benchy_PLA_0h42m0s.gcode",
	})
	r.Publish(notify.Event{
		Type:     notify.EventUploadFailed,
		Device:   "My3DP@Snapmaker 2 Model A350",
		Filename: "broken.gcode",
		Message:  "upload rejected: disk full",
	})
	// Non-terminal events are not recorded.
	r.Publish(notify.Event{Type: notify.EventUploadProgress, Progress: 50})
	r.Publish(notify.Event{Type: notify.EventDeviceAdded, Device: "x@y"})

	entries := r.List()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "benchy_PLA_0h42m0s.gcode", entries[0].Filename)
	assert.False(t, entries[1].Success)
	assert.Equal(t, "upload rejected: disk full", entries[1].Message)

	// Entries survive a reload.
	reloaded, err := Load(db, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 2)
}

func TestRecorderTrimsOldEntries(t *testing.T) {
	r, _ := newRecorder(t)

	for i := 0; i < keep+7; i++ {
		r.Publish(notify.Event{
			Type:     notify.EventUploadDone,
			Filename: fmt.Sprintf("job-%d.gcode", i),
		})
	}

	entries := r.List()
	require.Len(t, entries, keep)
	assert.Equal(t, fmt.Sprintf("job-%d.gcode", 7), entries[0].Filename)
	assert.Equal(t, fmt.Sprintf("job-%d.gcode", keep+6), entries[len(entries)-1].Filename)
}

func TestHandler(t *testing.T) {
	r, _ := newRecorder(t)
	r.Publish(notify.Event{Type: notify.EventUploadDone, Filename: "a.gcode"})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/history", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got []Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a.gcode", got[0].Filename)
}
