package notify

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordSink) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestSinksFanOut(t *testing.T) {
	a, b := &recordSink{}, &recordSink{}
	ss := Sinks{a, b}

	ss.Publish(Event{Type: EventDeviceAdded, Device: "p@m"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, EventDeviceAdded, a.events[0].Type)

	// An empty fan-out is a valid no-op sink.
	Sinks{}.Publish(Event{Type: EventError})
}

func TestEventJSONOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventAuthRequired, Device: "p@m", Message: "tap yes"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"auth_required","device":"p@m","message":"tap yes"}`, string(data))
}

func TestHubBroadcast(t *testing.T) {
	hub, mux := NewHub("127.0.0.1:0", zerolog.Nop())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered during the upgrade handshake, so the
	// client is receiving as soon as Dial returns.
	hub.Publish(Event{
		Type:     EventUploadProgress,
		Device:   "p@m",
		Filename: "a.gcode",
		Progress: 42.5,
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventUploadProgress, got.Type)
	assert.Equal(t, 42.5, got.Progress)
}
