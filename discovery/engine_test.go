package discovery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/snapmaker_send/device"
	"github.com/john/snapmaker_send/notify"
	"github.com/john/snapmaker_send/store"
	"github.com/john/snapmaker_send/tokens"
)

// fakeProber replays canned reply payloads, one set per poll.
type fakeProber struct {
	mu    sync.Mutex
	polls [][]Datagram
	calls int
}

func (f *fakeProber) Probe(context.Context, time.Duration) ([]Datagram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.polls) {
		f.calls++
		return nil, nil
	}
	out := f.polls[f.calls]
	f.calls++
	return out, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureSink) Publish(e notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) byType(t notify.EventType) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// stubAPI satisfies device.API; the engine itself never calls it.
type stubAPI struct{}

func (stubAPI) Connect(context.Context, string) (*device.ConnectResult, error) {
	return &device.ConnectResult{Code: 200}, nil
}

func (stubAPI) Status(context.Context, string) (*device.StatusResult, error) {
	return &device.StatusResult{Code: 200, Status: device.StatusIdle}, nil
}

func (stubAPI) Upload(context.Context, string, string, []byte, device.ProgressFunc) (*device.UploadResult, error) {
	return &device.UploadResult{Code: 200}, nil
}

func (stubAPI) Disconnect(context.Context, string) error { return nil }

type factoryCall struct {
	name, model, addr, token string
}

func testFactory(calls *[]factoryCall) SessionFactory {
	var mu sync.Mutex
	return func(name, model, addr, token string) *device.Session {
		mu.Lock()
		*calls = append(*calls, factoryCall{name, model, addr, token})
		mu.Unlock()
		return device.NewSession(context.Background(), device.Config{
			Name:   name,
			Model:  model,
			Addr:   addr,
			Token:  token,
			NewAPI: func(string) device.API { return stubAPI{} },
			Log:    zerolog.Nop(),
		})
	}
}

func dgram(payload string) Datagram {
	rep, err := ParseReply([]byte(payload))
	if err != nil {
		return Datagram{Payload: []byte(payload)}
	}
	return Datagram{Source: rep.Addr, Payload: []byte(payload)}
}

func TestEngineDiscoversAndDeduplicates(t *testing.T) {
	prober := &fakeProber{polls: [][]Datagram{
		{
			dgram("Snapmaker-A@10.0.0.5|model:Snapmaker 2 Model A350|status:IDLE"),
			dgram("Snapmaker-A@10.0.0.5|model:Snapmaker 2 Model A350|status:IDLE"),
			dgram("Snapmaker-B@10.0.0.6|model:Snapmaker 2 Model A250|status:RUNNING"),
		},
	}}
	sink := &captureSink{}
	var calls []factoryCall
	e := New(Config{
		Prober:     prober,
		Sink:       sink,
		NewSession: testFactory(&calls),
		Log:        zerolog.Nop(),
	})
	defer e.Close()

	require.NoError(t, e.PollOnce(context.Background()))

	devices := e.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "Snapmaker-A@Snapmaker 2 Model A350", devices[0].Identity.String())
	assert.Equal(t, "10.0.0.5", devices[0].Addr)
	assert.Equal(t, "IDLE", devices[0].Status)
	assert.Equal(t, "Snapmaker-B@Snapmaker 2 Model A250", devices[1].Identity.String())

	// One session per physical device despite the duplicate reply.
	assert.Len(t, calls, 2)
	assert.Len(t, sink.byType(notify.EventDeviceAdded), 2)

	// The advertised status seeds the connection state without a network
	// round trip.
	conn, _ := devices[0].Session.States()
	assert.Equal(t, device.StateConnected, conn)
	conn, _ = devices[1].Session.States()
	assert.Equal(t, device.StateBusy, conn)
}

func TestEngineUpdatesKnownDeviceInPlace(t *testing.T) {
	prober := &fakeProber{polls: [][]Datagram{
		{dgram("Snapmaker-A@10.0.0.5|model:Snapmaker 2 Model A350|status:IDLE")},
		{dgram("Snapmaker-A@10.0.0.99|model:Snapmaker 2 Model A350|status:RUNNING")},
	}}
	sink := &captureSink{}
	var calls []factoryCall
	e := New(Config{
		Prober:     prober,
		Sink:       sink,
		NewSession: testFactory(&calls),
		Log:        zerolog.Nop(),
	})
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.PollOnce(ctx))
	require.NoError(t, e.PollOnce(ctx))

	devices := e.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "10.0.0.99", devices[0].Addr, "last seen address wins")
	assert.Equal(t, "RUNNING", devices[0].Status)
	assert.Equal(t, "10.0.0.99", devices[0].Session.Addr())

	assert.Len(t, calls, 1, "no second session for a known device")
	assert.Len(t, sink.byType(notify.EventDeviceAdded), 1)
}

func TestEngineSkipsMalformedAndForeignReplies(t *testing.T) {
	prober := &fakeProber{polls: [][]Datagram{
		{
			{Source: "10.0.0.8", Payload: []byte("discover")},
			dgram("Other@10.0.0.9|model:Ender 3|status:IDLE"),
			dgram("Snapmaker-A@10.0.0.5|model:Snapmaker 2 Model A350|status:IDLE"),
		},
	}}
	var calls []factoryCall
	e := New(Config{
		Prober:      prober,
		NewSession:  testFactory(&calls),
		ModelPrefix: "Snapmaker",
		Log:         zerolog.Nop(),
	})
	defer e.Close()

	require.NoError(t, e.PollOnce(context.Background()))

	devices := e.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "Snapmaker-A", devices[0].Identity.Name)
}

func TestEngineEvictsStaleDevices(t *testing.T) {
	prober := &fakeProber{polls: [][]Datagram{
		{dgram("Snapmaker-A@10.0.0.5|model:Snapmaker 2 Model A350|status:IDLE")},
		// Two silent polls follow.
	}}
	sink := &captureSink{}
	var calls []factoryCall
	e := New(Config{
		Prober:     prober,
		Sink:       sink,
		NewSession: testFactory(&calls),
		StalePolls: 2,
		Log:        zerolog.Nop(),
	})
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.PollOnce(ctx))
	require.Len(t, e.Devices(), 1)

	require.NoError(t, e.PollOnce(ctx))
	require.Len(t, e.Devices(), 1, "one missed poll is tolerated")

	require.NoError(t, e.PollOnce(ctx))
	assert.Empty(t, e.Devices())
	assert.Len(t, sink.byType(notify.EventDeviceRemoved), 1)
}

func TestEngineSeedsTokensFromStore(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	tok, err := tokens.Load(db)
	require.NoError(t, err)
	tok.Set("Snapmaker-A@Snapmaker 2 Model A350", "persisted-token")

	prober := &fakeProber{polls: [][]Datagram{
		{dgram("Snapmaker-A@10.0.0.5|model:Snapmaker 2 Model A350|status:IDLE")},
	}}
	var calls []factoryCall
	e := New(Config{
		Prober:     prober,
		Tokens:     tok,
		NewSession: testFactory(&calls),
		Log:        zerolog.Nop(),
	})
	defer e.Close()

	require.NoError(t, e.PollOnce(context.Background()))

	require.Len(t, calls, 1)
	assert.Equal(t, "persisted-token", calls[0].token)
	assert.Equal(t, "persisted-token", e.Devices()[0].Session.Token())
}

func TestEngineFind(t *testing.T) {
	prober := &fakeProber{polls: [][]Datagram{
		{dgram("Snapmaker-A@10.0.0.5|model:Snapmaker 2 Model A350|status:IDLE")},
	}}
	var calls []factoryCall
	e := New(Config{
		Prober:     prober,
		NewSession: testFactory(&calls),
		Log:        zerolog.Nop(),
	})
	defer e.Close()

	require.NoError(t, e.PollOnce(context.Background()))

	for _, key := range []string{
		"Snapmaker-A",
		"10.0.0.5",
		"Snapmaker-A@Snapmaker 2 Model A350",
	} {
		rec, ok := e.Find(key)
		require.True(t, ok, key)
		assert.Equal(t, "Snapmaker-A", rec.Identity.Name)
	}

	_, ok := e.Find("unknown")
	assert.False(t, ok)
}
