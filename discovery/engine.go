// Package discovery finds printers on the local network via UDP
// broadcast and maintains the table of known devices, one session per
// device.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/snapmaker_send/device"
	"github.com/john/snapmaker_send/notify"
	"github.com/john/snapmaker_send/tokens"
)

const defaultWindow = 3 * time.Second

// DefaultInterval is the period of the discovery loop.
const DefaultInterval = 6 * time.Second

// SessionFactory builds a device session for a newly discovered device.
// The token is pre-seeded from the token store, empty if unknown.
type SessionFactory func(name, model, addr, token string) *device.Session

// Record is a read-only snapshot of one table entry.
type Record struct {
	Identity Identity
	Addr     string
	Status   string
	Session  *device.Session
}

// record is a table entry; mutable fields are guarded by the engine
// mutex.
type record struct {
	Record
	missed int
}

// Config carries the engine's collaborators.
type Config struct {
	Prober     Prober
	Tokens     *tokens.Store // may be nil
	Sink       notify.Sink
	NewSession SessionFactory

	// ModelPrefix filters replies to the expected product family, e.g.
	// "Snapmaker". Empty accepts every model.
	ModelPrefix string

	// Window bounds the reply collection phase of each poll.
	Window time.Duration

	// StalePolls is the number of consecutive polls a known device may
	// miss before it is evicted and its session closed. Zero disables
	// eviction.
	StalePolls int

	Log zerolog.Logger
}

// Engine owns the device table. It broadcasts probes on a fixed period,
// reconciles replies against the table, and emits device added/removed
// events.
type Engine struct {
	prober      Prober
	tokens      *tokens.Store
	sink        notify.Sink
	newSession  SessionFactory
	modelPrefix string
	window      time.Duration
	stalePolls  int
	log         zerolog.Logger

	mu      sync.Mutex
	devices map[Identity]*record
}

// New creates an engine. NewSession must be set.
func New(cfg Config) *Engine {
	if cfg.Prober == nil {
		cfg.Prober = &UDPProber{Log: cfg.Log}
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Sinks{}
	}
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	return &Engine{
		prober:      cfg.Prober,
		tokens:      cfg.Tokens,
		sink:        cfg.Sink,
		newSession:  cfg.NewSession,
		modelPrefix: cfg.ModelPrefix,
		window:      cfg.Window,
		stalePolls:  cfg.StalePolls,
		log:         cfg.Log,
		devices:     make(map[Identity]*record),
	}
}

// PollOnce broadcasts one probe, collects replies for the window, and
// reconciles them against the device table. Malformed replies and
// models outside the product family are skipped silently. An empty
// window is not an error.
func (e *Engine) PollOnce(ctx context.Context) error {
	// Opportunistic token save sweep on every tick.
	e.flushTokens()

	datagrams, err := e.prober.Probe(ctx, e.window)
	if err != nil {
		return fmt.Errorf("discovery probe: %w", err)
	}

	type statusUpdate struct {
		session *device.Session
		status  string
	}

	var (
		added   []Record
		updates []statusUpdate
		evicted []Record
	)

	seen := map[Identity]bool{}

	e.mu.Lock()
	for _, dg := range datagrams {
		rep, err := ParseReply(dg.Payload)
		if err != nil {
			e.log.Debug().Str("source", dg.Source).Msg("ignoring malformed discovery reply")
			continue
		}
		if e.modelPrefix != "" && !strings.HasPrefix(rep.Model, e.modelPrefix) {
			continue
		}

		id := rep.Identity()
		addr := dg.Source
		if addr == "" {
			addr = rep.Addr
		}
		seen[id] = true

		if rec, ok := e.devices[id]; ok {
			// Known device: update in place, last seen wins.
			rec.Addr = addr
			rec.Status = rep.Status
			rec.missed = 0
			rec.Session.SetAddr(addr)
			updates = append(updates, statusUpdate{session: rec.Session, status: rep.Status})
			continue
		}

		token := ""
		if e.tokens != nil {
			token = e.tokens.Get(id.String())
		}
		sess := e.newSession(rep.Name, rep.Model, addr, token)
		rec := &record{Record: Record{Identity: id, Addr: addr, Status: rep.Status, Session: sess}}
		e.devices[id] = rec
		added = append(added, rec.Record)
		updates = append(updates, statusUpdate{session: sess, status: rep.Status})
	}

	if e.stalePolls > 0 {
		for id, rec := range e.devices {
			if seen[id] {
				continue
			}
			rec.missed++
			if rec.missed >= e.stalePolls {
				delete(e.devices, id)
				evicted = append(evicted, rec.Record)
			}
		}
	}
	e.mu.Unlock()

	for _, rec := range added {
		e.log.Info().
			Str("device", rec.Identity.String()).
			Str("address", rec.Addr).
			Str("status", rec.Status).
			Msg("device discovered")
		e.sink.Publish(notify.Event{
			Type:    notify.EventDeviceAdded,
			Device:  rec.Identity.String(),
			Address: rec.Addr,
			Model:   rec.Identity.Model,
			Status:  rec.Status,
		})
	}
	for _, u := range updates {
		u.session.ApplyMachineStatus(u.status)
	}
	for _, rec := range evicted {
		e.log.Info().Str("device", rec.Identity.String()).Msg("device stopped responding, evicting")
		rec.Session.Close()
		e.sink.Publish(notify.Event{
			Type:   notify.EventDeviceRemoved,
			Device: rec.Identity.String(),
		})
	}

	return nil
}

// Run polls on a fixed period until the context is cancelled. Tokens
// are flushed once more on the way out.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if err := e.PollOnce(ctx); err != nil {
		e.log.Warn().Err(err).Msg("discovery poll failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.PollOnce(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn().Err(err).Msg("discovery poll failed")
			}
		case <-ctx.Done():
			e.flushTokens()
			return
		}
	}
}

// Devices returns a snapshot of the device table, sorted by identity.
func (e *Engine) Devices() []Record {
	e.mu.Lock()
	out := make([]Record, 0, len(e.devices))
	for _, rec := range e.devices {
		out = append(out, rec.Record)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.String() < out[j].Identity.String()
	})
	return out
}

// Find looks a device up by full identity, name or address.
func (e *Engine) Find(key string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rec := range e.devices {
		if id.String() == key || id.Name == key || rec.Addr == key {
			return rec.Record, true
		}
	}
	return Record{}, false
}

// Close tears down every session in the table.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := make([]*device.Session, 0, len(e.devices))
	for _, rec := range e.devices {
		sessions = append(sessions, rec.Session)
	}
	e.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	e.flushTokens()
}

func (e *Engine) flushTokens() {
	if e.tokens == nil {
		return
	}
	if err := e.tokens.Flush(); err != nil {
		e.log.Warn().Err(err).Msg("saving tokens failed")
	}
}
