package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/snapmaker_send/notify"
)

// ConnectionState tracks the link to the device, driven by the machine
// status the device reports.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateConnected
	StateBusy
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// AuthState tracks the token handshake, driven by HTTP status codes
// from /connect and /status.
type AuthState int

const (
	AuthNone AuthState = iota // not authenticated
	AuthRequested             // waiting for a tap on the touchscreen
	AuthOK
	AuthDenied
)

func (s AuthState) String() string {
	switch s {
	case AuthNone:
		return "not_authenticated"
	case AuthRequested:
		return "auth_requested"
	case AuthOK:
		return "authenticated"
	case AuthDenied:
		return "auth_denied"
	default:
		return "unknown"
	}
}

// Machine status strings reported by the device.
const (
	StatusIdle    = "IDLE"
	StatusRunning = "RUNNING"
	StatusPaused  = "PAUSED"
	StatusStopped = "STOPPED"
)

const (
	defaultCallTimeout = 10 * time.Second
	authPollInterval   = 1500 * time.Millisecond
	heartbeatInterval  = 3 * time.Second
)

// ErrAuthFailed is returned when /connect is rejected with a terminal
// HTTP code (including a second 403 after the automatic token-expiry
// retry).
var ErrAuthFailed = errors.New("authentication failed")

// Config carries the collaborators for one device session.
type Config struct {
	Name  string
	Model string
	Addr  string
	Token string // pre-seeded from the token store, may be empty

	// NewAPI builds an API client for an address. Defaults to the real
	// HTTP client; tests substitute fakes.
	NewAPI func(addr string) API

	Sink notify.Sink

	// OnToken is called whenever the device issues a new token, so the
	// caller can persist it. May be nil.
	OnToken func(token string)

	// CallTimeout bounds each HTTP request. Defaults to 10s.
	CallTimeout time.Duration

	Log zerolog.Logger
}

// Session is the per-device authentication and connection state machine.
// One Session exists per discovered device; its token may be cleared and
// re-acquired many times within its lifetime.
type Session struct {
	name  string
	model string
	id    string // "{name}@{model}"

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	addr         string
	token        string
	conn         ConnectionState
	auth         AuthState
	status       string // last device-reported machine status
	pending      *upload
	transferring bool

	api         API
	newAPI      func(addr string) API
	sink        notify.Sink
	onToken     func(string)
	callTimeout time.Duration
	log         zerolog.Logger

	authPoll  *poller
	heartbeat *poller
}

// NewSession creates a session for one device. The context bounds all
// background polling; cancelling it (or calling Close) stops the
// session.
func NewSession(ctx context.Context, cfg Config) *Session {
	if cfg.NewAPI == nil {
		timeout := cfg.CallTimeout
		if timeout == 0 {
			timeout = defaultCallTimeout
		}
		cfg.NewAPI = func(addr string) API { return NewClient(addr, timeout) }
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Sinks{}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		name:        cfg.Name,
		model:       cfg.Model,
		id:          cfg.Name + "@" + cfg.Model,
		ctx:         sctx,
		cancel:      cancel,
		addr:        cfg.Addr,
		token:       cfg.Token,
		conn:        StateClosed,
		auth:        AuthNone,
		api:         cfg.NewAPI(cfg.Addr),
		newAPI:      cfg.NewAPI,
		sink:        cfg.Sink,
		onToken:     cfg.OnToken,
		callTimeout: cfg.CallTimeout,
		log:         cfg.Log.With().Str("device", cfg.Name+"@"+cfg.Model).Logger(),
	}
	poll := func() {
		if err := s.CheckStatus(s.ctx); err != nil {
			s.log.Debug().Err(err).Msg("status poll failed")
		}
	}
	s.authPoll = newPoller(authPollInterval, poll)
	s.heartbeat = newPoller(heartbeatInterval, poll)
	return s
}

// ID returns the "{name}@{model}" device identity.
func (s *Session) ID() string { return s.id }

// Name returns the device name.
func (s *Session) Name() string { return s.name }

// Model returns the device model string.
func (s *Session) Model() string { return s.model }

// Addr returns the device's current network address.
func (s *Session) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Token returns the current authentication token, empty if none.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// States returns the current connection and authentication states.
func (s *Session) States() (ConnectionState, AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.auth
}

// Status returns the last machine status the device reported.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetAddr updates the device address after rediscovery; last seen wins.
func (s *Session) SetAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr == "" || addr == s.addr {
		return
	}
	s.addr = addr
	s.api = s.newAPI(addr)
}

// sessionState is the state machine core, copied out so transitions can
// be computed as pure functions.
type sessionState struct {
	conn   ConnectionState
	auth   AuthState
	token  string
	status string
}

// reduceStatus folds a /status outcome into the state. A transport
// failure maps to not-authenticated plus a connection error; HTTP codes
// map per the device firmware's contract.
func reduceStatus(st sessionState, res *StatusResult, err error) sessionState {
	if err != nil {
		st.auth = AuthNone
		st.conn = StateError
		return st
	}
	switch res.Code {
	case 200:
		st.auth = AuthOK
		st = reduceMachineStatus(st, res.Status)
	case 401:
		// Denied devices must redo the whole handshake from an empty
		// token.
		st.auth = AuthDenied
		st.token = ""
	case 204:
		st.auth = AuthRequested
	default:
		st.auth = AuthNone
	}
	return st
}

// reduceMachineStatus folds a device-reported machine status into the
// connection state. Statuses outside the known set leave the connection
// state unchanged.
func reduceMachineStatus(st sessionState, status string) sessionState {
	if status != "" {
		st.status = status
	}
	switch status {
	case StatusIdle:
		st.conn = StateConnected
	case StatusRunning, StatusPaused, StatusStopped:
		st.conn = StateBusy
	}
	return st
}

// applyTransition computes the next state under the session lock and
// runs the resulting side effects (notifications, poller changes, upload
// start) after releasing it.
func (s *Session) applyTransition(reduce func(sessionState) sessionState) {
	s.mu.Lock()
	prev := s.stateLocked()
	next := reduce(prev)
	effects := s.commitLocked(prev, next)
	s.mu.Unlock()

	for _, effect := range effects {
		effect()
	}
}

func (s *Session) stateLocked() sessionState {
	return sessionState{conn: s.conn, auth: s.auth, token: s.token, status: s.status}
}

// commitLocked installs the next state and collects the side effects
// the caller must run after unlocking.
func (s *Session) commitLocked(prev, next sessionState) []func() {
	s.conn = next.conn
	s.auth = next.auth
	s.token = next.token
	s.status = next.status

	var effects []func()

	if next.conn != prev.conn || next.auth != prev.auth {
		conn, auth := next.conn, next.auth
		effects = append(effects, func() {
			s.log.Debug().
				Stringer("connection", conn).
				Stringer("auth", auth).
				Msg("session state")
		})
	}

	if next.auth != prev.auth {
		switch next.auth {
		case AuthOK:
			effects = append(effects, func() {
				s.authPoll.Stop()
				s.sink.Publish(notify.Event{Type: notify.EventAuthOK, Device: s.id})
			})
		case AuthRequested:
			effects = append(effects, func() {
				s.sink.Publish(notify.Event{
					Type:    notify.EventAuthRequired,
					Device:  s.id,
					Message: "Please tap Yes on the Snapmaker touchscreen to continue.",
				})
				s.authPoll.Start()
			})
		case AuthDenied:
			up := s.abandonUploadLocked()
			effects = append(effects, func() {
				s.authPoll.Stop()
				s.sink.Publish(notify.Event{
					Type:    notify.EventAuthDenied,
					Device:  s.id,
					Message: "Authorization was denied on the touchscreen.",
				})
				if up != nil {
					s.heartbeat.Stop()
					up.done <- UploadOutcome{Filename: up.filename, Err: ErrAuthDenied}
				}
			})
		}
	}

	if s.pending != nil && !s.transferring &&
		next.conn == StateConnected && next.auth == AuthOK && next.token != "" {
		up := s.pending
		s.transferring = true
		effects = append(effects, func() { go s.runUpload(up) })
	}

	return effects
}

// abandonUploadLocked detaches the pending upload, unless the byte
// transfer has already started (then runUpload owns the outcome).
func (s *Session) abandonUploadLocked() *upload {
	if s.pending == nil || s.transferring {
		return nil
	}
	up := s.pending
	s.pending = nil
	return up
}

func (s *Session) snapshotAPI() (string, API) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.api
}

// CheckStatus polls GET /status once and feeds the outcome through the
// state machine. Repeated calls with an unchanged device-side status are
// idempotent.
func (s *Session) CheckStatus(ctx context.Context) error {
	token, api := s.snapshotAPI()

	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	res, err := api.Status(cctx, token)

	s.applyTransition(func(st sessionState) sessionState {
		return reduceStatus(st, res, err)
	})
	return err
}

// Connect runs the POST /connect handshake. On 200 it stores the issued
// token and immediately checks /status. A 403 while holding a token
// means the token expired: it is cleared and connect is retried exactly
// once; a second 403 fails with ErrAuthFailed.
func (s *Session) Connect(ctx context.Context) error {
	retried := false
	for {
		token, api := s.snapshotAPI()

		cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		res, err := api.Connect(cctx, token)
		cancel()

		if err != nil {
			s.applyTransition(func(st sessionState) sessionState {
				st.auth = AuthNone
				st.conn = StateError
				return st
			})
			return err
		}

		switch {
		case res.Code == 200:
			if res.Token != "" && res.Token != token {
				s.setToken(res.Token)
			}
			return s.CheckStatus(ctx)

		case res.Code == 403 && token != "" && !retried:
			s.log.Info().Msg("token expired, retrying connect")
			retried = true
			s.clearToken()

		default:
			s.applyTransition(func(st sessionState) sessionState {
				st.conn = StateClosed
				return st
			})
			s.sink.Publish(notify.Event{
				Type:    notify.EventError,
				Device:  s.id,
				Message: fmt.Sprintf("Please check the touchscreen and try again (Err: %d).", res.Code),
			})
			return fmt.Errorf("%w: connect returned HTTP %d", ErrAuthFailed, res.Code)
		}
	}
}

// ApplyMachineStatus feeds a status seen in a discovery reply into the
// connection state, without a network round trip.
func (s *Session) ApplyMachineStatus(status string) {
	s.applyTransition(func(st sessionState) sessionState {
		return reduceMachineStatus(st, status)
	})
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.log.Info().Msg("device issued a new token")
	if s.onToken != nil {
		s.onToken(token)
	}
}

func (s *Session) clearToken() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// Close tears the session down: pollers stop, a best-effort /disconnect
// is sent if a token is held, and the connection state is forced closed.
func (s *Session) Close() {
	s.cancel()
	s.authPoll.Stop()
	s.heartbeat.Stop()

	if up := func() *upload {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.abandonUploadLocked()
	}(); up != nil {
		up.done <- UploadOutcome{Filename: up.filename, Err: context.Canceled}
	}

	s.byebye()
}

// byebye posts /disconnect best-effort and forces the connection state
// to closed.
func (s *Session) byebye() {
	token, api := s.snapshotAPI()
	if token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
		if err := api.Disconnect(ctx, token); err != nil {
			s.log.Debug().Err(err).Msg("disconnect failed")
		}
		cancel()
	}
	s.applyTransition(func(st sessionState) sessionState {
		st.conn = StateClosed
		return st
	})
}
