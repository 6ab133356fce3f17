package device

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/john/snapmaker_send/notify"
)

var (
	// ErrUploadPending rejects a second upload request while one is in
	// flight for the same session. Requests are rejected, never queued.
	ErrUploadPending = errors.New("an upload is already pending")

	// ErrDeviceBusy rejects an upload while the device reports it is
	// printing, paused or stopped.
	ErrDeviceBusy = errors.New("device is busy")

	// ErrAuthDenied ends a pending upload when the device refuses
	// authorization.
	ErrAuthDenied = errors.New("authorization denied by device")

	// ErrUploadRejected carries the server-provided message of a
	// non-success /upload response.
	ErrUploadRejected = errors.New("upload rejected")
)

// Job describes one upload: the fully rendered gcode payload plus the
// metadata the filename is synthesized from.
type Job struct {
	Name      string
	Materials []string
	Duration  time.Duration
	Payload   []byte
}

// UploadOutcome is delivered exactly once per accepted upload request.
type UploadOutcome struct {
	Filename string
	Err      error
}

// upload is the single-flight marker for one in-progress upload.
type upload struct {
	job      Job
	filename string
	done     chan UploadOutcome
}

// Filename synthesizes the upload filename from job metadata:
// "{job}_{materials}_{H}h{M}m{S}s.gcode", sanitized for the device's
// filesystem.
func Filename(j Job) string {
	name := strings.TrimSpace(j.Name)
	if name == "" {
		name = "job"
	}
	material := strings.Join(j.Materials, "-")

	d := j.Duration.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60

	return sanitizeFilename(fmt.Sprintf("%s_%s_%dh%dm%ds.gcode", name, material, h, m, sec))
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)
}

// RequestUpload starts the upload sequence for a job. It is rejected
// immediately, with no network call, while another upload is pending or
// while the device reports busy. On acceptance the session resets its
// handshake state and re-runs connect; the transfer itself starts once
// the machine reaches connected + authenticated, and the returned
// channel delivers the outcome.
func (s *Session) RequestUpload(job Job) (<-chan UploadOutcome, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrUploadPending
	}
	if s.conn == StateBusy {
		status := s.status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: device reports %s", ErrDeviceBusy, status)
	}

	up := &upload{job: job, filename: Filename(job), done: make(chan UploadOutcome, 1)}
	s.pending = up

	// Restart the handshake from scratch, like a fresh session.
	prev := s.stateLocked()
	next := prev
	next.conn = StateClosed
	next.auth = AuthNone
	effects := s.commitLocked(prev, next)
	s.mu.Unlock()
	for _, effect := range effects {
		effect()
	}

	s.log.Info().Str("filename", up.filename).Msg("upload requested")
	s.heartbeat.Start()

	go func() {
		if err := s.Connect(s.ctx); err != nil {
			if errors.Is(err, ErrNetwork) {
				// Transient; the heartbeat keeps observing the device
				// and the handshake is re-entered from its polls.
				return
			}
			s.failPending(err)
		}
	}()

	return up.done, nil
}

// runUpload performs the multipart POST once the session is connected
// and authenticated. It owns the single-flight marker from here on.
func (s *Session) runUpload(up *upload) {
	token, api := s.snapshotAPI()

	s.log.Info().Str("filename", up.filename).Msg("upload started")

	res, err := api.Upload(s.ctx, token, up.filename, up.job.Payload, func(sent, total int64) {
		if total <= 0 {
			return
		}
		s.sink.Publish(notify.Event{
			Type:     notify.EventUploadProgress,
			Device:   s.id,
			Filename: up.filename,
			Progress: float64(sent) / float64(total) * 100,
		})
	})

	var outcome error
	switch {
	case err != nil:
		outcome = err
	case res.Code < 200 || res.Code >= 300:
		msg := strings.TrimSpace(res.Body)
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", res.Code)
		}
		outcome = fmt.Errorf("%w: %s", ErrUploadRejected, msg)
	}

	s.mu.Lock()
	s.pending = nil
	s.transferring = false
	s.mu.Unlock()
	s.heartbeat.Stop()

	if outcome != nil {
		s.log.Warn().Err(outcome).Str("filename", up.filename).Msg("upload failed")
		s.sink.Publish(notify.Event{
			Type:     notify.EventUploadFailed,
			Device:   s.id,
			Filename: up.filename,
			Message:  outcome.Error(),
		})
	} else {
		s.log.Info().Str("filename", up.filename).Msg("upload finished")
		s.sink.Publish(notify.Event{
			Type:     notify.EventUploadDone,
			Device:   s.id,
			Filename: up.filename,
			Message:  fmt.Sprintf("Start the print on the touchscreen: %s", up.filename),
		})
		s.byebye()
	}

	up.done <- UploadOutcome{Filename: up.filename, Err: outcome}
}

// failPending ends the pending upload without a transfer, e.g. after a
// terminal connect failure.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	up := s.abandonUploadLocked()
	s.mu.Unlock()
	s.heartbeat.Stop()
	if up == nil {
		return
	}

	s.log.Warn().Err(err).Str("filename", up.filename).Msg("upload aborted")
	s.sink.Publish(notify.Event{
		Type:     notify.EventUploadFailed,
		Device:   s.id,
		Filename: up.filename,
		Message:  err.Error(),
	})
	up.done <- UploadOutcome{Filename: up.filename, Err: err}
}
