package device

import (
	"sync"
	"time"
)

// poller runs fn on a fixed interval between Start and Stop. Start and
// Stop are idempotent; a stopped poller can be started again.
type poller struct {
	interval time.Duration
	fn       func()

	mu     sync.Mutex
	stopCh chan struct{}
}

func newPoller(interval time.Duration, fn func()) *poller {
	return &poller{interval: interval, fn: fn}
}

func (p *poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	go p.run(p.stopCh)
}

func (p *poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.stopCh = nil
}

func (p *poller) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

func (p *poller) run(stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.fn()
		case <-stop:
			return
		}
	}
}
