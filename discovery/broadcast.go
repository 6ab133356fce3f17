package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Port is the well-known UDP discovery port of the device firmware.
const Port = 20054

const (
	probeMessage = "discover"
	maxDatagram  = 1500
)

// Datagram is one raw discovery reply with its sender address.
type Datagram struct {
	Source  string
	Payload []byte
}

// Prober sends one discovery probe per usable interface and collects
// replies for the given window. The window always bounds the call; zero
// replies is not an error.
type Prober interface {
	Probe(ctx context.Context, window time.Duration) ([]Datagram, error)
}

// UDPProber broadcasts the probe to the subnet broadcast address of
// every non-loopback IPv4 interface and gathers replies until the
// window elapses or the context is cancelled.
type UDPProber struct {
	Port int // defaults to Port
	Log  zerolog.Logger
}

func (p *UDPProber) Probe(ctx context.Context, window time.Duration) ([]Datagram, error) {
	port := p.Port
	if port == 0 {
		port = Port
	}

	addrs, err := broadcastAddrs()
	if err != nil {
		return nil, fmt.Errorf("listing broadcast addresses: %w", err)
	}

	var (
		mu  sync.Mutex
		out []Datagram
		wg  sync.WaitGroup
	)

	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			baddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", addr, port))
			if err != nil {
				return
			}

			conn, err := net.ListenUDP("udp4", nil)
			if err != nil {
				p.Log.Debug().Err(err).Str("broadcast", addr).Msg("udp listen failed")
				return
			}
			defer conn.Close()
			conn.SetDeadline(deadline)

			// Release the socket promptly on cancellation instead of
			// waiting out the window.
			stopped := make(chan struct{})
			defer close(stopped)
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-stopped:
				}
			}()

			if _, err := conn.WriteTo([]byte(probeMessage), baddr); err != nil {
				p.Log.Debug().Err(err).Str("broadcast", addr).Msg("probe send failed")
				return
			}

			buf := make([]byte, maxDatagram)
			for {
				n, src, err := conn.ReadFromUDP(buf)
				if err != nil {
					return
				}
				payload := make([]byte, n)
				copy(payload, buf[:n])

				mu.Lock()
				out = append(out, Datagram{Source: src.IP.String(), Payload: payload})
				mu.Unlock()
			}
		}(addr)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// broadcastAddrs computes the subnet broadcast address of every
// non-loopback IPv4 interface, deduplicated.
func broadcastAddrs() ([]string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var addrs []string
	for _, iface := range ifs {
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range ifAddrs {
			n, ok := addr.(*net.IPNet)
			if !ok || n.IP.IsLoopback() {
				continue
			}
			v4 := n.IP.To4()
			if v4 == nil {
				continue
			}
			mask := net.IP(n.Mask).To4()
			if mask == nil {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			binary.BigEndian.PutUint32(bcast,
				binary.BigEndian.Uint32(v4)|^binary.BigEndian.Uint32(mask))
			if s := bcast.String(); !seen[s] {
				seen[s] = true
				addrs = append(addrs, s)
			}
		}
	}
	return addrs, nil
}
