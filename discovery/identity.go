package discovery

import (
	"errors"
	"strings"
)

// ErrMalformedReply marks a discovery reply missing the required model
// or status markers. Such replies are skipped, never surfaced.
var ErrMalformedReply = errors.New("malformed discovery reply")

// Identity is the stable key for one physical device: "{name}@{model}".
// The model string may contain spaces but never '@'.
type Identity struct {
	Name  string
	Model string
}

func (id Identity) String() string {
	return id.Name + "@" + id.Model
}

// ParseIdentity splits a "{name}@{model}" key at its last '@'.
func ParseIdentity(s string) (Identity, error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return Identity{}, errors.New("invalid device identity: " + s)
	}
	return Identity{Name: s[:i], Model: s[i+1:]}, nil
}

// Reply is one parsed discovery response:
//
//	Snapmaker-DUMMY@127.0.0.1|model:Snapmaker 2 Model A350|status:IDLE
//
// Extra "|key:value" segments are tolerated and ignored.
type Reply struct {
	Name   string
	Addr   string // address advertised in the reply payload
	Model  string
	Status string
}

// Identity returns the device identity the reply belongs to.
func (r Reply) Identity() Identity {
	return Identity{Name: r.Name, Model: r.Model}
}

// ParseReply parses a discovery datagram payload. A payload without the
// "|model:" and "|status:" markers, or without a "name@address" head,
// fails with ErrMalformedReply.
func ParseReply(payload []byte) (Reply, error) {
	msg := string(payload)
	if !strings.Contains(msg, "|model:") || !strings.Contains(msg, "|status:") {
		return Reply{}, ErrMalformedReply
	}

	segments := strings.Split(msg, "|")
	head := segments[0]
	at := strings.LastIndex(head, "@")
	if at <= 0 {
		return Reply{}, ErrMalformedReply
	}

	rep := Reply{
		Name: head[:at],
		Addr: head[at+1:],
	}
	for _, seg := range segments[1:] {
		switch {
		case strings.HasPrefix(seg, "model:"):
			rep.Model = seg[len("model:"):]
		case strings.HasPrefix(seg, "status:"):
			rep.Status = seg[len("status:"):]
		}
	}
	return rep, nil
}
