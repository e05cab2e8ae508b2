package pipeline

import (
	"sync"

	"quicr/packet"
	"quicr/shortname"
	"quicr/wire"
)

// Subscribe tracks the client's outstanding subscriptions and resends
// them whenever the connection is (re)established, since the relay's
// FIB entry does not survive a reconnect. A repeated
// subscribe to the same (name, depth) prefix is a no-op, matching the
// relay's own idempotent FIB insert.
type Subscribe struct {
	*Base

	mu   sync.Mutex
	subs map[string]wire.SubscribeReq
	dst  *packet.Packet // never assigned; Connection sets Dst on outbound packets
}

// NewSubscribe builds an empty Subscribe stage.
func NewSubscribe() *Subscribe {
	return &Subscribe{Base: &Base{}, subs: make(map[string]wire.SubscribeReq)}
}

func subKey(name shortname.ShortName, depth uint8) string {
	p := name.Prefixes()
	idx := 3 - int(depth)
	if idx < 0 || idx > 2 {
		idx = 0
	}
	return p[idx].Key()
}

// Subscribe registers interest in name at the given prefix depth and
// sends the request immediately. Calling it again for the same
// (name-prefix, depth) is idempotent and does not re-send.
func (s *Subscribe) Subscribe(name shortname.ShortName, depth uint8) error {
	key := subKey(name, depth)
	req := wire.SubscribeReq{Name: name, Depth: depth}

	s.mu.Lock()
	_, exists := s.subs[key]
	s.subs[key] = req
	s.mu.Unlock()

	if exists {
		return nil
	}
	return s.send(req)
}

func (s *Subscribe) send(req wire.SubscribeReq) error {
	w := wire.NewWriter(nil)
	if err := w.PushPayload(wire.TagSubscribeReq, req.Encode()); err != nil {
		return err
	}
	return s.Base.Send(&packet.Packet{Buf: w.Bytes()})
}

// Resubscribe resends every tracked subscription — called once the
// handshake completes, including on reconnect.
func (s *Subscribe) Resubscribe() {
	s.mu.Lock()
	reqs := make([]wire.SubscribeReq, 0, len(s.subs))
	for _, r := range s.subs {
		reqs = append(reqs, r)
	}
	s.mu.Unlock()

	for _, r := range reqs {
		_ = s.send(r)
	}
}

// Count reports the number of distinct tracked subscriptions.
func (s *Subscribe) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
