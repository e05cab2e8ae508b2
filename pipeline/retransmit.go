package pipeline

import (
	"sync"
	"time"

	"quicr/packet"
	"quicr/shortname"
)

const (
	// retransmitRTTMultiple is the K in "K x RTT" aging: an
	// unacked reliable packet is resent once its age exceeds K times the
	// last observed big (conservative) RTT estimate.
	retransmitRTTMultiple = 3
	retransmitMaxRetries  = 6
)

type retransmitEntry struct {
	pkt     *packet.Packet
	sentAt  time.Time
	retries int
}

// Retransmit keeps one entry per outstanding reliable packet, keyed by
// its full ShortName rather than by sequence number, because the relay
// acknowledges and forwards by name, not by the client's own send
// counter.
type Retransmit struct {
	*Base

	mu       sync.Mutex
	table    map[string]*retransmitEntry
	rttBigMs int
}

// NewRetransmit builds an empty Retransmit stage.
func NewRetransmit() *Retransmit {
	return &Retransmit{Base: &Base{}, table: make(map[string]*retransmitEntry)}
}

func keyOf(name shortname.ShortName) string {
	b := name.Encode()
	return string(b[:])
}

func (rt *Retransmit) Send(p *packet.Packet) error {
	if p.Reliable {
		rt.mu.Lock()
		rt.table[keyOf(p.Name)] = &retransmitEntry{pkt: p.Clone(), sentAt: time.Now()}
		rt.mu.Unlock()
	}
	return rt.Base.Send(p)
}

// Ack erases the matching entry, if any, and still forwards the ack
// upward — Subscribe or Stats may want to observe it too.
func (rt *Retransmit) Ack(name shortname.ShortName) {
	rt.mu.Lock()
	delete(rt.table, keyOf(name))
	rt.mu.Unlock()
	rt.Base.Ack(name)
}

func (rt *Retransmit) UpdateRTT(minMs, bigMs int) {
	rt.mu.Lock()
	rt.rttBigMs = bigMs
	rt.mu.Unlock()
	rt.Base.UpdateRTT(minMs, bigMs)
}

// Tick resends any entry older than K x RTT, up to retransmitMaxRetries
// attempts, after which it is dropped: fail open rather than retry
// forever.
func (rt *Retransmit) Tick(now time.Time) {
	maxAge := time.Duration(rt.rttBigMs) * time.Millisecond * retransmitRTTMultiple

	rt.mu.Lock()
	var resend []*packet.Packet
	if maxAge > 0 {
		for key, e := range rt.table {
			if now.Sub(e.sentAt) < maxAge {
				continue
			}
			if e.retries >= retransmitMaxRetries {
				delete(rt.table, key)
				continue
			}
			e.retries++
			e.sentAt = now
			resend = append(resend, e.pkt.Clone())
		}
	}
	rt.mu.Unlock()

	for _, p := range resend {
		_ = rt.Base.Send(p)
	}
	rt.Base.Tick(now)
}

// Size reports the number of outstanding reliable packets — used by
// Stats and tests.
func (rt *Retransmit) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.table)
}
