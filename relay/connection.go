package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PeerState is the relay's per-client session record: enough to stamp
// RelayData with a monotonic per-peer sequence number and to recognize a
// datagram as belonging to an already-admitted connection.
type PeerState struct {
	Addr        net.Addr
	SenderID    uint32
	PathToken   uint32
	Established bool
	LastSeen    time.Time

	// SessionID is a relay-local handshake token, not part of the wire
	// protocol: it gives log lines a stable way to correlate a peer's
	// admission with its later traffic across reconnects from the same
	// address.
	SessionID string

	relaySeqNum            uint32
	lastAckSeq             uint32
	hasAcked               bool
	reportedDownstreamKbps uint32

	// Downstream shaping bucket, refilled at reportedDownstreamKbps.
	// Touched only from the relay's single process loop.
	budgetBits float64
	lastRefill time.Time
}

// NextRelaySeq returns the next sequence number to stamp on a forwarded
// copy addressed to this peer, monotonically increasing per peer.
func (p *PeerState) NextRelaySeq() uint32 {
	return atomic.AddUint32(&p.relaySeqNum, 1) - 1
}

// AllowDownstream charges bits against the peer's downstream budget and
// reports whether the forwarded copy fits under the rate the peer last
// requested via RelayRateReq. An unreported (zero) rate leaves the face
// unshaped. The bucket holds at most one second's worth of budget so a
// long-idle face cannot burst arbitrarily far past its target.
func (p *PeerState) AllowDownstream(bits uint64, now time.Time) bool {
	if p.reportedDownstreamKbps == 0 {
		return true
	}
	ratePerSec := float64(p.reportedDownstreamKbps) * 1000
	if p.lastRefill.IsZero() {
		p.budgetBits = ratePerSec
	} else {
		p.budgetBits += now.Sub(p.lastRefill).Seconds() * ratePerSec
		if p.budgetBits > ratePerSec {
			p.budgetBits = ratePerSec
		}
	}
	p.lastRefill = now
	if p.budgetBits < float64(bits) {
		return false
	}
	p.budgetBits -= float64(bits)
	return true
}

// ConnTable is the relay's connection table, keyed by the client's
// observed UDP address.
type ConnTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
}

// NewConnTable builds an empty ConnTable.
func NewConnTable() *ConnTable {
	return &ConnTable{peers: make(map[string]*PeerState)}
}

// Get returns the peer state for addr, if one has been admitted.
func (ct *ConnTable) Get(addr net.Addr) (*PeerState, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	p, ok := ct.peers[addr.String()]
	return p, ok
}

// Admit records addr as an established connection, assigning it
// pathToken, and returns its PeerState.
func (ct *ConnTable) Admit(addr net.Addr, senderID uint32, pathToken uint32, now time.Time) *PeerState {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	p := &PeerState{Addr: addr, SenderID: senderID, PathToken: pathToken, Established: true, LastSeen: now, SessionID: uuid.New().String()}
	ct.peers[addr.String()] = p
	return p
}

// Touch refreshes a peer's LastSeen timestamp.
func (ct *ConnTable) Touch(addr net.Addr, now time.Time) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if p, ok := ct.peers[addr.String()]; ok {
		p.LastSeen = now
	}
}

// Remove drops a peer's session state entirely (e.g. after a bare Rst).
func (ct *ConnTable) Remove(addr net.Addr) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.peers, addr.String())
}

// Count reports the number of admitted peers.
func (ct *ConnTable) Count() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.peers)
}
