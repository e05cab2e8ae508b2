package relay

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"quicr/internal/config"
	"quicr/shortname"
	"quicr/transport"
	"quicr/wire"
)

// idleSleep is how long the single-threaded Run loop pauses between
// polls when no datagram is queued.
const idleSleep = time.Millisecond

// fecDebugMod is the fan-out debug loss filter: a forwarded copy whose
// relaySeqNum mod 10 equals 7 is dropped when fake loss is enabled, giving
// a deterministic, reproducible loss pattern for retransmit testing.
const fecDebugMod = 10
const fecDebugRemainder = 7

// Relay is the single-threaded forwarding engine: connection
// admission with cookie-based replay protection, FIB-based subscribe
// matching, and per-publish ack generation.
type Relay struct {
	t     transport.Transport
	clock transport.Clock
	log   *zap.Logger

	fib     *FIB
	conns   *ConnTable
	cookies *CookieTable

	fakeLossDebug bool
	fibGCInterval time.Duration
	lastFIBGC     time.Time

	stopCh chan struct{}
}

// New builds a Relay reading and writing through t.
func New(t transport.Transport, clock transport.Clock, log *zap.Logger, cfg config.Config) *Relay {
	if clock == nil {
		clock = transport.RealClock
	}
	return &Relay{
		t:             t,
		clock:         clock,
		log:           log,
		fib:           NewFIB(),
		conns:         NewConnTable(),
		cookies:       NewCookieTable(cfg.Relay.CookieTTL()),
		fakeLossDebug: cfg.Relay.FakeLossDebug,
		fibGCInterval: cfg.Relay.FIBGCInterval(),
		stopCh:        make(chan struct{}),
	}
}

// Run drives the single-threaded process loop until Stop is called.
func (rl *Relay) Run() {
	for {
		select {
		case <-rl.stopCh:
			return
		default:
		}
		processed := false
		for {
			d, ok := rl.t.Recv()
			if !ok {
				break
			}
			processed = true
			rl.process(d)
		}
		rl.maybeGC()
		if !processed {
			time.Sleep(idleSleep)
		}
	}
}

func (rl *Relay) maybeGC() {
	if rl.fibGCInterval <= 0 {
		return
	}
	now := rl.clock.Now()
	if rl.lastFIBGC.IsZero() || now.Sub(rl.lastFIBGC) >= rl.fibGCInterval {
		rl.lastFIBGC = now
		rl.fib.GC(rl.conns)
	}
}

// Stop ends Run's loop.
func (rl *Relay) Stop() { close(rl.stopCh) }

// FIB exposes the forwarding table, mainly for tests and metrics.
func (rl *Relay) FIB() *FIB { return rl.fib }

// Conns exposes the connection table, mainly for tests and metrics.
func (rl *Relay) Conns() *ConnTable { return rl.conns }

// process dispatches a single inbound datagram.
func (rl *Relay) process(d transport.Datagram) {
	r := wire.NewReader(d.Buf)
	h, err := wire.ReadHeader(r)
	if err != nil {
		rl.debugf("dropping malformed header from %s: %v", d.From, err)
		return
	}

	switch h.Magic.Normalize() {
	case wire.TagMagicSyn:
		rl.handleSyn(r, d.From, h.PathToken)
	case wire.TagMagicData:
		rl.handleData(r, d.Buf, d.From, h.PathToken)
	case wire.TagMagicRst:
		rl.conns.Remove(d.From)
	default:
		rl.debugf("dropping unexpected magic %d from %s", h.Magic, d.From)
	}
}

func (rl *Relay) handleSyn(r *wire.Reader, from net.Addr, pathToken uint32) {
	code, payload, err := r.Pop()
	if err != nil || code != wire.TagSync {
		rl.debugf("dropping malformed syn from %s", from)
		return
	}
	sync, err := wire.DecodeSync(payload)
	if err != nil {
		rl.debugf("dropping malformed syn from %s: %v", from, err)
		return
	}

	now := rl.clock.Now()

	if peer, ok := rl.conns.Get(from); ok {
		// Already-connected peer resending its SYNC (e.g. after a lost
		// SyncAck): refresh and reply SyncAck without re-admitting.
		peer.LastSeen = now
		rl.sendSyncAck(from, pathToken)
		return
	}

	if sync.Cookie == 0 {
		// A cookie already outstanding for this address means the peer
		// ignored the retry: answer with a bare Rst and issue nothing new.
		for _, item := range rl.cookies.c.Items() {
			if s, ok := item.Object.(string); ok && s == from.String() {
				rl.sendRst(from, pathToken, wire.RstBare, 0)
				return
			}
		}
		cookie := rl.cookies.Issue(from)
		rl.sendRst(from, pathToken, wire.RstRetry, cookie)
		return
	}

	if !rl.cookies.Validate(sync.Cookie, from) {
		rl.sendRst(from, pathToken, wire.RstBare, 0)
		return
	}

	peer := rl.conns.Admit(from, sync.SenderID, pathToken, now)
	peer.relaySeqNum = randomUint32()
	rl.debugf("admitted %s as session %s", from, peer.SessionID)
	rl.sendSyncAck(from, pathToken)
}

func (rl *Relay) sendSyncAck(to net.Addr, pathToken uint32) {
	ack := wire.SyncAck{ServerTimeMs: uint64(rl.clock.Now().UnixMilli())}
	w := wire.NewWriter(nil)
	if err := w.PushPayload(wire.TagSyncAck, ack.Encode()); err != nil {
		return
	}
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicSynAck, PathToken: pathToken})
	_ = rl.t.Send(w.Bytes(), to)
}

func (rl *Relay) sendRst(to net.Addr, pathToken uint32, kind wire.RstKind, cookie uint64) {
	rst := wire.Rst{Kind: kind, Cookie: cookie}
	w := wire.NewWriter(nil)
	if err := w.PushPayload(wire.TagRst, rst.Encode()); err != nil {
		return
	}
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicRst, PathToken: pathToken})
	_ = rl.t.Send(w.Bytes(), to)
}

// handleData parses a connected peer's data-channel datagram — which may
// carry a publish, a subscribe request, or a rate report — all riding
// under the same TagMagicData framing (the client's pacer always stamps
// TagClientData before Connection wraps the header, regardless of what
// the payload underneath turns out to be).
func (rl *Relay) handleData(r *wire.Reader, buf []byte, from net.Addr, pathToken uint32) {
	peer, ok := rl.conns.Get(from)
	if !ok {
		rl.debugf("dropping data from unadmitted peer %s", from)
		return
	}
	now := rl.clock.Now()
	peer.LastSeen = now

	code, payload, err := r.Pop()
	if err != nil || code != wire.TagClientData {
		rl.debugf("dropping malformed client data from %s", from)
		return
	}
	clientData, err := wire.DecodeClientData(payload)
	if err != nil {
		return
	}
	dataEnd := r.Remaining()

	next, err := r.PeekCode()
	if err != nil {
		rl.debugf("dropping truncated packet from %s", from)
		return
	}

	switch next {
	case wire.TagSubscribeReq:
		if _, payload, err := r.Pop(); err == nil {
			if req, err := wire.DecodeSubscribeReq(payload); err == nil {
				rl.fib.Subscribe(req.Name, req.Depth, SubscriberInfo{Addr: from, Depth: req.Depth})
			}
		}
	case wire.TagRelayRateReq:
		if _, payload, err := r.Pop(); err == nil {
			if req, err := wire.DecodeRelayRateReq(payload); err == nil {
				peer.reportedDownstreamKbps = req.BitrateKbps
			}
		}
	case wire.TagShortName:
		rl.handlePublish(buf[:dataEnd], from, peer, now)
	default:
		rl.debugf("dropping data with unexpected tag %d from %s", next, from)
		return
	}

	rl.ackClient(peer, clientData.SeqNum, from, pathToken, now)
}

// handlePublish decodes the routing name off the front of the data
// section (without consuming it, so the original fragment bytes can be
// forwarded unchanged) and fans the datagram out to every FIB match.
func (rl *Relay) handlePublish(data []byte, from net.Addr, sender *PeerState, now time.Time) {
	nr := wire.NewReader(data)
	code, payload, err := nr.Pop()
	if err != nil || code != wire.TagShortName {
		rl.debugf("dropping publish with no shortName from %s", from)
		return
	}
	name, err := shortname.Decode(payload)
	if err != nil {
		return
	}

	bits := uint64(len(data)) * 8
	for _, sub := range rl.fib.Match(name) {
		subPeer, ok := rl.conns.Get(sub.Addr)
		if !ok {
			continue
		}
		if !subPeer.AllowDownstream(bits, now) {
			// Over the face's requested downstream rate: shed the copy
			// here and let the sender's retransmit stage recover any
			// reliable chunks.
			continue
		}
		seq := subPeer.NextRelaySeq()
		if rl.fakeLossDebug && seq%fecDebugMod == fecDebugRemainder {
			continue
		}
		rl.forward(data, sub.Addr, subPeer.PathToken, seq, now)
	}
}

func (rl *Relay) forward(data []byte, to net.Addr, pathToken uint32, relaySeq uint32, now time.Time) {
	cp := make([]byte, len(data))
	copy(cp, data)
	w := wire.NewWriter(cp)
	rd := wire.RelayData{RelaySeqNum: relaySeq, RemoteSendTimeUs: uint32(now.UnixMicro())}
	if err := w.PushPayload(wire.TagRelayData, rd.Encode()); err != nil {
		return
	}
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicData, PathToken: pathToken})
	_ = rl.t.Send(w.Bytes(), to)
}

// ackClient replies to the sender with an Ack for seq, piggy-backing the
// previously acked sequence, a one-deep ack history that is the entire
// sender-acknowledgement channel.
func (rl *Relay) ackClient(peer *PeerState, seq uint32, to net.Addr, pathToken uint32, now time.Time) {
	ack := wire.Ack{
		Seq:              seq,
		PrevSeq:          peer.lastAckSeq,
		RemoteRecvTimeUs: uint64(now.UnixMicro()),
		Congested:        false,
		IsFirst:          !peer.hasAcked,
	}
	peer.lastAckSeq = seq
	peer.hasAcked = true

	w := wire.NewWriter(nil)
	if err := w.PushPayload(wire.TagAck, ack.Encode()); err != nil {
		return
	}
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicData, PathToken: pathToken})
	_ = rl.t.Send(w.Bytes(), to)
}

func (rl *Relay) debugf(format string, args ...interface{}) {
	if rl.log != nil {
		rl.log.Sugar().Debugf(format, args...)
	}
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}
