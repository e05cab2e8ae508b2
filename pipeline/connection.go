package pipeline

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"quicr/internal/errs"
	"quicr/packet"
	"quicr/wire"
)

// ConnState is the client-side handshake state machine: Start,
// ConnectionPending (Sync sent, awaiting SyncAck), Connected.
type ConnState int32

const (
	StateStart ConnState = iota
	StateConnectionPending
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnectionPending:
		return "pending"
	case StateConnected:
		return "connected"
	default:
		return "start"
	}
}

const (
	defaultRetryInterval = 500 * time.Millisecond
	defaultMaxRetries    = 3
)

// Connection owns the handshake and the anti-replay cookie, and stamps
// the literal 6-byte wire header onto every outbound datagram once
// connected. It sits directly above CrazyBit, so every byte it writes
// is what a middlebox (simulated by CrazyBit) actually sees.
type Connection struct {
	*Base

	log *zap.Logger

	state              atomic.Int32
	relay              net.Addr
	senderID, originID uint32
	pathToken          uint32
	cookie             uint64

	retryCount    int
	retryAt       time.Time
	retryInterval time.Duration
	maxRetries    int

	// serverTimeOffsetMs is (relay clock - local clock) as observed at
	// handshake completion, a coarse first estimate the rate controller
	// later refines per-ack.
	serverTimeOffsetMs int64

	onConnected func()
}

// NewConnection builds a Connection targeting relay, identified by
// senderID on the wire.
func NewConnection(relay net.Addr, senderID uint32, log *zap.Logger) *Connection {
	c := &Connection{
		Base:          &Base{},
		log:           log,
		relay:         relay,
		senderID:      senderID,
		retryInterval: defaultRetryInterval,
		maxRetries:    defaultMaxRetries,
	}
	c.state.Store(int32(StateStart))
	return c
}

// SetPathToken sets the opaque 32-bit value echoed in every packet's
// framing header. Must be called before Open.
func (c *Connection) SetPathToken(tok uint32) { c.pathToken = tok }

// ServerTimeOffsetMs is the (relay clock - local clock) estimate taken
// at handshake completion; zero until the first SyncAck arrives.
func (c *Connection) ServerTimeOffsetMs() int64 { return c.serverTimeOffsetMs }

// State reports the current handshake state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Connected reports whether the handshake completed.
func (c *Connection) Connected() bool { return c.State() == StateConnected }

// OnConnected registers a callback fired each time the handshake
// completes (a reconnect fires it again) — the client API's ready() latch.
func (c *Connection) OnConnected(fn func()) { c.onConnected = fn }

// Open begins the handshake by sending an initial Sync with no cookie,
// the client's first leg of the anti-spoofing cookie exchange.
func (c *Connection) Open(now time.Time) error {
	if c.State() != StateStart {
		return nil
	}
	c.state.Store(int32(StateConnectionPending))
	return c.sendSync(now)
}

func (c *Connection) sendSync(now time.Time) error {
	sync := wire.Sync{
		Cookie:       c.cookie,
		Origin:       c.originID,
		SenderID:     c.senderID,
		ClientTimeMs: uint64(now.UnixMilli()),
	}
	w := wire.NewWriter(nil)
	if err := w.PushPayload(wire.TagSync, sync.Encode()); err != nil {
		return errs.New(errs.KindBadPacket, err)
	}
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicSyn, PathToken: c.pathToken})

	c.retryCount++
	c.retryAt = now.Add(c.retryInterval)
	return c.Base.Send(&packet.Packet{Buf: w.Bytes(), Dst: c.relay})
}

// Send stamps the wire header onto an already-built data packet and
// forwards it down. A caller must check Connected() first; publishing
// before the handshake completes is a programmer error reported as
// ErrConnectionTimeout rather than silently queued.
func (c *Connection) Send(p *packet.Packet) error {
	if !c.Connected() {
		return errs.ErrConnectionTimeout
	}
	w := wire.NewWriter(p.Buf)
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicData, PathToken: c.pathToken})
	p.Buf = w.Bytes()
	p.Dst = c.relay
	return c.Base.Send(p)
}

func (c *Connection) Recv() (*packet.Packet, bool) {
	p, ok := c.Base.Recv()
	if !ok {
		return nil, false
	}
	r := wire.NewReader(p.Buf)
	h, err := wire.ReadHeader(r)
	if err != nil {
		if c.log != nil {
			c.log.Debug("dropping packet with malformed header", zap.Error(err))
		}
		return c.Recv()
	}
	p.Buf = p.Buf[:r.Remaining()]
	p.PathToken = h.PathToken

	switch h.Magic.Normalize() {
	case wire.TagMagicData:
		return p, true
	case wire.TagMagicSynAck:
		c.handleSynAck(r)
		return c.Recv()
	case wire.TagMagicRst:
		c.handleRst(r)
		return c.Recv()
	default:
		if c.log != nil {
			c.log.Debug("dropping packet with unexpected magic", zap.Uint8("magic", uint8(h.Magic)))
		}
		return c.Recv()
	}
}

func (c *Connection) handleSynAck(r *wire.Reader) {
	code, payload, err := r.Pop()
	if err != nil || code != wire.TagSyncAck {
		return
	}
	ack, err := wire.DecodeSyncAck(payload)
	if err != nil {
		return
	}
	c.serverTimeOffsetMs = int64(ack.ServerTimeMs) - time.Now().UnixMilli()
	if c.State() != StateConnected {
		c.state.Store(int32(StateConnected))
		c.retryCount = 0
		if c.onConnected != nil {
			c.onConnected()
		}
	}
}

func (c *Connection) handleRst(r *wire.Reader) {
	code, payload, err := r.Pop()
	if err != nil || code != wire.TagRst {
		return
	}
	rst, err := wire.DecodeRst(payload)
	if err != nil {
		return
	}
	switch rst.Kind {
	case wire.RstRetry:
		c.cookie = rst.Cookie
		c.state.Store(int32(StateConnectionPending))
		_ = c.sendSync(time.Now())
	case wire.RstRedirect:
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(rst.Origin, strconv.Itoa(int(rst.Port))))
		if err == nil {
			c.relay = addr
		}
		c.cookie = rst.Cookie
		c.state.Store(int32(StateConnectionPending))
		_ = c.sendSync(time.Now())
	default:
		c.state.Store(int32(StateStart))
	}
}

// Tick drives the handshake retry timer: resend Sync on every expired
// retry window up to maxRetries, then give up and fall back to Start so
// the application can observe the failure via Connected() staying false.
func (c *Connection) Tick(now time.Time) {
	if c.State() == StateConnectionPending && !c.retryAt.IsZero() && !now.Before(c.retryAt) {
		if c.retryCount > c.maxRetries {
			c.state.Store(int32(StateStart))
			c.retryCount = 0
		} else {
			_ = c.sendSync(now)
		}
	}
	c.Base.Tick(now)
}
