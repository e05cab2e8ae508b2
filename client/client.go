// Package client assembles the twelve-stage pipeline into the public
// API an application links against: open a connection, publish and
// subscribe by name, and tune the pacer's rate and RTT targets.
package client

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"quicr/internal/config"
	"quicr/internal/errs"
	"quicr/packet"
	"quicr/pipeline"
	"quicr/rate"
	"quicr/shortname"
	"quicr/transport"
)

// driverTick is the timer goroutine's period: one clock source, a 1ms
// tick pushed down through Pipeline.Tick.
const driverTick = time.Millisecond

// Client wires one instance of the client-side pipeline around a
// single UDP socket and relay address.
type Client struct {
	pipeline *pipeline.Pipeline
	conn     *pipeline.Connection
	sub      *pipeline.Subscribe
	pacer    *pipeline.Pacer
	encrypt  *pipeline.Encrypt
	stats    *pipeline.Stats
	t        transport.Transport
	log      *zap.Logger

	stopCh  chan struct{}
	recvCh  chan *packet.Packet
	readyCh chan struct{}
}

// Option configures New.
type Option func(*options)

type options struct {
	reg                        prometheus.Registerer
	fakeLossSend, fakeLossRecv float64
	crazyBit                   bool
	pathToken                  uint32
}

// WithMetricsRegistry uses reg instead of the default registry for the
// client's exported counters.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithFakeLoss enables deterministic loss injection for tests.
func WithFakeLoss(sendRate, recvRate float64) Option {
	return func(o *options) { o.fakeLossSend, o.fakeLossRecv = sendRate, recvRate }
}

// WithCrazyBit enables magic-byte rewriting, exercising the
// TagCode.Normalize() path end to end.
func WithCrazyBit() Option {
	return func(o *options) { o.crazyBit = true }
}

// WithPathToken sets the opaque 32-bit value echoed in every packet's
// framing header, letting the relay associate packets with this
// connection.
func WithPathToken(tok uint32) Option {
	return func(o *options) { o.pathToken = tok }
}

// New builds a Client bound to a locally chosen UDP port, targeting
// relayAddr and identifying as senderID on the wire.
func New(cfg config.Config, relayAddr net.Addr, senderID uint32, log *zap.Logger, opts ...Option) (*Client, error) {
	o := &options{reg: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(o)
	}

	t, err := transport.NewUDP(":0", cfg.MTU)
	if err != nil {
		return nil, err
	}

	udpio := pipeline.NewUdpIo(t)
	fakeLoss := pipeline.NewFakeLoss(o.fakeLossSend, o.fakeLossRecv, int64(senderID)+1)
	crazyBit := pipeline.NewCrazyBit(o.crazyBit)
	conn := pipeline.NewConnection(relayAddr, senderID, log)
	conn.SetPathToken(o.pathToken)
	ctrl := rate.New(cfg.Rate.MinBitrateKbps, cfg.Rate.StartBitrateKbps, cfg.Rate.MaxBitrateKbps)
	priority := pipeline.NewPriority()
	pacer := pipeline.NewPacer(priority, ctrl, log)
	retransmit := pipeline.NewRetransmit()
	fec := pipeline.NewFec()
	sub := pipeline.NewSubscribe()
	fragment := pipeline.NewFragment(cfg.MTU)
	encrypt := pipeline.NewEncrypt(nil)
	stats := pipeline.NewStats(o.reg, "quicr_client")

	pl := pipeline.New(udpio, fakeLoss, crazyBit, conn, pacer, priority, retransmit, fec, sub, fragment, encrypt, stats)

	c := &Client{
		pipeline: pl,
		conn:     conn,
		sub:      sub,
		pacer:    pacer,
		encrypt:  encrypt,
		stats:    stats,
		t:        t,
		log:      log,
		stopCh:   make(chan struct{}),
		recvCh:   make(chan *packet.Packet, 256),
		readyCh:  make(chan struct{}),
	}

	var readyClosed bool
	conn.OnConnected(func() {
		sub.Resubscribe()
		if !readyClosed {
			readyClosed = true
			close(c.readyCh)
		}
	})

	go c.driveTimer()
	go c.driveRecv()
	return c, nil
}

func (c *Client) driveTimer() {
	ticker := time.NewTicker(driverTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.pipeline.Tick(now)
		}
	}
}

func (c *Client) driveRecv() {
	idle := time.NewTicker(driverTick)
	defer idle.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-idle.C:
			for {
				p, ok := c.pipeline.Recv()
				if !ok {
					break
				}
				select {
				case c.recvCh <- p:
				default:
					// receiver not keeping up: drop rather than block the
					// pipeline's single recv loop.
				}
			}
		}
	}
}

// Open begins the handshake.
func (c *Client) Open() error {
	return c.conn.Open(time.Now())
}

// Close tears down the socket and background goroutines.
func (c *Client) Close() error {
	close(c.stopCh)
	return c.t.Close()
}

// Ready reports whether the handshake has completed.
func (c *Client) Ready() bool {
	return c.conn.Connected()
}

// WaitReady blocks until Ready() or the deadline elapses.
func (c *Client) WaitReady(timeout time.Duration) bool {
	select {
	case <-c.readyCh:
		return true
	case <-time.After(timeout):
		return c.Ready()
	}
}

// CreatePacket allocates a packet addressed by name, ready for Publish.
func (c *Client) CreatePacket(name shortname.ShortName, priority uint8, reliable, useFEC bool) *packet.Packet {
	p := packet.New(name, nil)
	p.Priority = priority
	p.Reliable = reliable
	p.UseFEC = useFEC
	return p
}

// Publish enqueues p for sending through the full pipeline. A caller
// must check Ready() first: publishing before the handshake completes
// is rejected immediately rather than buffered, since Priority.Send
// only queues locally and would otherwise hide Connection's rejection
// until the next drain.
func (c *Client) Publish(p *packet.Packet) error {
	if !c.Ready() {
		return errs.ErrConnectionTimeout
	}
	return c.pipeline.Send(p)
}

// Recv returns the next delivered packet, if any is buffered.
func (c *Client) Recv() (*packet.Packet, bool) {
	select {
	case p := <-c.recvCh:
		return p, true
	default:
		return nil, false
	}
}

// Subscribe registers interest in name at the given ShortName prefix
// depth (1=resource, 2=+sender, 3=+source).
func (c *Client) Subscribe(name shortname.ShortName, depth uint8) error {
	return c.sub.Subscribe(name, depth)
}

// SetRttEstimate feeds a fresh RTT sample down to Retransmit and Pacer.
func (c *Client) SetRttEstimate(minMs, bigMs int) {
	c.pipeline.UpdateRTT(minMs, bigMs)
}

// SetBitrateUp reconfigures the upstream {min,start,max} bitrate triple.
func (c *Client) SetBitrateUp(minKbps, startKbps, maxKbps uint64) {
	c.pipeline.UpdateBitrate(minKbps, startKbps, maxKbps)
}

// GetTargetUpstreamBitrate returns the rate controller's current AIMD
// target, in kbps.
func (c *Client) GetTargetUpstreamBitrate() uint64 {
	return c.pacer.Controller().TargetBitrate()
}

// SetCryptoKey installs a ChaCha20-Poly1305 AEAD keyed with key (32
// bytes) under epoch and makes it the sealing epoch; earlier epochs stay
// usable for opening in-flight traffic. A nil key removes the epoch's
// key (removing the last one returns the stage to passthrough).
func (c *Client) SetCryptoKey(epoch uint8, key []byte) error {
	if key == nil {
		c.encrypt.SetAead(epoch, nil)
		return nil
	}
	aead, err := transport.NewChachaAead(key)
	if err != nil {
		return err
	}
	c.encrypt.SetAead(epoch, aead)
	return nil
}

// SetPacketsUp arms the pacer's packets-per-second gate and re-points
// the fragmentation threshold at mtu. The
// byte-budget gate the rate controller drives stays in force alongside:
// a drain needs room in both buckets.
func (c *Client) SetPacketsUp(perSecond, mtu int) {
	c.pacer.SetPacketsUp(perSecond)
	if mtu > 0 {
		c.pipeline.UpdateMTU(mtu)
	}
	c.stats.OnStat("packets_up_target", uint64(perSecond))
}
