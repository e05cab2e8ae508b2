// Package transport provides the bottom-most send/recv primitive UdpIo
// wraps plus the Aead interface Encrypt drives.
package transport

import (
	"net"
	"time"

	"quicr/internal/errs"
)

// Datagram is a raw, unparsed frame read off the wire, paired with the
// address it came from; UdpIo copies it into Packet.Src and the relay
// keys its per-peer tables by it.
type Datagram struct {
	Buf  []byte
	From net.Addr
}

// Transport is a non-blocking recv, blocking send primitive. UdpIo is the
// only stage that touches it directly; every higher stage only ever sees
// *packet.Packet.
type Transport interface {
	// Send blocks until the datagram is handed to the kernel (or fails).
	Send(buf []byte, to net.Addr) error
	// Recv returns the next datagram if one is queued, without blocking.
	Recv() (Datagram, bool)
	LocalAddr() net.Addr
	Close() error
}

// udpTransport is the concrete Transport used outside tests: a UDP
// socket fed by one reader goroutine into a bounded channel, so Recv can
// stay non-blocking the way the pipeline's pull model requires.
type udpTransport struct {
	conn   *net.UDPConn
	inbox  chan Datagram
	closed chan struct{}
}

// NewUDP opens a UDP socket on addr (":5004" style) and starts the
// background reader.
func NewUDP(addr string, mtu int) (Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errs.New(errs.KindTransportFailed, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errs.New(errs.KindTransportFailed, err)
	}
	t := &udpTransport{
		conn:   conn,
		inbox:  make(chan Datagram, 1024),
		closed: make(chan struct{}),
	}
	go t.readLoop(mtu)
	return t, nil
}

func (t *udpTransport) readLoop(mtu int) {
	buf := make([]byte, mtu+256) // headroom over MTU for oversized/odd datagrams
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				continue
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case t.inbox <- Datagram{Buf: cp, From: from}:
		default:
			// inbox full: drop, matching the pipeline's fail-open stance.
		}
	}
}

func (t *udpTransport) Send(buf []byte, to net.Addr) error {
	_, err := t.conn.WriteTo(buf, to)
	if err != nil {
		return errs.New(errs.KindTransportFailed, err)
	}
	return nil
}

func (t *udpTransport) Recv() (Datagram, bool) {
	select {
	case d := <-t.inbox:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (t *udpTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *udpTransport) Close() error {
	close(t.closed)
	return t.conn.Close()
}

// Clock abstracts time.Now so the relay's timestamps (peer LastSeen, FIB
// sweep, downstream shaping) can be driven by a synthetic clock in tests
// instead of wall time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the Clock used outside tests.
var RealClock Clock = realClock{}
