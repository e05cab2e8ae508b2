package pipeline

import (
	"time"

	"quicr/packet"
	"quicr/transport"
)

// UdpIo is the bottom-most stage: the only stage that
// touches a transport.Transport. Every stage above it deals exclusively
// in *packet.Packet.
type UdpIo struct {
	*Base
	t transport.Transport
}

// NewUdpIo wraps t.
func NewUdpIo(t transport.Transport) *UdpIo {
	return &UdpIo{Base: &Base{}, t: t}
}

func (u *UdpIo) Send(p *packet.Packet) error {
	return u.t.Send(p.Buf, p.Dst)
}

func (u *UdpIo) Recv() (*packet.Packet, bool) {
	d, ok := u.t.Recv()
	if !ok {
		return nil, false
	}
	return &packet.Packet{Buf: d.Buf, Src: d.From}, true
}

func (u *UdpIo) Tick(now time.Time) {
	// bottom of the stack: nothing below to forward to.
	_ = now
}
