package pipeline

import (
	"quicr/packet"
	"quicr/wire"
)

// CrazyBit rewrites the framing header's magic byte to its "crazy"
// variant on the way out and normalizes it back on the way in. It
// exists to prove every stage above only ever dispatches on
// TagCode.Normalize() and never on the raw byte, so a middlebox that
// mangles the reserved bits cannot desync the pipeline.
type CrazyBit struct {
	*Base
	enabled bool
}

// NewCrazyBit builds a CrazyBit stage; enabled toggles whether outbound
// magic bytes are actually rewritten (tests can flip it to isolate the
// behavior).
func NewCrazyBit(enabled bool) *CrazyBit {
	return &CrazyBit{Base: &Base{}, enabled: enabled}
}

func (c *CrazyBit) Send(p *packet.Packet) error {
	if c.enabled && len(p.Buf) > 0 {
		last := len(p.Buf) - 1
		p.Buf[last] = byte(wire.TagCode(p.Buf[last]).Crazy())
	}
	return c.Base.Send(p)
}

func (c *CrazyBit) Recv() (*packet.Packet, bool) {
	p, ok := c.Base.Recv()
	if !ok {
		return nil, false
	}
	if len(p.Buf) > 0 {
		last := len(p.Buf) - 1
		p.Buf[last] = byte(wire.TagCode(p.Buf[last]).Normalize())
	}
	return p, true
}
