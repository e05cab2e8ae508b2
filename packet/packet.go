// Package packet defines the mutable unit of work that flows through the
// pipeline: a wire buffer plus the sidecar metadata stages need without
// having to re-parse the buffer at every hop.
package packet

import (
	"net"

	"quicr/shortname"
)

// Packet is owned by exactly one stage at a time; clone() (here Clone) is
// the only sanctioned way to duplicate one, e.g. for relay fan-out to
// several subscribers ("Ownership").
type Packet struct {
	// Buf is the suffix-encoded wire buffer built up by wire.Writer as the
	// packet descends the stack, and consumed by wire.Reader as it
	// ascends.
	Buf []byte

	// HeaderSize is the offset separating already-finalized framing from
	// the portion stages may still rewrite; PayloadSize and Clone use it,
	// and Fragment copies it onto every chunk it splits off.
	HeaderSize int

	Name     shortname.ShortName
	Src, Dst net.Addr

	Priority uint8 // 1 (highest) .. 10 (lowest)
	Reliable bool
	UseFEC   bool

	// PathToken is echoed on every packet of a connection.
	PathToken uint32
}

// New creates an empty outbound packet addressed to dst, defaulting to
// mid priority and best-effort delivery.
func New(name shortname.ShortName, dst net.Addr) *Packet {
	return &Packet{
		Name:     name,
		Dst:      dst,
		Priority: 5,
	}
}

// Clone returns an independent deep copy so a single published chunk can
// fan out to many subscribers without aliasing the send buffer: the
// header bytes stay stable and every mutation happens on a clone.
func (p *Packet) Clone() *Packet {
	buf := make([]byte, len(p.Buf))
	copy(buf, p.Buf)
	return &Packet{
		Buf:        buf,
		HeaderSize: p.HeaderSize,
		Name:       p.Name,
		Src:        p.Src,
		Dst:        p.Dst,
		Priority:   p.Priority,
		Reliable:   p.Reliable,
		UseFEC:     p.UseFEC,
		PathToken:  p.PathToken,
	}
}

// PayloadSize is the size of the application payload, excluding framing
// already appended at HeaderSize.
func (p *Packet) PayloadSize() int {
	if p.HeaderSize > len(p.Buf) {
		return 0
	}
	return len(p.Buf) - p.HeaderSize
}
