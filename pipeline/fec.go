package pipeline

import (
	"sync"

	"quicr/packet"
	"quicr/shortname"
	"quicr/wire"
)

// fecGroupSize is how many UseFEC-marked packets from the same
// (resource, sender, source) get XORed together before a parity packet
// is emitted.
const fecGroupSize = 4

// fecParityFragmentID marks a packet's FragmentID as carrying XOR parity
// rather than media, a local convention (not a wire-format tag) since
// the parity packet still has to travel as an ordinary named packet.
const fecParityFragmentID = 0xFF

// Fec groups outbound packets (opted in via Packet.UseFEC) and emits one
// XOR-parity packet per full group. It never attempts recovery on
// receive — a dropped media packet is not reconstructed from parity —
// since that decoder is out of scope here; Fec's receive side only
// discards parity packets so they don't leak up as bogus media (the
// pass-through mode this stage currently runs in).
type Fec struct {
	*Base

	mu     sync.Mutex
	groups map[string]*fecGroup
}

type fecGroup struct {
	parity []byte
	first  shortname.ShortName
	count  int
}

// NewFec builds an empty Fec stage.
func NewFec() *Fec {
	return &Fec{Base: &Base{}, groups: make(map[string]*fecGroup)}
}

func (f *Fec) Send(p *packet.Packet) error {
	if err := f.Base.Send(p); err != nil {
		return err
	}
	if !p.UseFEC {
		return nil
	}

	key := p.Name.Prefixes()[0].Key() // depth-3: resource+sender+source
	f.mu.Lock()
	g, ok := f.groups[key]
	if !ok {
		g = &fecGroup{first: p.Name}
		f.groups[key] = g
	}
	xorInto(&g.parity, p.Buf)
	g.count++
	full := g.count >= fecGroupSize
	var parityPkt *packet.Packet
	if full {
		parityName := g.first
		parityName.FragmentID = fecParityFragmentID
		parityPkt = &packet.Packet{
			Buf:      append([]byte(nil), g.parity...),
			Name:     parityName,
			Dst:      p.Dst,
			Priority: p.Priority,
		}
		delete(f.groups, key)
	}
	f.mu.Unlock()

	if parityPkt != nil {
		// Parity never passes through the Fragment stage (it sits above
		// this one), so it frames itself the same way: a whole-chunk
		// fragment header plus the routing name the relay's FIB needs.
		w := wire.NewWriter(parityPkt.Buf)
		if err := w.PushPayload(wire.TagFragment, wire.FragmentHeader{Index: 0, Total: 1}.Encode()); err != nil {
			return err
		}
		nb := parityPkt.Name.Encode()
		if err := w.PushPayload(wire.TagShortName, nb[:]); err != nil {
			return err
		}
		parityPkt.Buf = w.Bytes()
		return f.Base.Send(parityPkt)
	}
	return nil
}

// Recv discards parity packets so they never leak up as media. This
// stage sits below Fragment, so the routing name is still undecoded on
// the way up; the parity check reads the trailing ShortName tag itself,
// without consuming it from the buffer.
func (f *Fec) Recv() (*packet.Packet, bool) {
	p, ok := f.Base.Recv()
	if !ok {
		return nil, false
	}
	if name, ok := peekShortName(p.Buf); ok && name.FragmentID == fecParityFragmentID {
		return f.Recv()
	}
	if p.Name.FragmentID == fecParityFragmentID {
		return f.Recv()
	}
	return p, true
}

func peekShortName(buf []byte) (shortname.ShortName, bool) {
	r := wire.NewReader(buf)
	code, err := r.PeekCode()
	if err != nil || code != wire.TagShortName {
		return shortname.ShortName{}, false
	}
	_, payload, err := r.Pop()
	if err != nil {
		return shortname.ShortName{}, false
	}
	name, err := shortname.Decode(payload)
	if err != nil {
		return shortname.ShortName{}, false
	}
	return name, true
}

func xorInto(acc *[]byte, buf []byte) {
	if len(*acc) < len(buf) {
		grown := make([]byte, len(buf))
		copy(grown, *acc)
		*acc = grown
	}
	for i, b := range buf {
		(*acc)[i] ^= b
	}
}
