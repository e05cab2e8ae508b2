package pipeline

import (
	"sync"
	"time"

	"quicr/packet"
	"quicr/shortname"
	"quicr/wire"
)

const defaultFragmentTimeout = 2 * time.Second

// fragmentOverhead is what the stages below add to each fragment on its
// way to the wire: the ShortName tag (20B), the fragment header (4B),
// the pacer's ClientData tag (6B) and the 6-byte framing header. Splits
// happen at mtu minus this, so the finished datagram still fits the MTU.
const fragmentOverhead = 36

// Fragment splits outbound packets wider than the path MTU into
// FragmentHeader-tagged pieces and reassembles them on the way back in,
// keyed by ShortName.WithoutFragment() — deliberately not by the full
// name, since the fragment ID is what distinguishes the pieces of one
// logical chunk.
type Fragment struct {
	*Base

	mtu int

	mu      sync.Mutex
	pending map[string]*reassembly
	timeout time.Duration
}

type reassembly struct {
	parts     map[uint8][]byte
	total     uint8
	firstSeen time.Time
	template  *packet.Packet
}

// NewFragment builds a Fragment stage splitting at mtu bytes.
func NewFragment(mtu int) *Fragment {
	return &Fragment{
		Base:    &Base{},
		mtu:     mtu,
		pending: make(map[string]*reassembly),
		timeout: defaultFragmentTimeout,
	}
}

func (fr *Fragment) UpdateMTU(mtu int) {
	fr.mu.Lock()
	fr.mtu = mtu
	fr.mu.Unlock()
	fr.Base.UpdateMTU(mtu)
}

func (fr *Fragment) Send(p *packet.Packet) error {
	fr.mu.Lock()
	mtu := fr.mtu
	fr.mu.Unlock()

	chunks := chunkBytes(p.Buf, mtu-fragmentOverhead)
	total := uint8(len(chunks))
	for i, chunk := range chunks {
		name := p.Name
		if total > 1 {
			// Fragments are numbered 1..N; 0 stays reserved for whole
			// (never-fragmented or reassembled) chunks.
			name.FragmentID = uint8(i) + 1
		}

		w := wire.NewWriter(chunk)
		hdr := wire.FragmentHeader{Index: uint8(i), Total: total}
		if err := w.PushPayload(wire.TagFragment, hdr.Encode()); err != nil {
			return err
		}
		// ShortName travels in the clear (pushed last, so it's the first
		// tag a tail-reader — including the relay's FIB lookup — sees):
		// the relay must be able to route by name even though Encrypt,
		// above this stage, already sealed the payload itself.
		nameBytes := name.Encode()
		if err := w.PushPayload(wire.TagShortName, nameBytes[:]); err != nil {
			return err
		}

		fp := &packet.Packet{
			Buf:        w.Bytes(),
			HeaderSize: p.HeaderSize,
			Name:       name,
			Src:        p.Src,
			Dst:        p.Dst,
			Priority:   p.Priority,
			Reliable:   p.Reliable,
			UseFEC:     p.UseFEC,
			PathToken:  p.PathToken,
		}
		if err := fr.Base.Send(fp); err != nil {
			return err
		}
	}
	return nil
}

func chunkBytes(buf []byte, size int) [][]byte {
	if size <= 0 || len(buf) <= size {
		return [][]byte{buf}
	}
	var chunks [][]byte
	for len(buf) > 0 {
		n := size
		if n > len(buf) {
			n = len(buf)
		}
		chunks = append(chunks, buf[:n:n])
		buf = buf[n:]
	}
	return chunks
}

func (fr *Fragment) Recv() (*packet.Packet, bool) {
	p, ok := fr.Base.Recv()
	if !ok {
		return nil, false
	}

	r := wire.NewReader(p.Buf)
	code, payload, err := r.Pop()
	if err != nil || code != wire.TagShortName {
		// Not one of ours (no ShortName tag): pass through unexamined.
		return p, true
	}
	name, err := shortname.Decode(payload)
	if err != nil {
		return fr.Recv()
	}
	p.Name = name

	code, payload, err = r.Pop()
	if err != nil || code != wire.TagFragment {
		return fr.Recv()
	}
	hdr, err := wire.DecodeFragmentHeader(payload)
	if err != nil {
		return fr.Recv()
	}
	p.Buf = p.Buf[:r.Remaining()]

	if hdr.Total <= 1 {
		// Never split: the name on the wire is already the whole chunk's.
		return p, true
	}
	whole := p.Name.WithoutFragment()

	key := keyOf(whole)
	fr.mu.Lock()
	re, exists := fr.pending[key]
	if !exists {
		re = &reassembly{parts: make(map[uint8][]byte), total: hdr.Total, firstSeen: time.Now(), template: p}
		fr.pending[key] = re
	}
	re.parts[hdr.Index] = p.Buf
	complete := uint8(len(re.parts)) >= re.total
	if complete {
		delete(fr.pending, key)
	}
	fr.mu.Unlock()

	if !complete {
		return fr.Recv()
	}

	combined := make([]byte, 0)
	for i := uint8(0); i < re.total; i++ {
		combined = append(combined, re.parts[i]...)
	}
	out := re.template
	out.Buf = combined
	out.Name = whole
	return out, true
}

// Tick purges reassembly groups that have been incomplete for longer
// than the fragment timeout, reporting the loss as a stat rather than
// holding partial state forever.
func (fr *Fragment) Tick(now time.Time) {
	expired := 0
	fr.mu.Lock()
	for key, re := range fr.pending {
		if now.Sub(re.firstSeen) > fr.timeout {
			delete(fr.pending, key)
			expired++
		}
	}
	fr.mu.Unlock()
	if expired > 0 {
		fr.Base.OnStat("fragment_timeout", uint64(expired))
	}
	fr.Base.Tick(now)
}
