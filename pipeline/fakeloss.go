package pipeline

import (
	"math/rand"

	"quicr/packet"
)

// FakeLoss deterministically or randomly drops packets so the upper
// stages' reliability machinery (Retransmit, Fec) can be exercised
// without a lossy network. It sits directly above UdpIo so
// everything above it — including CrazyBit's magic-byte games — is
// exercised identically whether or not loss is injected.
type FakeLoss struct {
	*Base
	sendRate, recvRate float64
	rng                *rand.Rand
	sent, recv, droppedSend, droppedRecv int
}

// NewFakeLoss builds a FakeLoss stage dropping outbound packets with
// probability sendRate and inbound with probability recvRate (each in
// [0,1]). A zero rate disables injection in that direction.
func NewFakeLoss(sendRate, recvRate float64, seed int64) *FakeLoss {
	return &FakeLoss{
		Base:     &Base{},
		sendRate: sendRate,
		recvRate: recvRate,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (f *FakeLoss) Send(p *packet.Packet) error {
	f.sent++
	if f.sendRate > 0 && f.rng.Float64() < f.sendRate {
		f.droppedSend++
		return nil
	}
	return f.Base.Send(p)
}

func (f *FakeLoss) Recv() (*packet.Packet, bool) {
	p, ok := f.Base.Recv()
	if !ok {
		return nil, false
	}
	f.recv++
	if f.recvRate > 0 && f.rng.Float64() < f.recvRate {
		f.droppedRecv++
		return f.Recv()
	}
	return p, true
}

// Stats reports counters for the Stats stage / tests.
func (f *FakeLoss) Stats() (sent, droppedSend, recv, droppedRecv int) {
	return f.sent, f.droppedSend, f.recv, f.droppedRecv
}
