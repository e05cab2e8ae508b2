// Package pipeline implements the layered packet pipeline shared by the
// client and (in reduced form) the relay: a static DAG of Stage
// implementations, each exposing the same send/recv contract plus three
// out-of-band channels.
package pipeline

import (
	"time"

	"quicr/packet"
	"quicr/shortname"
)

// Stage is one layer of the pipeline. Send is called top-down (app
// towards the wire); Recv is a pull invoked bottom-up (the top of the
// stack asks the stage below for the next packet, recursively). Ack,
// UpdateRTT/UpdateMTU/UpdateBitrate and Tick are out-of-band: Ack
// propagates up (wire towards Retransmit), the update* calls propagate
// down (app-configured towards Pacer/Retransmit/Fragment), and Tick is
// pushed down from a single clock source.
type Stage interface {
	Send(p *packet.Packet) error
	Recv() (*packet.Packet, bool)

	Ack(name shortname.ShortName)
	UpdateRTT(minMs, bigMs int)
	UpdateMTU(mtu int)
	UpdateBitrate(min, start, max uint64)
	OnStat(name string, value uint64)
	Tick(now time.Time)

	setNeighbours(up, down Stage)
}

// Base gives a Stage default passthrough behavior for every method it
// doesn't care to override: each call forwards to the neighbour in the
// appropriate direction. Concrete stages embed *Base and override only
// what they change.
type Base struct {
	Up, Down Stage
}

func (b *Base) setNeighbours(up, down Stage) {
	b.Up, b.Down = up, down
}

func (b *Base) Send(p *packet.Packet) error {
	if b.Down != nil {
		return b.Down.Send(p)
	}
	return nil
}

func (b *Base) Recv() (*packet.Packet, bool) {
	if b.Down != nil {
		return b.Down.Recv()
	}
	return nil, false
}

func (b *Base) Ack(name shortname.ShortName) {
	if b.Up != nil {
		b.Up.Ack(name)
	}
}

func (b *Base) UpdateRTT(minMs, bigMs int) {
	if b.Down != nil {
		b.Down.UpdateRTT(minMs, bigMs)
	}
}

func (b *Base) UpdateMTU(mtu int) {
	if b.Down != nil {
		b.Down.UpdateMTU(mtu)
	}
}

func (b *Base) UpdateBitrate(min, start, max uint64) {
	if b.Down != nil {
		b.Down.UpdateBitrate(min, start, max)
	}
}

func (b *Base) OnStat(name string, value uint64) {
	if b.Up != nil {
		b.Up.OnStat(name, value)
	}
}

func (b *Base) Tick(now time.Time) {
	if b.Down != nil {
		b.Down.Tick(now)
	}
}

// Pipeline owns the ordered stage list, bottom (index 0, closest to the
// wire) to top (closest to the application), and wires each neighbour
// pair once at construction, so the stage graph is fixed for the
// pipeline's whole lifetime.
type Pipeline struct {
	stages []Stage
}

// New wires stages bottom-to-top and returns the assembled Pipeline.
// Passing fewer than one stage is a programmer error (panics), since a
// pipeline with no stages can neither send nor receive.
func New(stagesBottomUp ...Stage) *Pipeline {
	if len(stagesBottomUp) == 0 {
		panic("pipeline: at least one stage required")
	}
	for i, s := range stagesBottomUp {
		var up, down Stage
		if i > 0 {
			down = stagesBottomUp[i-1]
		}
		if i < len(stagesBottomUp)-1 {
			up = stagesBottomUp[i+1]
		}
		s.setNeighbours(up, down)
	}
	return &Pipeline{stages: stagesBottomUp}
}

// Top is the application-facing stage (Stats).
func (p *Pipeline) Top() Stage { return p.stages[len(p.stages)-1] }

// Bottom is the wire-facing stage (UdpIo).
func (p *Pipeline) Bottom() Stage { return p.stages[0] }

// Send pushes a packet in at the top of the stack.
func (p *Pipeline) Send(pkt *packet.Packet) error {
	return p.Top().Send(pkt)
}

// Recv pulls the next packet out of the top of the stack, if any is
// ready.
func (p *Pipeline) Recv() (*packet.Packet, bool) {
	return p.Top().Recv()
}

// Tick drives every stage's scheduled work from a single clock
// source: the timer goroutine calls this once per tick instead of each
// stage running its own timer goroutine. Every stage's Tick override
// forwards to Base.Tick, which walks Down towards the wire, so the walk
// must start at Top to reach every stage in between.
func (p *Pipeline) Tick(now time.Time) {
	p.Top().Tick(now)
}

// UpdateRTT, UpdateMTU and UpdateBitrate are configured at the top (the
// public client API) and propagate down to the stages that consume them.
func (p *Pipeline) UpdateRTT(minMs, bigMs int)          { p.Top().UpdateRTT(minMs, bigMs) }
func (p *Pipeline) UpdateMTU(mtu int)                   { p.Top().UpdateMTU(mtu) }
func (p *Pipeline) UpdateBitrate(min, start, max uint64) { p.Top().UpdateBitrate(min, start, max) }
