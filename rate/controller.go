// Package rate implements the bandwidth estimator the Pacer stage
// drives: a cycle/phase-paced sender history, AIMD bitrate adjustment
// driven by relay-reported congestion, and a relay clock-offset estimate
// derived from each ack's echoed receive time.
package rate

import (
	"sync"
	"time"

	"quicr/shortname"
)

// PhasesPerCycle and PhaseDuration give the pacing grid: 10 phases per
// cycle, each phase ~16.7ms wide, so a full cycle is ~167ms — the rate
// controller re-evaluates the target bitrate once per cycle boundary.
const (
	PhasesPerCycle          = 10
	PhaseDuration           = 16700 * time.Microsecond
	CycleDuration           = PhasesPerCycle * PhaseDuration
	historyRTTMultiple      = 3 // K in "K x RTT" aging, matched to Retransmit's own K
	decreaseFactorPermille  = 850
	increaseStepKbpsPerCycle = 5 // additive increase per ~167ms cycle, in kbps
)

// PacketStatus records one outbound packet's accounting entry so a later
// Ack can be matched back to its name, size and send time.
type PacketStatus struct {
	Seq        uint32
	Name       shortname.ShortName
	SendTimeUs uint64
	Bits       uint64
	Acked      bool
}

// Controller is the rate controller one Pacer stage owns. It is safe for
// concurrent use: the send loop registers outbound packets while the
// recv loop records acks, each on its own goroutine ("two long-lived
// threads").
type Controller struct {
	mu sync.Mutex

	min, start, max uint64
	current         uint64

	nextSeq uint32
	history map[uint32]*PacketStatus

	rttMinMs, rttBigMs int
	clockOffsetUs      int64
	haveOffset         bool

	phaseStart  time.Time
	phaseIdx    int
	ackedInPhase, congestedInPhase int

	// Downstream accounting, fed by RecvPacket for every RelayData-tagged
	// datagram: bits received this cycle, the highest relay seq seen, and
	// how many seqs were skipped (a gap in the relay's monotonic counter
	// is a downstream loss).
	downBitsInCycle uint64
	downLastSeq     uint32
	downHaveSeq     bool
	downLostInCycle uint64
	downEstimate    uint64
}

// New builds a Controller seeded at start kbps, clamped to [min,max].
func New(minKbps, startKbps, maxKbps uint64) *Controller {
	if startKbps < minKbps {
		startKbps = minKbps
	}
	if startKbps > maxKbps {
		startKbps = maxKbps
	}
	return &Controller{
		min:     minKbps,
		start:   startKbps,
		max:     maxKbps,
		current: startKbps,
		history: make(map[uint32]*PacketStatus),
	}
}

// RegisterSend allocates the next sequence number and records the
// packet's accounting entry, returning the seq the caller must stamp
// into the outbound ClientData tag.
func (c *Controller) RegisterSend(name shortname.ShortName, bits uint64, now time.Time) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.nextSeq
	c.nextSeq++
	c.history[seq] = &PacketStatus{
		Seq:        seq,
		Name:       name,
		SendTimeUs: uint64(now.UnixMicro()),
		Bits:       bits,
	}
	c.pruneLocked(now)
	return seq
}

// RecvAck matches an inbound Ack to its send-history entry, returning
// the name Retransmit should be told is acknowledged and whether a match
// was found at all (an ack for an already-pruned or unknown seq is not
// an error, just stale).
func (c *Controller) RecvAck(seq uint32, remoteRecvTimeUs uint64, congested bool, now time.Time) (shortname.ShortName, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rolloverPhaseLocked(now)
	c.ackedInPhase++
	if congested {
		c.congestedInPhase++
	}

	entry, ok := c.history[seq]
	if !ok {
		return shortname.ShortName{}, false
	}
	entry.Acked = true
	delete(c.history, seq)

	// Relay clock offset: remoteRecvTimeUs was stamped when the relay
	// received the original packet, so offset = remote - local send time
	// approximates (relay_clock - local_clock) plus one-way delay.
	c.clockOffsetUs = int64(remoteRecvTimeUs) - int64(entry.SendTimeUs)
	c.haveOffset = true

	if congested {
		c.applyDecreaseLocked()
	}
	return entry.Name, true
}

// RecvPacket records one inbound RelayData-tagged datagram on the
// downstream direction: its size feeds the per-cycle bandwidth estimate,
// and a jump in the relay's per-peer sequence counter counts the skipped
// seqs as downstream loss.
func (c *Controller) RecvPacket(relaySeq uint32, remoteSendTimeUs uint32, bits uint64, congested bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rolloverPhaseLocked(now)
	c.downBitsInCycle += bits
	if c.downHaveSeq && relaySeq > c.downLastSeq+1 {
		c.downLostInCycle += uint64(relaySeq - c.downLastSeq - 1)
	}
	if !c.downHaveSeq || relaySeq > c.downLastSeq {
		c.downLastSeq = relaySeq
		c.downHaveSeq = true
	}
	if congested {
		c.applyDecreaseLocked()
	}
}

// DownstreamBitrate returns the most recent per-cycle downstream
// bandwidth estimate in kbps, falling back to the configured start rate
// until a full cycle of RelayData traffic has been observed. The pacer
// reports this value to the relay in RelayRateReq.
func (c *Controller) DownstreamBitrate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.downEstimate == 0 {
		return c.start
	}
	return c.downEstimate
}

// ClockOffsetUs returns the most recent relay clock-offset estimate, and
// whether one has been observed yet.
func (c *Controller) ClockOffsetUs() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockOffsetUs, c.haveOffset
}

// TargetBitrate returns the controller's current AIMD-adjusted target,
// in kbps.
func (c *Controller) TargetBitrate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetBounds reconfigures the {min,start,max} triple at runtime — the
// client API's setBitrateUp. The current target is re-clamped into the
// new range immediately rather than waiting for the next cycle boundary.
func (c *Controller) SetBounds(min, start, max uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.min, c.start, c.max = min, start, max
	if c.current < c.min {
		c.current = c.min
	}
	if c.current > c.max {
		c.current = c.max
	}
}

// UpdateRTT feeds the latest RTT estimate (minMs over a window, bigMs a
// conservative upper bound) used to size the history aging window.
func (c *Controller) UpdateRTT(minMs, bigMs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rttMinMs, c.rttBigMs = minMs, bigMs
}

// Tick drives phase/cycle rollover from the wall clock even when no ack
// arrives during a phase (an idle link should still relax its rate).
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverPhaseLocked(now)
}

func (c *Controller) rolloverPhaseLocked(now time.Time) {
	if c.phaseStart.IsZero() {
		c.phaseStart = now
		return
	}
	elapsed := now.Sub(c.phaseStart)
	for elapsed >= PhaseDuration {
		c.phaseIdx = (c.phaseIdx + 1) % PhasesPerCycle
		c.phaseStart = c.phaseStart.Add(PhaseDuration)
		elapsed -= PhaseDuration
		if c.phaseIdx == 0 {
			c.applyCycleBoundaryLocked()
		}
	}
}

// applyCycleBoundaryLocked runs once per full cycle: additive increase
// unless the cycle saw any congestion signal, in which case the
// per-ack multiplicative decrease already applied stands.
func (c *Controller) applyCycleBoundaryLocked() {
	if c.congestedInPhase == 0 && c.ackedInPhase > 0 {
		c.current += increaseStepKbpsPerCycle
		if c.current > c.max {
			c.current = c.max
		}
	}
	c.ackedInPhase, c.congestedInPhase = 0, 0

	if c.downBitsInCycle > 0 {
		c.downEstimate = c.downBitsInCycle / uint64(CycleDuration.Milliseconds())
		if c.downLostInCycle > 0 {
			// Downstream loss: back the reported target off the same way
			// the upstream direction reacts to a congestion mark.
			c.downEstimate = c.downEstimate * decreaseFactorPermille / 1000
		}
	}
	c.downBitsInCycle, c.downLostInCycle = 0, 0
}

func (c *Controller) applyDecreaseLocked() {
	c.current = c.current * decreaseFactorPermille / 1000
	if c.current < c.min {
		c.current = c.min
	}
}

// pruneLocked evicts send-history entries older than K RTTs, matching
// Retransmit's own aging window so neither table outlives the other.
func (c *Controller) pruneLocked(now time.Time) {
	if c.rttBigMs <= 0 || len(c.history) < 4096 {
		return
	}
	maxAgeUs := uint64(c.rttBigMs) * uint64(historyRTTMultiple) * 1000
	nowUs := uint64(now.UnixMicro())
	for seq, e := range c.history {
		if nowUs > e.SendTimeUs && nowUs-e.SendTimeUs > maxAgeUs {
			delete(c.history, seq)
		}
	}
}

// Outstanding reports how many registered sends have not yet been acked
// or pruned — used by tests and by Stats.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
