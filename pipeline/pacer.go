package pipeline

import (
	"time"

	"go.uber.org/zap"
	xrate "golang.org/x/time/rate"

	"quicr/packet"
	"quicr/rate"
	"quicr/wire"
)

// rateReportInterval is how often the pacer tells the relay its current
// downstream bandwidth target via RelayRateReq.
const rateReportInterval = rate.CycleDuration

// limiterBurstBytes bounds how far the byte-budget token bucket can get
// ahead of the target bitrate — one path-MTU-sized datagram's worth, so
// a single send opportunity is never starved by rounding.
const limiterBurstBytes = 1500

// linkOverheadBytes is the per-datagram link-layer cost (Ethernet + IP +
// UDP framing) added to every packet's registered size so the bandwidth
// accounting matches what the wire actually carries.
const linkOverheadBytes = 42

// Pacer drives the stack's send and recv pacing: registers every
// outbound reliable-or-not packet with the rate controller before
// stamping its client sequence number, and on the way up drains the
// trailing Ack/RelayData tags off each inbound datagram, matching each
// ack back to the name Retransmit is waiting on. It owns the Priority
// stage's drain timing, since pacing only makes sense as "how often do I
// let the next queued packet out", not as a per-packet decision Priority
// can make alone.
type Pacer struct {
	*Base

	priority *Priority
	ctrl     *rate.Controller
	log      *zap.Logger

	// limiter is the byte-budget gate: it enforces the controller's
	// target bitrate between the 1ms-granularity drains. pps is the
	// companion packets-per-second gate; a drain happens only when both
	// buckets have room.
	limiter *xrate.Limiter
	pps     *xrate.Limiter

	lastRateReport time.Time
}

// NewPacer builds a Pacer driving priority's drain and backed by ctrl.
// The packet-rate gate starts unbounded; SetPacketsUp arms it.
func NewPacer(priority *Priority, ctrl *rate.Controller, log *zap.Logger) *Pacer {
	bytesPerSec := ctrl.TargetBitrate() * 1000 / 8
	return &Pacer{
		Base:     &Base{},
		priority: priority,
		ctrl:     ctrl,
		log:      log,
		limiter:  xrate.NewLimiter(xrate.Limit(bytesPerSec), limiterBurstBytes),
		pps:      xrate.NewLimiter(xrate.Inf, 1),
	}
}

// Controller exposes the rate controller for the client's public API
// (getTargetUpstreamBitrate, setRttEstimate).
func (p *Pacer) Controller() *rate.Controller { return p.ctrl }

// SetPacketsUp arms the packets-per-second gate at pps (<=0 disarms it).
func (p *Pacer) SetPacketsUp(pps int) {
	if pps <= 0 {
		p.pps.SetLimit(xrate.Inf)
		return
	}
	p.pps.SetLimit(xrate.Limit(pps))
}

func (p *Pacer) Send(pkt *packet.Packet) error {
	bits := uint64(len(pkt.Buf)+linkOverheadBytes) * 8
	seq := p.ctrl.RegisterSend(pkt.Name, bits, time.Now())
	w := wire.NewWriter(pkt.Buf)
	if err := w.PushPayload(wire.TagClientData, wire.ClientData{SeqNum: seq}.Encode()); err != nil {
		return err
	}
	pkt.Buf = w.Bytes()
	return p.Base.Send(pkt)
}

// Recv drains every trailing Ack tag off the inbound datagram, feeds
// each to the rate controller, then strips an optional RelayData tag
// before forwarding what remains up the stack. A datagram that carried
// only control tags is consumed here and the next one is pulled.
func (p *Pacer) Recv() (*packet.Packet, bool) {
	pkt, ok := p.Base.Recv()
	if !ok {
		return nil, false
	}
	now := time.Now()
	r := wire.NewReader(pkt.Buf)

	for {
		code, err := r.PeekCode()
		if err != nil || code != wire.TagAck {
			break
		}
		_, payload, err := r.Pop()
		if err != nil {
			return p.Recv()
		}
		if ack, err := wire.DecodeAck(payload); err == nil {
			if name, matched := p.ctrl.RecvAck(ack.Seq, ack.RemoteRecvTimeUs, ack.Congested, now); matched {
				p.Base.Ack(name)
			}
			// The piggy-backed previous ack is the recovery path for a
			// lost ack datagram: replay it too. Already-acked seqs fall
			// out as unmatched, so the redundancy is idempotent; the
			// congestion mark was charged with the original ack, not
			// here. The relay's very first ack carries no history.
			if !ack.IsFirst {
				if name, matched := p.ctrl.RecvAck(ack.PrevSeq, ack.RemoteRecvTimeUs, false, now); matched {
					p.Base.Ack(name)
				}
			}
		}
	}

	if code, err := r.PeekCode(); err == nil && code == wire.TagRelayData {
		if _, payload, err := r.Pop(); err == nil {
			if rd, err := wire.DecodeRelayData(payload); err == nil {
				bits := uint64(len(pkt.Buf)+linkOverheadBytes) * 8
				p.ctrl.RecvPacket(rd.RelaySeqNum, rd.RemoteSendTimeUs, bits, false, now)
			}
		}
	}

	pkt.Buf = pkt.Buf[:r.Remaining()]
	if len(pkt.Buf) == 0 {
		return p.Recv()
	}
	return pkt, true
}

func (p *Pacer) UpdateRTT(minMs, bigMs int) {
	p.ctrl.UpdateRTT(minMs, bigMs)
	p.Base.UpdateRTT(minMs, bigMs)
}

func (p *Pacer) UpdateBitrate(min, start, max uint64) {
	p.ctrl.SetBounds(min, start, max)
	p.limiter.SetLimit(xrate.Limit(p.ctrl.TargetBitrate() * 1000 / 8))
	p.Base.UpdateBitrate(min, start, max)
}

// Tick drains at most one packet to the wire per call (one datagram per
// send opportunity), advances the rate controller's phase/cycle clock,
// and periodically reports the downstream target to the relay.
func (p *Pacer) Tick(now time.Time) {
	p.limiter.SetLimit(xrate.Limit(p.ctrl.TargetBitrate() * 1000 / 8))
	if pkt, ok := p.priority.Peek(); ok &&
		p.pps.AllowN(now, 1) && p.limiter.AllowN(now, len(pkt.Buf)) {
		if _, err := p.priority.Drain(); err != nil && p.log != nil {
			p.log.Debug("pacer drain failed", zap.Error(err))
		}
	}
	p.ctrl.Tick(now)

	if p.lastRateReport.IsZero() || now.Sub(p.lastRateReport) >= rateReportInterval {
		p.lastRateReport = now
		req := wire.RelayRateReq{BitrateKbps: uint32(p.ctrl.DownstreamBitrate())}
		w := wire.NewWriter(nil)
		if err := w.PushPayload(wire.TagRelayRateReq, req.Encode()); err == nil {
			// Through p.Send, not Base.Send: the report needs its own
			// ClientData seq so the relay's data dispatch accepts and
			// acks it like any other client datagram.
			_ = p.Send(&packet.Packet{Buf: w.Bytes()})
		}
	}

	p.Base.Tick(now)
}
