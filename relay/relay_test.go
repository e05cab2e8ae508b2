package relay

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quicr/internal/config"
	"quicr/shortname"
	"quicr/transport"
	"quicr/wire"
)

func addr(port int) net.Addr {
	a, _ := net.ResolveUDPAddr("udp", "127.0.0.1:"+strconv.Itoa(port))
	return a
}

func newTestRelay() (*Relay, *transport.Fake, *transport.FakeClock) {
	f := transport.NewFake(addr(5004))
	clock := transport.NewFakeClock(time.Unix(1000, 0))
	cfg := config.Default()
	cfg.Relay.CookieTTLMs = 10_000
	rl := New(f, clock, nil, cfg)
	return rl, f, clock
}

func syncDatagram(cookie uint64, senderID uint32) []byte {
	s := wire.Sync{Cookie: cookie, SenderID: senderID}
	w := wire.NewWriter(nil)
	_ = w.PushPayload(wire.TagSync, s.Encode())
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicSyn})
	return w.Bytes()
}

func lastSentTo(f *transport.Fake, to net.Addr) (wire.Header, []byte, bool) {
	sent := f.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].To.String() == to.String() {
			r := wire.NewReader(sent[i].Buf)
			h, err := wire.ReadHeader(r)
			if err != nil {
				continue
			}
			return h, sent[i].Buf[:r.Remaining()], true
		}
	}
	return wire.Header{}, nil, false
}

func TestHandshakeReplayDefence(t *testing.T) {
	rl, f, _ := newTestRelay()
	c1 := addr(6001)

	f.Deliver(syncDatagram(0, 1), c1)
	rl.process(mustRecv(t, f))

	h, payload, ok := lastSentTo(f, c1)
	require.True(t, ok)
	assert.Equal(t, wire.TagMagicRst, h.Magic.Normalize())
	r := wire.NewReader(payload)
	code, rstPayload, err := r.Pop()
	require.NoError(t, err)
	require.Equal(t, wire.TagRst, code)
	rst, err := wire.DecodeRst(rstPayload)
	require.NoError(t, err)
	require.Equal(t, wire.RstRetry, rst.Kind)
	cookie := rst.Cookie

	// Second SYNC without the cookie: bare Rst, no connection admitted.
	f.Deliver(syncDatagram(0, 1), c1)
	rl.process(mustRecv(t, f))
	h2, payload2, ok := lastSentTo(f, c1)
	require.True(t, ok)
	assert.Equal(t, wire.TagMagicRst, h2.Magic.Normalize())
	r2 := wire.NewReader(payload2)
	_, rstPayload2, err := r2.Pop()
	require.NoError(t, err)
	rst2, err := wire.DecodeRst(rstPayload2)
	require.NoError(t, err)
	assert.Equal(t, wire.RstBare, rst2.Kind)
	_, admitted := rl.Conns().Get(c1)
	assert.False(t, admitted)

	// Second SYNC with the cookie: SyncAck, connection exists.
	f.Deliver(syncDatagram(cookie, 1), c1)
	rl.process(mustRecv(t, f))
	h3, _, ok := lastSentTo(f, c1)
	require.True(t, ok)
	assert.Equal(t, wire.TagMagicSynAck, h3.Magic.Normalize())
	_, admitted = rl.Conns().Get(c1)
	assert.True(t, admitted)
}

func TestCookieExpiry(t *testing.T) {
	// CookieTable is backed by go-cache, whose TTL is tied to wall time
	// rather than the injectable Clock (only the relay's own timestamps use
	// transport.Clock) — so this test needs a real, short TTL and an
	// actual sleep rather than FakeClock.Advance.
	f := transport.NewFake(addr(5004))
	cfg := config.Default()
	cfg.Relay.CookieTTLMs = 30
	rl := New(f, transport.NewFakeClock(time.Unix(1000, 0)), nil, cfg)
	c1 := addr(6002)

	f.Deliver(syncDatagram(0, 2), c1)
	rl.process(mustRecv(t, f))
	_, payload, ok := lastSentTo(f, c1)
	require.True(t, ok)
	r := wire.NewReader(payload)
	_, rstPayload, _ := r.Pop()
	rst, _ := wire.DecodeRst(rstPayload)

	time.Sleep(60 * time.Millisecond) // past the 30ms test TTL

	f.Deliver(syncDatagram(rst.Cookie, 2), c1)
	rl.process(mustRecv(t, f))
	h, _, ok := lastSentTo(f, c1)
	require.True(t, ok)
	assert.Equal(t, wire.TagMagicRst, h.Magic.Normalize())
	_, admitted := rl.Conns().Get(c1)
	assert.False(t, admitted)
}

func admit(t *testing.T, rl *Relay, f *transport.Fake, peer net.Addr, senderID uint32) {
	t.Helper()
	f.Deliver(syncDatagram(0, senderID), peer)
	rl.process(mustRecv(t, f))
	_, payload, ok := lastSentTo(f, peer)
	require.True(t, ok)
	r := wire.NewReader(payload)
	_, rstPayload, _ := r.Pop()
	rst, _ := wire.DecodeRst(rstPayload)
	f.Deliver(syncDatagram(rst.Cookie, senderID), peer)
	rl.process(mustRecv(t, f))
}

func subscribeDatagram(seq uint32, name shortname.ShortName, depth uint8) []byte {
	w := wire.NewWriter(nil)
	_ = w.PushPayload(wire.TagSubscribeReq, wire.SubscribeReq{Name: name, Depth: depth}.Encode())
	_ = w.PushPayload(wire.TagClientData, wire.ClientData{SeqNum: seq}.Encode())
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicData})
	return w.Bytes()
}

func publishDatagram(seq uint32, name shortname.ShortName, payload []byte) []byte {
	nb := name.Encode()
	w := wire.NewWriter(nil)
	w.WriteRaw(payload)
	_ = w.PushPayload(wire.TagShortName, nb[:])
	_ = w.PushPayload(wire.TagClientData, wire.ClientData{SeqNum: seq}.Encode())
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicData})
	return w.Bytes()
}

func TestSubscribeThenPublishFanOutDistinctSeq(t *testing.T) {
	rl, f, _ := newTestRelay()
	sub1 := addr(7001)
	sub2 := addr(7002)
	pub := addr(7003)

	admit(t, rl, f, sub1, 10)
	admit(t, rl, f, sub2, 11)
	admit(t, rl, f, pub, 12)

	name := shortname.ShortName{ResourceID: 42, SenderID: 12, SourceID: 1}
	f.Deliver(subscribeDatagram(0, name, 3), sub1)
	rl.process(mustRecv(t, f))
	f.Deliver(subscribeDatagram(0, name, 3), sub2)
	rl.process(mustRecv(t, f))

	f.Deliver(publishDatagram(1, name, []byte("hello")), pub)
	rl.process(mustRecv(t, f))

	h1, body1, ok := lastSentTo(f, sub1)
	require.True(t, ok)
	assert.Equal(t, wire.TagMagicData, h1.Magic.Normalize())
	r1 := wire.NewReader(body1)
	code, rdPayload, err := r1.Pop()
	require.NoError(t, err)
	require.Equal(t, wire.TagRelayData, code)
	rd1, err := wire.DecodeRelayData(rdPayload)
	require.NoError(t, err)

	h2, body2, ok := lastSentTo(f, sub2)
	require.True(t, ok)
	assert.Equal(t, wire.TagMagicData, h2.Magic.Normalize())
	r2 := wire.NewReader(body2)
	_, rdPayload2, err := r2.Pop()
	require.NoError(t, err)
	rd2, err := wire.DecodeRelayData(rdPayload2)
	require.NoError(t, err)

	assert.NotEqual(t, rd1.RelaySeqNum, rd2.RelaySeqNum, "distinct subscribers get independent relaySeqNum streams")

	// Publisher itself must have received an ack for its seq.
	hAck, ackBody, ok := lastSentTo(f, pub)
	require.True(t, ok)
	assert.Equal(t, wire.TagMagicData, hAck.Magic.Normalize())
	ra := wire.NewReader(ackBody)
	codeAck, ackPayload, err := ra.Pop()
	require.NoError(t, err)
	require.Equal(t, wire.TagAck, codeAck)
	ack, err := wire.DecodeAck(ackPayload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ack.Seq)
}

func TestDoubleSubscribeIdempotent(t *testing.T) {
	rl, f, _ := newTestRelay()
	sub := addr(7011)
	admit(t, rl, f, sub, 20)

	name := shortname.ShortName{ResourceID: 1}
	f.Deliver(subscribeDatagram(0, name, 1), sub)
	rl.process(mustRecv(t, f))
	f.Deliver(subscribeDatagram(0, name, 1), sub)
	rl.process(mustRecv(t, f))

	matches := rl.FIB().Match(shortname.ShortName{ResourceID: 1, SenderID: 5, SourceID: 9})
	assert.Len(t, matches, 1)
}

func TestFakeLossDebugDropsFraction(t *testing.T) {
	rl, f, _ := newTestRelay()
	rl.fakeLossDebug = true
	sub := addr(7021)
	pub := addr(7022)
	admit(t, rl, f, sub, 30)
	admit(t, rl, f, pub, 31)

	name := shortname.ShortName{ResourceID: 7}
	f.Deliver(subscribeDatagram(0, name, 1), sub)
	rl.process(mustRecv(t, f))

	subPeer, ok := rl.Conns().Get(sub)
	require.True(t, ok)
	subPeer.relaySeqNum = 7 // next NextRelaySeq() call returns 7, the dropped remainder

	f.Deliver(publishDatagram(1, name, []byte("x")), pub)
	before := len(f.Sent())
	rl.process(mustRecv(t, f))
	after := f.Sent()[before:]

	for _, s := range after {
		assert.NotEqual(t, sub.String(), s.To.String(), "relaySeqNum%%10==7 copy must be dropped when fake loss is enabled")
	}
}

func rateReqDatagram(seq uint32, kbps uint32) []byte {
	w := wire.NewWriter(nil)
	_ = w.PushPayload(wire.TagRelayRateReq, wire.RelayRateReq{BitrateKbps: kbps}.Encode())
	_ = w.PushPayload(wire.TagClientData, wire.ClientData{SeqNum: seq}.Encode())
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicData})
	return w.Bytes()
}

func TestDownstreamShapedToReportedRate(t *testing.T) {
	rl, f, _ := newTestRelay()
	sub := addr(7031)
	pub := addr(7032)
	admit(t, rl, f, sub, 40)
	admit(t, rl, f, pub, 41)

	name := shortname.ShortName{ResourceID: 8}
	f.Deliver(subscribeDatagram(0, name, 1), sub)
	rl.process(mustRecv(t, f))

	// The subscriber asks for 1 kbps downstream: a budget of 1000 bits,
	// enough for one 100-byte copy but not two within the same instant.
	f.Deliver(rateReqDatagram(1, 1), sub)
	rl.process(mustRecv(t, f))

	payload := make([]byte, 100)
	before := len(f.Sent())
	for i := 0; i < 2; i++ {
		f.Deliver(publishDatagram(uint32(2+i), name, payload), pub)
		rl.process(mustRecv(t, f))
	}

	delivered := 0
	for _, s := range f.Sent()[before:] {
		if s.To.String() == sub.String() {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered, "the second copy exceeds the face's requested rate and must be shed")
}

func mustRecv(t *testing.T, f *transport.Fake) transport.Datagram {
	t.Helper()
	d, ok := f.Recv()
	require.True(t, ok)
	return d
}
