package pipeline

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quicr/packet"
	"quicr/wire"
)

func relayAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}
}

func TestConnectionOpenSendsSync(t *testing.T) {
	sink := newRecordingStage()
	conn := NewConnection(relayAddr(), 42, nil)
	New(sink, conn)

	require.NoError(t, conn.Open(time.Unix(0, 0)))
	require.Len(t, sink.sent, 1)

	r := wire.NewReader(sink.sent[0].Buf)
	h, err := wire.ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, wire.TagMagicSyn, h.Magic)

	code, payload, err := r.Pop()
	require.NoError(t, err)
	assert.Equal(t, wire.TagSync, code)
	sync, err := wire.DecodeSync(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 42, sync.SenderID)

	assert.Equal(t, StateConnectionPending, conn.State())
}

func buildSynAck() []byte {
	w := wire.NewWriter(nil)
	ack := wire.SyncAck{ServerTimeMs: 123}
	_ = w.PushPayload(wire.TagSyncAck, ack.Encode())
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicSynAck})
	return w.Bytes()
}

func TestConnectionCompletesOnSynAck(t *testing.T) {
	sink := newRecordingStage()
	conn := NewConnection(relayAddr(), 1, nil)
	New(sink, conn)

	connected := false
	conn.OnConnected(func() { connected = true })

	require.NoError(t, conn.Open(time.Unix(0, 0)))

	sink.recv = &packet.Packet{Buf: buildSynAck()}
	p, ok := conn.Recv()
	assert.False(t, ok, "a handshake control packet must not surface to upper stages")
	assert.Nil(t, p)

	assert.True(t, conn.Connected())
	assert.True(t, connected)
	assert.NotZero(t, conn.ServerTimeOffsetMs(), "the SyncAck's server time must be folded into an offset estimate")
}

func TestConnectionSendRejectedBeforeConnected(t *testing.T) {
	sink := newRecordingStage()
	conn := NewConnection(relayAddr(), 1, nil)
	New(sink, conn)

	err := conn.Send(&packet.Packet{Buf: []byte{1, 2, 3}})
	assert.Error(t, err)
}

func TestConnectionRstRetryResendsWithCookie(t *testing.T) {
	sink := newRecordingStage()
	conn := NewConnection(relayAddr(), 1, nil)
	New(sink, conn)
	require.NoError(t, conn.Open(time.Unix(0, 0)))

	w := wire.NewWriter(nil)
	rst := wire.Rst{Kind: wire.RstRetry, Cookie: 0xAABB}
	require.NoError(t, w.PushPayload(wire.TagRst, rst.Encode()))
	wire.WriteHeader(w, wire.Header{Magic: wire.TagMagicRst})
	sink.recv = &packet.Packet{Buf: w.Bytes()}

	_, ok := conn.Recv()
	assert.False(t, ok)
	assert.EqualValues(t, 0xAABB, conn.cookie)
	assert.Equal(t, StateConnectionPending, conn.State())

	// The retry must go out immediately, carrying the issued cookie, not
	// wait for the next retry-timer window.
	require.Len(t, sink.sent, 2)
	r := wire.NewReader(sink.sent[1].Buf)
	h, err := wire.ReadHeader(r)
	require.NoError(t, err)
	require.Equal(t, wire.TagMagicSyn, h.Magic)
	_, payload, err := r.Pop()
	require.NoError(t, err)
	sync, err := wire.DecodeSync(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 0xAABB, sync.Cookie)
}

func TestConnectionRetryTimerResendsSync(t *testing.T) {
	sink := newRecordingStage()
	conn := NewConnection(relayAddr(), 1, nil)
	New(sink, conn)

	now := time.Unix(0, 0)
	require.NoError(t, conn.Open(now))
	require.Len(t, sink.sent, 1)

	conn.Tick(now.Add(conn.retryInterval + time.Millisecond))
	assert.Len(t, sink.sent, 2)
}
