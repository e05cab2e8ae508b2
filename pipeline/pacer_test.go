package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quicr/packet"
	"quicr/rate"
	"quicr/shortname"
	"quicr/wire"
)

func TestPacerStampsClientDataAndRegisters(t *testing.T) {
	sink := newRecordingStage()
	ctrl := rate.New(150, 600, 8000)
	priority := NewPriority()
	pacer := NewPacer(priority, ctrl, nil)
	New(sink, pacer, priority)

	name := shortname.ShortName{ResourceID: 1}
	p := packet.New(name, nil)
	p.Buf = []byte{1, 2, 3}
	require.NoError(t, priority.Send(p))

	ok, err := priority.Drain()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sink.sent, 1)

	r := wire.NewReader(sink.sent[0].Buf)
	code, payload, err := r.Pop()
	require.NoError(t, err)
	assert.Equal(t, wire.TagClientData, code)
	cd, err := wire.DecodeClientData(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cd.SeqNum)
	assert.Equal(t, 1, ctrl.Outstanding())
}

func TestPacerDrainsTrailingControlTagsAndForwardsPayload(t *testing.T) {
	top := newAckCountingStage()
	ctrl := rate.New(150, 600, 8000)
	priority := NewPriority()
	pacer := NewPacer(priority, ctrl, nil)
	sink := newRecordingStage()

	New(sink, pacer, priority, top)

	name := shortname.ShortName{ResourceID: 3}
	now := time.Unix(100, 0)
	seq := ctrl.RegisterSend(name, 800, now)

	// One datagram carrying payload, then RelayData, then a trailing Ack —
	// the pacer must consume both control tags off this same datagram and
	// still surface the stripped payload.
	w := wire.NewWriter([]byte("media"))
	require.NoError(t, w.PushPayload(wire.TagRelayData, wire.RelayData{RelaySeqNum: 1}.Encode()))
	require.NoError(t, w.PushPayload(wire.TagAck, wire.Ack{Seq: seq}.Encode()))
	sink.recv = &packet.Packet{Buf: w.Bytes()}

	p, ok := pacer.Recv()
	require.True(t, ok)
	assert.Equal(t, []byte("media"), p.Buf)
	assert.Equal(t, []shortname.ShortName{name}, top.acks)
}

func TestPacerPrevSeqRecoversLostAck(t *testing.T) {
	top := newAckCountingStage()
	ctrl := rate.New(150, 600, 8000)
	priority := NewPriority()
	pacer := NewPacer(priority, ctrl, nil)
	sink := newRecordingStage()

	New(sink, pacer, priority, top)

	nameA := shortname.ShortName{ResourceID: 1}
	nameB := shortname.ShortName{ResourceID: 2}
	now := time.Unix(100, 0)
	seqA := ctrl.RegisterSend(nameA, 800, now)
	seqB := ctrl.RegisterSend(nameB, 800, now)

	// The ack for seqA was lost; the next ack piggy-backs it and must
	// still release both names.
	ackMsg := wire.Ack{Seq: seqB, PrevSeq: seqA}
	w := wire.NewWriter(nil)
	require.NoError(t, w.PushPayload(wire.TagAck, ackMsg.Encode()))
	sink.recv = &packet.Packet{Buf: w.Bytes()}

	_, ok := pacer.Recv()
	assert.False(t, ok)
	assert.ElementsMatch(t, []shortname.ShortName{nameA, nameB}, top.acks)
	assert.Equal(t, 0, ctrl.Outstanding())
}

func TestPacerAckPropagatesToAckCountingStage(t *testing.T) {
	top := newAckCountingStage()
	ctrl := rate.New(150, 600, 8000)
	priority := NewPriority()
	pacer := NewPacer(priority, ctrl, nil)
	sink := newRecordingStage()

	New(sink, pacer, priority, top)

	name := shortname.ShortName{ResourceID: 9}
	now := time.Unix(100, 0)
	seq := ctrl.RegisterSend(name, 800, now)

	ackMsg := wire.Ack{Seq: seq}
	w := wire.NewWriter(nil)
	require.NoError(t, w.PushPayload(wire.TagAck, ackMsg.Encode()))
	sink.recv = &packet.Packet{Buf: w.Bytes()}

	_, ok := pacer.Recv()
	assert.False(t, ok, "an ack must be consumed, not surfaced as data")
	assert.Equal(t, []shortname.ShortName{name}, top.acks)
}
