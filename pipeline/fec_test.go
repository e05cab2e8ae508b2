package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quicr/packet"
	"quicr/shortname"
	"quicr/wire"
)

func TestFecEmitsParityAfterFullGroup(t *testing.T) {
	sink := newRecordingStage()
	fec := NewFec()
	New(sink, fec)

	name := shortname.ShortName{ResourceID: 1, SenderID: 2, SourceID: 3}
	for i := 0; i < fecGroupSize; i++ {
		p := packet.New(name, nil)
		p.UseFEC = true
		p.Buf = []byte{byte(i), byte(i + 1)}
		require.NoError(t, fec.Send(p))
	}

	require.Len(t, sink.sent, fecGroupSize+1, "expects one parity packet after the group fills")
	parity := sink.sent[fecGroupSize]
	assert.EqualValues(t, fecParityFragmentID, parity.Name.FragmentID)
}

func TestFecSkipsNonFecPackets(t *testing.T) {
	sink := newRecordingStage()
	fec := NewFec()
	New(sink, fec)

	p := packet.New(shortname.ShortName{ResourceID: 1}, nil)
	require.NoError(t, fec.Send(p))
	assert.Len(t, sink.sent, 1)
	assert.Empty(t, fec.groups)
}

func TestFecParityCarriesRoutableFraming(t *testing.T) {
	sink := newRecordingStage()
	fec := NewFec()
	New(sink, fec)

	name := shortname.ShortName{ResourceID: 4, SenderID: 1, SourceID: 1}
	for i := 0; i < fecGroupSize; i++ {
		p := packet.New(name, nil)
		p.UseFEC = true
		p.Buf = []byte{byte(i)}
		require.NoError(t, fec.Send(p))
	}
	require.Len(t, sink.sent, fecGroupSize+1)

	// The parity packet frames itself like a whole-chunk fragment, so a
	// relay can route it by name and a receiving Fec stage can spot the
	// parity sentinel before Fragment has decoded anything.
	parity := sink.sent[fecGroupSize]
	r := wire.NewReader(parity.Buf)
	code, payload, err := r.Pop()
	require.NoError(t, err)
	require.Equal(t, wire.TagShortName, code)
	decoded, err := shortname.Decode(payload)
	require.NoError(t, err)
	assert.EqualValues(t, fecParityFragmentID, decoded.FragmentID)

	// And on the way back up it is discarded, not surfaced as media.
	bottom := newRecordingStage()
	bottom.recv = &packet.Packet{Buf: parity.Buf}
	recvFec := NewFec()
	New(bottom, recvFec)
	_, ok := recvFec.Recv()
	assert.False(t, ok)
}

func TestFecRecvDropsParityPackets(t *testing.T) {
	bottom := newRecordingStage()
	name := shortname.ShortName{ResourceID: 1}
	parityName := name
	parityName.FragmentID = fecParityFragmentID
	bottom.recv = packet.New(parityName, nil)

	fec := NewFec()
	New(bottom, fec)

	_, ok := fec.Recv()
	assert.False(t, ok, "a parity-only packet must not surface as media")
}
