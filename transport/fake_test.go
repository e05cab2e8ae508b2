package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeSendRecordsDatagram(t *testing.T) {
	local := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}
	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6000}
	f := NewFake(local)

	assert.NoError(t, f.Send([]byte{1, 2, 3}, peer))
	assert.Len(t, f.Sent(), 1)
	assert.Equal(t, []byte{1, 2, 3}, f.Sent()[0].Buf)
	assert.Equal(t, peer, f.Sent()[0].To)
}

func TestFakeRecvFIFO(t *testing.T) {
	local := &net.UDPAddr{Port: 5004}
	peer := &net.UDPAddr{Port: 6000}
	f := NewFake(local)
	f.Deliver([]byte{1}, peer)
	f.Deliver([]byte{2}, peer)

	d, ok := f.Recv()
	assert.True(t, ok)
	assert.Equal(t, []byte{1}, d.Buf)

	d, ok = f.Recv()
	assert.True(t, ok)
	assert.Equal(t, []byte{2}, d.Buf)

	_, ok = f.Recv()
	assert.False(t, ok)
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFakeClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
}
