package packet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"quicr/shortname"
)

func testAddr(t *testing.T) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:5004")
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestNewDefaults(t *testing.T) {
	name := shortname.ShortName{ResourceID: 1, SenderID: 2, SourceID: 3}
	p := New(name, testAddr(t))
	assert.Equal(t, name, p.Name)
	assert.EqualValues(t, 5, p.Priority)
	assert.False(t, p.Reliable)
	assert.False(t, p.UseFEC)
}

func TestCloneIndependence(t *testing.T) {
	name := shortname.ShortName{ResourceID: 1, SenderID: 2, SourceID: 3}
	p := New(name, testAddr(t))
	p.Buf = []byte{1, 2, 3, 4}
	p.HeaderSize = 1

	clone := p.Clone()
	assert.Equal(t, p.Buf, clone.Buf)

	clone.Buf[0] = 0xFF
	assert.NotEqual(t, p.Buf[0], clone.Buf[0], "mutating the clone must not alias the original")

	clone.Name.SenderID = 99
	assert.NotEqual(t, p.Name.SenderID, clone.Name.SenderID)
}

func TestPayloadSize(t *testing.T) {
	p := New(shortname.ShortName{}, testAddr(t))
	p.Buf = make([]byte, 10)
	p.HeaderSize = 4
	assert.Equal(t, 6, p.PayloadSize())

	p.HeaderSize = 20 // header grew past buf, e.g. not yet written
	assert.Equal(t, 0, p.PayloadSize())
}
