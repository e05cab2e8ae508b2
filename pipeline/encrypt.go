package pipeline

import (
	"quicr/packet"
	"quicr/transport"
)

// Encrypt seals the payload before it is split into wire-sized fragments
// and opens it again once reassembled. Keys are held per
// epoch: each sealed payload leads with the epoch byte it was sealed
// under, so a receiver holding several generations of key can open
// traffic that straddles a rekey. With no keys installed the stage is a
// pure passthrough, the unencrypted mode used for local testing.
type Encrypt struct {
	*Base

	keys  map[uint8]transport.Aead
	epoch uint8
}

// NewEncrypt builds an Encrypt stage; a non-nil aead is installed as
// epoch 0.
func NewEncrypt(aead transport.Aead) *Encrypt {
	e := &Encrypt{Base: &Base{}, keys: make(map[uint8]transport.Aead)}
	if aead != nil {
		e.keys[0] = aead
	}
	return e
}

// SetAead installs aead for epoch and makes it the sealing epoch — the
// client API's setCryptoKey. A nil aead removes that epoch's key;
// removing the last key returns the stage to passthrough.
func (e *Encrypt) SetAead(epoch uint8, aead transport.Aead) {
	if aead == nil {
		delete(e.keys, epoch)
		return
	}
	e.keys[epoch] = aead
	e.epoch = epoch
}

func (e *Encrypt) Send(p *packet.Packet) error {
	aead, ok := e.keys[e.epoch]
	if !ok {
		return e.Base.Send(p)
	}
	nameBytes := p.Name.Encode()
	sealed, err := aead.Seal(p.Buf, nameBytes[:])
	if err != nil {
		return err
	}
	buf := make([]byte, 0, 1+len(sealed))
	buf = append(buf, e.epoch)
	buf = append(buf, sealed...)
	p.Buf = buf
	return e.Base.Send(p)
}

func (e *Encrypt) Recv() (*packet.Packet, bool) {
	p, ok := e.Base.Recv()
	if !ok {
		return nil, false
	}
	if len(e.keys) == 0 {
		return p, true
	}
	if len(p.Buf) < 1 {
		return e.Recv()
	}
	aead, ok := e.keys[p.Buf[0]]
	if !ok {
		return e.Recv()
	}
	nameBytes := p.Name.Encode()
	plain, err := aead.Open(p.Buf[1:], nameBytes[:])
	if err != nil {
		return e.Recv()
	}
	p.Buf = plain
	return p, true
}
