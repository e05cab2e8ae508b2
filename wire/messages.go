package wire

import (
	"encoding/binary"
	"fmt"

	"quicr/shortname"
)

// ClientData carries the pacer-assigned client sequence number.
type ClientData struct {
	SeqNum uint32
}

func (m ClientData) Encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, m.SeqNum)
	return b
}

func DecodeClientData(b []byte) (ClientData, error) {
	if len(b) != 4 {
		return ClientData{}, fmt.Errorf("wire: clientData wants 4 bytes, got %d", len(b))
	}
	return ClientData{SeqNum: binary.LittleEndian.Uint32(b)}, nil
}

// Ack acknowledges a client sequence number and piggy-backs the one
// previous ack, a one-deep history that is the entire
// sender-acknowledgement channel.
type Ack struct {
	Seq              uint32
	PrevSeq          uint32
	RemoteRecvTimeUs uint64
	Congested        bool
	IsFirst          bool
}

func (m Ack) Encode() []byte {
	b := make([]byte, 17)
	binary.LittleEndian.PutUint32(b[0:4], m.Seq)
	binary.LittleEndian.PutUint32(b[4:8], m.PrevSeq)
	binary.LittleEndian.PutUint64(b[8:16], m.RemoteRecvTimeUs)
	var flags byte
	if m.Congested {
		flags |= 0x1
	}
	if m.IsFirst {
		flags |= 0x2
	}
	b[16] = flags
	return b
}

func DecodeAck(b []byte) (Ack, error) {
	if len(b) != 17 {
		return Ack{}, fmt.Errorf("wire: ack wants 17 bytes, got %d", len(b))
	}
	return Ack{
		Seq:              binary.LittleEndian.Uint32(b[0:4]),
		PrevSeq:          binary.LittleEndian.Uint32(b[4:8]),
		RemoteRecvTimeUs: binary.LittleEndian.Uint64(b[8:16]),
		Congested:        b[16]&0x1 != 0,
		IsFirst:          b[16]&0x2 != 0,
	}, nil
}

// Sync is the client's handshake SYNC. FeaturesVec is a bitmask of
// optionally negotiated features (reserved for future use; always 0 in
// this implementation).
type Sync struct {
	Cookie       uint64
	Origin       uint32
	SenderID     uint32
	ClientTimeMs uint64
	FeaturesVec  uint32
}

func (m Sync) Encode() []byte {
	b := make([]byte, 28)
	binary.LittleEndian.PutUint64(b[0:8], m.Cookie)
	binary.LittleEndian.PutUint32(b[8:12], m.Origin)
	binary.LittleEndian.PutUint32(b[12:16], m.SenderID)
	binary.LittleEndian.PutUint64(b[16:24], m.ClientTimeMs)
	binary.LittleEndian.PutUint32(b[24:28], m.FeaturesVec)
	return b
}

func DecodeSync(b []byte) (Sync, error) {
	if len(b) != 28 {
		return Sync{}, fmt.Errorf("wire: sync wants 28 bytes, got %d", len(b))
	}
	return Sync{
		Cookie:       binary.LittleEndian.Uint64(b[0:8]),
		Origin:       binary.LittleEndian.Uint32(b[8:12]),
		SenderID:     binary.LittleEndian.Uint32(b[12:16]),
		ClientTimeMs: binary.LittleEndian.Uint64(b[16:24]),
		FeaturesVec:  binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// SyncAck is the relay's reply admitting a connection.
type SyncAck struct {
	ServerTimeMs uint64
	FeaturesVec  uint32
}

func (m SyncAck) Encode() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint64(b[0:8], m.ServerTimeMs)
	binary.LittleEndian.PutUint32(b[8:12], m.FeaturesVec)
	return b
}

func DecodeSyncAck(b []byte) (SyncAck, error) {
	if len(b) != 12 {
		return SyncAck{}, fmt.Errorf("wire: syncAck wants 12 bytes, got %d", len(b))
	}
	return SyncAck{
		ServerTimeMs: binary.LittleEndian.Uint64(b[0:8]),
		FeaturesVec:  binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// RstKind distinguishes the three uses of tag code 11.
type RstKind uint8

const (
	RstRetry    RstKind = 0
	RstRedirect RstKind = 1
	RstBare     RstKind = 2
)

// Rst carries RstRetry{cookie}, RstRedirect{cookie,origin,port}, or a bare
// Rst (mismatch / drop notification) depending on Kind.
type Rst struct {
	Kind   RstKind
	Cookie uint64
	Origin string
	Port   uint16
}

func (m Rst) Encode() []byte {
	originBytes := []byte(m.Origin)
	b := make([]byte, 0, 10+len(originBytes))
	b = append(b, byte(m.Kind))
	cookie := make([]byte, 8)
	binary.LittleEndian.PutUint64(cookie, m.Cookie)
	b = append(b, cookie...)
	b = append(b, byte(len(originBytes)))
	b = append(b, originBytes...)
	port := make([]byte, 2)
	binary.LittleEndian.PutUint16(port, m.Port)
	b = append(b, port...)
	return b
}

func DecodeRst(b []byte) (Rst, error) {
	if len(b) < 11 {
		return Rst{}, fmt.Errorf("wire: rst too short: %d bytes", len(b))
	}
	kind := RstKind(b[0])
	cookie := binary.LittleEndian.Uint64(b[1:9])
	originLen := int(b[9])
	if len(b) != 10+originLen+2 {
		return Rst{}, fmt.Errorf("wire: rst malformed length")
	}
	origin := string(b[10 : 10+originLen])
	port := binary.LittleEndian.Uint16(b[10+originLen : 12+originLen])
	return Rst{Kind: kind, Cookie: cookie, Origin: origin, Port: port}, nil
}

// SubscribeReq names the subscription prefix a client wants forwarded.
// Depth selects how many of ShortName's leading
// components are significant (1=resource, 2=+sender, 3=+source).
type SubscribeReq struct {
	Name  shortname.ShortName
	Depth uint8
}

func (m SubscribeReq) Encode() []byte {
	nb := m.Name.Encode()
	b := make([]byte, 0, shortname.Size+1)
	b = append(b, nb[:]...)
	b = append(b, m.Depth)
	return b
}

func DecodeSubscribeReq(b []byte) (SubscribeReq, error) {
	if len(b) != shortname.Size+1 {
		return SubscribeReq{}, fmt.Errorf("wire: subscribeReq wants %d bytes, got %d", shortname.Size+1, len(b))
	}
	name, err := shortname.Decode(b[:shortname.Size])
	if err != nil {
		return SubscribeReq{}, err
	}
	return SubscribeReq{Name: name, Depth: b[shortname.Size]}, nil
}

// RelayRateReq carries the current downstream bandwidth target from the
// client's pacer to the relay.
type RelayRateReq struct {
	BitrateKbps uint32
}

func (m RelayRateReq) Encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, m.BitrateKbps)
	return b
}

func DecodeRelayRateReq(b []byte) (RelayRateReq, error) {
	if len(b) != 4 {
		return RelayRateReq{}, fmt.Errorf("wire: relayRateReq wants 4 bytes, got %d", len(b))
	}
	return RelayRateReq{BitrateKbps: binary.LittleEndian.Uint32(b)}, nil
}

// RelayData stamps a forwarded copy with the relay's own per-peer
// sequence number and a truncated (32-bit, wrapping) send timestamp in
// the relay's clock domain. The rate controller does not read this
// timestamp; its clock offset comes from acks' RemoteRecvTimeUs.
type RelayData struct {
	RelaySeqNum      uint32
	RemoteSendTimeUs uint32
}

func (m RelayData) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], m.RelaySeqNum)
	binary.LittleEndian.PutUint32(b[4:8], m.RemoteSendTimeUs)
	return b
}

func DecodeRelayData(b []byte) (RelayData, error) {
	if len(b) != 8 {
		return RelayData{}, fmt.Errorf("wire: relayData wants 8 bytes, got %d", len(b))
	}
	return RelayData{
		RelaySeqNum:      binary.LittleEndian.Uint32(b[0:4]),
		RemoteSendTimeUs: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Nack is reserved for explicit negative-acknowledgement signalling. No
// pipeline stage emits or consumes it; loss recovery relies on name-keyed
// retransmit timeouts.
type Nack struct {
	SeqNum uint32
}

func (m Nack) Encode() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, m.SeqNum)
	return b
}

func DecodeNack(b []byte) (Nack, error) {
	if len(b) != 4 {
		return Nack{}, fmt.Errorf("wire: nack wants 4 bytes, got %d", len(b))
	}
	return Nack{SeqNum: binary.LittleEndian.Uint32(b)}, nil
}

// FragmentHeader carries a chunk's position within its reassembly group
//. Index and Total top out at 255 fragments, matching
// ShortName's own 1-byte FragmentID field.
type FragmentHeader struct {
	Index, Total uint8
}

func (m FragmentHeader) Encode() []byte {
	return []byte{m.Index, m.Total}
}

func DecodeFragmentHeader(b []byte) (FragmentHeader, error) {
	if len(b) != 2 {
		return FragmentHeader{}, fmt.Errorf("wire: fragmentHeader wants 2 bytes, got %d", len(b))
	}
	return FragmentHeader{Index: b[0], Total: b[1]}, nil
}

// The 6-byte framing header: magic tag + 32-bit path token + pad tag.
// PathToken is opaque to the codec; the relay may use it to index
// connection state.
type Header struct {
	Magic     TagCode
	PathToken uint32
}

// WriteHeader appends the literal 6-byte framing header — 4-byte path
// token, 1-byte pad tag, 1-byte magic tag, in that append order — so the
// magic byte lands at the tail and PeekCode() sees it first. Unlike every
// other tag this is NOT the generic 2-byte (length,code) encoding: the
// header's shape is fixed by the wire contract, not by the
// PacketTag registry.
func WriteHeader(w *Writer, h Header) {
	tok := make([]byte, 4)
	binary.LittleEndian.PutUint32(tok, h.PathToken)
	w.buf = append(w.buf, tok...)
	w.buf = append(w.buf, byte(TagNone), byte(h.Magic))
}

// ReadHeader pops the 6-byte framing header from the tail of r, returning
// an error when the last byte is not a magic tag or the pad is not TagNone.
func ReadHeader(r *Reader) (Header, error) {
	if r.tail < 6 {
		return Header{}, fmt.Errorf("wire: truncated framing header")
	}
	magic := TagCode(r.buf[r.tail-1])
	if !magic.IsMagic() {
		return Header{}, fmt.Errorf("wire: expected magic tag, got %d", magic)
	}
	pad := r.buf[r.tail-2]
	if TagCode(pad) != TagNone {
		return Header{}, fmt.Errorf("wire: malformed pad tag %d", pad)
	}
	tok := binary.LittleEndian.Uint32(r.buf[r.tail-6 : r.tail-2])
	r.tail -= 6
	return Header{Magic: magic, PathToken: tok}, nil
}
