package wire

import "fmt"

// Writer builds a packet's wire buffer by appending suffix tags. Because
// each append only ever grows the tail, stages can add their own framing
// without touching or re-copying bytes an upper stage already wrote — the
// defining property of the suffix-encoded format.
type Writer struct {
	buf []byte
}

// NewWriter wraps an existing buffer (e.g. a payload already written by an
// upper stage) so a lower stage can keep appending to it.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes returns the buffer built so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Len reports the current buffer length.
func (w *Writer) Len() int { return len(w.buf) }

// WriteRaw appends raw bytes with no tag framing (used for the payload
// portion of a tag, before the caller calls PushFixed/PushVariable).
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// PushFixed appends a fixed-length tag: the payload must already be
// written (via WriteRaw or by the caller's own encoding) and len(payload)
// must equal the tag's registered fixed length.
func (w *Writer) PushFixed(code TagCode, payloadLen int) error {
	fl, variable, ok := fixedLen(code)
	if !ok {
		return fmt.Errorf("wire: unknown tag code %d", code)
	}
	if variable {
		return fmt.Errorf("wire: tag %d is variable-length, use PushVariable", code)
	}
	if payloadLen != fl {
		return fmt.Errorf("wire: tag %d wants %d-byte payload, got %d", code, fl, payloadLen)
	}
	w.buf = append(w.buf, byte(fl), byte(code))
	return nil
}

// PushVariable appends a variable-length tag whose payload of length n was
// already written via WriteRaw. A self-delimiting length prefix (a
// uintVar_t whose bytes are stored reversed, so its width-selector byte
// sits immediately before the tag word) lets the tail-decoder recover n
// without having scanned forward from the payload's start.
func (w *Writer) PushVariable(code TagCode, n int) error {
	_, variable, ok := fixedLen(code)
	if !ok {
		return fmt.Errorf("wire: unknown tag code %d", code)
	}
	if !variable {
		return fmt.Errorf("wire: tag %d is fixed-length, use PushFixed", code)
	}
	lenBytes, err := EncodeVarint(uint64(n))
	if err != nil {
		return err
	}
	reversed := make([]byte, len(lenBytes))
	for i, b := range lenBytes {
		reversed[len(lenBytes)-1-i] = b
	}
	w.buf = append(w.buf, reversed...)
	w.buf = append(w.buf, byte(FixedLenVariable), byte(code))
	return nil
}

// PushPayload is a convenience combining WriteRaw and PushFixed/PushVariable
// for a tag whose payload is a single contiguous byte slice.
func (w *Writer) PushPayload(code TagCode, payload []byte) error {
	w.WriteRaw(payload)
	if _, variable, _ := fixedLen(code); variable {
		return w.PushVariable(code, len(payload))
	}
	return w.PushFixed(code, len(payload))
}

// Reader pops suffix tags from the tail of a buffer. The lowest pipeline
// stage (closest to the wire) appended its tags last as the packet
// travelled down the stack, so they are popped first — popping from the
// tail replays stages bottom-up on the way back up.
type Reader struct {
	buf  []byte
	tail int
}

// NewReader wraps buf for tail-first decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf, tail: len(buf)}
}

// Remaining reports how many undispatched bytes remain.
func (r *Reader) Remaining() int { return r.tail }

// PeekCode returns the code of the next tag to be popped without
// consuming it. Used by dispatch switches that need to branch on the tag
// kind before deciding how (or whether) to consume it.
func (r *Reader) PeekCode() (TagCode, error) {
	if r.tail < 1 {
		return TagBad, fmt.Errorf("wire: buffer exhausted")
	}
	return TagCode(r.buf[r.tail-1]), nil
}

// Pop consumes the next tag, returning its code and payload. A parser
// failing to recognize the code yields TagBad and should drop the packet
//.
func (r *Reader) Pop() (TagCode, []byte, error) {
	if r.tail < 2 {
		return TagBad, nil, fmt.Errorf("wire: buffer exhausted")
	}
	code := TagCode(r.buf[r.tail-1])
	lengthByte := r.buf[r.tail-2]
	r.tail -= 2

	_, variable, ok := fixedLen(code)
	if !ok {
		return TagBad, nil, fmt.Errorf("wire: unknown tag code %d", code)
	}

	var n int
	if lengthByte != FixedLenVariable {
		n = int(lengthByte)
	} else {
		if !variable {
			return TagBad, nil, fmt.Errorf("wire: tag %d not registered variable-length", code)
		}
		// Recover the self-delimiting reversed-varint length prefix:
		// its width-selector byte sits immediately before the tag word.
		if r.tail < 1 {
			return TagBad, nil, fmt.Errorf("wire: truncated length prefix")
		}
		width := varintWidth(r.buf[r.tail-1])
		if r.tail < width {
			return TagBad, nil, fmt.Errorf("wire: truncated length prefix, want %d bytes", width)
		}
		reversed := r.buf[r.tail-width : r.tail]
		forward := make([]byte, width)
		for i, b := range reversed {
			forward[width-1-i] = b
		}
		length, consumed, err := DecodeVarint(forward)
		if err != nil {
			return TagBad, nil, err
		}
		if consumed != width {
			return TagBad, nil, fmt.Errorf("wire: malformed length prefix")
		}
		n = int(length)
		r.tail -= width
	}

	if n > r.tail {
		return TagBad, nil, fmt.Errorf("wire: declared payload length %d exceeds buffer", n)
	}
	payload := r.buf[r.tail-n : r.tail]
	r.tail -= n
	return code, payload, nil
}
