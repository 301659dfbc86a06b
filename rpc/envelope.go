package rpc

import "encoding/binary"

// Envelope framing for the Connect streaming protocol: a 1-byte flags field
// followed by a 4-byte big-endian payload length, then the payload. Bit 1 of
// the flags marks the logical end of the stream.
const (
	envelopeHeaderLen = 5
	flagEndStream     = 0b0000_0010
)

// EncodeEnvelope wraps payload in a single envelope frame. Client requests
// never mark end-of-stream, so the flags byte is always zero.
func EncodeEnvelope(payload []byte) []byte {
	frame := make([]byte, envelopeHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[1:envelopeHeaderLen], uint32(len(payload)))
	copy(frame[envelopeHeaderLen:], payload)
	return frame
}

// envelopeBuffer incrementally decodes envelope frames from a byte stream.
// Chunk boundaries carry no meaning: append feeds whatever arrived, and next
// yields complete frames one at a time, leaving any partial trailing frame
// buffered for the next append. It never blocks.
type envelopeBuffer struct {
	buf       []byte
	endStream bool
}

func (b *envelopeBuffer) append(p []byte) {
	b.buf = append(b.buf, p...)
}

// next returns the payload of the next complete frame, or ok=false if the
// buffer does not yet hold one. A zero-length frame is valid and yields an
// empty payload.
func (b *envelopeBuffer) next() (payload []byte, ok bool) {
	if len(b.buf) < envelopeHeaderLen {
		return nil, false
	}
	length := int(binary.BigEndian.Uint32(b.buf[1:envelopeHeaderLen]))
	if len(b.buf) < envelopeHeaderLen+length {
		return nil, false
	}
	flags := b.buf[0]
	payload = make([]byte, length)
	copy(payload, b.buf[envelopeHeaderLen:envelopeHeaderLen+length])
	b.buf = b.buf[envelopeHeaderLen+length:]
	if flags&flagEndStream != 0 {
		b.endStream = true
	}
	return payload, true
}
