package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Local wire format, verified against captured robot traffic:
//
//	offset 0   3B  version magic, ASCII "1.0"
//	offset 3   4B  seq, uint32 BE
//	offset 7   4B  random, uint32 BE
//	offset 11  4B  timestamp, uint32 BE (unix seconds)
//	offset 15  2B  protocol id, uint16 BE
//	offset 17  2B  payload length, uint16 BE
//	offset 19  NB  payload (AES-128-ECB ciphertext for RPC protocols)
//	offset 19+N 4B CRC32 (IEEE), uint32 BE, over bytes [0, 19+N)

const (
	headerLen  = 19
	trailerLen = 4

	// MinFrameLen is an empty-payload frame: header plus CRC trailer.
	MinFrameLen = headerLen + trailerLen

	// DefaultMaxPayload bounds the payload length field. The field is a
	// uint16 so 64 KiB is the hard ceiling; real robot frames stay well
	// under this.
	DefaultMaxPayload = 32 << 10
)

var versionMagic = [3]byte{'1', '.', '0'}

// Protocol identifiers carried in the frame header.
const (
	ProtoHelloRequest    uint16 = 0
	ProtoHelloResponse   uint16 = 1
	ProtoPingRequest     uint16 = 2
	ProtoPingResponse    uint16 = 3
	ProtoGeneralRequest  uint16 = 4
	ProtoGeneralResponse uint16 = 5
	ProtoRPCRequest      uint16 = 101
	ProtoRPCResponse     uint16 = 102
	ProtoMapResponse     uint16 = 301
)

// ErrFraming reports a malformed frame: bad magic, out-of-range length, or a
// CRC mismatch. The connection that produced it must be closed; there is no
// safe way to resynchronize a length-prefixed stream mid-flight.
var ErrFraming = errors.New("protocol: malformed frame")

// Frame is one decoded wire unit. Payload holds the ciphertext exactly as
// carried on the wire; decryption is the session cipher's job.
type Frame struct {
	Seq       uint32
	Random    uint32
	Timestamp uint32
	Protocol  uint16
	Payload   []byte
}

// EncodedLen returns the full wire size of the frame.
func (f Frame) EncodedLen() int {
	return headerLen + len(f.Payload) + trailerLen
}

// Control reports whether the frame belongs to the unencrypted control class
// (hello/ping handshakes carry no ciphertext).
func (f Frame) Control() bool {
	return f.Protocol <= ProtoPingResponse
}

// Encode serializes the frame. Encoding is the exact inverse of Decode for
// any frame whose payload fits the length field.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: payload %d exceeds length field", ErrFraming, len(f.Payload))
	}
	buf := make([]byte, f.EncodedLen())
	copy(buf[0:3], versionMagic[:])
	binary.BigEndian.PutUint32(buf[3:7], f.Seq)
	binary.BigEndian.PutUint32(buf[7:11], f.Random)
	binary.BigEndian.PutUint32(buf[11:15], f.Timestamp)
	binary.BigEndian.PutUint16(buf[15:17], f.Protocol)
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)
	crc := crc32.ChecksumIEEE(buf[:headerLen+len(f.Payload)])
	binary.BigEndian.PutUint32(buf[headerLen+len(f.Payload):], crc)
	return buf, nil
}

// Decode parses exactly one frame from b. b must contain the complete frame
// and nothing else; streaming callers use FrameReader instead.
func Decode(b []byte) (Frame, error) {
	if len(b) < MinFrameLen {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrFraming, len(b), MinFrameLen)
	}
	if b[0] != versionMagic[0] || b[1] != versionMagic[1] || b[2] != versionMagic[2] {
		return Frame{}, fmt.Errorf("%w: bad version magic %q", ErrFraming, b[0:3])
	}
	payloadLen := int(binary.BigEndian.Uint16(b[17:19]))
	if len(b) != headerLen+payloadLen+trailerLen {
		return Frame{}, fmt.Errorf("%w: length field %d vs %d bytes on wire", ErrFraming, payloadLen, len(b))
	}
	want := binary.BigEndian.Uint32(b[headerLen+payloadLen:])
	got := crc32.ChecksumIEEE(b[:headerLen+payloadLen])
	if got != want {
		return Frame{}, fmt.Errorf("%w: crc mismatch (got %08x want %08x)", ErrFraming, got, want)
	}
	f := Frame{
		Seq:       binary.BigEndian.Uint32(b[3:7]),
		Random:    binary.BigEndian.Uint32(b[7:11]),
		Timestamp: binary.BigEndian.Uint32(b[11:15]),
		Protocol:  binary.BigEndian.Uint16(b[15:17]),
	}
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), b[headerLen:headerLen+payloadLen]...)
	}
	return f, nil
}

// FrameReader reassembles frames from a byte stream whose read boundaries do
// not align with frame boundaries.
type FrameReader struct {
	r          io.Reader
	maxPayload int
	hdr        [headerLen]byte
}

// NewFrameReader wraps r. maxPayload <= 0 selects DefaultMaxPayload.
func NewFrameReader(r io.Reader, maxPayload int) *FrameReader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &FrameReader{r: r, maxPayload: maxPayload}
}

// Next blocks until one complete frame is available and returns it. io.EOF is
// returned untouched on a clean close between frames; any malformed input
// yields an error wrapping ErrFraming and the stream must be abandoned.
func (fr *FrameReader) Next() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	if fr.hdr[0] != versionMagic[0] || fr.hdr[1] != versionMagic[1] || fr.hdr[2] != versionMagic[2] {
		return Frame{}, fmt.Errorf("%w: bad version magic %q", ErrFraming, fr.hdr[0:3])
	}
	payloadLen := int(binary.BigEndian.Uint16(fr.hdr[17:19]))
	if payloadLen > fr.maxPayload {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds limit %d", ErrFraming, payloadLen, fr.maxPayload)
	}
	rest := make([]byte, payloadLen+trailerLen)
	if _, err := io.ReadFull(fr.r, rest); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	full := make([]byte, 0, headerLen+len(rest))
	full = append(full, fr.hdr[:]...)
	full = append(full, rest...)
	return Decode(full)
}
