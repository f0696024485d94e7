package protocol

import (
	"encoding/binary"
	"time"
)

// Heartbeat (beacon) packets use a separate plaintext format from the
// session protocol:
//
//	offset 0  2B  magic 0x21 0x31
//	offset 2  2B  total length, uint16 BE (== len(entire packet))
//	offset 4  8B  all 0xFF for a client hello, device fields otherwise
//	offset 8  4B  device id, uint32 BE
//	offset 12 4B  timestamp slot, uint32 BE
//	...           padded to 32 bytes minimum
const (
	beaconMagic0 = 0x21
	beaconMagic1 = 0x31

	// BeaconMinLen is the smallest packet the robot ever sends.
	BeaconMinLen = 32
)

// BeaconKind classifies an inbound heartbeat packet.
type BeaconKind int

const (
	// BeaconMalformed is undersized, wrong-magic, or wrong-length input.
	// Dropped without reply.
	BeaconMalformed BeaconKind = iota
	// BeaconHello is the robot's initial connectivity probe.
	BeaconHello
	// BeaconPing is the steady-state 32-byte liveness probe.
	BeaconPing
	// BeaconOther is a well-formed packet of an unhandled class. Ignored,
	// connection kept open.
	BeaconOther
)

func (k BeaconKind) String() string {
	switch k {
	case BeaconHello:
		return "hello"
	case BeaconPing:
		return "ping"
	case BeaconOther:
		return "other"
	default:
		return "malformed"
	}
}

// BeaconDID extracts the device id field. Only meaningful for well-formed
// packets.
func BeaconDID(pkt []byte) uint32 {
	if len(pkt) < 12 {
		return 0
	}
	return binary.BigEndian.Uint32(pkt[8:12])
}

// ClassifyBeacon inspects one heartbeat packet and, for hello and ping,
// builds the reply the robot expects:
//
//   - hello: the first 32 bytes echoed with bytes 12..16 replaced by now.
//   - ping: the 32 bytes echoed verbatim.
//
// reply is nil for BeaconOther and BeaconMalformed.
func ClassifyBeacon(pkt []byte, now time.Time) (kind BeaconKind, reply []byte) {
	if len(pkt) < BeaconMinLen {
		return BeaconMalformed, nil
	}
	if pkt[0] != beaconMagic0 || pkt[1] != beaconMagic1 {
		return BeaconMalformed, nil
	}
	length := int(binary.BigEndian.Uint16(pkt[2:4]))
	if length != len(pkt) {
		return BeaconMalformed, nil
	}

	hello := true
	for _, b := range pkt[4:12] {
		if b != 0xFF {
			hello = false
			break
		}
	}
	if hello {
		reply = append([]byte(nil), pkt[:BeaconMinLen]...)
		binary.BigEndian.PutUint32(reply[12:16], uint32(now.Unix()))
		return BeaconHello, reply
	}

	if length == BeaconMinLen {
		return BeaconPing, append([]byte(nil), pkt[:BeaconMinLen]...)
	}

	return BeaconOther, nil
}

// ReadBeaconLength parses the total length out of a 4-byte beacon header,
// for TCP streams where packets must be reassembled. ok is false when the
// magic or length is unusable.
func ReadBeaconLength(hdr []byte) (int, bool) {
	if len(hdr) < 4 || hdr[0] != beaconMagic0 || hdr[1] != beaconMagic1 {
		return 0, false
	}
	length := int(binary.BigEndian.Uint16(hdr[2:4]))
	if length < 4 {
		return 0, false
	}
	return length, true
}
