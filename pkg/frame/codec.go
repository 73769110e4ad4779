package frame

import "encoding/binary"

// MaxPayloadSize bounds a single frame's payload. The spec requires at
// least 1024; this is the module's configured constant.
const MaxPayloadSize = 1024

// EncodeFrame wraps payload in SYNC | len | payload | crc16. It returns
// false if payload exceeds MaxPayloadSize.
func EncodeFrame(payload []byte) ([]byte, bool) {
	if len(payload) > MaxPayloadSize {
		return nil, false
	}
	buf := make([]byte, 4+len(payload)+2)
	buf[0] = Sync1
	buf[1] = Sync2
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	crc := CRC16(buf[2 : 4+len(payload)])
	binary.LittleEndian.PutUint16(buf[4+len(payload):], crc)
	return buf, true
}

// DecodePayload extracts the payload from a complete, already CRC-verified
// framed packet (as produced by FindPacket's DataSize region, including the
// sync bytes).
func DecodePayload(packet []byte) ([]byte, bool) {
	if len(packet) < MinFramedSize {
		return nil, false
	}
	payloadLen := int(binary.LittleEndian.Uint16(packet[2:4]))
	if 4+payloadLen+2 != len(packet) {
		return nil, false
	}
	return packet[4 : 4+payloadLen], true
}
