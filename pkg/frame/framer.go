// Package frame implements the sync/length/CRC packet framer, the
// IntervalSet used by the firmware-transfer client, and the CRC-16 both
// rely on.
//
// FindPacket walks an append-only byte buffer: scan for the sync pair,
// tentatively read a length field, verify the CRC, and only then commit
// to a packet boundary, so a valid frame whose payload happens to
// contain the sync bytes is never mistaken for a frame start.
package frame

import "encoding/binary"

// Sync bytes that mark the start of a frame on the wire.
const (
	Sync1 = 0x9C
	Sync2 = 0x3E
)

// MinFramedSize is the smallest a valid frame can be: 2 sync + 2 length +
// 0 payload + 2 CRC.
const MinFramedSize = 6

// SearchResult reports how many leading bytes of a buffer are junk to be
// dropped unconditionally, and, if DataSize > 0, how many bytes starting
// right after the junk form a complete, CRC-valid candidate packet.
type SearchResult struct {
	JunkSize int
	DataSize int
}

// FindPacket scans buf for the next well-formed packet: locate sync,
// tentatively read the length field, verify the buffer holds a full
// frame, check its CRC, and only then commit to a boundary. It never
// returns a DataSize that extends past buf.
func FindPacket(buf []byte) SearchResult {
	n := len(buf)
	base := 0

searchSync:
	for {
		// Step 1/2: find the sync pair.
		idx := -1
		for i := base; i+1 < n; i++ {
			if buf[i] == Sync1 && buf[i+1] == Sync2 {
				idx = i
				break
			}
		}
		if idx == -1 {
			// No full sync pair found in the remainder.
			if base >= n {
				return SearchResult{JunkSize: n, DataSize: 0}
			}
			// A lone trailing Sync1 byte is not yet junk: a following
			// byte might still complete the pair once more data arrives.
			if n > 0 && buf[n-1] == Sync1 {
				return SearchResult{JunkSize: n - 1, DataSize: 0}
			}
			return SearchResult{JunkSize: n, DataSize: 0}
		}

		junkSize := idx

		// Step 3: need at least 2 bytes (length) + 2 bytes (crc) after sync.
		lenStart := idx + 2
		if lenStart+4 > n {
			return SearchResult{JunkSize: junkSize, DataSize: 0}
		}

		// Step 4: read payload_len and check full frame is buffered.
		payloadLen := int(binary.LittleEndian.Uint16(buf[lenStart : lenStart+2]))
		frameEnd := lenStart + 2 + payloadLen + 2
		if frameEnd > n {
			return SearchResult{JunkSize: junkSize, DataSize: 0}
		}

		// Step 5: CRC over length field || payload.
		crcRegion := buf[lenStart : lenStart+2+payloadLen]
		encodedCRC := binary.LittleEndian.Uint16(buf[lenStart+2+payloadLen : frameEnd])
		if CRC16(crcRegion) != encodedCRC {
			// CRC mismatch: the sync bytes were junk inside a larger
			// payload. Restart search one byte past this sync.
			base = idx + 1
			continue searchSync
		}

		// Step 6.
		return SearchResult{JunkSize: junkSize, DataSize: frameEnd - idx}
	}
}
