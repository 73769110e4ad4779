package frame

import "github.com/sigurn/crc16"

// crcTable implements the CCITT CRC-16 used to validate frames: polynomial
// 0x1021, initial value 0xFFFF, no input/output reflection, no final xor.
// The CCITT-FALSE parameter set matches this exactly, so the table is
// reused rather than hand-rolled, the way Spritkopf-esb-bridge-client's
// usbprotocol package reuses sigurn/crc16 for its own sync/CRC framing.
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CRC16 computes the frame CRC over data.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
