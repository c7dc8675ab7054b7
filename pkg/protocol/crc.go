package protocol

import "github.com/sigurn/crc16"

// OSDP uses CRC-16/AUG-CCITT: poly 0x1021, init 0x1D0F, no reflection.
var crcTable = crc16.MakeTable(crc16.CRC16_AUG_CCITT)

// CRC16 computes the frame CRC over data
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// Checksum computes the 8-bit two's complement checksum over data
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum + 1
}

// appendCheck appends the trailer selected by useCRC. The CRC is little endian.
func appendCheck(frame []byte, useCRC bool) []byte {
	if useCRC {
		crc := CRC16(frame)
		return append(frame, byte(crc), byte(crc>>8))
	}
	return append(frame, Checksum(frame))
}

// verifyCheck validates the trailer of a complete frame
func verifyCheck(frame []byte, useCRC bool) bool {
	if useCRC {
		if len(frame) < CRCLength {
			return false
		}
		n := len(frame) - CRCLength
		crc := CRC16(frame[:n])
		return frame[n] == byte(crc) && frame[n+1] == byte(crc>>8)
	}
	if len(frame) < ChecksumLength {
		return false
	}
	n := len(frame) - ChecksumLength
	return Checksum(frame[:n]) == frame[n]
}

func checkLength(useCRC bool) int {
	if useCRC {
		return CRCLength
	}
	return ChecksumLength
}
