// Package crc implements the CRC16 checksum used by Modbus RTU.
package crc

// CalculateCRC16 computes the Modbus CRC16 of data.
//
// Generator polynomial is X16 + X15 + X2 + 1, processed in reflected form
// with the constant 0xA001 and an initial register of 0xFFFF. A bitwise
// loop is used instead of a lookup table; frames here are tiny and the
// function is not on a hot path.
func CalculateCRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
