package ieee11073

// CRC16 computes the CRC-16/MCRF4XX checksum (reflected polynomial 0x8408,
// initial value 0xFFFF, no final XOR) used by the CGM E2E-CRC fields.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
