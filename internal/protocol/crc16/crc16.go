// Package crc16 implements the CRC-16/XMODEM fold used by the
// controller firmware on both the I2C and UART links (poly 0x1021,
// init 0x0000, no reflection).
package crc16

// Update folds one byte into crc.
func Update(crc uint16, b byte) uint16 {
	crc ^= uint16(b) << 8
	for i := 0; i < 8; i++ {
		if crc&0x8000 != 0 {
			crc = (crc << 1) ^ 0x1021
		} else {
			crc <<= 1
		}
	}
	return crc
}

// Checksum returns the CRC of buf starting from a zero seed.
func Checksum(buf []byte) uint16 {
	var crc uint16
	for _, b := range buf {
		crc = Update(crc, b)
	}
	return crc
}
