// Package integrity appends and validates the checksum trailer carried
// by every I2C exchange with the controller. The trailer depends on the
// payload length: a lone sentinel byte for an empty payload, an XOR
// byte for a single-byte payload, and a CRC-16/XMODEM for anything
// longer. The controller computes the same trailer on its side, so a
// mismatch means the bus corrupted the exchange.
package integrity

import (
	"errors"

	"github.com/roverlink/roverlink/internal/protocol/crc16"
)

const (
	emptySentinel = 0xAA
	xorSentinel   = 0xD6
)

// ErrIntegrity reports a buffer whose trailer does not validate. It is
// indistinguishable from a transport fault for retry purposes.
var ErrIntegrity = errors.New("integrity: checksum mismatch")

// Encode returns payload with its integrity trailer appended.
func Encode(payload []byte) []byte {
	switch len(payload) {
	case 0:
		return []byte{emptySentinel}
	case 1:
		return []byte{payload[0], payload[0] ^ xorSentinel}
	default:
		crc := crc16.Checksum(payload)
		out := make([]byte, 0, len(payload)+2)
		out = append(out, payload...)
		return append(out, byte(crc>>8), byte(crc))
	}
}

// Decode validates buf's trailer and returns the payload with the
// trailer removed. Buffers of length 0 and 3 can never be valid: no
// encoding produces them.
func Decode(buf []byte) ([]byte, error) {
	switch len(buf) {
	case 0, 3:
		return nil, ErrIntegrity
	case 1:
		if buf[0] != emptySentinel {
			return nil, ErrIntegrity
		}
		return []byte{}, nil
	case 2:
		if buf[0]^buf[1]^xorSentinel != 0 {
			return nil, ErrIntegrity
		}
		return buf[:1], nil
	default:
		// A valid buffer's CRC folds the whole thing to zero.
		if crc16.Checksum(buf) != 0 {
			return nil, ErrIntegrity
		}
		return buf[:len(buf)-2], nil
	}
}

// ReadLen returns how many bytes must be read off the wire to receive
// an encoded buffer whose payload is payloadLen bytes.
func ReadLen(payloadLen int) int {
	switch payloadLen {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return payloadLen + 2
	}
}
