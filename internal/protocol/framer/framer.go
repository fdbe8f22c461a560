// Package framer extracts complete, checksum-valid frames from the
// continuous byte stream arriving on the controller UART. The wire
// format is:
//
//	0xA6, length:u8, payload[length], crc16:u16 (big endian), 0x59
//
// where the CRC covers everything from the preamble through the CRC
// itself (so a valid span folds to zero). The framer resynchronizes on
// corruption by dropping a single byte and rescanning, which recovers
// frame lock after at most one frame's worth of garbage.
package framer

import "github.com/roverlink/roverlink/internal/protocol/crc16"

const (
	Preamble = 0xA6
	Epilog   = 0x59

	// Overhead is the non-payload byte count of a frame: preamble,
	// length, two CRC bytes, epilog.
	Overhead = 5

	// bufSize must be a power of two; the cursors wrap with a mask.
	bufSize = 128
)

// Framer is a fixed-capacity circular buffer fed one byte at a time.
// It is not safe for concurrent use; the link's reader goroutine owns
// it exclusively.
type Framer struct {
	buf  [bufSize]byte
	size int
	pos  int
}

// Put appends b and reports whether the buffer now holds a complete,
// valid frame at the read cursor. On overflow the oldest byte is
// dropped: under back-pressure framing is best effort.
func (f *Framer) Put(b byte) bool {
	next := (f.pos + f.size) & (bufSize - 1)
	f.buf[next] = b
	f.size++

	if f.size > bufSize {
		f.size--
		f.pos = (f.pos + 1) & (bufSize - 1)
	}

	return f.scan()
}

// Extract pops the frame at the read cursor and returns its payload.
// Call it only immediately after Put returned true.
func (f *Framer) Extract() []byte {
	f.drop(1) // preamble

	length := int(f.buf[f.pos])
	f.drop(1)

	payload := make([]byte, length)
	for i := 0; i < length; i++ {
		payload[i] = f.buf[f.pos]
		f.drop(1)
	}

	f.drop(3) // crc16 and epilog
	return payload
}

// Frame encodes payload into a complete wire frame.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+Overhead)
	out = append(out, Preamble, byte(len(payload)))
	out = append(out, payload...)
	crc := crc16.Checksum(out)
	return append(out, byte(crc>>8), byte(crc), Epilog)
}

func (f *Framer) drop(n int) {
	f.size -= n
	f.pos = (f.pos + n) & (bufSize - 1)
}

func (f *Framer) at(i int) byte {
	return f.buf[(f.pos+i)&(bufSize-1)]
}

// scan reports whether a complete valid frame starts at the read
// cursor, advancing past garbage as it goes.
func (f *Framer) scan() bool {
	for {
		for f.size > 0 && f.buf[f.pos] != Preamble {
			f.drop(1)
		}

		if f.size < Overhead {
			return false
		}

		length := int(f.at(1))
		if length+Overhead > bufSize {
			// A frame this long can never fit in the buffer, so the
			// preamble byte is noise. Waiting on it would stall valid
			// frames already behind it.
			f.drop(1)
			continue
		}
		if f.size < length+Overhead {
			return false
		}

		if f.at(length+4) != Epilog {
			f.drop(1)
			continue
		}

		var crc uint16
		for i := 0; i < length+4; i++ {
			crc = crc16.Update(crc, f.at(i))
		}
		if crc != 0 {
			f.drop(1)
			continue
		}

		return true
	}
}
