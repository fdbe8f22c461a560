package integrity

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for n := 0; n <= 64; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*7 + n)
		}
		enc := Encode(payload)
		if len(enc) != ReadLen(n) {
			t.Fatalf("len(Encode(%d bytes)) = %d, ReadLen = %d", n, len(enc), ReadLen(n))
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode failed for %d-byte payload: %v", n, err)
		}
		if !bytes.Equal(dec, payload) {
			t.Fatalf("round trip mismatch for %d-byte payload: got %v want %v", n, dec, payload)
		}
	}
}

func TestDecodeRejectsImpossibleLengths(t *testing.T) {
	for _, buf := range [][]byte{nil, {}, {1, 2, 3}} {
		if _, err := Decode(buf); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("Decode(%v) = %v, want ErrIntegrity", buf, err)
		}
	}
}

func TestDecodeSingleByteSentinel(t *testing.T) {
	dec, err := Decode([]byte{0xAA})
	if err != nil {
		t.Fatalf("Decode sentinel: %v", err)
	}
	if len(dec) != 0 {
		t.Fatalf("Decode sentinel returned %v, want empty", dec)
	}
	for b := 0; b < 256; b++ {
		if b == 0xAA {
			continue
		}
		if _, err := Decode([]byte{byte(b)}); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("Decode([%#x]) = %v, want ErrIntegrity", b, err)
		}
	}
}

func TestDecodeTwoBytesExhaustiveBitFlips(t *testing.T) {
	for b := 0; b < 256; b++ {
		enc := Encode([]byte{byte(b)})
		for bit := 0; bit < 16; bit++ {
			bad := []byte{enc[0], enc[1]}
			bad[bit/8] ^= 1 << (bit % 8)
			if _, err := Decode(bad); !errors.Is(err, ErrIntegrity) {
				t.Fatalf("single-bit flip of Encode([%#x]) at bit %d decoded cleanly", b, bit)
			}
		}
	}
}

func TestDecodeCRCRejectsBitFlips(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x55, 0xAA, 0xFF}
	enc := Encode(payload)
	for bit := 0; bit < len(enc)*8; bit++ {
		bad := make([]byte, len(enc))
		copy(bad, enc)
		bad[bit/8] ^= 1 << (bit % 8)
		if _, err := Decode(bad); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("single-bit flip at bit %d decoded cleanly", bit)
		}
	}
}

func TestReadLen(t *testing.T) {
	cases := []struct{ n, want int }{{0, 1}, {1, 2}, {2, 4}, {5, 7}, {25, 27}}
	for _, tc := range cases {
		if got := ReadLen(tc.n); got != tc.want {
			t.Fatalf("ReadLen(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}
