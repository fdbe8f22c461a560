package uartlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// The controller's EEPROM holds calibration parameters (servo trims,
// PID gains, safe-throttle bounds). It is mirrored in full at startup
// so callers never wait on an EEPROM read afterwards; writes go
// through to the controller and update the mirror.
const (
	EEPROMSize  = 1024
	eepromChunk = 16

	eepromOpRead  = 0x00
	eepromOpWrite = 0x01
)

var (
	// ErrEEPROMRange reports an out-of-bounds address or length.
	ErrEEPROMRange = errors.New("uartlink: eeprom address out of range")

	// ErrEEPROMNotLoaded reports a read before LoadEEPROM completed.
	ErrEEPROMNotLoaded = errors.New("uartlink: eeprom mirror not loaded")
)

// eepromState is the in-process mirror plus the waiters for inbound
// 'E' chunk frames, keyed by chunk address.
type eepromState struct {
	mu      sync.Mutex
	mirror  [EEPROMSize]byte
	loaded  bool
	waiters map[uint16][]chan []byte
}

func newEEPROMState() *eepromState {
	return &eepromState{waiters: make(map[uint16][]chan []byte)}
}

// deliver handles one unsolicited chunk frame: addr:u16 ++ data.
func (e *eepromState) deliver(payload []byte) {
	if len(payload) < 2 {
		return
	}
	addr := binary.BigEndian.Uint16(payload[:2])
	data := append([]byte{}, payload[2:]...)

	e.mu.Lock()
	if int(addr)+len(data) <= EEPROMSize {
		copy(e.mirror[addr:], data)
	}
	waiters := e.waiters[addr]
	delete(e.waiters, addr)
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- data
	}
}

func (e *eepromState) await(addr uint16) chan []byte {
	ch := make(chan []byte, 1)
	e.mu.Lock()
	e.waiters[addr] = append(e.waiters[addr], ch)
	e.mu.Unlock()
	return ch
}

// LoadEEPROM populates the mirror with chunked reads. Call once at
// startup before serving parameter reads.
func (l *Link) LoadEEPROM(ctx context.Context) error {
	for addr := 0; addr < EEPROMSize; addr += eepromChunk {
		if err := l.readChunk(ctx, uint16(addr), eepromChunk); err != nil {
			return fmt.Errorf("eeprom load at %#x: %w", addr, err)
		}
	}
	l.eeprom.mu.Lock()
	l.eeprom.loaded = true
	l.eeprom.mu.Unlock()
	return nil
}

// readChunk requests one chunk and waits for its 'E' frame to land in
// the mirror.
func (l *Link) readChunk(ctx context.Context, addr uint16, n byte) error {
	ch := l.eeprom.await(addr)
	args := []byte{eepromOpRead, byte(addr >> 8), byte(addr), n}
	if _, err := l.Submit(ctx, cmdEEPROM, args, DefaultTimeout); err != nil {
		return err
	}
	timer := time.NewTimer(DefaultTimeout * DefaultTries)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: chunk %#x", ErrCommandTimeout, addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadParams returns n mirrored bytes at addr. The first population at
// startup is the only time anyone waits on the EEPROM.
func (l *Link) ReadParams(addr, n int) ([]byte, error) {
	if addr < 0 || n < 0 || addr+n > EEPROMSize {
		return nil, fmt.Errorf("%w: addr %d len %d", ErrEEPROMRange, addr, n)
	}
	l.eeprom.mu.Lock()
	defer l.eeprom.mu.Unlock()
	if !l.eeprom.loaded {
		return nil, ErrEEPROMNotLoaded
	}
	return append([]byte{}, l.eeprom.mirror[addr:addr+n]...), nil
}

// WriteParams writes data through to the controller in chunks and
// updates the mirror on each acknowledged chunk.
func (l *Link) WriteParams(ctx context.Context, addr int, data []byte) error {
	if addr < 0 || addr+len(data) > EEPROMSize {
		return fmt.Errorf("%w: addr %d len %d", ErrEEPROMRange, addr, len(data))
	}
	for i := 0; i < len(data); i += eepromChunk {
		end := i + eepromChunk
		if end > len(data) {
			end = len(data)
		}
		chunkAddr := uint16(addr + i)
		args := append([]byte{eepromOpWrite, byte(chunkAddr >> 8), byte(chunkAddr), byte(end - i)}, data[i:end]...)
		if _, err := l.Submit(ctx, cmdEEPROM, args, DefaultTimeout); err != nil {
			return fmt.Errorf("eeprom write at %#x: %w", chunkAddr, err)
		}
		l.eeprom.mu.Lock()
		copy(l.eeprom.mirror[int(chunkAddr):], data[i:end])
		l.eeprom.mu.Unlock()
	}
	return nil
}
