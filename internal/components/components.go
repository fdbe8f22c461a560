// Package components holds the built-in drivers for the controller's
// components and the in-process virtual capabilities. Each driver
// speaks to its component's register over the shared bus; the
// capability registry decides when a register is enabled at all.
package components

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roverlink/roverlink/internal/protocol/i2cbus"
)

// ErrComponent reports an out-of-contract status byte from a
// component. Never retried.
var ErrComponent = errors.New("components: unexpected component status")

// VersionInfo reads the controller firmware version.
type VersionInfo struct {
	bus *i2cbus.Bus
	reg byte
}

func NewVersionInfo(bus *i2cbus.Bus, reg byte) *VersionInfo {
	return &VersionInfo{bus: bus, reg: reg}
}

// Version returns the controller's major and minor firmware version.
func (v *VersionInfo) Version(ctx context.Context) (major, minor byte, err error) {
	buf, err := v.bus.TransactRetry(ctx, []byte{v.reg}, 2, i2cbus.DefaultTries)
	if err != nil {
		return 0, 0, err
	}
	return buf[0], buf[1], nil
}

// BatteryVoltageReader reads the pack voltage.
type BatteryVoltageReader struct {
	bus *i2cbus.Bus
	reg byte
}

func NewBatteryVoltageReader(bus *i2cbus.Bus, reg byte) *BatteryVoltageReader {
	return &BatteryVoltageReader{bus: bus, reg: reg}
}

// Millivolts returns the battery voltage in millivolts.
func (b *BatteryVoltageReader) Millivolts(ctx context.Context) (int, error) {
	buf, err := b.bus.TransactRetry(ctx, []byte{b.reg, 0x00}, 2, i2cbus.DefaultTries)
	if err != nil {
		return 0, err
	}
	return int(buf[0]) | int(buf[1])<<8, nil
}

// ShouldShutDown reports the controller's low-battery shutdown flag.
func (b *BatteryVoltageReader) ShouldShutDown(ctx context.Context) (bool, error) {
	buf, err := b.bus.TransactRetry(ctx, []byte{b.reg, 0x01}, 1, i2cbus.DefaultTries)
	if err != nil {
		return false, err
	}
	return buf[0] == 1, nil
}

// Buzzer plays note strings on the controller's piezo.
type Buzzer struct {
	bus *i2cbus.Bus
	reg byte
}

func NewBuzzer(bus *i2cbus.Bus, reg byte) *Buzzer {
	return &Buzzer{bus: bus, reg: reg}
}

// buzzerWaitTimeout bounds Wait: the note language cannot express a
// tune anywhere near this long.
const buzzerWaitTimeout = 100 * time.Second

// noteChunk is the controller's per-transaction note upload limit.
const noteChunk = 4

// IsCurrentlyPlaying reports whether a tune is in progress. New music
// cannot start while one is.
func (b *Buzzer) IsCurrentlyPlaying(ctx context.Context) (bool, error) {
	buf, err := b.bus.TransactRetry(ctx, []byte{b.reg, 0x00}, 1, i2cbus.DefaultTries)
	if err != nil {
		return false, err
	}
	return buf[0] == 0, nil
}

// Wait blocks until the buzzer is idle.
func (b *Buzzer) Wait(ctx context.Context) error {
	return i2cbus.PollUntil(ctx, b.IsCurrentlyPlaying, false, buzzerWaitTimeout)
}

// Play uploads notes in chunks and starts playback. Notes use the
// controller's tune language, e.g. "o4l16ceg>c8".
func (b *Buzzer) Play(ctx context.Context, notes string) error {
	// Spaces are legal but waste the controller's tiny note buffer.
	notes = strings.ReplaceAll(notes, " ", "")

	if err := b.Wait(ctx); err != nil {
		return err
	}
	data := []byte(notes)
	for pos := 0; pos < len(data); pos += noteChunk {
		end := pos + noteChunk
		if end > len(data) {
			end = len(data)
		}
		writeBuf := append([]byte{b.reg, 0x01, byte(pos)}, data[pos:end]...)
		buf, err := b.bus.TransactRetry(ctx, writeBuf, 1, i2cbus.DefaultTries)
		if err != nil {
			return fmt.Errorf("upload notes at %d: %w", pos, err)
		}
		if buf[0] != 1 {
			return fmt.Errorf("%w: note upload refused at %d", ErrComponent, pos)
		}
	}
	// The start acknowledgement is deliberately ignored: when the
	// first attempt's response is lost and the exchange is retried,
	// playback has already begun and the controller reports "cannot
	// start" for the retry.
	_, err := b.bus.TransactRetry(ctx, []byte{b.reg, 0x02}, 1, i2cbus.DefaultTries)
	return err
}

// LEDs drives the controller's RGB LEDs.
type LEDs struct {
	bus  *i2cbus.Bus
	reg  byte
	vals map[int][3]byte
}

// NumLEDs is the number of addressable RGB LEDs on the board.
const NumLEDs = 6

// maxBrightness caps the LED driver current; higher values brown out
// the 3.3V rail.
const maxBrightness = 50

// ledAck is the status byte the LED component returns on success.
const ledAck = 72

func NewLEDs(bus *i2cbus.Bus, reg byte) *LEDs {
	return &LEDs{bus: bus, reg: reg, vals: make(map[int][3]byte)}
}

// SetLED sets one LED to an RGB value and shows the result.
func (l *LEDs) SetLED(ctx context.Context, index int, rgb [3]byte) error {
	if err := l.set(ctx, index, rgb); err != nil {
		return err
	}
	return l.show(ctx)
}

// SetManyLEDs applies several values then shows them at once.
func (l *LEDs) SetManyLEDs(ctx context.Context, vals map[int][3]byte) error {
	for index, rgb := range vals {
		if err := l.set(ctx, index, rgb); err != nil {
			return err
		}
	}
	return l.show(ctx)
}

// SetBrightness caps and applies the global LED brightness.
func (l *LEDs) SetBrightness(ctx context.Context, brightness byte) error {
	if brightness > maxBrightness {
		brightness = maxBrightness
	}
	buf, err := l.bus.TransactRetry(ctx, []byte{l.reg, 0x01, brightness}, 1, i2cbus.DefaultTries)
	if err != nil {
		return err
	}
	if buf[0] != ledAck {
		return fmt.Errorf("%w: set brightness", ErrComponent)
	}
	return l.show(ctx)
}

// ModeManual and ModeSpin select the LED animation mode.
const (
	ModeManual byte = 0
	ModeSpin   byte = 1
	ModePulse  byte = 2
)

// SetMode switches the LED animation mode.
func (l *LEDs) SetMode(ctx context.Context, mode byte) error {
	buf, err := l.bus.TransactRetry(ctx, []byte{l.reg, 0x03, mode}, 1, i2cbus.DefaultTries)
	if err != nil {
		return err
	}
	if buf[0] != ledAck {
		return fmt.Errorf("%w: set mode %d", ErrComponent, mode)
	}
	return nil
}

func (l *LEDs) set(ctx context.Context, index int, rgb [3]byte) error {
	if index < 0 || index >= NumLEDs {
		return fmt.Errorf("%w: led index %d out of range", ErrComponent, index)
	}
	if prev, ok := l.vals[index]; ok && prev == rgb {
		return nil
	}
	buf, err := l.bus.TransactRetry(ctx, []byte{l.reg, 0x00, byte(index), rgb[0], rgb[1], rgb[2]}, 1, i2cbus.DefaultTries)
	if err != nil {
		return err
	}
	if buf[0] != ledAck {
		return fmt.Errorf("%w: set led %d", ErrComponent, index)
	}
	l.vals[index] = rgb
	return nil
}

func (l *LEDs) show(ctx context.Context) error {
	buf, err := l.bus.TransactRetry(ctx, []byte{l.reg, 0x02}, 1, i2cbus.DefaultTries)
	if err != nil {
		return err
	}
	if buf[0] != ledAck {
		return fmt.Errorf("%w: show", ErrComponent)
	}
	return nil
}

// Photoresistor reads ambient light through the controller's ADC.
type Photoresistor struct {
	bus *i2cbus.Bus
	reg byte
}

func NewPhotoresistor(bus *i2cbus.Bus, reg byte) *Photoresistor {
	return &Photoresistor{bus: bus, reg: reg}
}

// Read returns the photoresistor pin voltage in millivolts and the
// computed resistance in ohms.
func (p *Photoresistor) Read(ctx context.Context) (millivolts, ohms uint32, err error) {
	buf, err := p.bus.TransactRetry(ctx, []byte{p.reg}, 8, i2cbus.DefaultTries)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[:4]), binary.LittleEndian.Uint32(buf[4:]), nil
}
