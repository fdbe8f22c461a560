package uartlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Stream names one unsolicited telemetry flow from the controller.
type Stream string

const (
	StreamVoltages      Stream = "voltages"
	StreamIMU           Stream = "imu"
	StreamPhotoresistor Stream = "photoresistor"
	StreamEncoder       Stream = "encoder"
	StreamButtons       Stream = "buttons"
)

// streamTags maps the frame's leading byte to its stream. The same
// byte doubles as the stream's enable/disable command.
var streamTags = map[byte]Stream{
	'v': StreamVoltages,
	'i': StreamIMU,
	'p': StreamPhotoresistor,
	'e': StreamEncoder,
	'B': StreamButtons,
}

func streamForTag(tag byte) (Stream, bool) {
	s, ok := streamTags[tag]
	return s, ok
}

func tagForStream(stream Stream) (byte, bool) {
	for tag, s := range streamTags {
		if s == stream {
			return tag, true
		}
	}
	return 0, false
}

// ErrUnknownStream reports a stream name the controller does not emit.
var ErrUnknownStream = errors.New("uartlink: unknown telemetry stream")

// Sample is one telemetry update. Data is the raw frame payload after
// the tag byte; decode helpers below interpret the known shapes.
type Sample struct {
	Seq  uint64
	Time time.Time
	Data []byte
}

// Hub holds last-value-wins telemetry state. Consumers that must not
// drop samples wait on Next rather than polling Latest.
type Hub struct {
	mu      sync.Mutex
	latest  map[Stream]Sample
	seq     map[Stream]uint64
	waiters map[Stream][]chan Sample
}

func newHub() *Hub {
	return &Hub{
		latest:  make(map[Stream]Sample),
		seq:     make(map[Stream]uint64),
		waiters: make(map[Stream][]chan Sample),
	}
}

func (h *Hub) update(stream Stream, data []byte) {
	h.mu.Lock()
	h.seq[stream]++
	s := Sample{
		Seq:  h.seq[stream],
		Time: time.Now(),
		Data: append([]byte{}, data...),
	}
	h.latest[stream] = s
	waiters := h.waiters[stream]
	h.waiters[stream] = nil
	h.mu.Unlock()

	for _, ch := range waiters {
		ch <- s
	}
}

// Latest returns the most recent sample for stream, if any arrived.
func (h *Hub) Latest(stream Stream) (Sample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.latest[stream]
	return s, ok
}

// Next blocks until a sample newer than the current one arrives.
func (h *Hub) Next(ctx context.Context, stream Stream) (Sample, error) {
	ch := make(chan Sample, 1)
	h.mu.Lock()
	h.waiters[stream] = append(h.waiters[stream], ch)
	h.mu.Unlock()

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// streamRefs tracks acquirers per stream; the enable command is sent
// on the 0→1 transition and the disable command on 1→0.
type streamRefs struct {
	mu   sync.Mutex
	refs map[Stream]int
}

// AcquireStream registers an acquirer of stream, enabling the
// controller-side flow if this is the first.
func (l *Link) AcquireStream(ctx context.Context, stream Stream) error {
	tag, ok := tagForStream(stream)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	l.streams.mu.Lock()
	defer l.streams.mu.Unlock()
	if l.streams.refs == nil {
		l.streams.refs = make(map[Stream]int)
	}
	if l.streams.refs[stream] == 0 {
		if _, err := l.Submit(ctx, tag, []byte{1}, DefaultTimeout); err != nil {
			return err
		}
	}
	l.streams.refs[stream]++
	return nil
}

// ReleaseStream drops one acquirer, disabling the flow at zero.
func (l *Link) ReleaseStream(ctx context.Context, stream Stream) error {
	tag, ok := tagForStream(stream)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	l.streams.mu.Lock()
	defer l.streams.mu.Unlock()
	if l.streams.refs[stream] <= 0 {
		return fmt.Errorf("uartlink: release of unacquired stream %q", stream)
	}
	l.streams.refs[stream]--
	if l.streams.refs[stream] == 0 {
		delete(l.streams.refs, stream)
		if _, err := l.Submit(ctx, tag, []byte{0}, DefaultTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Voltages decodes a voltages sample into battery cell 1, cell 2 and
// charger millivolt readings (10-bit ADC against a 3.3V reference).
func Voltages(s Sample) (vbatt1, vbatt2, vchrg float64, err error) {
	if len(s.Data) != 6 {
		return 0, 0, 0, fmt.Errorf("uartlink: bad voltages payload %v", s.Data)
	}
	scale := func(raw uint16) float64 { return 1000 * 3.3 * float64(raw) / 1023 }
	vbatt1 = scale(binary.BigEndian.Uint16(s.Data[0:2]))
	vbatt2 = scale(binary.BigEndian.Uint16(s.Data[2:4]))
	vchrg = scale(binary.BigEndian.Uint16(s.Data[4:6]))
	return vbatt1, vbatt2, vchrg, nil
}
