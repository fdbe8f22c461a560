// Package uartlink implements the asynchronous, correlated command
// protocol spoken with the companion microcontroller over its UART.
// Commands carry a 16-bit correlation ID and complete out of order;
// unsolicited telemetry frames are fanned out to latest-value state
// with per-stream new-data signals.
//
// One goroutine owns the port's read side (feeding the framer), one
// owns the write side (draining a queue), so producers of writes never
// touch the port and readers never contend with each other.
package uartlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roverlink/roverlink/internal/observability"
	"github.com/roverlink/roverlink/internal/protocol/framer"
)

// Command bytes understood by the controller. A response frame is the
// 'S' byte, the echoed correlation ID, then the result bytes.
const (
	cmdResponse = 'S'
	cmdVersion  = 'v'
	cmdEEPROM   = 'E'
)

const (
	// DefaultTries bounds whole-submission retries on timeout.
	DefaultTries = 3

	// DefaultTimeout is the per-attempt response wait.
	DefaultTimeout = 250 * time.Millisecond

	writeQueueDepth = 32
)

var (
	// ErrCommandTimeout reports that a command got no response within
	// its deadline on any attempt.
	ErrCommandTimeout = errors.New("uartlink: command timeout")

	// ErrClosed reports use of a closed link.
	ErrClosed = errors.New("uartlink: link closed")
)

// Link is a live connection to the controller. Safe for concurrent use.
type Link struct {
	port io.ReadWriteCloser

	writeQ chan []byte
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextID  uint16
	pending map[uint16]chan []byte
	closed  bool

	closeOnce sync.Once
	closeErr  error

	hub     *Hub
	eeprom  *eepromState
	streams streamRefs
}

// New starts the reader and writer goroutines over port.
func New(port io.ReadWriteCloser) *Link {
	l := &Link{
		port:    port,
		writeQ:  make(chan []byte, writeQueueDepth),
		done:    make(chan struct{}),
		pending: make(map[uint16]chan []byte),
		hub:     newHub(),
		eeprom:  newEEPROMState(),
	}
	l.wg.Add(2)
	go l.writer()
	go l.reader()
	return l
}

// Hub exposes the link's telemetry state.
func (l *Link) Hub() *Hub {
	return l.hub
}

// Close stops both goroutines and closes the port. In-flight commands
// fail with ErrClosed.
func (l *Link) Close() error {
	l.fail()
	l.closeOnce.Do(func() {
		l.closeErr = l.port.Close() // unblocks the reader
	})
	l.wg.Wait()
	return l.closeErr
}

// fail marks the link closed and wakes every waiter. Queued and future
// submissions return ErrClosed instead of blocking on a dead writer.
func (l *Link) fail() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.mu.Unlock()
	close(l.done)
}

func (l *Link) writer() {
	defer l.wg.Done()
	for {
		select {
		case buf := <-l.writeQ:
			if _, err := l.port.Write(buf); err != nil {
				log.Error().Err(err).Msg("uart write failed, closing link")
				go l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *Link) reader() {
	defer l.wg.Done()
	var f framer.Framer
	buf := make([]byte, 64)
	for {
		n, err := l.port.Read(buf)
		if err != nil || n == 0 {
			select {
			case <-l.done:
			default:
				log.Info().Err(err).Msg("uart reader exiting")
			}
			return
		}
		for _, b := range buf[:n] {
			if f.Put(b) {
				l.dispatch(f.Extract())
			}
		}
	}
}

// dispatch routes one complete frame by its leading command byte.
func (l *Link) dispatch(msg []byte) {
	if len(msg) == 0 {
		return
	}
	switch msg[0] {
	case cmdResponse:
		if len(msg) < 3 {
			log.Warn().Hex("msg", msg).Msg("short response frame")
			return
		}
		id := binary.BigEndian.Uint16(msg[1:3])
		l.mu.Lock()
		ch, ok := l.pending[id]
		if ok {
			delete(l.pending, id)
		}
		l.mu.Unlock()
		if ok {
			ch <- append([]byte{}, msg[3:]...)
		}
	case cmdEEPROM:
		l.eeprom.deliver(msg[1:])
		observability.RecordTelemetryFrame("eeprom")
	default:
		if stream, ok := streamForTag(msg[0]); ok {
			l.hub.update(stream, msg[1:])
			observability.RecordTelemetryFrame(string(stream))
			return
		}
		log.Warn().Hex("msg", msg).Msg("unhandled uart frame")
	}
}

// allocID returns a fresh correlation ID, skipping any ID still in
// flight, and registers its completion channel. Caller holds no locks.
func (l *Link) allocID() (uint16, chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, nil, ErrClosed
	}
	for {
		id := l.nextID
		l.nextID++ // wraps at 65535 by integer overflow
		if _, inFlight := l.pending[id]; inFlight {
			continue
		}
		ch := make(chan []byte, 1)
		l.pending[id] = ch
		return id, ch, nil
	}
}

func (l *Link) unregister(id uint16) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// Submit sends one command and waits for its correlated response. On
// timeout the whole submission is retried with a fresh ID, up to
// DefaultTries attempts; the final timeout surfaces as
// ErrCommandTimeout.
func (l *Link) Submit(ctx context.Context, cmd byte, args []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		resp, err := l.submitOnce(ctx, cmd, args, timeout)
		if err == nil {
			observability.RecordUARTCommand(cmd, true, time.Since(start))
			return resp, nil
		}
		if !errors.Is(err, ErrCommandTimeout) || attempt >= DefaultTries {
			observability.RecordUARTCommand(cmd, false, time.Since(start))
			return nil, err
		}
		log.Debug().Int("attempt", attempt).Uint8("cmd", cmd).Msg("uart command retrying")
	}
}

func (l *Link) submitOnce(ctx context.Context, cmd byte, args []byte, timeout time.Duration) ([]byte, error) {
	id, ch, err := l.allocID()
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, 3+len(args))
	payload = append(payload, cmd, byte(id>>8), byte(id))
	payload = append(payload, args...)

	select {
	case l.writeQ <- framer.Frame(payload):
	case <-l.done:
		l.unregister(id)
		return nil, ErrClosed
	case <-ctx.Done():
		l.unregister(id)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-timer.C:
		l.unregister(id)
		return nil, fmt.Errorf("%w: cmd %#x id %d after %v", ErrCommandTimeout, cmd, id, timeout)
	case <-ctx.Done():
		l.unregister(id)
		return nil, ctx.Err()
	}
}

// Version asks the controller for its firmware version.
func (l *Link) Version(ctx context.Context) (major, minor byte, err error) {
	resp, err := l.Submit(ctx, cmdVersion, nil, DefaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) != 2 {
		return 0, 0, fmt.Errorf("uartlink: bad version response %v", resp)
	}
	return resp[0], resp[1], nil
}
