// Package i2cbus provides the synchronous, integrity-checked,
// retrying request/response primitive used to talk to the controller
// over I2C. The bus is observed to fail non-deterministically at a low
// rate; every exchange carries an integrity trailer, and failed
// exchanges are retried, which drives the effective failure rate down
// geometrically.
package i2cbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roverlink/roverlink/internal/observability"
	"github.com/roverlink/roverlink/internal/protocol/integrity"
)

const (
	// DefaultTries is the transaction attempt bound. At an observed
	// ~1/200 raw failure rate, independent retries make an exhausted
	// bound effectively unreachable on a healthy bus.
	DefaultTries = 10

	// retryPause lets the bus settle before another attempt.
	retryPause = 50 * time.Millisecond
)

var (
	// ErrComm reports a failed exchange: a link read/write error, a
	// short read, or an integrity mismatch. All are retried alike
	// since each means the exchange was corrupted.
	ErrComm = errors.New("i2cbus: communication error")

	// ErrPollTimeout reports that PollUntil ran out of time before the
	// probe converged.
	ErrPollTimeout = errors.New("i2cbus: poll timeout")
)

// Device is a raw byte connection to one I2C slave. Implementations
// need not be safe for concurrent use; Bus serializes access.
type Device interface {
	// Write sends buf to the slave in one bus transaction.
	Write(buf []byte) error
	// Read reads exactly n bytes from the slave.
	Read(n int) ([]byte, error)
	Close() error
}

// Bus wraps a Device with the integrity codec, a bus-wide mutex, and
// retry/poll helpers. All controller access funnels through one Bus.
type Bus struct {
	mu  sync.Mutex
	dev Device
}

func New(dev Device) *Bus {
	return &Bus{dev: dev}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev.Close()
}

// Transact performs one integrity-checked write/read exchange:
// writeBuf is encoded and written, then the encoded form of a
// readLen-byte response is read and decoded. Any failure is ErrComm.
func (b *Bus) Transact(ctx context.Context, writeBuf []byte, readLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc := integrity.Encode(writeBuf)
	wireLen := integrity.ReadLen(readLen)

	b.mu.Lock()
	err := b.dev.Write(enc)
	var raw []byte
	if err == nil {
		raw, err = b.dev.Read(wireLen)
	}
	b.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrComm, err)
	}
	if len(raw) != wireLen {
		return nil, fmt.Errorf("%w: short read (%d of %d bytes)", ErrComm, len(raw), wireLen)
	}
	payload, err := integrity.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrComm, err)
	}
	return payload, nil
}

// TransactRetry runs Transact up to tries times, pausing between
// attempts on ErrComm. The final attempt's failure propagates. Other
// errors (context cancellation) are never retried.
func (b *Bus) TransactRetry(ctx context.Context, writeBuf []byte, readLen, tries int) ([]byte, error) {
	if tries < 1 {
		tries = 1
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		payload, err := b.Transact(ctx, writeBuf, readLen)
		if err == nil {
			observability.RecordI2CTransaction(attempt, true, time.Since(start))
			return payload, nil
		}
		if !errors.Is(err, ErrComm) || attempt >= tries {
			observability.RecordI2CTransaction(attempt, false, time.Since(start))
			return nil, err
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("i2c transaction retrying")
		select {
		case <-time.After(retryPause):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PollUntil repeatedly invokes probe until it returns want or timeout
// elapses. Communication errors are ignored while polling: the
// controller's acknowledgement of a state change is not synchronous
// with the change itself, so transient noise is expected here.
func PollUntil[T comparable](ctx context.Context, probe func(context.Context) (T, error), want T, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		got, err := probe(ctx)
		if err == nil && got == want {
			return nil
		}
		if err != nil && !errors.Is(err, ErrComm) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: probe did not return %v within %v", ErrPollTimeout, want, timeout)
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
