// Package capability tracks the named, acquirable resources exposed by
// the companion controller (plus in-process virtual ones) and enforces
// the shared enable/disable lifecycle: the first acquirer of a locator
// physically enables it, the last releaser disables it, and everyone
// in between shares the live resource through their own handle.
package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roverlink/roverlink/internal/protocol/i2cbus"
)

// Capabilities module register and its sub-operations.
const (
	capabilitiesReg = 0x01

	opSoftReset     = 0x00
	opIsReady       = 0x01
	opNumComponents = 0x02
	opComponentList = 0x03
	opComponentName = 0x04
	opEnable        = 0x05
	opDisable       = 0x06
	opStatus        = 0x07

	// maxComponentNameLen is the fixed, NUL-padded width of a name as
	// reported by the controller.
	maxComponentNameLen = 25
)

// ErrProtocol reports an out-of-contract controller response, such as
// an unknown status indicator or an invalid register. Never retried.
var ErrProtocol = errors.New("capability: protocol violation")

// Status is a component's lifecycle state as reported by the
// controller. Enable/disable acknowledgements are not synchronous with
// the hardware change; callers poll Status until it converges.
type Status byte

const (
	StatusDisabled Status = iota
	StatusEnablePending
	StatusEnabled
	StatusDisablePending
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusEnablePending:
		return "enable-pending"
	case StatusEnabled:
		return "enabled"
	case StatusDisablePending:
		return "disable-pending"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

// Controller is the transactional surface the registry drives. The
// production implementation speaks to the capabilities register over
// I2C; tests substitute an in-memory fake.
type Controller interface {
	SoftReset(ctx context.Context) error
	IsReady(ctx context.Context) (bool, error)
	NumComponents(ctx context.Context, onlyEnabled bool) (int, error)
	ComponentList(ctx context.Context, n int, onlyEnabled bool) ([]byte, error)
	ComponentName(ctx context.Context, reg byte) (string, error)
	Enable(ctx context.Context, reg byte) error
	Disable(ctx context.Context, reg byte) error
	Status(ctx context.Context, reg byte) (Status, error)
}

// I2CController drives the capabilities register over a shared bus.
type I2CController struct {
	bus   *i2cbus.Bus
	tries int
}

// NewI2CController wraps bus with the default retry bound.
func NewI2CController(bus *i2cbus.Bus) *I2CController {
	return &I2CController{bus: bus, tries: i2cbus.DefaultTries}
}

// SoftReset reverts the controller's enabled-component list to its
// defaults and repopulates the available-component list.
func (c *I2CController) SoftReset(ctx context.Context) error {
	_, err := c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opSoftReset}, 0, c.tries)
	return err
}

// IsReady reports whether the controller has finished (re)starting.
// Poll this after construction and after every reset.
func (c *I2CController) IsReady(ctx context.Context) (bool, error) {
	buf, err := c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opIsReady}, 1, c.tries)
	if err != nil {
		return false, err
	}
	return buf[0] == 1, nil
}

// NumComponents returns the size of the available (or enabled)
// component list.
func (c *I2CController) NumComponents(ctx context.Context, onlyEnabled bool) (int, error) {
	buf, err := c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opNumComponents, whichList(onlyEnabled)}, 2, c.tries)
	if err != nil {
		return 0, err
	}
	return int(buf[0]) | int(buf[1])<<8, nil
}

// ComponentList returns the register numbers of the available (or
// enabled) components. n comes from NumComponents.
func (c *I2CController) ComponentList(ctx context.Context, n int, onlyEnabled bool) ([]byte, error) {
	return c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opComponentList, whichList(onlyEnabled)}, n, c.tries)
}

// ComponentName returns the name of the component at reg.
func (c *I2CController) ComponentName(ctx context.Context, reg byte) (string, error) {
	buf, err := c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opComponentName, reg}, maxComponentNameLen, c.tries)
	if err != nil {
		return "", err
	}
	return string(bytes.ReplaceAll(buf, []byte{0}, nil)), nil
}

// Enable asks the controller to bring the component at reg up. The
// acknowledgement only means the request was accepted; poll Status
// for StatusEnabled before talking to the component.
func (c *I2CController) Enable(ctx context.Context, reg byte) error {
	buf, err := c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opEnable, reg}, 1, c.tries)
	if err != nil {
		return err
	}
	return checkToggleIndicator("enable", reg, buf[0])
}

// Disable asks the controller to bring the component at reg down.
// Poll Status for StatusDisabled before considering it gone.
func (c *I2CController) Disable(ctx context.Context, reg byte) error {
	buf, err := c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opDisable, reg}, 1, c.tries)
	if err != nil {
		return err
	}
	return checkToggleIndicator("disable", reg, buf[0])
}

// Status reports the lifecycle state of the component at reg.
func (c *I2CController) Status(ctx context.Context, reg byte) (Status, error) {
	buf, err := c.bus.TransactRetry(ctx, []byte{capabilitiesReg, opStatus, reg}, 1, c.tries)
	if err != nil {
		return 0, err
	}
	if buf[0] > byte(StatusDisablePending) {
		return 0, fmt.Errorf("%w: unknown status indicator %d for register %d", ErrProtocol, buf[0], reg)
	}
	return Status(buf[0]), nil
}

func whichList(onlyEnabled bool) byte {
	if onlyEnabled {
		return 0x01
	}
	return 0x00
}

// checkToggleIndicator interprets an enable/disable acknowledgement:
// 0 means the component was already in the requested state, 1 means
// the transition was started, 0xFF means the register is invalid.
func checkToggleIndicator(op string, reg byte, indicator byte) error {
	switch indicator {
	case 0, 1:
		return nil
	case 0xFF:
		return fmt.Errorf("%w: %s of invalid register %d", ErrProtocol, op, reg)
	}
	return fmt.Errorf("%w: %s of register %d returned indicator %d", ErrProtocol, op, reg, indicator)
}

// PollStatus waits until the component at reg reaches want.
func PollStatus(ctx context.Context, ctrl Controller, reg byte, want Status, timeout time.Duration) error {
	return i2cbus.PollUntil(ctx, func(ctx context.Context) (Status, error) {
		return ctrl.Status(ctx, reg)
	}, want, timeout)
}
