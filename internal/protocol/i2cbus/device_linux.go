package i2cbus

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// periphDevice adapts a periph.io I2C device to the Device interface.
type periphDevice struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

// Open opens the Linux I2C bus named by busName (e.g. "1" or
// "/dev/i2c-1") and binds it to the 7-bit slave address addr.
func Open(busName string, addr uint16) (Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("i2cbus: host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("i2cbus: open %s: %w", busName, err)
	}
	return &periphDevice{
		bus: bus,
		dev: &i2c.Dev{Bus: bus, Addr: addr},
	}, nil
}

func (d *periphDevice) Write(buf []byte) error {
	return d.dev.Tx(buf, nil)
}

func (d *periphDevice) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := d.dev.Tx(nil, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *periphDevice) Close() error {
	return d.bus.Close()
}
