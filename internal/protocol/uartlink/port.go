package uartlink

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenPort opens the controller UART (e.g. /dev/serial0 at 115200).
func OpenPort(device string, baud int) (serial.Port, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("uartlink: open %s: %w", device, err)
	}
	return port, nil
}
