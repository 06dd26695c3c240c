// Package serialport opens the hardware trigger device with
// go.bug.st/serial. Ports are opened with a read timeout so readers
// see (0, nil) when the device is idle instead of blocking forever.
package serialport

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout is used when Opener.ReadTimeout is zero.
const DefaultReadTimeout = 500 * time.Millisecond

// Opener opens a named serial port. It satisfies bridge.Opener.
type Opener struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// Open opens the port at 8N1 with the configured baud rate and read
// timeout, discarding anything buffered before the open.
func (o Opener) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Device == "" {
		return nil, fmt.Errorf("no serial device configured")
	}

	baud := o.BaudRate
	if baud <= 0 {
		baud = 9600
	}
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	port, err := serial.Open(o.Device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w%s", o.Device, err, availableHint())
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", o.Device, err)
	}
	// Stale bytes from before the open would otherwise surface as a
	// partial first line.
	_ = port.ResetInputBuffer()

	return port, nil
}

// availableHint lists the ports the OS reports so a misconfigured
// device name is easy to spot in the logs.
func availableHint() string {
	ports, err := serial.GetPortsList()
	if err != nil || len(ports) == 0 {
		return " (no serial ports found)"
	}
	return fmt.Sprintf(" (available: %v)", ports)
}
