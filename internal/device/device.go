package device

import (
	"context"

	"github.com/schaermu/mpydeploy/internal/config"
)

// Control bytes understood by the MicroPython REPL
const (
	CtrlA = 0x01 // enter raw REPL
	CtrlB = 0x02 // leave raw REPL
	CtrlC = 0x03 // keyboard interrupt
	CtrlD = 0x04 // soft reset / end of raw input
	CtrlF = 0x06 // safe boot on boards that support it
)

// ResetOptions selects the kind of reset
type ResetOptions struct {
	// Soft restarts only the interpreter. Hard restarts the whole board and
	// drops the USB serial link on most boards.
	Soft bool

	// Issued, if set, is called once the reset request has been written.
	// The reply may never arrive.
	Issued func()
}

func (o ResetOptions) issued() {
	if o.Issued != nil {
		o.Issued()
	}
}

// Conn is an open connection to a board's interpreter.
//
// Implementations are not safe for concurrent use.
type Conn interface {
	// SendBytes writes raw bytes to the device
	SendBytes(ctx context.Context, raw []byte) error
	// WriteFile stores contents at an absolute device path, creating
	// parent directories as needed
	WriteFile(ctx context.Context, path string, contents []byte) error
	// Remove deletes a file from the device filesystem
	Remove(ctx context.Context, path string) error
	// Reset restarts the device. A hard reset may never return a reply.
	Reset(ctx context.Context, opts ResetOptions) error
	// Close releases the transport
	Close() error
}

// Dialer opens a connection to a target
type Dialer func(ctx context.Context, target config.DeviceTarget) (Conn, error)
