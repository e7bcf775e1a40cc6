package device

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/schaermu/mpydeploy/internal/config"
)

const (
	rawPrompt     = "raw REPL; CTRL-B to exit\r\n>"
	chunkSize     = 256
	pollInterval  = 100 * time.Millisecond
	promptTimeout = 5 * time.Second
	execTimeout   = 10 * time.Second
)

// ErrClosed is returned for operations on a closed connection
var ErrClosed = errors.New("device connection closed")

// Port is the subset of serial.Port the REPL client needs
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// REPL talks to MicroPython's raw REPL over a serial port.
//
// Close may be called while a detached Reset is still blocked reading; the
// port close unblocks it.
type REPL struct {
	port   Port
	closed atomic.Bool

	mu    sync.Mutex
	inRaw bool
}

// Dial opens the target's serial port in 8N1 at the target baud rate
func Dial(_ context.Context, target config.DeviceTarget) (Conn, error) {
	port, err := serial.Open(target.Address, &serial.Mode{
		BaudRate: target.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", target.Address, err)
	}
	repl, err := NewREPL(port)
	if err != nil {
		return nil, err
	}
	return repl, nil
}

// NewREPL wraps an already open port
func NewREPL(port Port) (*REPL, error) {
	if err := port.SetReadTimeout(pollInterval); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &REPL{port: port}, nil
}

// SendBytes writes raw bytes. The REPL mode is unknown afterwards.
func (r *REPL) SendBytes(ctx context.Context, raw []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.setRaw(false)
	_, err := r.port.Write(raw)
	return err
}

// WriteFile stores contents at path, creating missing parent directories
func (r *REPL) WriteFile(ctx context.Context, devicePath string, contents []byte) error {
	if err := r.enterRaw(ctx); err != nil {
		return err
	}

	if dirs := parentDirs(devicePath); len(dirs) > 0 {
		quoted := make([]string, len(dirs))
		for i, d := range dirs {
			quoted[i] = strconv.Quote(d)
		}
		code := "import os\nfor d in (" + strings.Join(quoted, ",") + ",):\n try:\n  os.mkdir(d)\n except OSError:\n  pass\n"
		if _, err := r.exec(ctx, code); err != nil {
			return fmt.Errorf("failed to create directories for %s: %w", devicePath, err)
		}
	}

	open := "import ubinascii\nf=open(" + strconv.Quote(devicePath) + ",'wb')\nw=f.write\nh=ubinascii.unhexlify\n"
	if _, err := r.exec(ctx, open); err != nil {
		return fmt.Errorf("failed to open %s: %w", devicePath, err)
	}

	for off := 0; off < len(contents); off += chunkSize {
		end := min(off+chunkSize, len(contents))
		code := "w(h('" + hex.EncodeToString(contents[off:end]) + "'))"
		if _, err := r.exec(ctx, code); err != nil {
			_, _ = r.exec(ctx, "f.close()")
			return fmt.Errorf("failed to write %s at offset %d: %w", devicePath, off, err)
		}
	}

	if _, err := r.exec(ctx, "f.close()"); err != nil {
		return fmt.Errorf("failed to close %s: %w", devicePath, err)
	}
	return nil
}

// Remove deletes a file on the device
func (r *REPL) Remove(ctx context.Context, devicePath string) error {
	if err := r.enterRaw(ctx); err != nil {
		return err
	}
	if _, err := r.exec(ctx, "import os\nos.remove("+strconv.Quote(devicePath)+")"); err != nil {
		return fmt.Errorf("failed to remove %s: %w", devicePath, err)
	}
	return nil
}

// Eval runs a snippet on the device and returns what it printed
func (r *REPL) Eval(ctx context.Context, code string) ([]byte, error) {
	if err := r.enterRaw(ctx); err != nil {
		return nil, err
	}
	return r.exec(ctx, code)
}

// Reset restarts the device. A hard reset usually kills the link before the
// reply arrives, so callers should not block on it.
func (r *REPL) Reset(ctx context.Context, opts ResetOptions) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if opts.Soft {
		if r.raw() {
			if _, err := r.port.Write([]byte{'\r', CtrlB}); err != nil {
				return err
			}
			r.setRaw(false)
		}
		if _, err := r.port.Write([]byte{CtrlD}); err != nil {
			return err
		}
		opts.issued()
		return nil
	}

	if err := r.enterRaw(ctx); err != nil {
		return err
	}
	// The board will not come back in raw mode.
	r.setRaw(false)
	if err := r.send("import machine\nmachine.reset()"); err != nil {
		return err
	}
	opts.issued()
	_, err := r.reply(ctx)
	return err
}

// Close leaves raw mode if needed and releases the port
func (r *REPL) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	if r.raw() {
		_, _ = r.port.Write([]byte{'\r', CtrlB})
	}
	return r.port.Close()
}

func (r *REPL) enterRaw(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.raw() {
		return nil
	}

	if _, err := r.port.Write([]byte{'\r', CtrlC, CtrlC}); err != nil {
		return err
	}
	if err := sleep(ctx, pollInterval); err != nil {
		return err
	}
	if err := r.port.ResetInputBuffer(); err != nil {
		return err
	}
	if _, err := r.port.Write([]byte{'\r', CtrlA}); err != nil {
		return err
	}
	if _, err := r.readUntil(ctx, []byte(rawPrompt), promptTimeout); err != nil {
		return fmt.Errorf("could not enter raw REPL: %w", err)
	}
	r.setRaw(true)
	return nil
}

func (r *REPL) raw() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inRaw
}

func (r *REPL) setRaw(v bool) {
	r.mu.Lock()
	r.inRaw = v
	r.mu.Unlock()
}

// exec runs code in raw mode and returns its stdout. Output on the
// device's stderr channel is reported as an error.
func (r *REPL) exec(ctx context.Context, code string) ([]byte, error) {
	if err := r.send(code); err != nil {
		return nil, err
	}
	return r.reply(ctx)
}

func (r *REPL) send(code string) error {
	_, err := r.port.Write(append([]byte(code), CtrlD))
	return err
}

// reply reads the raw REPL response to the last sent snippet
func (r *REPL) reply(ctx context.Context) ([]byte, error) {
	ack, err := r.readN(ctx, 2, promptTimeout)
	if err != nil {
		return nil, err
	}
	if string(ack) != "OK" {
		return nil, fmt.Errorf("unexpected raw REPL reply %q", ack)
	}

	out, err := r.readUntil(ctx, []byte{CtrlD}, execTimeout)
	if err != nil {
		return nil, err
	}
	errOut, err := r.readUntil(ctx, []byte{CtrlD}, execTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := r.readUntil(ctx, []byte(">"), promptTimeout); err != nil {
		return nil, err
	}

	if msg := strings.TrimSpace(string(bytes.TrimSuffix(errOut, []byte{CtrlD}))); msg != "" {
		return nil, &RemoteError{Traceback: msg}
	}
	return bytes.TrimSuffix(out, []byte{CtrlD}), nil
}

func (r *REPL) readN(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, n)
	for len(buf) < n {
		if err := r.checkDeadline(ctx, deadline); err != nil {
			return buf, err
		}
		k, err := r.port.Read(chunk[:n-len(buf)])
		if err != nil {
			return buf, err
		}
		buf = append(buf, chunk[:k]...)
	}
	return buf, nil
}

func (r *REPL) readUntil(ctx context.Context, suffix []byte, timeout time.Duration) ([]byte, error) {
	var buf []byte
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 1)
	for !bytes.HasSuffix(buf, suffix) {
		if err := r.checkDeadline(ctx, deadline); err != nil {
			return buf, err
		}
		k, err := r.port.Read(chunk)
		if err != nil {
			return buf, err
		}
		buf = append(buf, chunk[:k]...)
	}
	return buf, nil
}

func (r *REPL) checkDeadline(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if time.Now().After(deadline) {
		return fmt.Errorf("timed out waiting for device")
	}
	return nil
}

// RemoteError carries a traceback printed by the device
type RemoteError struct {
	Traceback string
}

func (e *RemoteError) Error() string {
	lines := strings.Split(e.Traceback, "\n")
	return "device error: " + strings.TrimSpace(lines[len(lines)-1])
}

// parentDirs lists the directories above p, outermost first
func parentDirs(p string) []string {
	var dirs []string
	for d := path.Dir(p); d != "/" && d != "."; d = path.Dir(d) {
		dirs = append([]string{d}, dirs...)
	}
	return dirs
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
