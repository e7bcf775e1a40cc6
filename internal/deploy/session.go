package deploy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/schaermu/mpydeploy/internal/config"
	"github.com/schaermu/mpydeploy/internal/device"
)

// ErrSessionClosed is returned when a phase touches a released session
var ErrSessionClosed = errors.New("device session already closed")

// Session is the single device connection of a run. It is created by
// WithSession, passed to each phase, and released exactly once.
type Session struct {
	conn   device.Conn
	target config.DeviceTarget
	logger *slog.Logger

	once   sync.Once
	closed atomic.Bool
}

// WithSession opens one connection to target, runs body with it and
// releases it on every exit path, including a panic in body. Release
// errors are logged and never replace body's result.
func WithSession(ctx context.Context, dial device.Dialer, target config.DeviceTarget, logger *slog.Logger, body func(context.Context, *Session) error) error {
	logger.Info("connecting to device", "address", target.Address, "baud", target.BaudRate)

	conn, err := dial(ctx, target)
	if err != nil {
		return &ConnectError{Address: target.Address, Err: err}
	}
	logger.Info("device connected")

	s := &Session{conn: conn, target: target, logger: logger}
	defer s.Release()

	return body(ctx, s)
}

// Target returns the endpoint the session is connected to
func (s *Session) Target() config.DeviceTarget {
	return s.target
}

// Release disconnects from the device. Only the first call has an effect;
// the monitor hand-off and the deferred teardown both go through here.
func (s *Session) Release() {
	s.once.Do(func() {
		s.closed.Store(true)
		if err := s.conn.Close(); err != nil {
			// The board usually drops the link while rebooting.
			s.logger.Warn("device disconnect error (expected after reset)", "error", err)
			return
		}
		s.logger.Info("device disconnected")
	})
}

// Closed reports whether the session has been released
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// SendBytes writes raw control bytes
func (s *Session) SendBytes(ctx context.Context, raw []byte) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.conn.SendBytes(ctx, raw)
}

// WriteFile stores a file on the device
func (s *Session) WriteFile(ctx context.Context, path string, contents []byte) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.conn.WriteFile(ctx, path, contents)
}

// Remove deletes a file on the device
func (s *Session) Remove(ctx context.Context, path string) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.conn.Remove(ctx, path)
}

// Reset restarts the device
func (s *Session) Reset(ctx context.Context, opts device.ResetOptions) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.conn.Reset(ctx, opts)
}
