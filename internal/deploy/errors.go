package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/schaermu/mpydeploy/internal/manifest"
)

// Status is the terminal state of a deployment run
type Status int

const (
	StatusSuccess Status = iota
	StatusPartialUpload
	StatusConnectFailure
	StatusInterruptFailure
	StatusEmptyManifest
	StatusTransferFailure
	StatusAborted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusPartialUpload:
		return "PartialUpload"
	case StatusConnectFailure:
		return "ConnectFailure"
	case StatusInterruptFailure:
		return "InterruptFailure"
	case StatusEmptyManifest:
		return "EmptyManifest"
	case StatusTransferFailure:
		return "TransferFailure"
	case StatusAborted:
		return "Aborted"
	default:
		return "Failed"
	}
}

// ConnectError means the device connection could not be opened
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// InterruptError means the device could not be brought to a quiescent state
type InterruptError struct {
	Err error
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("failed to stop running program: %v", e.Err)
}

func (e *InterruptError) Unwrap() error { return e.Err }

// TransferError carries the file whose read or write failed. Files before
// it are already on the device.
type TransferError struct {
	Path     string
	Uploaded int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to upload %s (%d files already on device): %v", e.Path, e.Uploaded, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// PartialUploadError means the transfer finished without writing every
// manifest entry
type PartialUploadError struct {
	Uploaded int
	Total    int
}

func (e *PartialUploadError) Error() string {
	return fmt.Sprintf("upload incomplete: %d/%d files uploaded", e.Uploaded, e.Total)
}

// StatusOf classifies a run error
func StatusOf(err error) Status {
	var (
		connectErr   *ConnectError
		interruptErr *InterruptError
		transferErr  *TransferError
		partialErr   *PartialUploadError
	)

	switch {
	case err == nil:
		return StatusSuccess
	case errors.As(err, &connectErr):
		return StatusConnectFailure
	case errors.As(err, &interruptErr):
		return StatusInterruptFailure
	case errors.As(err, &transferErr):
		return StatusTransferFailure
	case errors.As(err, &partialErr):
		return StatusPartialUpload
	case errors.Is(err, manifest.ErrEmptyManifest):
		return StatusEmptyManifest
	case errors.Is(err, context.Canceled):
		return StatusAborted
	default:
		return StatusFailed
	}
}
