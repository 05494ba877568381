package board

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized is returned when a Service method is called before Initialize().
	ErrNotInitialized = errors.New("board: service not initialized")

	// ErrNotConnected is returned for operations against a device that is not
	// connected, and delivered to every queued transaction when its device
	// disconnects before the transaction runs.
	ErrNotConnected = errors.New("board: device not connected")

	// ErrTimeout is returned when a transaction's deadline elapses before its
	// completion marker is observed.
	ErrTimeout = errors.New("board: operation timed out")

	// ErrTransport is returned when the serial link fails mid-operation.
	ErrTransport = errors.New("board: transport failure")

	// ErrHandshakeFailed is returned when no baud candidate produces an
	// interpreter banner.
	ErrHandshakeFailed = errors.New("board: handshake failed")

	// ErrValidationFailed is returned when the connect-time probe battery
	// passes fewer probes than the configured threshold requires.
	ErrValidationFailed = errors.New("board: device validation failed")

	// ErrTransferVerification is returned when a completed upload does not
	// verify against the device's own view of the file.
	ErrTransferVerification = errors.New("board: transfer verification failed")

	// ErrRemote is the base error for failures reported by the interpreter
	// itself. Use errors.As with *RemoteError to recover the device output.
	ErrRemote = errors.New("board: remote execution error")

	ErrInvalidPortName  = errors.New("board: invalid port name")
	ErrUnknownDevice    = errors.New("board: unknown device")
	ErrAlreadyConnected = errors.New("board: device already connected")
	ErrCaptureOverflow  = errors.New("board: capture buffer overflow")
)

// ValidationError carries the individual probe failures behind
// ErrValidationFailed.
type ValidationError struct {
	Passed    int
	Total     int
	Threshold float64
	Issues    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("board: device validation failed (%d/%d probes passed, need %.0f%%): %s",
		e.Passed, e.Total, e.Threshold*100, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// RemoteError carries the exception text printed by the interpreter when a
// device-side operation fails.
type RemoteError struct {
	Op     string
	Output string
}

func (e *RemoteError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("board: remote execution error in %s", e.Op)
	}
	return fmt.Sprintf("board: remote execution error in %s: %s", e.Op, out)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
