package board

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Station-Manager/types"
	gobug "go.bug.st/serial"
	"go.uber.org/atomic"
)

// allow tests to override external dependencies
var (
	openPort     = func(name string, mode *gobug.Mode) (portHandle, error) { return gobug.Open(name, mode) }
	getPortsList = gobug.GetPortsList
)

// portHandle abstracts the subset of go.bug.st/serial.Port used by this package.
type portHandle interface {
	SetReadTimeout(timeout time.Duration) error
	SetDTR(bool) error
	SetRTS(bool) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
}

// AvailablePorts enumerates the serial ports present on the host.
func AvailablePorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// transport owns one open serial port. Writes are serialized by the device
// drain loop through writeMu; Close is safe to call multiple times and
// unblocks a reader blocked in Read by closing the underlying handle.
type transport struct {
	handle portHandle
	name   string
	baud   int

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// openTransport opens cfg.PortName at the given baud with cfg's framing
// and control-line settings.
func openTransport(cfg *types.SerialConfig, baud int) (*transport, error) {
	mode := &gobug.Mode{
		BaudRate: baud,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	}

	handle, err := openPort(cfg.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port: %w", err)
	}

	t := &transport{handle: handle, name: cfg.PortName, baud: baud}

	if err = handle.SetReadTimeout(cfg.ReadTimeout); err != nil {
		return nil, t.closeAfter(err)
	}
	if err = handle.SetDTR(cfg.DTR); err != nil {
		return nil, t.closeAfter(err)
	}
	if err = handle.SetRTS(cfg.RTS); err != nil {
		return nil, t.closeAfter(err)
	}

	return t, nil
}

// closeAfter closes the port and joins any error from closing with the
// original error.
func (t *transport) closeAfter(err error) error {
	if e := t.Close(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}

func (t *transport) Write(b []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	written := 0
	for written < len(b) {
		n, err := t.handle.Write(b[written:])
		if err != nil {
			return written, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if n == 0 {
			return written, fmt.Errorf("%w: short write on %s", ErrTransport, t.name)
		}
		written += n
	}
	return written, nil
}

func (t *transport) Read(b []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrNotConnected
	}
	return t.handle.Read(b)
}

func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.handle.Close()
	})
	return t.closeErr
}
