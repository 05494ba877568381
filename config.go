package board

import (
	"time"

	"github.com/Station-Manager/types"
)

const (
	DefaultCommandTimeout   = 10 * time.Second
	DefaultTransferTimeout  = 30 * time.Second
	DefaultListTimeout      = 15 * time.Second
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultProbeTimeout     = 5 * time.Second

	DefaultValidationThreshold = 0.6
	DefaultQueueDepth          = 32

	// defaultReadTimeout is the poll granularity of the reader loop, not a
	// transaction deadline. Deadlines are enforced per transaction.
	defaultReadTimeout = 50 * time.Millisecond
)

// Config holds the engine configuration for a Service instance. Serial
// carries the port-level parameters shared with the rest of the station
// stack; the remaining fields tune the transaction engine.
type Config struct {
	Serial types.SerialConfig

	// BaudCandidates are tried in order during handshake when
	// Serial.BaudRate is zero. A non-zero Serial.BaudRate pins the rate
	// and disables iteration.
	BaudCandidates []int

	CommandTimeout   time.Duration // plain command transactions
	TransferTimeout  time.Duration // upload and download transactions
	ListTimeout      time.Duration // directory listing transactions
	HandshakeTimeout time.Duration // per baud candidate
	ProbeTimeout     time.Duration // per validation probe

	// ValidationThreshold is the fraction of probes that must pass for a
	// device to reach Ready. Zero selects DefaultValidationThreshold.
	ValidationThreshold float64

	// ValidationProbes overrides the built-in probe battery when non-empty.
	ValidationProbes []Probe

	// QueueDepth bounds the number of waiting transactions per device.
	QueueDepth int

	// MetricsChannelSize bounds the channel used by StartMetricsBroadcasting.
	MetricsChannelSize int64
}

// DefaultConfig returns a Config for a typical MicroPython board on the
// given port. The baud rate is left unpinned so handshake iterates
// DefaultBaudCandidates. DTR is asserted: USB CDC boards (Pico, ESP32-S3)
// suppress REPL output until the host raises it. RTS stays low because on
// common ESP32 dev boards it is wired to chip reset.
func DefaultConfig(portName string) *Config {
	cfg := &Config{
		Serial: types.SerialConfig{
			PortName: portName,
			DTR:      true,
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills zero fields in place and returns the receiver. Zero
// Parity and StopBits already mean no parity and one stop bit, so filling
// DataBits is all 8N1 takes.
func (c *Config) withDefaults() *Config {
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = defaultReadTimeout
	}
	if c.Serial.LineDelimiter == 0 {
		c.Serial.LineDelimiter = '\n'
	}

	if len(c.BaudCandidates) == 0 {
		if c.Serial.BaudRate != 0 {
			c.BaudCandidates = []int{c.Serial.BaudRate}
		} else {
			c.BaudCandidates = DefaultBaudCandidates()
		}
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.TransferTimeout == 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
	if c.ListTimeout == 0 {
		c.ListTimeout = DefaultListTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ValidationThreshold == 0 {
		c.ValidationThreshold = DefaultValidationThreshold
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}
