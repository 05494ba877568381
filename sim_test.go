package board

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Station-Manager/logging"
	gobug "go.bug.st/serial"
)

const simBanner = "MicroPython v1.22.1 on 2024-01-05; Raspberry Pi Pico with RP2040"

// simChunkSize keeps simulated responses well under the reader's buffer
// and exercises matchers across chunk boundaries.
const simChunkSize = 256

const (
	simFriendly = iota
	simRaw
	simPaste
)

// replSim emulates enough of a MicroPython REPL behind a portHandle to
// exercise the engine end to end: echo, prompts, paste and raw modes, and
// an eval hook the test supplies for command output.
type replSim struct {
	mu     sync.Mutex
	readCh chan []byte
	closed bool

	banner string
	eval   func(code string) string

	mode     int
	line     []byte
	block    []byte
	dropNext bool

	writes [][]byte
}

func newReplSim(eval func(string) string) *replSim {
	return &replSim{
		readCh: make(chan []byte, 256),
		banner: simBanner,
		eval:   eval,
	}
}

func (s *replSim) setEval(eval func(string) string) {
	s.mu.Lock()
	s.eval = eval
	s.mu.Unlock()
}

func (s *replSim) setBanner(banner string) {
	s.mu.Lock()
	s.banner = banner
	s.mu.Unlock()
}

// dropNextExec makes the simulator swallow the next friendly-mode command
// without echo or prompt, like a program that hangs.
func (s *replSim) dropNextExec() {
	s.mu.Lock()
	s.dropNext = true
	s.mu.Unlock()
}

func (s *replSim) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// allWrites flattens everything the host wrote to the port so far.
func (s *replSim) allWrites() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []byte
	for _, w := range s.writes {
		all = append(all, w...)
	}
	return all
}

func (s *replSim) Read(p []byte) (int, error) {
	b, ok := <-s.readCh
	if !ok {
		return 0, errors.New("simulated port closed")
	}
	return copy(p, b), nil
}

func (s *replSim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("simulated port closed")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.writes = append(s.writes, cp)
	for _, c := range p {
		s.rx(c)
	}
	return len(p), nil
}

func (s *replSim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.readCh)
	}
	return nil
}

func (s *replSim) SetReadTimeout(time.Duration) error { return nil }
func (s *replSim) SetDTR(bool) error                  { return nil }
func (s *replSim) SetRTS(bool) error                  { return nil }

func (s *replSim) rx(c byte) {
	switch s.mode {
	case simRaw:
		s.rxRaw(c)
	case simPaste:
		s.rxPaste(c)
	default:
		s.rxFriendly(c)
	}
}

func (s *replSim) rxFriendly(c byte) {
	switch c {
	case ctrlInterrupt:
		s.line = s.line[:0]
		s.send("\r\nKeyboardInterrupt\r\n" + promptPrimary)
	case ctrlRawExit:
		s.send("\r\n" + s.banner + "\r\n" + promptPrimary)
	case ctrlSoftReset:
		s.line = s.line[:0]
		s.send("\r\n" + s.banner + "\r\n" + promptPrimary)
	case ctrlRawEnter:
		s.mode = simRaw
		s.line = s.line[:0]
		s.send("\r\nraw REPL; CTRL-B to exit\r\n>")
	case ctrlPasteEnter:
		s.mode = simPaste
		s.block = s.block[:0]
		s.send("\r\npaste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n" + promptPaste)
	case '\r':
		code := string(s.line)
		s.line = s.line[:0]
		s.execFriendly(code)
	case '\n':
		// CRLF collapsed at the CR
	default:
		s.line = append(s.line, c)
	}
}

func (s *replSim) execFriendly(code string) {
	if s.dropNext {
		s.dropNext = false
		return
	}
	out := ""
	if s.eval != nil && code != "" {
		out = s.eval(code)
	}
	if out == "" {
		s.send(code + "\r\n" + promptPrimary)
		return
	}
	s.send(code + "\r\n" + out + "\r\n" + promptPrimary)
}

func (s *replSim) rxRaw(c byte) {
	switch c {
	case ctrlRawExit:
		s.mode = simFriendly
		s.line = s.line[:0]
		s.send("\r\n" + s.banner + "\r\n" + promptPrimary)
	case ctrlSoftReset:
		code := string(s.line)
		s.line = s.line[:0]
		out := ""
		if s.eval != nil {
			out = s.eval(code)
		}
		s.send("OK" + out + "\x04\x04>")
	default:
		s.line = append(s.line, c)
	}
}

func (s *replSim) rxPaste(c byte) {
	switch c {
	case ctrlPasteExit:
		block := string(s.block)
		s.block = s.block[:0]
		s.mode = simFriendly
		out := ""
		if s.eval != nil {
			out = s.eval(block)
		}
		if out == "" {
			s.send("\r\n" + promptPrimary)
			return
		}
		s.send("\r\n" + out + "\r\n" + promptPrimary)
	case ctrlInterrupt:
		s.block = s.block[:0]
		s.mode = simFriendly
		s.send("\r\n" + promptPrimary)
	case '\r':
		s.block = append(s.block, '\n')
		s.send("\r\n" + promptPaste)
	case '\n':
		// CRLF collapsed at the CR
	default:
		s.block = append(s.block, c)
		s.send(string([]byte{c}))
	}
}

func (s *replSim) send(text string) {
	if s.closed {
		return
	}
	b := []byte(text)
	for len(b) > 0 {
		n := len(b)
		if n > simChunkSize {
			n = simChunkSize
		}
		select {
		case s.readCh <- b[:n]:
		default:
			// consumer gone, shed output instead of deadlocking
			return
		}
		b = b[n:]
	}
}

// probeEval answers the default validation battery.
func probeEval(code string) string {
	if code == "print(17*3)" {
		return "51"
	}
	return ""
}

var simMarkerRe = regexp.MustCompile(`\\'([^'\\]*)\\'\+\\'([^'\\]*)\\'`)

// framedMarkers reconstructs the split sentinels from an exec'd block so a
// scripted device can frame its response with the right session nonce.
func framedMarkers(code string) (begin, errMark, end string) {
	for _, m := range simMarkerRe.FindAllStringSubmatch(code, -1) {
		full := m[1] + m[2]
		switch {
		case strings.HasSuffix(full, ":B>>>"):
			begin = full
		case strings.HasSuffix(full, ":X>>>"):
			errMark = full
		case strings.HasSuffix(full, ":E>>>"):
			end = full
		}
	}
	return
}

// deadHandle accepts writes and never produces output, like a port opened
// at the wrong baud rate.
type deadHandle struct {
	closed  atomic.Bool
	closeCh chan struct{}
}

func newDeadHandle() *deadHandle {
	return &deadHandle{closeCh: make(chan struct{})}
}

func (d *deadHandle) Read([]byte) (int, error) {
	<-d.closeCh
	return 0, errors.New("port closed")
}

func (d *deadHandle) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, errors.New("port closed")
	}
	return len(p), nil
}

func (d *deadHandle) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		close(d.closeCh)
	}
	return nil
}

func (d *deadHandle) SetReadTimeout(time.Duration) error { return nil }
func (d *deadHandle) SetDTR(bool) error                  { return nil }
func (d *deadHandle) SetRTS(bool) error                  { return nil }

// pipeHandle is a bare port the test feeds by hand, for reader and
// transport tests that need raw control of the byte stream.
type pipeHandle struct {
	readCh chan []byte
	mu     sync.Mutex
	closed bool
}

func newPipeHandle() *pipeHandle {
	return &pipeHandle{readCh: make(chan []byte, 16)}
}

func (p *pipeHandle) feed(b []byte) {
	p.readCh <- b
}

func (p *pipeHandle) Read(buf []byte) (int, error) {
	b, ok := <-p.readCh
	if !ok {
		return 0, errors.New("pipe closed")
	}
	return copy(buf, b), nil
}

func (p *pipeHandle) Write(b []byte) (int, error) { return len(b), nil }

func (p *pipeHandle) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.readCh)
	}
	return nil
}

func (p *pipeHandle) SetReadTimeout(time.Duration) error { return nil }
func (p *pipeHandle) SetDTR(bool) error                  { return nil }
func (p *pipeHandle) SetRTS(bool) error                  { return nil }

// simFactory opens a fresh simulator per call so reconnect paths do not
// reuse a closed one.
type simFactory struct {
	mu   sync.Mutex
	eval func(string) string
	sims []*replSim
}

func (f *simFactory) open(string, *gobug.Mode) (portHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sim := newReplSim(f.eval)
	f.sims = append(f.sims, sim)
	return sim, nil
}

func (f *simFactory) last() *replSim {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sims) == 0 {
		return nil
	}
	return f.sims[len(f.sims)-1]
}

// withSimPorts swaps the port seams for the duration of the test.
func withSimPorts(t *testing.T, names []string, open func(string, *gobug.Mode) (portHandle, error)) {
	t.Helper()
	prevOpen, prevList := openPort, getPortsList
	openPort = open
	getPortsList = func() ([]string, error) { return names, nil }
	t.Cleanup(func() {
		openPort = prevOpen
		getPortsList = prevList
	})
}

func newTestConfig() *Config {
	cfg := DefaultConfig("/dev/ttyACM0")
	cfg.BaudCandidates = []int{115200}
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.ProbeTimeout = time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.TransferTimeout = 2 * time.Second
	cfg.ListTimeout = 2 * time.Second
	return cfg
}

func newTestService(t *testing.T, cfg *Config) *Service {
	t.Helper()
	svc := &Service{
		LoggerService: &logging.Service{},
		Config:        cfg,
	}
	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	return svc
}

// newSimDevice wires a simulator straight into a running device, skipping
// the connect flow.
func newSimDevice(t *testing.T, sim *replSim) *Device {
	t.Helper()
	tr := &transport{handle: sim, name: "/dev/ttySIM0", baud: 115200}
	rd := newReader(tr)
	dev := newDevice("/dev/ttySIM0", 115200, BoardInfo{}, tr, rd, 8, '\n', nil)
	dev.setState(StateReady, nil)
	t.Cleanup(func() { _ = dev.shutdown() })
	return dev
}

func collectEvents(ch <-chan DeviceEvent, n int, window time.Duration) []DeviceEvent {
	var events []DeviceEvent
	deadline := time.After(window)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}
