package board

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// recoverWindow bounds the post-failure resync drain; recoverQuiet is the
// silence that ends it early.
const (
	recoverWindow = time.Second
	recoverQuiet  = 150 * time.Millisecond
)

// State tracks a device through its lifecycle.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateValidating
	StateReady
	StateBusy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateValidating:
		return "validating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// DeviceEvent announces a device state transition.
type DeviceEvent struct {
	DeviceID string
	Port     string
	Old      State
	New      State
	Err      error
	At       time.Time
}

// DeviceStatus is a point-in-time snapshot for listings and diagnostics.
type DeviceStatus struct {
	ID           string
	Port         string
	Baud         int
	State        State
	Version      string
	Platform     string
	QueueDepth   int
	LastActivity time.Time
}

// Device is one connected board: its transport, reader, transaction queue
// and the single goroutine that drains them.
type Device struct {
	id   string
	port string
	baud int

	infoMu sync.RWMutex
	info   BoardInfo

	tr    *transport
	rd    *reader
	queue *txQueue

	state        atomic.Int32
	inflight     atomic.Bool
	lastActivity atomic.Int64

	splitter *lineSplitter

	subMu   sync.Mutex
	subs    map[int]chan string
	nextSub int

	emit func(DeviceEvent)

	loopDone  chan struct{}
	closeOnce sync.Once
}

// newDevice wires a freshly handshaken transport into a running device.
// The caller owns the lifecycle: setState for the connect flow, shutdown
// to tear it all down.
func newDevice(port string, baud int, info BoardInfo, tr *transport, rd *reader, depth int, delim byte, emit func(DeviceEvent)) *Device {
	d := &Device{
		id:       deviceIDFromPort(port),
		port:     port,
		baud:     baud,
		info:     info,
		tr:       tr,
		rd:       rd,
		queue:    newTxQueue(depth),
		splitter: newLineSplitter(delim),
		subs:     make(map[int]chan string),
		emit:     emit,
		loopDone: make(chan struct{}),
	}
	d.state.Store(int32(StateConnecting))
	d.touch()

	go d.loop()

	return d
}

func (d *Device) ID() string   { return d.id }
func (d *Device) Port() string { return d.port }
func (d *Device) Baud() int    { return d.baud }

// Info returns what the handshake banner revealed. A soft reset refreshes
// it.
func (d *Device) Info() BoardInfo {
	d.infoMu.RLock()
	defer d.infoMu.RUnlock()
	return d.info
}

func (d *Device) setInfo(info BoardInfo) {
	d.infoMu.Lock()
	d.info = info
	d.infoMu.Unlock()
}

// State reports the lifecycle state. A ready device with work queued or
// in flight reports Busy; Busy is derived, never stored.
func (d *Device) State() State {
	s := State(d.state.Load())
	if s == StateReady && (d.inflight.Load() || d.queue.depth() > 0) {
		return StateBusy
	}
	return s
}

// LastActivity reports when the device last sent or accepted bytes.
func (d *Device) LastActivity() time.Time {
	return time.Unix(0, d.lastActivity.Load())
}

// QueueDepth reports how many transactions wait behind the in-flight one.
func (d *Device) QueueDepth() int { return d.queue.depth() }

// Status snapshots the device for listings.
func (d *Device) Status() DeviceStatus {
	info := d.Info()
	return DeviceStatus{
		ID:           d.id,
		Port:         d.port,
		Baud:         d.baud,
		State:        d.State(),
		Version:      info.Version,
		Platform:     info.Platform,
		QueueDepth:   d.queue.depth(),
		LastActivity: d.LastActivity(),
	}
}

func (d *Device) touch() {
	d.lastActivity.Store(time.Now().UnixNano())
}

func (d *Device) setState(s State, err error) {
	old := State(d.state.Swap(int32(s)))
	if old == s {
		return
	}
	if d.emit != nil {
		d.emit(DeviceEvent{
			DeviceID: d.id,
			Port:     d.port,
			Old:      old,
			New:      s,
			Err:      err,
			At:       time.Now(),
		})
	}
}

// SubscribeOutput registers a listener for the device's line-framed output
// stream. The returned cancel detaches it. Slow listeners lose lines
// rather than stall the reader.
func (d *Device) SubscribeOutput(buffer int) (<-chan string, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan string, buffer)

	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	cancel := func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// observe feeds a chunk through the line splitter and fans completed
// lines out to subscribers. Only the drain goroutine calls this.
func (d *Device) observe(chunk []byte) {
	lines := d.splitter.feed(chunk)
	if len(lines) == 0 {
		return
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, line := range lines {
		for _, sub := range d.subs {
			select {
			case sub <- line:
			default:
			}
		}
	}
}

func (d *Device) dropSubscribers() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for id, sub := range d.subs {
		delete(d.subs, id)
		close(sub)
	}
}

// run submits the entry and waits for its result.
func (d *Device) run(e *txEntry) (txResult, error) {
	if err := d.queue.submit(e); err != nil {
		return txResult{}, err
	}
	select {
	case res := <-e.resultCh:
		return res, res.err
	case <-e.ctx.Done():
		return txResult{}, e.ctx.Err()
	}
}

// loop is the device's only drain goroutine. Between transactions it keeps
// the observer stream flowing; entries execute strictly in FIFO order.
func (d *Device) loop() {
	defer close(d.loopDone)

	chunks := d.rd.chunks
	for {
		select {
		case <-d.queue.done:
			return
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				d.linkFailed()
				continue
			}
			d.touch()
			d.observe(chunk)
		case e := <-d.queue.entries:
			if err := e.ctx.Err(); err != nil {
				e.reject(err)
				continue
			}
			d.execute(e)
		}
	}
}

// linkFailed marks the device failed after the reader died underneath it.
// Queued entries still drain, each failing fast against the dead port.
func (d *Device) linkFailed() {
	switch State(d.state.Load()) {
	case StateDisconnected, StateFailed:
		return
	}
	err := d.rd.err()
	if err == nil {
		err = ErrTransport
	}
	d.setState(StateFailed, err)
}

// execute runs every round of the entry under its single deadline.
func (d *Device) execute(e *txEntry) {
	d.inflight.Store(true)
	defer d.inflight.Store(false)

	deadline := time.NewTimer(e.timeout)
	defer deadline.Stop()

	bodies := make([][]byte, 0, len(e.rounds))
	for _, round := range e.rounds {
		if len(round.payload) > 0 {
			if _, err := d.tr.Write(round.payload); err != nil {
				e.reject(err)
				return
			}
			d.touch()
		}
		if round.cap == nil {
			continue
		}

		body, err := d.awaitRound(e, round.cap, deadline)
		if err != nil {
			d.recoverPrompt(err)
			e.reject(err)
			return
		}
		bodies = append(bodies, body)
	}
	e.complete(txResult{bodies: bodies})
}

// awaitRound feeds reader chunks into cap until the round completes, the
// entry deadline fires or its context ends.
func (d *Device) awaitRound(e *txEntry, cap *capture, deadline *time.Timer) ([]byte, error) {
	for {
		select {
		case <-e.ctx.Done():
			return nil, e.ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case chunk, ok := <-d.rd.chunks:
			if !ok {
				if err := d.rd.err(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrTransport, err)
				}
				return nil, ErrNotConnected
			}
			d.touch()
			d.observe(chunk)

			body, done, err := cap.feed(chunk)
			if err != nil {
				return nil, err
			}
			if done {
				return body, nil
			}
		}
	}
}

// recoverPrompt restores an idle friendly prompt after a failed round so
// the next transaction starts from known state. Timed-out programs are
// interrupted; a device stuck in raw or paste mode is switched back. The
// fallout (interrupt ack, banner reprint) is consumed until the stream
// goes quiet so none of it bleeds into the next transaction.
func (d *Device) recoverPrompt(cause error) {
	if errors.Is(cause, ErrTransport) || errors.Is(cause, ErrNotConnected) {
		return
	}

	if !errors.Is(cause, ErrRemote) {
		if _, err := d.tr.Write([]byte{ctrlInterrupt}); err != nil {
			return
		}
	}
	if _, err := d.tr.Write([]byte{ctrlRawExit}); err != nil {
		return
	}

	overall := time.NewTimer(recoverWindow)
	defer overall.Stop()
	quiet := time.NewTimer(recoverQuiet)
	defer quiet.Stop()

	for {
		select {
		case <-overall.C:
			return
		case <-quiet.C:
			return
		case chunk, ok := <-d.rd.chunks:
			if !ok {
				return
			}
			d.touch()
			d.observe(chunk)
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(recoverQuiet)
		}
	}
}

// shutdown tears the device down in dependency order: stop intake, close
// the port so a blocked read returns, wait for the loops, then reject
// whatever was still queued.
func (d *Device) shutdown() error {
	var closeErr error
	d.closeOnce.Do(func() {
		d.queue.close()
		closeErr = d.tr.Close()
		d.rd.close()
		<-d.loopDone
		d.queue.drainPending(ErrNotConnected)
		d.setState(StateDisconnected, nil)
		d.dropSubscribers()
	})
	return closeErr
}
