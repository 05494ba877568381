package board

import (
	"bytes"
	"sync"
)

// maxLineSize bounds a single observer line. The interpreter never emits
// longer lines in normal operation; anything above this is dropped.
const maxLineSize = 4096

// reader pulls chunks off an open transport and hands them to the device
// loop. It is the only goroutine touching the port's Read side.
type reader struct {
	tr *transport

	chunks  chan []byte
	closeCh chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

func newReader(tr *transport) *reader {
	r := &reader{
		tr:      tr,
		chunks:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go r.loop()

	return r
}

// loop continuously reads from the transport and emits chunk copies onto
// the chunks channel. A read error ends the loop; the channel close is how
// the device loop learns the link died.
func (r *reader) loop() {
	defer close(r.doneCh)
	defer close(r.chunks)

	buf := getReadBuf()
	defer putReadBuf(buf)

	for {
		select {
		case <-r.closeCh:
			return
		default:
		}

		n, err := r.tr.Read(buf)
		if err != nil {
			r.setErr(err)
			return
		}
		if n == 0 {
			// poll timeout, nothing arrived
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		select {
		case r.chunks <- chunk:
		case <-r.closeCh:
			return
		}
	}
}

func (r *reader) setErr(err error) {
	r.errMu.Lock()
	r.readErr = err
	r.errMu.Unlock()
}

// err returns the terminal read error, if any.
func (r *reader) err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.readErr
}

// close stops the loop and waits for it to exit. Close the transport
// first so a blocked Read returns.
func (r *reader) close() {
	r.closeOnce.Do(func() { close(r.closeCh) })
	<-r.doneCh
}

// lineSplitter incrementally splits a byte stream into delimiter-framed
// lines for the observer stream. The interpreter ends lines with "\r\n";
// the splitter frames on '\n' and strips a trailing '\r'.
type lineSplitter struct {
	delim   byte
	lineBuf []byte
}

func newLineSplitter(delim byte) *lineSplitter {
	if delim == 0 {
		delim = '\n'
	}
	return &lineSplitter{delim: delim}
}

// feed appends chunk and returns any lines it completed, delimiter and
// trailing '\r' stripped.
func (ls *lineSplitter) feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, ls.delim)
		if idx == -1 {
			ls.lineBuf = append(ls.lineBuf, chunk...)
			if len(ls.lineBuf) > maxLineSize {
				// drop overly long lines
				ls.lineBuf = ls.lineBuf[:0]
			}
			break
		}

		ls.lineBuf = append(ls.lineBuf, chunk[:idx]...)
		line := ls.lineBuf
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		ls.lineBuf = ls.lineBuf[:0]

		chunk = chunk[idx+1:]
	}
	return lines
}
