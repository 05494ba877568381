package board

import "bytes"

const (
	// defaultCaptureLimit bounds ordinary command output.
	defaultCaptureLimit = 4 << 20

	// transferCaptureLimit bounds hex-encoded downloads, which double the
	// on-device file size.
	transferCaptureLimit = 16 << 20
)

// matchFunc inspects the output accumulated for a transaction and decides
// whether its completion marker has arrived. On done it returns the body
// the caller should see; a non-nil err reports a device-side failure.
type matchFunc func(buf []byte) (body []byte, done bool, err error)

// capture accumulates device output until its matcher fires or the limit
// is hit. One capture backs every await in the engine: prompt waits,
// handshake banners and sentinel-framed transfers.
type capture struct {
	buf   []byte
	limit int
	match matchFunc
}

func newCapture(limit int, match matchFunc) *capture {
	if limit <= 0 {
		limit = defaultCaptureLimit
	}
	return &capture{limit: limit, match: match}
}

// feed appends chunk and re-evaluates the matcher.
func (c *capture) feed(chunk []byte) (body []byte, done bool, err error) {
	c.buf = append(c.buf, chunk...)
	if len(c.buf) > c.limit {
		return nil, true, ErrCaptureOverflow
	}
	return c.match(c.buf)
}

// matchSuffix completes when the output ends with marker. body is the
// output with the marker removed.
func matchSuffix(marker string) matchFunc {
	m := []byte(marker)
	return func(buf []byte) ([]byte, bool, error) {
		if bytes.HasSuffix(buf, m) {
			return buf[:len(buf)-len(m)], true, nil
		}
		return nil, false, nil
	}
}

// matchPrompt completes when the interpreter is back at its primary
// prompt. A dangling continuation prompt is left to the transaction
// deadline; timeout recovery interrupts the interpreter and resyncs.
func matchPrompt() matchFunc {
	return matchSuffix(promptPrimary)
}

// matchContains completes when marker first appears anywhere in the
// output. body is everything before the marker.
func matchContains(marker string) matchFunc {
	m := []byte(marker)
	return func(buf []byte) ([]byte, bool, error) {
		if idx := bytes.Index(buf, m); idx >= 0 {
			return buf[:idx], true, nil
		}
		return nil, false, nil
	}
}

// matchFramed completes when the end sentinel has arrived and the
// interpreter is back at its prompt, so the trailing prompt is consumed
// by this round no matter how the driver chunks the stream. The body is
// what lies between begin and end. If the error sentinel shows up instead
// of begin, the interpreter's exception text is returned as a RemoteError.
func matchFramed(op, begin, errMark, end string) matchFunc {
	b, x, e := []byte(begin), []byte(errMark), []byte(end)
	p := []byte(promptPrimary)
	return func(buf []byte) ([]byte, bool, error) {
		endIdx := bytes.Index(buf, e)
		if endIdx < 0 || !bytes.HasSuffix(buf, p) {
			return nil, false, nil
		}
		framed := buf[:endIdx]
		if xi := bytes.Index(framed, x); xi >= 0 {
			text := trimEOL(framed[xi+len(x):])
			return nil, true, &RemoteError{Op: op, Output: string(text)}
		}
		bi := bytes.Index(framed, b)
		if bi < 0 {
			return nil, true, &RemoteError{Op: op, Output: string(trimEOL(framed))}
		}
		return trimEOL(framed[bi+len(b):]), true, nil
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\r' || b[0] == '\n') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == '\r' || b[len(b)-1] == '\n') {
		b = b[:len(b)-1]
	}
	return b
}
