package board

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Control bytes understood by the interpreter's line editor.
const (
	ctrlRawEnter   = 0x01 // ^A enters raw mode
	ctrlRawExit    = 0x02 // ^B leaves raw mode; at an idle prompt it reprints the banner
	ctrlInterrupt  = 0x03 // ^C interrupts the running program
	ctrlSoftReset  = 0x04 // ^D at an idle prompt reboots the interpreter
	ctrlPasteEnter = 0x05 // ^E enters paste mode
	ctrlPasteExit  = 0x04 // ^D finishes paste mode and executes the buffer
)

// Prompt and banner markers.
const (
	promptPrimary      = ">>> "
	promptContinuation = "... "
	promptPaste        = "=== "
	rawBanner          = "raw REPL; CTRL-B to exit"
	versionMarker      = "MicroPython"
)

// commandEOL terminates every line sent to the interpreter.
const commandEOL = "\r\n"

// wakeSequence nudges a board to an idle prompt: carriage return to flush
// any partial input line, then two interrupts to stop whatever is running.
var wakeSequence = []byte{'\r', ctrlInterrupt, ctrlInterrupt}

var versionRe = regexp.MustCompile(`MicroPython v?([0-9]+(?:\.[0-9]+)+)`)

// BoardInfo is what the banner reveals during handshake.
type BoardInfo struct {
	Version  string
	Platform string
	Banner   string
}

// parseBanner extracts version and platform from a banner line such as
// "MicroPython v1.22.1 on 2024-01-05; Raspberry Pi Pico with RP2040".
func parseBanner(banner string) (BoardInfo, bool) {
	var line string
	for _, l := range strings.Split(banner, "\n") {
		if strings.Contains(l, versionMarker) {
			line = strings.TrimRight(l, "\r")
			break
		}
	}
	if line == "" {
		return BoardInfo{}, false
	}

	info := BoardInfo{Banner: line}
	if m := versionRe.FindStringSubmatch(line); m != nil {
		info.Version = m[1]
	}
	if idx := strings.Index(line, "; "); idx >= 0 {
		info.Platform = strings.TrimSpace(line[idx+2:])
	}
	return info, true
}

// handshake opens the port at each candidate baud in turn until the
// interpreter responds with its banner. On success the returned transport
// and reader stay open at the working rate; every failed candidate's port
// is fully closed before the next one is tried.
func handshake(ctx context.Context, cfg *Config) (*transport, *reader, BoardInfo, error) {
	var lastErr error
	for _, baud := range cfg.BaudCandidates {
		select {
		case <-ctx.Done():
			return nil, nil, BoardInfo{}, ctx.Err()
		default:
		}

		tr, err := openTransport(&cfg.Serial, baud)
		if err != nil {
			lastErr = err
			continue
		}
		rd := newReader(tr)

		info, err := probeBanner(ctx, tr, rd, cfg.HandshakeTimeout)
		if err == nil {
			return tr, rd, info, nil
		}
		lastErr = err

		_ = tr.Close()
		rd.close()
	}
	if lastErr != nil {
		return nil, nil, BoardInfo{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, lastErr)
	}
	return nil, nil, BoardInfo{}, ErrHandshakeFailed
}

// probeBanner wakes the board and asks it to reprint its banner with ^B.
// Two bounded wake rounds, not unbounded retry: a board that was mid-print
// when the first interrupt landed usually answers the second.
func probeBanner(ctx context.Context, tr *transport, rd *reader, timeout time.Duration) (BoardInfo, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := tr.Write(wakeSequence); err != nil {
			return BoardInfo{}, err
		}
		// let the interrupt fallout (KeyboardInterrupt, fresh prompt) pass
		drainChunks(rd, 100*time.Millisecond)

		if _, err := tr.Write([]byte{ctrlRawExit}); err != nil {
			return BoardInfo{}, err
		}

		banner, err := awaitCapture(ctx, rd, newCapture(0, matchPrompt()), timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if info, ok := parseBanner(string(banner)); ok {
			return info, nil
		}
		lastErr = fmt.Errorf("prompt without interpreter banner")
	}
	return BoardInfo{}, lastErr
}

// awaitCapture feeds reader chunks into cap until it completes or the
// timeout elapses.
func awaitCapture(ctx context.Context, rd *reader, cap *capture, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrTimeout
		case chunk, ok := <-rd.chunks:
			if !ok {
				if err := rd.err(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrTransport, err)
				}
				return nil, ErrTransport
			}
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

// drainChunks discards pending output for the given window.
func drainChunks(rd *reader, window time.Duration) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-rd.chunks:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

// Probe is one element of the connect-time validation battery.
type Probe struct {
	Name   string // issue label
	Code   string // line sent to the interpreter
	Expect string // substring the output must contain; empty means "runs clean"
}

// defaultProbes exercises the interpreter and the modules every
// MicroPython port ships with.
func defaultProbes() []Probe {
	return []Probe{
		{Name: "arithmetic", Code: "print(17*3)", Expect: "51"},
		{Name: "sys module", Code: "import sys"},
		{Name: "os module", Code: "import os"},
		{Name: "micropython module", Code: "import micropython"},
		{Name: "machine module", Code: "import machine"},
	}
}

func probeFailed(p Probe, output string) bool {
	if strings.Contains(output, "Traceback") || strings.Contains(output, "Error") {
		return true
	}
	if p.Expect != "" && !strings.Contains(output, p.Expect) {
		return true
	}
	return false
}

// validate runs the probe battery through run, which executes one line and
// returns its cleaned output. The device passes when the fraction of clean
// probes reaches threshold.
func validate(ctx context.Context, probes []Probe, threshold float64, run func(context.Context, string) (string, error)) error {
	if len(probes) == 0 {
		return nil
	}

	passed := 0
	var issues []string
	for _, p := range probes {
		out, err := run(ctx, p.Code)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", p.Name, err))
			continue
		}
		if probeFailed(p, out) {
			issues = append(issues, fmt.Sprintf("%s: unexpected output %q", p.Name, strings.TrimSpace(out)))
			continue
		}
		passed++
	}

	if float64(passed)/float64(len(probes)) < threshold {
		return &ValidationError{
			Passed:    passed,
			Total:     len(probes),
			Threshold: threshold,
			Issues:    issues,
		}
	}
	return nil
}

// cleanOutput strips the echoed command line and surrounding EOLs from a
// prompt-matched body.
func cleanOutput(cmd string, body []byte) string {
	out := body
	if idx := bytes.Index(out, []byte(cmd)); idx >= 0 {
		out = out[idx+len(cmd):]
	}
	return string(trimEOL(out))
}

// cleanBlockOutput strips paste-mode echo from a prompt-matched body.
// Everything through the last paste prompt is the echoed block; what
// follows is program output.
func cleanBlockOutput(body []byte) string {
	if idx := bytes.LastIndex(body, []byte(promptPaste)); idx >= 0 {
		body = body[idx+len(promptPaste):]
	}
	return string(trimEOL(body))
}

// matchRawReply parses raw mode's reply to ^D: "OK" + stdout + ^D +
// stderr + ^D + ">". Non-empty stderr becomes a RemoteError. A stray
// raw prompt left over from the mode switch is tolerated.
func matchRawReply(op string) matchFunc {
	return func(buf []byte) ([]byte, bool, error) {
		if !bytes.HasSuffix(buf, []byte("\x04>")) {
			return nil, false, nil
		}
		body := bytes.TrimLeft(buf[:len(buf)-2], "\r\n>")
		body = bytes.TrimPrefix(body, []byte("OK"))
		parts := bytes.SplitN(body, []byte{ctrlSoftReset}, 2)
		var stderr []byte
		if len(parts) == 2 {
			stderr = parts[1]
		}
		if len(bytes.TrimSpace(stderr)) > 0 {
			return nil, true, &RemoteError{Op: op, Output: string(trimEOL(stderr))}
		}
		return trimEOL(parts[0]), true, nil
	}
}

// Mode-switch rounds. Raw mode does not echo input, which is what the
// upload path wants; paste mode accepts multi-line blocks verbatim.

func rawEnterRound() txRound {
	return txRound{payload: []byte{ctrlRawEnter}, cap: newCapture(0, matchContains(rawBanner))}
}

func rawExecRound(op, program string) txRound {
	payload := append([]byte(program), ctrlSoftReset)
	return txRound{payload: payload, cap: newCapture(0, matchRawReply(op))}
}

func rawExitRound() txRound {
	return txRound{payload: []byte{ctrlRawExit}, cap: newCapture(0, matchPrompt())}
}

func pasteEnterRound() txRound {
	return txRound{payload: []byte{ctrlPasteEnter}, cap: newCapture(0, matchSuffix(promptPaste))}
}

func pasteExecRound(block string) txRound {
	payload := append([]byte(block+commandEOL), ctrlPasteExit)
	return txRound{payload: payload, cap: newCapture(0, matchPrompt())}
}

// softResetRound reboots the interpreter from an idle prompt and waits for
// it to come back up.
func softResetRound() txRound {
	return txRound{payload: []byte{ctrlSoftReset}, cap: newCapture(0, matchPrompt())}
}

// commandRound sends one line and waits for the primary prompt.
func commandRound(text string) txRound {
	return txRound{payload: []byte(text + commandEOL), cap: newCapture(0, matchPrompt())}
}
