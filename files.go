package board

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// uploadChunkSize is the raw byte count per upload round; each round's
// program line carries twice as many hex characters.
const uploadChunkSize = 1024

// statModeDir is the directory bit in a stat mode word.
const statModeDir = 0x4000

// TransferDirection distinguishes the two transfer paths.
type TransferDirection uint8

const (
	TransferUpload TransferDirection = iota
	TransferDownload
)

func (d TransferDirection) String() string {
	if d == TransferUpload {
		return "upload"
	}
	return "download"
}

// TransferSession describes one transfer for logging and events.
type TransferSession struct {
	ID         string
	DeviceID   string
	Direction  TransferDirection
	RemotePath string
	Bytes      int64
	StartedAt  time.Time
}

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name  string
	Size  int64
	IsDir bool
}

// sentinels frames one transfer session. The markers embed a session
// nonce so stray device prints cannot spoof them.
type sentinels struct {
	nonce string
	begin string
	err   string
	end   string
}

func newSentinels() sentinels {
	n := uuid.NewString()[:8]
	return sentinels{
		nonce: n,
		begin: "<<<SMB:" + n + ":B>>>",
		err:   "<<<SMB:" + n + ":X>>>",
		end:   "<<<SMB:" + n + ":E>>>",
	}
}

// sentinelExpr renders marker as a concatenation of two Python literals.
// The interpreter echoes command text back, so a contiguous marker in the
// command would complete the capture before the device printed anything.
func sentinelExpr(marker string) string {
	mid := len(marker) / 2
	return pyQuote(marker[:mid]) + "+" + pyQuote(marker[mid:])
}

// execLine wraps a multi-line block into a single exec() command, which
// keeps the friendly REPL away from continuation prompts.
func execLine(block string) string {
	return "exec(" + pyQuote(block) + ")"
}

// uploadEntry builds the transaction that writes data to remoteName. Raw
// mode keeps the hex payload out of the echo stream; the closing round
// asks the device for the file's size so the host can verify the write.
func uploadEntry(ctx context.Context, cfg *Config, remoteName string, data []byte) *txEntry {
	rounds := []txRound{
		rawEnterRound(),
		rawExecRound("upload", "import ubinascii, os\n_f = open("+pyQuote(remoteName)+", 'wb')"),
	}
	for off := 0; off < len(data); off += uploadChunkSize {
		end := off + uploadChunkSize
		if end > len(data) {
			end = len(data)
		}
		h := hex.EncodeToString(data[off:end])
		rounds = append(rounds, rawExecRound("upload", "_f.write(ubinascii.unhexlify('"+h+"'))"))
	}
	rounds = append(rounds,
		rawExecRound("upload", "_f.close()\nprint(os.stat("+pyQuote(remoteName)+")[6])"),
		rawExitRound(),
	)
	return newTxEntry(ctx, "upload", cfg.TransferTimeout, rounds...)
}

// uploadVerify checks the stat round's reported size against the byte
// count the host sent.
func uploadVerify(result txResult, want int) error {
	if len(result.bodies) < 2 {
		return ErrTransferVerification
	}
	// the stat round runs just before the raw-mode exit
	statBody := result.bodies[len(result.bodies)-2]
	got, err := strconv.Atoi(strings.TrimSpace(string(statBody)))
	if err != nil {
		return fmt.Errorf("%w: unreadable size %q", ErrTransferVerification, statBody)
	}
	if got != want {
		return fmt.Errorf("%w: device reports %d bytes, sent %d", ErrTransferVerification, got, want)
	}
	return nil
}

// downloadEntry builds the transaction that reads remotePath. The device
// prints the file as hex between framing sentinels and the host reverses
// the encoding, so content survives byte for byte.
func downloadEntry(ctx context.Context, cfg *Config, remotePath string) (*txEntry, sentinels) {
	s := newSentinels()
	block := strings.Join([]string{
		"try:",
		" import ubinascii",
		" _f = open(" + pyQuote(remotePath) + ", 'rb')",
		" print(" + sentinelExpr(s.begin) + ")",
		" print(ubinascii.hexlify(_f.read()).decode())",
		" _f.close()",
		" print(" + sentinelExpr(s.end) + ")",
		"except Exception as _e:",
		" print(" + sentinelExpr(s.err) + ")",
		" print(repr(_e))",
		" print(" + sentinelExpr(s.end) + ")",
	}, "\n")

	round := txRound{
		payload: []byte(execLine(block) + commandEOL),
		cap:     newCapture(transferCaptureLimit, matchFramed("download", s.begin, s.err, s.end)),
	}
	return newTxEntry(ctx, "download", cfg.TransferTimeout, round), s
}

// listEntry builds the directory listing transaction. The device answers
// with a JSON array of [name, mode, size] triples between sentinels.
func listEntry(ctx context.Context, cfg *Config, dirPath string) (*txEntry, sentinels) {
	s := newSentinels()
	block := strings.Join([]string{
		"try:",
		" import os, json",
		" _d = " + pyQuote(dirPath),
		" _r = []",
		" for _n in os.listdir(_d):",
		"  _p = _d + '/' + _n if _d != '/' else '/' + _n",
		"  _s = os.stat(_p)",
		"  _r.append([_n, _s[0], _s[6]])",
		" print(" + sentinelExpr(s.begin) + ")",
		" print(json.dumps(_r))",
		" print(" + sentinelExpr(s.end) + ")",
		"except Exception as _e:",
		" print(" + sentinelExpr(s.err) + ")",
		" print(repr(_e))",
		" print(" + sentinelExpr(s.end) + ")",
	}, "\n")

	round := txRound{
		payload: []byte(execLine(block) + commandEOL),
		cap:     newCapture(0, matchFramed("list", s.begin, s.err, s.end)),
	}
	return newTxEntry(ctx, "list", cfg.ListTimeout, round), s
}

// deleteEntry builds the remove transaction. Files go through os.remove
// with an os.rmdir fallback for directories; failure text from the device
// comes back as a RemoteError.
func deleteEntry(ctx context.Context, cfg *Config, path string) (*txEntry, sentinels) {
	s := newSentinels()
	block := strings.Join([]string{
		"try:",
		" import os",
		" try:",
		"  os.remove(" + pyQuote(path) + ")",
		" except OSError:",
		"  os.rmdir(" + pyQuote(path) + ")",
		" print(" + sentinelExpr(s.begin) + ")",
		" print(" + sentinelExpr(s.end) + ")",
		"except Exception as _e:",
		" print(" + sentinelExpr(s.err) + ")",
		" print(repr(_e))",
		" print(" + sentinelExpr(s.end) + ")",
	}, "\n")

	round := txRound{
		payload: []byte(execLine(block) + commandEOL),
		cap:     newCapture(0, matchFramed("delete", s.begin, s.err, s.end)),
	}
	return newTxEntry(ctx, "delete", cfg.CommandTimeout, round), s
}

// parseListing decodes the device's JSON listing. Malformed rows are
// skipped; a malformed document yields an error for the caller to log.
func parseListing(body []byte) ([]FileEntry, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(raw))
	for _, row := range raw {
		if len(row) != 3 {
			continue
		}
		name, ok := row[0].(string)
		if !ok {
			continue
		}
		mode, ok := jsonInt64(row[1])
		if !ok {
			continue
		}
		size, ok := jsonInt64(row[2])
		if !ok {
			continue
		}
		entries = append(entries, FileEntry{
			Name:  name,
			Size:  size,
			IsDir: mode&statModeDir != 0,
		})
	}
	return entries, nil
}

func jsonInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// decodeHexBody reverses the transfer encoding. The device prints hex in
// lines, so EOLs are stripped before decoding.
func decodeHexBody(body []byte) ([]byte, error) {
	compact := make([]byte, 0, len(body))
	for _, c := range body {
		if c == '\r' || c == '\n' || c == ' ' || c == '\t' {
			continue
		}
		compact = append(compact, c)
	}

	data := make([]byte, hex.DecodedLen(len(compact)))
	n, err := hex.Decode(data, compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferVerification, err)
	}
	return data[:n], nil
}
