package board

import (
	"fmt"
	"strings"

	gobug "go.bug.st/serial"
)

// ParseParity maps a config string to the driver's parity mode. USB CDC
// boards ignore the setting; boards behind RS-232/485 converters may not.
func ParseParity(s string) (gobug.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "n":
		return gobug.NoParity, nil
	case "odd", "o":
		return gobug.OddParity, nil
	case "even", "e":
		return gobug.EvenParity, nil
	case "mark":
		return gobug.MarkParity, nil
	case "space":
		return gobug.SpaceParity, nil
	}
	return gobug.NoParity, fmt.Errorf("invalid parity %q (want none, odd, even, mark or space)", s)
}

// ParseStopBits maps a config string to the driver's stop-bit setting.
func ParseStopBits(s string) (gobug.StopBits, error) {
	switch strings.TrimSpace(s) {
	case "", "1":
		return gobug.OneStopBit, nil
	case "1.5":
		return gobug.OnePointFiveStopBits, nil
	case "2":
		return gobug.TwoStopBits, nil
	}
	return gobug.OneStopBit, fmt.Errorf("invalid stop bits %q (want 1, 1.5 or 2)", s)
}
