package board

import (
	"fmt"
	"strings"
)

// ValidateConfig validates engine configuration parameters
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	// Validate port name
	if cfg.Serial.PortName == "" {
		return fmt.Errorf("port name cannot be empty")
	}
	if strings.Contains(cfg.Serial.PortName, "..") {
		return fmt.Errorf("invalid port name: contains path traversal")
	}
	if !isValidPortPattern(cfg.Serial.PortName) {
		return fmt.Errorf("port name doesn't match expected pattern: %s", cfg.Serial.PortName)
	}

	// Validate baud candidates
	validBaudRates := []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}
	if len(cfg.BaudCandidates) == 0 {
		return fmt.Errorf("baud candidate list cannot be empty")
	}
	for _, rate := range cfg.BaudCandidates {
		if !isValidBaudRate(rate, validBaudRates) {
			return fmt.Errorf("invalid baud rate %d, must be one of: %v", rate, validBaudRates)
		}
	}

	// Validate data bits
	if cfg.Serial.DataBits < 5 || cfg.Serial.DataBits > 8 {
		return fmt.Errorf("data bits must be 5-8, got: %d", cfg.Serial.DataBits)
	}

	// Validate timeouts
	if cfg.Serial.ReadTimeout < 0 {
		return fmt.Errorf("read timeout cannot be negative: %v", cfg.Serial.ReadTimeout)
	}
	if cfg.CommandTimeout < 0 {
		return fmt.Errorf("command timeout cannot be negative: %v", cfg.CommandTimeout)
	}
	if cfg.TransferTimeout < 0 {
		return fmt.Errorf("transfer timeout cannot be negative: %v", cfg.TransferTimeout)
	}
	if cfg.ListTimeout < 0 {
		return fmt.Errorf("list timeout cannot be negative: %v", cfg.ListTimeout)
	}
	if cfg.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout cannot be negative: %v", cfg.HandshakeTimeout)
	}
	if cfg.ProbeTimeout < 0 {
		return fmt.Errorf("probe timeout cannot be negative: %v", cfg.ProbeTimeout)
	}

	// Validate the probe pass threshold
	if cfg.ValidationThreshold < 0 || cfg.ValidationThreshold > 1 {
		return fmt.Errorf("validation threshold must be within 0-1, got: %.2f", cfg.ValidationThreshold)
	}

	// Validate queue depth
	if cfg.QueueDepth < 0 {
		return fmt.Errorf("queue depth cannot be negative: %d", cfg.QueueDepth)
	}
	if cfg.QueueDepth > 1024 {
		return fmt.Errorf("queue depth too large (max 1024): %d", cfg.QueueDepth)
	}

	// Validate metrics channel size
	if cfg.MetricsChannelSize < 0 {
		return fmt.Errorf("metrics channel size cannot be negative: %d", cfg.MetricsChannelSize)
	}
	if cfg.MetricsChannelSize > 10000 {
		return fmt.Errorf("metrics channel size too large (max 10000): %d", cfg.MetricsChannelSize)
	}

	return nil
}

func isValidBaudRate(rate int, valid []int) bool {
	for _, v := range valid {
		if rate == v {
			return true
		}
	}
	return false
}
