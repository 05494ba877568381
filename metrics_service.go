package board

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Metrics accessor and management methods for Service

// GetMetrics returns the current metrics instance
func (s *Service) GetMetrics() *Metrics {
	if s.metrics == nil {
		return &Metrics{} // Return empty metrics if not initialized
	}
	return s.metrics
}

// GetMetricsSnapshot creates a comprehensive snapshot for frontend consumption
func (s *Service) GetMetricsSnapshot() *MetricsSnapshot {
	if s.metrics == nil {
		return &MetricsSnapshot{
			Timestamp:    time.Now(),
			HealthStatus: string(HealthStatusDown),
			HealthScore:  0,
		}
	}

	snapshot := &MetricsSnapshot{
		Timestamp:        time.Now(),
		ConnectedDevices: s.metrics.CurrentConnections.Load(),
	}

	// Calculate rates and averages
	snapshot.ConnectionSuccess = s.metrics.calculateConnectionSuccessRate()
	snapshot.CommandSuccess = s.metrics.calculateCommandSuccessRate()
	snapshot.TransferSuccess = s.metrics.calculateTransferSuccessRate()
	snapshot.AverageCommandLatency = s.metrics.calculateAverageCommandLatency()
	snapshot.MaxCommandLatency = time.Duration(s.metrics.MaxCommandTime.Load())
	snapshot.TimeoutRate = s.metrics.calculateTimeoutRate()

	// Detailed counts for debugging
	snapshot.TotalCommands = s.metrics.CommandsExecuted.Load() + s.metrics.CommandFailures.Load()
	snapshot.TotalTimeouts = s.metrics.CommandTimeouts.Load()
	snapshot.TotalTransfers = s.metrics.TransfersCompleted.Load() + s.metrics.TransferFailures.Load()
	snapshot.BytesUploaded = s.metrics.BytesUploaded.Load()
	snapshot.BytesDownloaded = s.metrics.BytesDownloaded.Load()
	snapshot.ConsecutiveFailures = s.metrics.ConsecutiveFailures.Load()

	// Health assessment
	health := s.metrics.assessHealthStatus(snapshot)
	snapshot.HealthStatus = string(health)
	snapshot.HealthScore = s.metrics.calculateHealthScore(snapshot)

	return snapshot
}

// EnableMetrics turns on metrics collection
func (s *Service) EnableMetrics() {
	s.metricsEnabled.Store(true)
}

// DisableMetrics turns off metrics collection
func (s *Service) DisableMetrics() {
	s.metricsEnabled.Store(false)
}

// IsMetricsEnabled returns whether metrics collection is enabled
func (s *Service) IsMetricsEnabled() bool {
	return s.metricsEnabled.Load()
}

// ResetMetrics clears all metrics (useful for testing)
func (s *Service) ResetMetrics() {
	if s.metrics != nil {
		s.metrics = &Metrics{}
	}
}

// StartMetricsBroadcasting begins broadcasting metrics to the channel
func (s *Service) StartMetricsBroadcasting(interval time.Duration) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}

	if s.metricsBroadcaster != nil {
		s.metricsBroadcaster.Stop()
	}

	channelSize := s.Config.MetricsChannelSize
	if channelSize <= 0 {
		channelSize = 50 // Default channel size - allows buffering ~50-250 seconds depending on interval
	} else if channelSize > 10000 {
		// Prevent excessive memory allocation for metrics channel
		return fmt.Errorf("metrics channel size too large: %d (max 10000)", channelSize)
	}

	s.metricsBroadcaster = NewMetricsBroadcaster(channelSize, interval)
	s.metricsBroadcaster.Start(s)
	return nil
}

// StopMetricsBroadcasting stops broadcasting metrics
func (s *Service) StopMetricsBroadcasting() {
	if s.metricsBroadcaster != nil {
		s.metricsBroadcaster.Stop()
		s.metricsBroadcaster = nil
	}
}

// BroadcastMetricsImmediate sends current metrics to channel immediately
func (s *Service) BroadcastMetricsImmediate() {
	if s.metricsBroadcaster != nil {
		s.metricsBroadcaster.BroadcastImmediate(s)
	}
}

// MetricsChannel returns the read-only metrics channel for consumers
func (s *Service) MetricsChannel() (<-chan MetricsSnapshot, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if s.metricsBroadcaster == nil {
		return nil, errors.New("metrics broadcasting not started")
	}
	return s.metricsBroadcaster.GetMetricsChannel(), nil
}

// Internal metrics recording methods

func (s *Service) recordCommandMetrics(err error, duration time.Duration) {
	if !s.metricsEnabled.Load() || s.metrics == nil {
		return
	}

	s.metrics.TotalCommandTime.Add(duration.Nanoseconds())

	// Update max command time
	for {
		current := s.metrics.MaxCommandTime.Load()
		if duration.Nanoseconds() <= current {
			break
		}
		if s.metrics.MaxCommandTime.CompareAndSwap(current, duration.Nanoseconds()) {
			break
		}
	}

	if err != nil {
		s.metrics.CommandFailures.Add(1)
		s.incrementConsecutiveFailures()
		s.recordErrorMetrics(err)
	} else {
		s.metrics.CommandsExecuted.Add(1)
		s.resetConsecutiveFailures()
	}
}

func (s *Service) recordConnectFailure(err error) {
	if !s.metricsEnabled.Load() || s.metrics == nil {
		return
	}
	s.metrics.ConnectionFailures.Add(1)
	s.incrementConsecutiveFailures()
	s.recordErrorMetrics(err)
}

func (s *Service) recordTransferFailure(err error) {
	if !s.metricsEnabled.Load() || s.metrics == nil {
		return
	}
	s.metrics.TransferFailures.Add(1)
	s.incrementConsecutiveFailures()
	s.recordErrorMetrics(err)
}

func (s *Service) recordErrorMetrics(err error) {
	if s.metrics == nil {
		return
	}

	s.metrics.LastErrorTime.Store(time.Now().Unix())

	// Categorize errors
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		s.metrics.CommandTimeouts.Add(1)
	} else if errors.Is(err, context.Canceled) {
		// Context cancellation is not necessarily an error
	} else if errors.Is(err, ErrRemote) {
		s.metrics.RemoteErrors.Add(1)
	} else if errors.Is(err, ErrInvalidPortName) {
		s.metrics.PortValidationErrors.Add(1)
	} else if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotConnected) {
		s.metrics.TransportErrors.Add(1)
	}
}

func (s *Service) incrementConsecutiveFailures() {
	if s.metrics != nil {
		s.metrics.ConsecutiveFailures.Add(1)
	}
}

func (s *Service) resetConsecutiveFailures() {
	if s.metrics != nil {
		s.metrics.ConsecutiveFailures.Store(0)
	}
}
