package board

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks engine health statistics across all devices
type Metrics struct {
	// Connection Statistics
	ConnectionAttempts atomic.Int64 // Total connection attempts
	SuccessfulConnects atomic.Int64 // Successful connections
	ConnectionFailures atomic.Int64 // Failed connections
	HandshakeFailures  atomic.Int64 // Baud iteration never reached a prompt
	ValidationFailures atomic.Int64 // Probe battery below threshold
	Disconnections     atomic.Int64 // Total disconnects
	CurrentConnections atomic.Int64 // Currently registered devices
	LastConnectTime    atomic.Int64 // Unix timestamp of last connect
	LastDisconnectTime atomic.Int64 // Unix timestamp of last disconnect

	// Transactions
	CommandsExecuted atomic.Int64 // Completed transactions
	CommandFailures  atomic.Int64 // Failed transactions
	CommandTimeouts  atomic.Int64 // Transactions killed by their deadline
	RemoteErrors     atomic.Int64 // Device-side exceptions
	TotalCommandTime atomic.Int64 // Total transaction time (ns)
	MaxCommandTime   atomic.Int64 // Slowest transaction (ns)

	// Transfers
	TransfersStarted   atomic.Int64 // Upload and download attempts
	TransfersCompleted atomic.Int64 // Verified transfers
	TransferFailures   atomic.Int64 // Failed or unverifiable transfers
	BytesUploaded      atomic.Int64 // Payload bytes sent to devices
	BytesDownloaded    atomic.Int64 // Payload bytes read from devices

	// Error Categories
	InitializationErrors atomic.Int64 // Service init failures
	ConfigurationErrors  atomic.Int64 // Config-related errors
	PortValidationErrors atomic.Int64 // Invalid port errors
	TransportErrors      atomic.Int64 // Hardware/driver errors

	// Health Indicators
	ConsecutiveFailures atomic.Int64 // Consecutive operation failures
	LastErrorTime       atomic.Int64 // Timestamp of last error
}

// MetricsSnapshot is a point-in-time view of engine health for frontend
// consumption.
type MetricsSnapshot struct {
	Timestamp        time.Time
	ConnectedDevices int64

	ConnectionSuccess float64
	CommandSuccess    float64
	TransferSuccess   float64

	AverageCommandLatency time.Duration
	MaxCommandLatency     time.Duration
	TimeoutRate           float64

	TotalCommands   int64
	TotalTimeouts   int64
	TotalTransfers  int64
	BytesUploaded   int64
	BytesDownloaded int64

	ConsecutiveFailures int64
	HealthStatus        string
	HealthScore         float64
}

// HealthStatus represents the overall health of the engine
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDown      HealthStatus = "down"
)

// MetricsBroadcaster handles channel-based metrics broadcasting
type MetricsBroadcaster struct {
	metricsChannel   chan MetricsSnapshot
	broadcastTicker  *time.Ticker
	enabled          atomic.Bool
	stopCh           chan struct{}
	emissionInterval time.Duration
	stopOnce         sync.Once // Prevent double-close race
}

// NewMetricsBroadcaster creates a new metrics broadcaster with channel-based distribution
func NewMetricsBroadcaster(channelSize int64, interval time.Duration) *MetricsBroadcaster {
	return &MetricsBroadcaster{
		metricsChannel:   make(chan MetricsSnapshot, channelSize),
		stopCh:           make(chan struct{}),
		emissionInterval: interval,
	}
}

// Start begins broadcasting metrics to the channel
func (mb *MetricsBroadcaster) Start(service *Service) {
	if !mb.enabled.CompareAndSwap(false, true) {
		return // Already running
	}

	mb.broadcastTicker = time.NewTicker(mb.emissionInterval)

	go func() {
		defer mb.broadcastTicker.Stop()

		for {
			select {
			case <-mb.stopCh:
				return
			case <-mb.broadcastTicker.C:
				mb.broadcastMetrics(service)
			}
		}
	}()
}

// Stop stops broadcasting metrics
func (mb *MetricsBroadcaster) Stop() {
	if mb.enabled.CompareAndSwap(true, false) {
		mb.stopOnce.Do(func() {
			close(mb.stopCh)
			close(mb.metricsChannel)
		})
	}
}

// BroadcastImmediate sends metrics immediately (for critical events)
func (mb *MetricsBroadcaster) BroadcastImmediate(service *Service) {
	mb.broadcastMetrics(service)
}

// GetMetricsChannel returns the read-only metrics channel for consumers
func (mb *MetricsBroadcaster) GetMetricsChannel() <-chan MetricsSnapshot {
	return mb.metricsChannel
}

func (mb *MetricsBroadcaster) broadcastMetrics(service *Service) {
	// Check if broadcaster is still enabled to prevent sending to closed channel
	if !mb.enabled.Load() {
		return
	}

	snapshot := service.GetMetricsSnapshot()

	// Non-blocking send to avoid goroutine blocking, with additional safety check
	select {
	case mb.metricsChannel <- *snapshot:
		// Successfully sent
	default:
		// Channel full or closed, skip this broadcast
	}
}

// Metrics calculation methods
func (m *Metrics) calculateConnectionSuccessRate() float64 {
	attempts := m.ConnectionAttempts.Load()
	if attempts == 0 {
		return 100.0
	}
	successes := m.SuccessfulConnects.Load()
	return float64(successes) / float64(attempts) * 100
}

func (m *Metrics) calculateCommandSuccessRate() float64 {
	total := m.CommandsExecuted.Load() + m.CommandFailures.Load()
	if total == 0 {
		return 100.0
	}
	return float64(m.CommandsExecuted.Load()) / float64(total) * 100
}

func (m *Metrics) calculateTransferSuccessRate() float64 {
	total := m.TransfersCompleted.Load() + m.TransferFailures.Load()
	if total == 0 {
		return 100.0
	}
	return float64(m.TransfersCompleted.Load()) / float64(total) * 100
}

func (m *Metrics) calculateAverageCommandLatency() time.Duration {
	total := m.CommandsExecuted.Load() + m.CommandFailures.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.TotalCommandTime.Load() / total)
}

func (m *Metrics) calculateTimeoutRate() float64 {
	total := m.CommandsExecuted.Load() + m.CommandFailures.Load()
	if total == 0 {
		return 0.0
	}
	return float64(m.CommandTimeouts.Load()) / float64(total) * 100
}

func (m *Metrics) assessHealthStatus(snapshot *MetricsSnapshot) HealthStatus {
	if snapshot.ConnectedDevices == 0 {
		return HealthStatusDown
	}

	// Check for critical issues
	if snapshot.CommandSuccess < 50.0 || snapshot.ConsecutiveFailures > 5 {
		return HealthStatusUnhealthy
	}

	// Check for performance degradation
	if snapshot.CommandSuccess < 90.0 || snapshot.TimeoutRate > 20.0 || snapshot.ConsecutiveFailures > 3 {
		return HealthStatusDegraded
	}

	return HealthStatusHealthy
}

func (m *Metrics) calculateHealthScore(snapshot *MetricsSnapshot) float64 {
	if snapshot.ConnectedDevices == 0 {
		return 0.0
	}

	score := 100.0

	// Deduct for failed commands
	score -= (100.0 - snapshot.CommandSuccess) * 2

	// Deduct for timeouts
	score -= snapshot.TimeoutRate

	// Deduct for consecutive failures (more severe penalty)
	score -= float64(snapshot.ConsecutiveFailures) * 10

	// Ensure score doesn't go below 0
	if score < 0 {
		score = 0
	}

	return score
}
