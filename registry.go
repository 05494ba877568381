package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Station-Manager/config"
	"github.com/Station-Manager/logging"
	"github.com/Station-Manager/types"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

const ServiceName = "board"

// defaultEventBuffer sizes the state transition stream. Delivery is
// lossy: a slow consumer drops transitions instead of stalling devices.
const defaultEventBuffer = 32

// PortInfo is one row of a port enumeration.
type PortInfo struct {
	Name      string
	Connected bool
}

// MemoryInfo reports interpreter heap usage.
type MemoryInfo struct {
	Free      int64
	Allocated int64
}

// Service is the device registry. It owns every connected board, runs the
// connect/validate lifecycle and exposes the operation surface callers
// use. All operations on one device funnel through that device's
// transaction queue, so they execute strictly in submission order.
type Service struct {
	LoggerService *logging.Service `di.inject:"logger"`
	ConfigService *config.Service  `di.inject:"config"`
	Config        *Config

	initialized atomic.Bool

	mu         sync.RWMutex
	devices    map[string]*Device
	connecting map[string]struct{}

	events chan DeviceEvent

	// Metrics
	metrics            *Metrics
	metricsEnabled     atomic.Bool
	metricsBroadcaster *MetricsBroadcaster

	closeOnce sync.Once

	// Initialization synchronization - ensures Initialize() is called only once
	initOnce sync.Once
	initErr  error
}

func (s *Service) Initialize() error {
	s.initOnce.Do(func() {
		s.initErr = s.doInitialize()
	})
	return s.initErr
}

func (s *Service) doInitialize() (err error) {
	if s.initialized.Load() {
		return nil
	}

	defer func() {
		if err == nil {
			s.initialized.Store(true)
		} else if s.metrics != nil {
			s.metrics.InitializationErrors.Add(1)
		}
	}()

	// Initialize metrics first
	s.metrics = &Metrics{}
	s.metricsEnabled.Store(true)

	if s.LoggerService == nil {
		return errors.New("logger has not been set/injected")
	}

	if s.Config == nil {
		if s.ConfigService == nil {
			return errors.New("board config has not been set/injected")
		}
		serialCfg, cfgErr := s.stationSerialConfig()
		if cfgErr != nil {
			if s.metrics != nil {
				s.metrics.ConfigurationErrors.Add(1)
			}
			return fmt.Errorf("getting station serial config: %w", cfgErr)
		}
		cfg := DefaultConfig(serialCfg.PortName)
		cfg.Serial = *serialCfg
		s.Config = cfg
	}
	s.Config.withDefaults()

	if err = ValidateConfig(s.Config); err != nil {
		if s.metrics != nil {
			s.metrics.ConfigurationErrors.Add(1)
		}
		return fmt.Errorf("invalid board configuration: %w", err)
	}

	s.devices = make(map[string]*Device)
	s.connecting = make(map[string]struct{})
	s.events = make(chan DeviceEvent, defaultEventBuffer)

	return nil
}

// stationSerialConfig pulls the station's configured serial device when no
// explicit board config was set.
func (s *Service) stationSerialConfig() (*types.SerialConfig, error) {
	required := s.ConfigService.RequiredConfigs()
	rigConfig, err := s.ConfigService.RigConfigByID(required.RigID)
	if err != nil {
		return nil, fmt.Errorf("stationSerialConfig: config not found for rig '%d': %v", required.RigID, err)
	}
	return &rigConfig.SerialConfig, nil
}

// Events returns the device state transition stream. The channel stays
// open for the life of the service.
func (s *Service) Events() <-chan DeviceEvent {
	return s.events
}

func (s *Service) publishEvent(ev DeviceEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// ListPorts enumerates the host's serial ports, marking the ones this
// registry already has a device on.
func (s *Service) ListPorts() ([]PortInfo, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}

	names, err := AvailablePorts()
	if err != nil {
		return nil, fmt.Errorf("listing ports: %w", err)
	}

	infos := make([]PortInfo, 0, len(names))
	s.mu.RLock()
	for _, name := range names {
		_, connected := s.devices[deviceIDFromPort(name)]
		infos = append(infos, PortInfo{Name: name, Connected: connected})
	}
	s.mu.RUnlock()

	return infos, nil
}

// Devices snapshots every registered device, ordered by ID.
func (s *Service) Devices() []DeviceStatus {
	s.mu.RLock()
	statuses := make([]DeviceStatus, 0, len(s.devices))
	for _, dev := range s.devices {
		statuses = append(statuses, dev.Status())
	}
	s.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// Device returns the live device registered under deviceID.
func (s *Service) Device(deviceID string) (*Device, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}

	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return dev, nil
}

// Connect opens portName, finds the interpreter's baud rate, validates the
// board with the probe battery and registers the resulting device. An
// empty portName selects the configured default port. Every failure path
// leaves the port closed and the registry unchanged.
func (s *Service) Connect(ctx context.Context, portName string) (*Device, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}

	cfg := s.portConfig(portName)
	id := deviceIDFromPort(cfg.Serial.PortName)

	s.mu.Lock()
	if _, exists := s.devices[id]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	if _, inflight := s.connecting[id]; inflight {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s.connecting[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.connecting, id)
		s.mu.Unlock()
	}()

	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.ConnectionAttempts.Add(1)
	}
	s.publishEvent(DeviceEvent{
		DeviceID: id,
		Port:     cfg.Serial.PortName,
		Old:      StateDisconnected,
		New:      StateConnecting,
		At:       time.Now(),
	})

	ok, listErr := isPortAvailable(cfg.Serial.PortName)
	if listErr != nil {
		s.recordConnectFailure(listErr)
		return nil, fmt.Errorf("listing ports: %w", listErr)
	}
	if !ok {
		s.recordConnectFailure(ErrInvalidPortName)
		return nil, ErrInvalidPortName
	}

	tr, rd, info, err := handshake(ctx, cfg)
	if err != nil {
		if s.metricsEnabled.Load() && s.metrics != nil {
			s.metrics.HandshakeFailures.Add(1)
		}
		s.recordConnectFailure(err)
		s.publishEvent(DeviceEvent{
			DeviceID: id,
			Port:     cfg.Serial.PortName,
			Old:      StateConnecting,
			New:      StateFailed,
			Err:      err,
			At:       time.Now(),
		})
		return nil, err
	}

	dev := newDevice(cfg.Serial.PortName, tr.baud, info, tr, rd, cfg.QueueDepth, cfg.Serial.LineDelimiter, s.publishEvent)
	dev.setState(StateValidating, nil)

	if err = validate(ctx, cfg.ValidationProbes, cfg.ValidationThreshold, s.probeRun(dev, cfg)); err != nil {
		if s.metricsEnabled.Load() && s.metrics != nil {
			s.metrics.ValidationFailures.Add(1)
		}
		s.recordConnectFailure(err)
		dev.setState(StateFailed, err)
		_ = dev.shutdown()
		return nil, err
	}

	s.mu.Lock()
	s.devices[id] = dev
	s.mu.Unlock()

	dev.setState(StateReady, nil)
	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.SuccessfulConnects.Add(1)
		s.metrics.CurrentConnections.Store(int64(s.deviceCount()))
		s.metrics.LastConnectTime.Store(time.Now().Unix())
		s.resetConsecutiveFailures()
	}
	s.LoggerService.Debug("device connected",
		"port", cfg.Serial.PortName, "baud", dev.Baud(), "version", info.Version, "platform", info.Platform)

	return dev, nil
}

// probeRun adapts a device's queue into the runner the probe battery
// expects: one line of code in, cleaned output back.
func (s *Service) probeRun(dev *Device, cfg *Config) func(context.Context, string) (string, error) {
	return func(ctx context.Context, code string) (string, error) {
		entry := newTxEntry(ctx, "probe", cfg.ProbeTimeout, commandRound(code))
		res, err := dev.run(entry)
		if err != nil {
			return "", err
		}
		if len(res.bodies) == 0 {
			return "", nil
		}
		return cleanOutput(code, res.bodies[0]), nil
	}
}

// portConfig derives a per-port config from the service default.
func (s *Service) portConfig(portName string) *Config {
	cfg := *s.Config
	if portName != "" {
		cfg.Serial.PortName = portName
	}
	return &cfg
}

func (s *Service) deviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Disconnect tears down the device and rejects everything still queued on
// it. Removal is arbitrated under the registry lock, so concurrent calls
// cannot both claim the same device.
func (s *Service) Disconnect(deviceID string) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}

	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	if ok {
		delete(s.devices, deviceID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	closeErr := dev.shutdown()
	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.Disconnections.Add(1)
		s.metrics.LastDisconnectTime.Store(time.Now().Unix())
		s.metrics.CurrentConnections.Store(int64(s.deviceCount()))
	}
	s.LoggerService.Debug("device disconnected", "device", deviceID)
	return closeErr
}

// DisconnectAll tears down every registered device.
func (s *Service) DisconnectAll() error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}

	s.mu.Lock()
	devices := make([]*Device, 0, len(s.devices))
	for id, dev := range s.devices {
		devices = append(devices, dev)
		delete(s.devices, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, dev := range devices {
		if err := dev.shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.ID(), err))
		}
		if s.metricsEnabled.Load() && s.metrics != nil {
			s.metrics.Disconnections.Add(1)
			s.metrics.LastDisconnectTime.Store(time.Now().Unix())
		}
	}
	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.CurrentConnections.Store(0)
	}
	return errors.Join(errs...)
}

// RunCommand executes code on the device and returns its cleaned output.
// Multi-line blocks go through paste mode so compound statements arrive
// intact.
func (s *Service) RunCommand(ctx context.Context, deviceID, code string) (string, error) {
	dev, err := s.Device(deviceID)
	if err != nil {
		return "", err
	}

	start := time.Now()
	multiline := strings.ContainsAny(code, "\r\n")

	var entry *txEntry
	if multiline {
		entry = newTxEntry(ctx, "command", s.Config.CommandTimeout, pasteEnterRound(), pasteExecRound(code))
	} else {
		entry = newTxEntry(ctx, "command", s.Config.CommandTimeout, commandRound(code))
	}

	res, err := dev.run(entry)
	s.recordCommandMetrics(err, time.Since(start))
	if err != nil {
		return "", err
	}
	if len(res.bodies) == 0 {
		return "", nil
	}

	body := res.bodies[len(res.bodies)-1]
	if multiline {
		return cleanBlockOutput(body), nil
	}
	return cleanOutput(code, body), nil
}

// UploadFile writes data to remoteName on the device and verifies the
// stored size against what was sent.
func (s *Service) UploadFile(ctx context.Context, deviceID, remoteName string, data []byte) error {
	dev, err := s.Device(deviceID)
	if err != nil {
		return err
	}

	session := TransferSession{
		ID:         uuid.NewString()[:8],
		DeviceID:   deviceID,
		Direction:  TransferUpload,
		RemotePath: remoteName,
		Bytes:      int64(len(data)),
		StartedAt:  time.Now(),
	}
	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.TransfersStarted.Add(1)
	}

	res, err := dev.run(uploadEntry(ctx, s.Config, remoteName, data))
	if err != nil {
		s.recordTransferFailure(err)
		return err
	}
	if err = uploadVerify(res, len(data)); err != nil {
		s.recordTransferFailure(err)
		return err
	}

	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.TransfersCompleted.Add(1)
		s.metrics.BytesUploaded.Add(session.Bytes)
	}
	s.LoggerService.Debug("upload complete",
		"session", session.ID, "device", deviceID, "path", remoteName,
		"bytes", session.Bytes, "elapsed", time.Since(session.StartedAt))
	return nil
}

// DownloadFile reads remotePath from the device and returns its exact
// contents.
func (s *Service) DownloadFile(ctx context.Context, deviceID, remotePath string) ([]byte, error) {
	dev, err := s.Device(deviceID)
	if err != nil {
		return nil, err
	}

	entry, frame := downloadEntry(ctx, s.Config, remotePath)
	session := TransferSession{
		ID:         frame.nonce,
		DeviceID:   deviceID,
		Direction:  TransferDownload,
		RemotePath: remotePath,
		StartedAt:  time.Now(),
	}
	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.TransfersStarted.Add(1)
	}

	res, err := dev.run(entry)
	if err != nil {
		s.recordTransferFailure(err)
		return nil, err
	}
	if len(res.bodies) == 0 {
		s.recordTransferFailure(ErrTransferVerification)
		return nil, ErrTransferVerification
	}

	data, err := decodeHexBody(res.bodies[0])
	if err != nil {
		s.recordTransferFailure(err)
		return nil, err
	}
	session.Bytes = int64(len(data))

	if s.metricsEnabled.Load() && s.metrics != nil {
		s.metrics.TransfersCompleted.Add(1)
		s.metrics.BytesDownloaded.Add(session.Bytes)
	}
	s.LoggerService.Debug("download complete",
		"session", session.ID, "device", deviceID, "path", remotePath,
		"bytes", session.Bytes, "elapsed", time.Since(session.StartedAt))
	return data, nil
}

// ListFiles reads the directory listing at dirPath; empty means the
// filesystem root. A listing the device garbled yields an empty slice,
// not an error.
func (s *Service) ListFiles(ctx context.Context, deviceID, dirPath string) ([]FileEntry, error) {
	dev, err := s.Device(deviceID)
	if err != nil {
		return nil, err
	}

	dirPath = normalizeDirPath(dirPath)
	entry, _ := listEntry(ctx, s.Config, dirPath)

	start := time.Now()
	res, err := dev.run(entry)
	s.recordCommandMetrics(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(res.bodies) == 0 {
		return []FileEntry{}, nil
	}

	entries, perr := parseListing(res.bodies[0])
	if perr != nil {
		s.LoggerService.Debug("unparseable listing",
			"device", deviceID, "dir", dirPath, "error", perr)
		return []FileEntry{}, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// DeleteFile removes a file or empty directory on the device.
func (s *Service) DeleteFile(ctx context.Context, deviceID, path string) error {
	dev, err := s.Device(deviceID)
	if err != nil {
		return err
	}

	entry, _ := deleteEntry(ctx, s.Config, path)
	start := time.Now()
	_, err = dev.run(entry)
	s.recordCommandMetrics(err, time.Since(start))
	return err
}

// ResetDevice soft-reboots the interpreter and waits for it to come back
// up. The device's board info refreshes from the new boot banner.
func (s *Service) ResetDevice(ctx context.Context, deviceID string) (BoardInfo, error) {
	dev, err := s.Device(deviceID)
	if err != nil {
		return BoardInfo{}, err
	}

	entry := newTxEntry(ctx, "reset", s.Config.CommandTimeout, softResetRound())
	start := time.Now()
	res, err := dev.run(entry)
	s.recordCommandMetrics(err, time.Since(start))
	if err != nil {
		return BoardInfo{}, err
	}

	if len(res.bodies) > 0 {
		if info, ok := parseBanner(string(res.bodies[0])); ok {
			dev.setInfo(info)
		}
	}
	s.LoggerService.Debug("device reset", "device", deviceID)
	return dev.Info(), nil
}

// MemoryInfo reports the interpreter's heap usage.
func (s *Service) MemoryInfo(ctx context.Context, deviceID string) (MemoryInfo, error) {
	out, err := s.RunCommand(ctx, deviceID, "import gc; print(gc.mem_free(), gc.mem_alloc())")
	if err != nil {
		return MemoryInfo{}, err
	}

	fields := strings.Fields(out)
	if len(fields) < 2 {
		return MemoryInfo{}, &RemoteError{Op: "meminfo", Output: out}
	}
	free, err1 := strconv.ParseInt(fields[0], 10, 64)
	alloc, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return MemoryInfo{}, &RemoteError{Op: "meminfo", Output: out}
	}
	return MemoryInfo{Free: free, Allocated: alloc}, nil
}

// SubscribeOutput attaches a listener to the device's line-framed output
// stream.
func (s *Service) SubscribeOutput(deviceID string, buffer int) (<-chan string, func(), error) {
	dev, err := s.Device(deviceID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := dev.SubscribeOutput(buffer)
	return ch, cancel, nil
}

// Close disconnects every device and stops metrics broadcasting.
func (s *Service) Close() error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}

	var err error
	s.closeOnce.Do(func() {
		s.StopMetricsBroadcasting()
		err = s.DisconnectAll()
	})
	return err
}

// normalizeDirPath maps empty to the filesystem root and trims a trailing
// slash everywhere else.
func normalizeDirPath(dir string) string {
	if dir == "" {
		return "/"
	}
	if len(dir) > 1 {
		dir = strings.TrimRight(dir, "/")
		if dir == "" {
			return "/"
		}
	}
	return dir
}
