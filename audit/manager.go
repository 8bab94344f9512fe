package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/stephnangue/latch/logger"
)

var _ Broker = (*Manager)(nil)

// Manager holds the registered audit devices and writes every entry to
// each enabled one.
type Manager struct {
	mu       sync.RWMutex
	devices  map[string]Device
	log      logger.Logger
	parallel bool
}

// ManagerConfig contains configuration for the audit manager
type ManagerConfig struct {
	Logger logger.Logger

	// Sequential writes to devices one at a time, in name order.
	Sequential bool
}

func NewManager(config ManagerConfig) *Manager {
	return &Manager{
		devices:  make(map[string]Device),
		log:      config.Logger,
		parallel: !config.Sequential,
	}
}

// RegisterDevice registers a new audit device
func (m *Manager) RegisterDevice(device Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := device.Name()
	if _, exists := m.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}
	m.devices[name] = device

	if m.log != nil {
		m.log.Info("audit device registered",
			logger.String("name", name),
			logger.String("type", device.Type()),
		)
	}
	return nil
}

// UnregisterDevice closes and removes a device.
func (m *Manager) UnregisterDevice(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, exists := m.devices[name]
	if !exists {
		return fmt.Errorf("device %q not found", name)
	}
	delete(m.devices, name)

	if err := device.Close(); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}
	return nil
}

// GetDevice returns a device by name
func (m *Manager) GetDevice(name string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[name]
	if !exists {
		return nil, fmt.Errorf("device %q not found", name)
	}
	return device, nil
}

// ListDevices returns the registered device names, sorted.
func (m *Manager) ListDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) LogRequest(ctx context.Context, entry *LogEntry) (bool, error) {
	return m.logToDevices(ctx, entry, true)
}

func (m *Manager) LogResponse(ctx context.Context, entry *LogEntry) (bool, error) {
	return m.logToDevices(ctx, entry, false)
}

func (m *Manager) logToDevices(ctx context.Context, entry *LogEntry, isRequest bool) (bool, error) {
	m.mu.RLock()
	devices := make([]Device, 0, len(m.devices))
	for _, device := range m.devices {
		if device.Enabled() {
			devices = append(devices, device)
		}
	}
	parallel := m.parallel
	m.mu.RUnlock()

	// Nothing to satisfy.
	if len(devices) == 0 {
		return true, nil
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name() < devices[j].Name() })

	if len(devices) == 1 || !parallel {
		return m.logSequential(ctx, devices, entry, isRequest)
	}
	return m.logParallel(ctx, devices, entry, isRequest)
}

func logOne(ctx context.Context, d Device, entry *LogEntry, isRequest bool) error {
	if isRequest {
		return d.LogRequest(ctx, entry)
	}
	return d.LogResponse(ctx, entry)
}

func (m *Manager) logParallel(ctx context.Context, devices []Device, entry *LogEntry, isRequest bool) (bool, error) {
	type result struct {
		name string
		err  error
	}

	results := make(chan result, len(devices))
	for _, device := range devices {
		go func(d Device) {
			results <- result{name: d.Name(), err: logOne(ctx, d, entry, isRequest)}
		}(device)
	}

	var errs *multierror.Error
	ok := false
	for range devices {
		res := <-results
		if res.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device %q: %w", res.name, res.err))
			continue
		}
		ok = true
	}
	return ok, errs.ErrorOrNil()
}

func (m *Manager) logSequential(ctx context.Context, devices []Device, entry *LogEntry, isRequest bool) (bool, error) {
	var errs *multierror.Error
	ok := false
	for _, device := range devices {
		if err := logOne(ctx, device, entry, isRequest); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device %q: %w", device.Name(), err))
			continue
		}
		ok = true
	}
	return ok, errs.ErrorOrNil()
}

// Close closes all devices
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs *multierror.Error
	for name, device := range m.devices {
		if err := device.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("device %q: %w", name, err))
		}
	}
	m.devices = make(map[string]Device)
	return errs.ErrorOrNil()
}
