package audit

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// device implements the Device interface
type device struct {
	mu      sync.RWMutex
	name    string
	format  Format
	sink    Sink
	enabled bool
	filters []FilterFunc
}

// NewDevice creates an enabled device. Requests whose path matches one of
// excludePaths, as a prefix or a path.Match pattern, are not logged.
func NewDevice(name string, format Format, sink Sink, excludePaths []string) Device {
	d := &device{
		name:    name,
		format:  format,
		sink:    sink,
		enabled: true,
	}
	if len(excludePaths) > 0 {
		d.AddFilter(excludePathFilter(excludePaths))
	}
	return d
}

func excludePathFilter(patterns []string) FilterFunc {
	return func(entry *LogEntry) bool {
		if entry.Request == nil {
			return true
		}
		for _, pattern := range patterns {
			if matched, _ := path.Match(pattern, entry.Request.Path); matched {
				return false
			}
			if strings.HasPrefix(entry.Request.Path, pattern) {
				return false
			}
		}
		return true
	}
}

// AddFilter adds a filter function to the device
func (d *device) AddFilter(filter FilterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters = append(d.filters, filter)
}

func (d *device) shouldLog(entry *LogEntry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.enabled {
		return false
	}
	for _, filter := range d.filters {
		if !filter(entry) {
			return false
		}
	}
	return true
}

func (d *device) LogRequest(ctx context.Context, entry *LogEntry) error {
	return d.log(ctx, EntryTypeRequest, entry)
}

func (d *device) LogResponse(ctx context.Context, entry *LogEntry) error {
	return d.log(ctx, EntryTypeResponse, entry)
}

func (d *device) log(ctx context.Context, typ EntryType, entry *LogEntry) error {
	if !d.shouldLog(entry) {
		return nil
	}

	formatted, err := d.format.Format(ctx, typ, entry)
	if err != nil {
		return fmt.Errorf("failed to format %s: %w", typ, err)
	}
	if err := d.sink.Write(ctx, formatted); err != nil {
		return fmt.Errorf("failed to write to sink: %w", err)
	}
	return nil
}

// LogTestRequest bypasses filters and the enabled flag.
func (d *device) LogTestRequest(ctx context.Context) error {
	entry := &LogEntry{
		Timestamp: time.Now().UTC(),
		Request: &Request{
			ID:        "test-request-id",
			Operation: "read",
			Path:      "sys/audit/test",
			ClientIP:  "127.0.0.1",
		},
	}

	formatted, err := d.format.Format(ctx, EntryTypeTest, entry)
	if err != nil {
		return fmt.Errorf("failed to format test request: %w", err)
	}
	if err := d.sink.Write(ctx, formatted); err != nil {
		return fmt.Errorf("failed to write test request to sink: %w", err)
	}
	return nil
}

func (d *device) Close() error {
	return d.sink.Close()
}

func (d *device) Name() string {
	return d.name
}

func (d *device) Type() string {
	return d.sink.Type()
}

func (d *device) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

func (d *device) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
