package audit

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stephnangue/latch/logger"
)

// DeviceConfig describes one audit device.
type DeviceConfig struct {
	Name string
	Type string // "file" or "stdout"

	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool

	Prefix string

	// HMACKey salts sensitive fields. Empty means a random key per run.
	HMACKey string

	SaltFields   []string
	OmitFields   []string
	ExcludePaths []string

	// SkipTest skips the test write done when the device is created.
	SkipTest bool

	// Stdout replaces os.Stdout for the stdout type.
	Stdout io.Writer
}

// DeviceTypes lists the supported device types.
var DeviceTypes = []string{"file", "stdout"}

// NewDeviceFromConfig builds a device and, unless SkipTest is set, writes a
// test entry through it.
func NewDeviceFromConfig(ctx context.Context, conf DeviceConfig, log logger.Logger) (Device, error) {
	name := conf.Name
	if name == "" {
		name = conf.Type
	}

	var sink Sink
	switch conf.Type {
	case "file":
		fs, err := NewFileSink(FileSinkConfig{
			Path:       conf.Path,
			MaxSize:    conf.MaxSize,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAge,
			Compress:   conf.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("audit device %q: %w", name, err)
		}
		sink = fs
	case "stdout":
		w := conf.Stdout
		if w == nil {
			w = os.Stdout
		}
		sink = NewWriterSink(w)
	default:
		return nil, fmt.Errorf("audit device %q: unknown type %q", name, conf.Type)
	}

	var hmacer *HMACer
	var err error
	if conf.HMACKey != "" {
		hmacer, err = NewHMACer(conf.HMACKey)
	} else {
		hmacer, err = NewRandomHMACer()
		if err == nil && log != nil {
			log.Warn("audit device has no hmac_key, salted values will not correlate across restarts",
				logger.String("name", name),
			)
		}
	}
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("audit device %q: %w", name, err)
	}

	opts := []JSONFormatOption{WithSaltFields(conf.SaltFields), WithOmitFields(conf.OmitFields)}
	if conf.Prefix != "" {
		opts = append(opts, WithPrefix(conf.Prefix))
	}
	format, err := NewJSONFormat(hmacer.SaltFunc(), opts...)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	device := NewDevice(name, format, sink, conf.ExcludePaths)
	if !conf.SkipTest {
		if err := device.LogTestRequest(ctx); err != nil {
			_ = device.Close()
			return nil, fmt.Errorf("audit device %q: %w", name, err)
		}
	}
	return device, nil
}
