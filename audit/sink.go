package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSinkConfig contains configuration for file sink
type FileSinkConfig struct {
	Path string

	// MaxSize is the size in megabytes at which the file is rotated.
	// Zero means 100.
	MaxSize    int
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// FileSink writes audit logs to a file, rotating it by size.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *lumberjack.Logger
}

// NewFileSink opens the file right away so a bad path fails at startup
// rather than on the first request.
func NewFileSink(config FileSinkConfig) (*FileSink, error) {
	if config.Path == "" {
		return nil, errors.New("file path is required")
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	_ = f.Close()

	return &FileSink{
		path: config.Path,
		file: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		},
	}, nil
}

// Write writes an entry to the file
func (s *FileSink) Write(ctx context.Context, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(entry, '\n')); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

// Rotate closes the current file and starts a new one.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Rotate()
}

// Close closes the file sink
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Path returns the path of the active file.
func (s *FileSink) Path() string {
	return s.path
}

// Type returns the sink type
func (s *FileSink) Type() string {
	return "file"
}

// WriterSink writes entries to an io.Writer such as stdout.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(ctx context.Context, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(append(entry, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// Close does not close the underlying writer.
func (s *WriterSink) Close() error {
	return nil
}

func (s *WriterSink) Type() string {
	return "stdout"
}
