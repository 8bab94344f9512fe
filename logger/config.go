package logger

import (
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level        LogLevel
	Format       OutputFormat
	Outputs      []io.Writer
	Subsystem    string
	FileConfig   *FileConfig
	EnableCaller bool
}

// DefaultConfig returns a console logger at info level on stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:   InfoLevel,
		Format:  ConsoleFormat,
		Outputs: []io.Writer{os.Stdout},
	}
}

// FileConfig holds file rotation configuration
type FileConfig struct {
	Filename   string // File path
	MaxSize    int    // Maximum size in megabytes
	MaxAge     int    // Maximum age in days
	MaxBackups int    // Maximum number of backup files
	Compress   bool   // Whether to compress rotated files
}

// DefaultFileConfig returns a default file configuration
func DefaultFileConfig(filename string) *FileConfig {
	return &FileConfig{
		Filename:   filename,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 10,
		Compress:   true,
	}
}
