package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func isSensitive(key string) bool {
	_, ok := sensitiveKeys[key]
	return ok
}

func (f StringField) key() string   { return f.Key }
func (f IntField) key() string      { return f.Key }
func (f BoolField) key() string     { return f.Key }
func (f DurationField) key() string { return f.Key }
func (f TimeField) key() string     { return f.Key }
func (f ErrorField) key() string    { return zerolog.ErrorFieldName }
func (f AnyField) key() string      { return f.Key }

func (f StringField) apply(event *zerolog.Event) *zerolog.Event {
	if isSensitive(f.Key) {
		return event.Str(f.Key, redacted)
	}
	return event.Str(f.Key, f.Value)
}

func (f IntField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Int(f.Key, f.Value)
}

func (f BoolField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Bool(f.Key, f.Value)
}

func (f DurationField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Dur(f.Key, f.Value)
}

func (f TimeField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Time(f.Key, f.Value)
}

func (f ErrorField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Err(f.Value)
}

func (f AnyField) apply(event *zerolog.Event) *zerolog.Event {
	if isSensitive(f.Key) {
		return event.Str(f.Key, redacted)
	}
	return event.Interface(f.Key, f.Value)
}

// ZerologLogger implements Logger on top of zerolog.
type ZerologLogger struct {
	// base carries every field except the module tag.
	base       zerolog.Logger
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger builds a Logger from config. A nil config uses DefaultConfig.
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if fc := config.FileConfig; fc != nil {
		if err := os.MkdirAll(filepath.Dir(fc.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   fc.Filename,
				MaxSize:    fc.MaxSize,
				MaxAge:     fc.MaxAge,
				MaxBackups: fc.MaxBackups,
				Compress:   fc.Compress,
				LocalTime:  true,
			}
			// rotated files are always JSON
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == ConsoleFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
			continue
		}
		writers = append(writers, output)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	if config.EnableCaller {
		zl = zl.With().CallerWithSkipFrameCount(4).Logger()
	}

	return newWithModule(zl, config, config.Subsystem, fileWriter)
}

func newWithModule(base zerolog.Logger, config *Config, subsystem string, fw *lumberjack.Logger) *ZerologLogger {
	zl := base
	if subsystem != "" {
		zl = base.With().Str("module", subsystem).Logger()
	}
	return &ZerologLogger{
		base:       base,
		logger:     zl,
		config:     config,
		subsystem:  subsystem,
		fileWriter: fw,
	}
}

func (zl *ZerologLogger) log(level zerolog.Level, msg string, fields []TypedField) {
	event := zl.logger.WithLevel(level)
	if event == nil {
		return
	}
	for _, f := range fields {
		event = f.apply(event)
	}
	event.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zerolog.TraceLevel, msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zerolog.DebugLevel, msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zerolog.InfoLevel, msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zerolog.WarnLevel, msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zerolog.ErrorLevel, msg, fields)
}

func (zl *ZerologLogger) Infof(format string, args ...any) {
	zl.logger.Info().Msgf(format, args...)
}

func (zl *ZerologLogger) Warnf(format string, args ...any) {
	zl.logger.Warn().Msgf(format, args...)
}

func (zl *ZerologLogger) Errorf(format string, args ...any) {
	zl.logger.Error().Msgf(format, args...)
}

// WithSubsystem creates a new logger with a subsystem
func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	sub := name
	if zl.subsystem != "" {
		sub = zl.subsystem + "." + name
	}
	return newWithModule(zl.base, zl.config, sub, zl.fileWriter)
}

// WithFields creates a new logger with additional fields
func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	ctx := zl.base.With()
	for _, f := range fields {
		if isSensitive(f.key()) {
			ctx = ctx.Str(f.key(), redacted)
			continue
		}
		switch v := f.(type) {
		case StringField:
			ctx = ctx.Str(v.Key, v.Value)
		case IntField:
			ctx = ctx.Int(v.Key, v.Value)
		case BoolField:
			ctx = ctx.Bool(v.Key, v.Value)
		case DurationField:
			ctx = ctx.Dur(v.Key, v.Value)
		case TimeField:
			ctx = ctx.Time(v.Key, v.Value)
		case ErrorField:
			ctx = ctx.Err(v.Value)
		case AnyField:
			ctx = ctx.Interface(v.Key, v.Value)
		}
	}
	return newWithModule(ctx.Logger(), zl.config, zl.subsystem, zl.fileWriter)
}

// IsLevelEnabled checks if a log level is enabled
func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

// Close releases the rotating file, if any.
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
