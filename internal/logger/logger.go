// Package logger is the process-wide structured logger. Lines go to a
// colourised console stream and, when a file is configured, to a rotating
// log file; both share one level.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeLayout = "[01-02|15:04:05.000]"

var sugar = build(DefaultConfig(), os.Stdout)

type Config struct {
	Level       string `toml:"level"` // DEBUG, INFO, WARN, ERROR, DPANIC, PANIC, FATAL
	File        string `toml:"file"`
	MaxFileSize int    `toml:"max_file_size"` // megabytes
	MaxBackups  int    `toml:"max_backups"`
	Console     bool   `toml:"console"`
}

func DefaultConfig() Config {
	return Config{Level: "INFO", Console: true}
}

// Set installs a logger built from cfg with the console stream on stdout.
func Set(cfg Config) {
	sugar = build(cfg, os.Stdout)
}

// SetOutput is Set with the console stream written to w. The CLI passes
// stderr so log lines stay out of command output.
func SetOutput(cfg Config, w io.Writer) {
	sugar = build(cfg, w)
}

func build(cfg Config, console io.Writer) *zap.SugaredLogger {
	level, levelErr := zapcore.ParseLevel(cfg.Level)
	if levelErr != nil {
		level = zapcore.InfoLevel
	}
	enabler := zap.NewAtomicLevelAt(level)

	var cores []zapcore.Core
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig(colouredLevel)),
			consoleSink{console},
			enabler,
		))
	}
	if cfg.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig(zapcore.CapitalLevelEncoder)),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxFileSize,
				MaxBackups: cfg.MaxBackups,
			}),
			enabler,
		))
	}

	s := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	).Sugar()
	if levelErr != nil {
		s.Errorf("unknown log level %q, using INFO", cfg.Level)
	}
	return s
}

func encoderConfig(levels zapcore.LevelEncoder) zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeLevel = levels
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	return ec
}

// consoleSink ignores Sync.
type consoleSink struct {
	io.Writer
}

func (consoleSink) Sync() error { return nil }

var levelEscapes = map[zapcore.Level]string{
	zapcore.DebugLevel: "\x1b[35m",
	zapcore.InfoLevel:  "\x1b[34m",
	zapcore.WarnLevel:  "\x1b[33m",
}

func colouredLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	esc, ok := levelEscapes[l]
	if !ok {
		esc = "\x1b[31m"
	}
	enc.AppendString(esc + l.CapitalString() + "\x1b[0m")
}

// SyncFileLogger flushes the file stream. Fatal calls it before exiting.
func SyncFileLogger() {
	if err := sugar.Sync(); err != nil {
		sugar.Debugf("syncing logger: %v", err)
	}
}

func Debugf(msg string, args ...any) { sugar.Debugf(msg, args...) }
func Infof(msg string, args ...any)  { sugar.Infof(msg, args...) }
func Warnf(msg string, args ...any)  { sugar.Warnf(msg, args...) }
func Errorf(msg string, args ...any) { sugar.Errorf(msg, args...) }

func Debug(args ...any) { sugar.Debug(args...) }
func Info(args ...any)  { sugar.Info(args...) }
func Warn(args ...any)  { sugar.Warn(args...) }

// Fatal logs at FATAL level and exits the process. Deferred calls do not run.
func Fatal(args ...any) {
	SyncFileLogger()
	sugar.Fatal(args...)
}
