// Package logging provides the concrete engine.Logger implementation the
// host binary wires in: go.uber.org/zap with file rotation via
// gopkg.in/natefinch/lumberjack.v2 (§10.1). Engine components never
// import this package directly; they depend only on engine.Logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tmad4000/voiceflow/pkg/engine"
)

// Options configures the rotating log file. A zero-value Options still
// produces a usable logger writing to Path's default.
type Options struct {
	Path       string // defaults to "voiceflow.log"
	MaxSizeMB  int    // defaults to 20
	MaxBackups int    // defaults to 5
	MaxAgeDays int    // defaults to 28
	Level      zapcore.Level
}

// ZapLogger adapts *zap.SugaredLogger to engine.Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a ZapLogger writing JSON lines to a lumberjack-rotated file
// and, for operator convenience, also to stderr.
func New(opts Options) *ZapLogger {
	path := opts.Path
	if path == "" {
		path = "voiceflow.log"
	}
	maxSize := opts.MaxSizeMB
	if maxSize == 0 {
		maxSize = 20
	}
	maxBackups := opts.MaxBackups
	if maxBackups == 0 {
		maxBackups = 5
	}
	maxAge := opts.MaxAgeDays
	if maxAge == 0 {
		maxAge = 28
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), opts.Level)
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), opts.Level)

	core := zapcore.NewTee(fileCore, consoleCore)
	logger := zap.New(core, zap.AddCaller())
	return &ZapLogger{sugar: logger.Sugar()}
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// Sync flushes any buffered log entries; the host should call this
// during shutdown.
func (l *ZapLogger) Sync() error { return l.sugar.Sync() }

var _ engine.Logger = (*ZapLogger)(nil)
