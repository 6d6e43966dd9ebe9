package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var stdout = os.Stdout

// ZapLoggerConfig configures the production logging backend: JSON-encoded
// records rotated to disk via lumberjack, optionally mirrored to stdout.
type ZapLoggerConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      zapcore.Level
	AlsoStdout bool
}

// ZapLogger wraps a zap.SugaredLogger to implement Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a ZapLogger from cfg. A zero-value Filename disables
// file rotation entirely and logs to stdout only, regardless of AlsoStdout.
func NewZapLogger(cfg ZapLoggerConfig) *ZapLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	var cores []zapcore.Core
	if cfg.Filename != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), cfg.Level))
	}
	if cfg.AlsoStdout || cfg.Filename == "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(stdout)), cfg.Level))
	}

	core := zapcore.NewTee(cores...)
	l := zap.New(core, zap.AddCaller())
	return &ZapLogger{sugar: l.Sugar()}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error { return l.sugar.Sync() }
