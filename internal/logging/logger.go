package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures a daemon logger.
type Options struct {
	// Path is the JSON log file. It always receives debug entries.
	Path    string
	Profile string
	UserID  string
	// Level gates the console copy on stderr ("debug", "info", "warn", "error").
	// Empty means info.
	Level string
}

// New creates a zap logger that tees JSON to the log file and a console
// encoding to stderr. Every entry carries the profile, user and PID.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), zapcore.DebugLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), level),
	)

	fields := []zap.Field{
		zap.String("profile", opts.Profile),
		zap.Int("pid", os.Getpid()),
	}
	if opts.UserID != "" {
		fields = append(fields, zap.String("user", opts.UserID))
	}
	return zap.New(core, zap.Fields(fields...)), nil
}
