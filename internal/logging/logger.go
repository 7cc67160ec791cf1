package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap logger that writes JSON to the given log file path
// and console output to stderr. Session, component and PID are included as
// initial fields so the daemon and the background process can share a log dir.
func New(logPath, sessionName, component string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl := os.Getenv("PORTALCHAT_LOG_LEVEL"); lvl != "" {
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level)
	stderrCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level)

	logger := zap.New(zapcore.NewTee(fileCore, stderrCore),
		zap.Fields(
			zap.String("session", sessionName),
			zap.String("component", component),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}
