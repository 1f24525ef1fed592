package proxy

import (
	"io"
	"log/slog"
	"net"
	"os"

	uuid "github.com/satori/go.uuid"
)

// InstanceLogger is a logger bound to one proxy instance: every record
// carries the instance ID, name and port.
type InstanceLogger struct {
	InstanceID   string
	InstanceName string
	Port         string
	LogFilePath  string

	logger *slog.Logger
	file   io.Closer
}

// NewInstanceLogger creates an instance logger on top of slog.Default.
func NewInstanceLogger(addr, instanceName string) *InstanceLogger {
	return NewInstanceLoggerWithFile(addr, instanceName, "")
}

// NewInstanceLoggerWithFile creates an instance logger writing JSON records
// to logFilePath. When the file cannot be opened it falls back to
// slog.Default.
func NewInstanceLoggerWithFile(addr, instanceName, logFilePath string) *InstanceLogger {
	port := addr
	if _, p, err := net.SplitHostPort(addr); err == nil {
		port = p
	}
	if instanceName == "" {
		instanceName = "proxy-" + port
	}

	il := &InstanceLogger{
		InstanceID:   uuid.NewV4().String()[:8],
		InstanceName: instanceName,
		Port:         port,
		LogFilePath:  logFilePath,
	}

	base := slog.Default()
	if logFilePath != "" {
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("failed to open log file", "file", logFilePath, "error", err)
		} else {
			il.file = file
			base = slog.New(slog.NewJSONHandler(file, nil))
		}
	}
	il.logger = base.With(
		"instance_id", il.InstanceID,
		"instance_name", il.InstanceName,
		"port", il.Port,
	)

	return il
}

// WithFields returns the instance logger with args added.
func (il *InstanceLogger) WithFields(args ...any) *slog.Logger {
	return il.logger.With(args...)
}

// GetLogger returns the underlying slog logger.
func (il *InstanceLogger) GetLogger() *slog.Logger {
	return il.logger
}

// Close closes the log file, if any.
func (il *InstanceLogger) Close() error {
	if il.file == nil {
		return nil
	}
	return il.file.Close()
}
