package log

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/logging"
	"github.com/cyclopcam/logs"
)

type Level int

const (
	LevelDebug    Level = iota // information that only a programmer will understand
	LevelInfo                  // information that a non-programmer might be interested in
	LevelWarn                  // speeds up tracking down issues, once you know about them
	LevelError                 // should not have happened
	LevelCritical              // wake somebody up
)

// GCPLogger sends log messages to Google Cloud Logging
type GCPLogger struct {
	GCP    *logging.Logger
	Client *logging.Client
}

// NewLog creates the process logger.
// If GCP_PROJECT_ID and GCP_LOGNAME are set, then we log to Google Cloud Logging.
// Otherwise we log to stdout.
func NewLog() (logs.Log, error) {
	gcpProjectID := os.Getenv("GCP_PROJECT_ID")
	gcpLogname := os.Getenv("GCP_LOGNAME")
	if gcpProjectID != "" && gcpLogname != "" {
		fmt.Printf("Logging to GCP %v / %v (you won't see further logs on stdout)\n", gcpProjectID, gcpLogname)
		client, err := logging.NewClient(context.Background(), gcpProjectID)
		if err != nil {
			return nil, fmt.Errorf("Failed to create GCP logging client: %w", err)
		}
		return &GCPLogger{
			Client: client,
			GCP:    client.Logger(gcpLogname),
		}, nil
	}
	return logs.NewLog()
}

func levelToGCP(level Level) logging.Severity {
	switch level {
	case LevelDebug:
		return logging.Debug
	case LevelInfo:
		return logging.Info
	case LevelWarn:
		return logging.Warning
	case LevelError:
		return logging.Error
	case LevelCritical:
		return logging.Critical
	}
	panic("Unknown log level")
}

func (l *GCPLogger) write(level Level, format string, a ...interface{}) {
	l.GCP.Log(logging.Entry{
		Severity: levelToGCP(level),
		Payload:  fmt.Sprintf(format, a...),
	})
}

func (l *GCPLogger) Close() {
	l.GCP.Flush()
	l.Client.Close()
}

func (l *GCPLogger) Debugf(format string, a ...interface{}) {
	l.write(LevelDebug, format, a...)
}

func (l *GCPLogger) Infof(format string, a ...interface{}) {
	l.write(LevelInfo, format, a...)
}

func (l *GCPLogger) Warnf(format string, a ...interface{}) {
	l.write(LevelWarn, format, a...)
}

func (l *GCPLogger) Errorf(format string, a ...interface{}) {
	l.write(LevelError, format, a...)
}

func (l *GCPLogger) Criticalf(format string, a ...interface{}) {
	l.write(LevelCritical, format, a...)
}
