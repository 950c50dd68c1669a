package log

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// PrefixLogger writes to the underlying log, but all messages are prefixed with a string of your choice
type PrefixLogger struct {
	Log    logs.Log
	Prefix string
}

// Create a new PrefixLogger
func NewPrefixLogger(log logs.Log, prefix string) *PrefixLogger {
	return NewPrefixLoggerNoSpace(log, prefix+" ")
}

// Create a new PrefixLogger, but don't add a space onto 'prefix'
func NewPrefixLoggerNoSpace(log logs.Log, prefix string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: prefix,
	}
}

func (l *PrefixLogger) Close() {
	l.Log.Close()
}

func (l *PrefixLogger) Debugf(format string, a ...interface{}) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...interface{}) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...interface{}) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...interface{}) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Criticalf(format string, a ...interface{}) {
	l.Log.Criticalf(l.Prefix+format, a...)
}

// Throttle emits at most one message per Interval, and counts the messages that it swallowed.
// We use this for errors that can occur on every frame.
type Throttle struct {
	Interval time.Duration

	lock       sync.Mutex
	lastEmit   time.Time
	suppressed int
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{Interval: interval}
}

// Errorf logs the message if enough time has passed since the previous one.
// Returns true if the message was logged.
func (t *Throttle) Errorf(log logs.Log, format string, a ...interface{}) bool {
	t.lock.Lock()
	now := time.Now()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.Interval {
		t.suppressed++
		t.lock.Unlock()
		return false
	}
	suppressed := t.suppressed
	t.suppressed = 0
	t.lastEmit = now
	t.lock.Unlock()

	if suppressed != 0 {
		log.Errorf(format+" (%v similar errors suppressed)", append(a, suppressed)...)
	} else {
		log.Errorf(format, a...)
	}
	return true
}
