package collector

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
)

// Log is the append-only, chronologically ordered alert sequence of one
// session. It is never trimmed; display trimming happens on read.
type Log struct {
	sessionID string
	log       *logrus.Logger

	mu     sync.RWMutex
	alerts []types.Alert
}

// NewLog creates an empty alert log.
func NewLog(sessionID string, log *logrus.Logger) *Log {
	return &Log{sessionID: sessionID, log: log}
}

// Append records a classified alert.
func (l *Log) Append(a types.Alert) {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
	l.logAlert(a)
}

// logAlert logs the alert at a level matching its severity
func (l *Log) logAlert(a types.Alert) {
	fields := logrus.Fields{
		"session_id": l.sessionID,
		"alert_id":   a.ID,
		"rule_id":    a.RuleID,
		"signal":     a.Signal,
		"source":     a.SourceKind,
		"class":      a.Class,
	}

	switch a.Severity {
	case types.SeverityHigh:
		l.log.WithFields(fields).Warn("HIGH: " + a.Message)
	case types.SeverityMedium:
		l.log.WithFields(fields).Warn("MEDIUM: " + a.Message)
	case types.SeverityLow:
		l.log.WithFields(fields).Info("LOW: " + a.Message)
	default:
		l.log.WithFields(fields).Debug(a.Message)
	}
}

// Recent returns up to n of the latest alerts, most recent last.
func (l *Log) Recent(n int) []types.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 {
		return []types.Alert{}
	}
	start := len(l.alerts) - n
	if start < 0 {
		start = 0
	}
	return append([]types.Alert{}, l.alerts[start:]...)
}

// All returns a copy of the full log.
func (l *Log) All() []types.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Alert{}, l.alerts...)
}

// Len returns the number of alerts recorded.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.alerts)
}

// Latest returns the most recent alert, if any.
func (l *Log) Latest() (types.Alert, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.alerts) == 0 {
		return types.Alert{}, false
	}
	return l.alerts[len(l.alerts)-1], true
}
