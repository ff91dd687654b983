package alerts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"tunwatch/internal/logx"
	"tunwatch/internal/model"
)

// Manager is the process-wide alert log. All tunnel loops raise into it
// concurrently; appends are serialized and readers always see fully-written
// events.
type Manager struct {
	mu          sync.RWMutex
	events      []model.AlertEvent
	lastRaised  map[dedupKey]time.Time
	suppression time.Duration
	now         func() time.Time

	// mirror is the dedicated alert log file, rotated independently of the
	// process log. Nil unless MirrorToFile was called.
	mirror *logrus.Logger
}

type dedupKey struct {
	tunnel    string
	condition model.Condition
	severity  model.Severity
}

// NewManager creates an alert manager with the given suppression window.
func NewManager(suppression time.Duration) *Manager {
	return &Manager{
		lastRaised:  make(map[dedupKey]time.Time),
		suppression: suppression,
		now:         time.Now,
	}
}

// Raise appends the event unless an identical (tunnel, condition, severity)
// event was raised within the suppression window. Returns whether the event
// was appended.
func (m *Manager) Raise(event model.AlertEvent) bool {
	m.mu.Lock()
	key := dedupKey{event.Tunnel, event.Condition, event.Severity}
	now := m.now()
	if last, ok := m.lastRaised[key]; ok && now.Sub(last) < m.suppression {
		m.mu.Unlock()
		return false
	}
	m.lastRaised[key] = now
	m.events = append(m.events, event)
	mirror := m.mirror
	m.mu.Unlock()

	fields := logrus.Fields{
		"tunnel":    event.Tunnel,
		"condition": event.Condition,
		"severity":  event.Severity,
	}
	logx.With(fields).Log(severityLevel(event.Severity), event.Message)
	if mirror != nil {
		fields["observed"] = event.Observed
		fields["threshold"] = event.Threshold
		mirror.WithFields(fields).Log(severityLevel(event.Severity), event.Message)
	}
	return true
}

// MirrorToFile routes a copy of every appended event to its own rotated log
// file, separate from the process log.
func (m *Manager) MirrorToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	mirror := logrus.New()
	mirror.SetLevel(logrus.InfoLevel)
	mirror.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	mirror.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxAge:     14,
		MaxBackups: 3,
		Compress:   true,
		LocalTime:  true,
	})

	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
	return nil
}

// Recent returns events newer than the window, oldest first. An empty
// severity matches all severities.
func (m *Manager) Recent(window time.Duration, severity model.Severity) []model.AlertEvent {
	cutoff := m.now().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AlertEvent, 0, len(m.events))
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if severity != "" && e.Severity != severity {
			continue
		}
		out = append(out, e)
	}
	return out
}

// All returns a copy of the full log, oldest first.
func (m *Manager) All() []model.AlertEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AlertEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Prune drops events older than maxAge and returns how many were removed.
func (m *Manager) Prune(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, e := range m.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(m.events) - len(kept)
	m.events = kept
	return removed
}

// ExportJSON writes the full log to path as a JSON array, atomically.
func (m *Manager) ExportJSON(path string) error {
	events := m.All()
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadJSON reads a previously exported log. A missing file yields an empty log.
func LoadJSON(path string) ([]model.AlertEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []model.AlertEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func severityLevel(sev model.Severity) logrus.Level {
	switch sev {
	case model.SeverityCritical:
		return logrus.ErrorLevel
	case model.SeverityWarning:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}
