package security

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType classifies security events recorded by the monitor.
type EventType string

const (
	EventAuthFailure       EventType = "auth_failure"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventReplayDetected    EventType = "replay_detected"
	EventInvalidInput      EventType = "invalid_input"
	EventSuspiciousRequest EventType = "suspicious_request"
)

// Event is a single recorded security occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Source    string
	Severity  string
	Details   map[string]any
}

type threshold struct {
	count  int
	window time.Duration
}

// alertThresholds trigger an escalated log line when the same event type from
// the same source repeats too quickly.
var alertThresholds = map[EventType]threshold{
	EventAuthFailure:       {count: 10, window: time.Minute},
	EventRateLimitExceeded: {count: 20, window: time.Minute},
	EventReplayDetected:    {count: 3, window: 5 * time.Minute},
	EventSuspiciousRequest: {count: 5, window: time.Minute},
}

const (
	maxRetainedEvents = 10000
	trimRetainTo      = 5000
)

// Monitor records security events, keeps a bounded in-memory window of them,
// and escalates when per-source thresholds are exceeded. Safe for concurrent
// use.
type Monitor struct {
	logger *zap.Logger

	mu     sync.Mutex
	events []Event
}

func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{logger: logger.Named("security")}
}

// Record logs the event and checks alert thresholds. source is typically an
// account ID or worker ID.
func (m *Monitor) Record(eventType EventType, source, severity string, details map[string]any) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Severity:  severity,
		Details:   details,
	}

	m.mu.Lock()
	m.events = append(m.events, event)
	if len(m.events) > maxRetainedEvents {
		m.events = append([]Event(nil), m.events[len(m.events)-trimRetainTo:]...)
	}
	alertCount := 0
	if th, ok := alertThresholds[eventType]; ok {
		cutoff := event.Timestamp.Add(-th.window)
		for i := len(m.events) - 1; i >= 0; i-- {
			e := m.events[i]
			if e.Timestamp.Before(cutoff) {
				break
			}
			if e.Type == eventType && e.Source == source {
				alertCount++
			}
		}
		if alertCount < th.count {
			alertCount = 0
		}
	}
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("event", string(eventType)),
		zap.String("source", source),
		zap.String("severity", severity),
	}
	if len(details) > 0 {
		fields = append(fields, zap.Any("details", details))
	}
	if severity == "high" || severity == "critical" {
		m.logger.Warn("Security event", fields...)
	} else {
		m.logger.Info("Security event", fields...)
	}

	if alertCount > 0 {
		m.logger.Error("Security alert threshold exceeded",
			zap.String("event", string(eventType)),
			zap.String("source", source),
			zap.Int("count", alertCount))
	}
}

// RecentEvents returns up to limit most recent events, optionally filtered by
// type. Pass an empty type to disable the filter.
func (m *Monitor) RecentEvents(eventType EventType, limit int) []Event {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if eventType != "" && m.events[i].Type != eventType {
			continue
		}
		out = append(out, m.events[i])
	}
	return out
}
