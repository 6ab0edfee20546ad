// Package monitoring carries the operator-facing alert book. Components
// raise alerts when a retry budget is exhausted; the book dedupes repeats
// and fans them out to registered handlers.
package monitoring

import (
	"log/slog"
	"sync"
	"time"
)

// Severity levels for operator alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one deduplicated operator notice.
type Alert struct {
	Component string    `json:"component"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int       `json:"count"`
}

// AlertBook collects operator alerts with a per-key dedupe cooldown:
// repeats inside the window bump the count instead of re-firing handlers.
type AlertBook struct {
	mu       sync.Mutex
	active   map[string]*Alert // component|message
	handlers []func(Alert)
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewAlertBook creates a book with the given dedupe window.
// cooldown <= 0 defaults to 5 minutes.
func NewAlertBook(cooldown time.Duration) *AlertBook {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &AlertBook{
		active:   make(map[string]*Alert),
		cooldown: cooldown,
		logger:   slog.Default().With("component", "alert-book"),
		now:      time.Now,
	}
}

// OnAlert registers a handler fired once per dedupe window per alert key.
// Handlers run on the caller's goroutine and must not block.
func (b *AlertBook) OnAlert(fn func(Alert)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Raise records an alert. Within the cooldown window a repeat of the same
// component and message only increments its count.
func (b *AlertBook) Raise(component, severity, message string) {
	now := b.now()
	key := component + "|" + message

	b.mu.Lock()
	a, ok := b.active[key]
	if ok && now.Sub(a.LastSeen) < b.cooldown {
		a.Count++
		a.LastSeen = now
		b.mu.Unlock()
		return
	}
	if a == nil {
		a = &Alert{Component: component, Severity: severity, Message: message, FirstSeen: now}
		b.active[key] = a
	}
	a.Severity = severity
	a.Count++
	a.LastSeen = now
	fired := *a
	handlers := make([]func(Alert), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	b.logger.Warn("operator alert",
		"alert_component", component,
		"severity", severity,
		"message", message,
		"count", fired.Count,
	)
	for _, fn := range handlers {
		fn(fired)
	}
}

// Active returns a snapshot of every alert seen within the cooldown window.
func (b *AlertBook) Active() []Alert {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Alert, 0, len(b.active))
	for key, a := range b.active {
		if now.Sub(a.LastSeen) >= b.cooldown {
			delete(b.active, key)
			continue
		}
		out = append(out, *a)
	}
	return out
}

// Clear drops every alert for a component, e.g. after operator intervention.
func (b *AlertBook) Clear(component string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, a := range b.active {
		if a.Component == component {
			delete(b.active, key)
		}
	}
}
