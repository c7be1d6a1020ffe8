// Package events provides the event bus used for scan lifecycle notifications
// and performance alerts.
package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Scan events
	EventScanStarted   EventType = "scan.started"
	EventScanProgress  EventType = "scan.progress"
	EventScanCompleted EventType = "scan.completed"
	EventScanFailed    EventType = "scan.failed"
	EventScanCancelled EventType = "scan.cancelled"

	// Archive watcher events
	EventLibraryDirty EventType = "library.dirty"

	// Performance events
	EventAlertRaised     EventType = "perf.alert.raised"
	EventAlertResolved   EventType = "perf.alert.resolved"
	EventBlockingStarted EventType = "perf.blocking.started"
	EventBlockingEnded   EventType = "perf.blocking.ended"

	// System events
	EventSystemStarted EventType = "system.started"
	EventSystemStopped EventType = "system.stopped"
)

// Event represents a system event with a typed payload in Data.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler represents a function that handles events
type EventHandler func(event Event)

// EventFilter selects which events a subscription receives. Empty Types
// matches everything.
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Sources []string    `json:"sources,omitempty"`
}

// Subscription represents an event subscription
type Subscription struct {
	ID           string       `json:"id"`
	Filter       EventFilter  `json:"filter"`
	Handler      EventHandler `json:"-"`
	Subscriber   string       `json:"subscriber"`
	Created      time.Time    `json:"created"`
	TriggerCount int64        `json:"trigger_count"`
}

// EventStats represents statistics about events
type EventStats struct {
	TotalEvents         int64            `json:"total_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	RecentEvents        []Event          `json:"recent_events"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// NewSystemEvent builds an event originating from the system itself.
func NewSystemEvent(eventType EventType, title, message string) Event {
	return Event{
		Type:      eventType,
		Source:    "system",
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}
}
