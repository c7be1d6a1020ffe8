package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventBus delivers events to registered subscriptions.
type EventBus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, event Event) error
	PublishAsync(event Event)
	Subscribe(subscriber string, filter EventFilter, handler EventHandler) (*Subscription, error)
	Unsubscribe(subscriptionID string) error
	GetStats() EventStats
}

// eventBus implements the EventBus interface
type eventBus struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	eventChannel  chan Event
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	recentEvents []Event
	stats        EventStats
}

const recentEventLimit = 100

// NewEventBus creates a new event bus with the given channel buffer size.
func NewEventBus(bufferSize int) EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &eventBus{
		subscriptions: make(map[string]*Subscription),
		eventChannel:  make(chan Event, bufferSize),
		recentEvents:  make([]Event, 0, recentEventLimit),
		stopCh:        make(chan struct{}),
		stats: EventStats{
			EventsByType: make(map[string]int64),
		},
	}
}

// Start starts the event bus
func (eb *eventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return fmt.Errorf("event bus is already running")
	}

	eb.running = true
	eb.stopCh = make(chan struct{})

	eb.wg.Add(1)
	go eb.processEvents()

	return nil
}

// Stop stops the event bus gracefully
func (eb *eventBus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	eb.mu.Unlock()

	close(eb.stopCh)

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish publishes an event to the event bus
func (eb *eventBus) Publish(ctx context.Context, event Event) error {
	eb.mu.RLock()
	running := eb.running
	eb.mu.RUnlock()
	if !running {
		return fmt.Errorf("event bus is not running")
	}

	eb.stampEvent(&event)

	select {
	case eb.eventChannel <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync publishes an event without blocking. Events are dropped when
// the channel is full.
func (eb *eventBus) PublishAsync(event Event) {
	eb.mu.RLock()
	running := eb.running
	eb.mu.RUnlock()
	if !running {
		return
	}

	eb.stampEvent(&event)

	select {
	case eb.eventChannel <- event:
	default:
	}
}

func (eb *eventBus) stampEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}

// Subscribe registers a handler for events matching the filter.
func (eb *eventBus) Subscribe(subscriber string, filter EventFilter, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	sub := &Subscription{
		ID:         uuid.New().String(),
		Filter:     filter,
		Handler:    handler,
		Subscriber: subscriber,
		Created:    time.Now(),
	}

	eb.mu.Lock()
	eb.subscriptions[sub.ID] = sub
	eb.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a subscription
func (eb *eventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, ok := eb.subscriptions[subscriptionID]; !ok {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(eb.subscriptions, subscriptionID)
	return nil
}

// GetStats returns current event statistics
func (eb *eventBus) GetStats() EventStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	stats := eb.stats
	stats.EventsByType = make(map[string]int64, len(eb.stats.EventsByType))
	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	stats.RecentEvents = append([]Event(nil), eb.recentEvents...)
	stats.ActiveSubscriptions = len(eb.subscriptions)
	return stats
}

func (eb *eventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.eventChannel:
			eb.dispatch(event)
		case <-eb.stopCh:
			// Drain whatever is already buffered before exiting
			for {
				select {
				case event := <-eb.eventChannel:
					eb.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (eb *eventBus) dispatch(event Event) {
	eb.mu.Lock()
	eb.stats.TotalEvents++
	eb.stats.EventsByType[string(event.Type)]++
	eb.recentEvents = append(eb.recentEvents, event)
	if len(eb.recentEvents) > recentEventLimit {
		eb.recentEvents = eb.recentEvents[len(eb.recentEvents)-recentEventLimit:]
	}
	subs := make([]*Subscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		if matchesFilter(event, sub.Filter) {
			subs = append(subs, sub)
			sub.TriggerCount++
		}
	}
	eb.mu.Unlock()

	for _, sub := range subs {
		sub.Handler(event)
	}
}

func matchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Sources) > 0 {
		found := false
		for _, s := range filter.Sources {
			if s == event.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var (
	globalBus   EventBus
	globalBusMu sync.RWMutex
)

// SetGlobalEventBus registers the process-wide event bus.
func SetGlobalEventBus(bus EventBus) {
	globalBusMu.Lock()
	defer globalBusMu.Unlock()
	globalBus = bus
}

// GetGlobalEventBus returns the process-wide event bus, creating a default
// one on first use.
func GetGlobalEventBus() EventBus {
	globalBusMu.Lock()
	defer globalBusMu.Unlock()
	if globalBus == nil {
		globalBus = NewEventBus(256)
	}
	return globalBus
}
