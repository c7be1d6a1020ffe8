package scanner

import (
	"sync"
	"time"
)

// ProgressTracker tracks scan progress through phases, smooths the processing
// rate over recent samples, and fans updates out to registered callbacks.
type ProgressTracker struct {
	mu sync.RWMutex

	phase   ScanPhase
	message string
	current int64
	total   int64

	startTime      time.Time
	lastUpdateTime time.Time

	recentSamples   []rateSample
	maxSamples      int
	smoothingFactor float64
	currentRate     float64

	callbacks []ProgressFunc
}

type rateSample struct {
	timestamp time.Time
	items     int64
}

// NewProgressTracker creates a tracker in the counting phase.
func NewProgressTracker() *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		phase:           PhaseCounting,
		startTime:       now,
		lastUpdateTime:  now,
		maxSamples:      10,
		smoothingFactor: 0.3,
		recentSamples:   make([]rateSample, 0, 10),
	}
}

// AddCallback registers a callback invoked on every update.
func (t *ProgressTracker) AddCallback(cb ProgressFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// SetPhase moves the tracker to a new phase and resets current/total.
func (t *ProgressTracker) SetPhase(phase ScanPhase, message string) {
	t.mu.Lock()
	t.phase = phase
	t.message = message
	t.current = 0
	t.total = 0
	t.lastUpdateTime = time.Now()
	update := t.snapshotLocked()
	cbs := t.callbacks
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(update)
	}
}

// SetTotal sets the expected item count for the current phase.
func (t *ProgressTracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}

// Update advances the current item count and notifies callbacks.
func (t *ProgressTracker) Update(current int64, message string) {
	t.mu.Lock()
	now := time.Now()
	t.current = current
	if message != "" {
		t.message = message
	}
	t.lastUpdateTime = now

	t.recentSamples = append(t.recentSamples, rateSample{timestamp: now, items: current})
	if len(t.recentSamples) > t.maxSamples {
		t.recentSamples = t.recentSamples[len(t.recentSamples)-t.maxSamples:]
	}
	t.calculateRateLocked()

	update := t.snapshotLocked()
	cbs := t.callbacks
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(update)
	}
}

func (t *ProgressTracker) calculateRateLocked() {
	if len(t.recentSamples) < 2 {
		return
	}
	oldest := t.recentSamples[0]
	newest := t.recentSamples[len(t.recentSamples)-1]

	duration := newest.timestamp.Sub(oldest.timestamp).Seconds()
	if duration <= 0 {
		return
	}
	itemsPerSecond := float64(newest.items-oldest.items) / duration

	if t.currentRate == 0 {
		t.currentRate = itemsPerSecond
	} else {
		t.currentRate = t.smoothingFactor*itemsPerSecond + (1-t.smoothingFactor)*t.currentRate
	}
}

func (t *ProgressTracker) snapshotLocked() ProgressUpdate {
	update := ProgressUpdate{
		Phase:   t.phase,
		Message: t.message,
		Current: t.current,
		Total:   t.total,
	}
	switch t.phase {
	case PhaseComplete:
		update.Percentage = 100
	default:
		if t.total > 0 {
			update.Percentage = float64(t.current) / float64(t.total) * 100
			if update.Percentage > 100 {
				update.Percentage = 100
			}
		}
	}
	return update
}

// Snapshot returns the current progress state.
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Rate returns the smoothed items-per-second processing rate.
func (t *ProgressTracker) Rate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentRate
}

// ETA estimates completion time from the smoothed rate, zero when unknown.
func (t *ProgressTracker) ETA() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.currentRate > 0 && t.total > 0 && t.current < t.total {
		remaining := float64(t.total-t.current) / t.currentRate
		return time.Now().Add(time.Duration(remaining * float64(time.Second)))
	}
	if t.current > 0 && t.total > 0 && t.current < t.total {
		elapsed := time.Since(t.startTime).Seconds()
		if elapsed > 0 {
			avgRate := float64(t.current) / elapsed
			if avgRate > 0 {
				remaining := float64(t.total-t.current) / avgRate
				return time.Now().Add(time.Duration(remaining * float64(time.Second)))
			}
		}
	}
	return time.Time{}
}

// LastUpdate returns when progress last advanced; the blocking detector
// compares this against its stall threshold.
func (t *ProgressTracker) LastUpdate() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastUpdateTime
}
