package scanner

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/galleria-app/galleria/internal/logger"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// MetricSnapshot is one periodic sample of pipeline and system state.
type MetricSnapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	MemoryRSS       uint64        `json:"memory_rss"`
	CPUPercent      float64       `json:"cpu_percent"`
	ItemsPerSecond  float64       `json:"items_per_second"`
	FlushQueueLen   int           `json:"flush_queue_len"`
	ActiveFlushes   int           `json:"active_flushes"`
	FlushFailRate   float64       `json:"flush_fail_rate"`
	DBAvgLatency    time.Duration `json:"db_avg_latency"`
	DBHealth        DBHealth      `json:"db_health"`
	PoolUtilization float64       `json:"pool_utilization"`
	WorkersRunning  int           `json:"workers_running"`
	WorkerQueueLen  int           `json:"worker_queue_len"`
	WorkerBound     int           `json:"worker_bound"`
}

// TrendDirection classifies how a metric is moving.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDegrading TrendDirection = "degrading"
)

// Trend is the analyzed direction of one metric.
type Trend struct {
	Metric     string         `json:"metric"`
	Direction  TrendDirection `json:"direction"`
	Confidence float64        `json:"confidence"`
}

// Alert is a deduplicated condition raised by the monitor and explicitly
// resolved when the condition clears.
type Alert struct {
	ID        string    `json:"id"`
	Condition string    `json:"condition"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}

// BlockingEvent describes a detected stall.
type BlockingEvent struct {
	Since    time.Time     `json:"since"`
	Duration time.Duration `json:"duration"`
}

// MonitorObserver receives typed monitor notifications.
type MonitorObserver interface {
	OnBlockingDetected(e BlockingEvent)
	OnBlockingContinues(e BlockingEvent)
	OnBlockingResolved(e BlockingEvent)
	OnAlertRaised(a Alert)
	OnAlertResolved(a Alert)
}

// MonitorReport summarizes current metrics, trends, active alerts and
// textual recommendations.
type MonitorReport struct {
	Current         MetricSnapshot `json:"current"`
	Trends          []Trend        `json:"trends"`
	ActiveAlerts    []Alert        `json:"active_alerts"`
	Recommendations []string       `json:"recommendations"`
}

// PerformanceMonitor periodically samples system and pipeline metrics,
// detects stalls, analyzes trends and manages alerts.
type PerformanceMonitor struct {
	interval          time.Duration
	blockingThreshold time.Duration
	memoryThreshold   int64
	queueThreshold    int

	proc *process.Process

	tracker   *ProgressTracker
	batch     *StreamingBatchProcessor
	optimizer *DatabaseOptimizer
	workers   *ConcurrencyController

	trends   *TrendAnalyzer
	detector *blockingDetector

	mu        sync.Mutex
	observers []MonitorObserver
	alerts    map[string]Alert
	last      MetricSnapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// MonitorOptions configures the performance monitor.
type MonitorOptions struct {
	SampleInterval      time.Duration
	BlockingThreshold   time.Duration
	HistorySize         int
	MemoryThreshold     int64
	QueueAlertThreshold int
}

// NewPerformanceMonitor wires the monitor to its metric sources. Any source
// may be nil; its metrics are simply omitted.
func NewPerformanceMonitor(opts MonitorOptions, tracker *ProgressTracker, batch *StreamingBatchProcessor, optimizer *DatabaseOptimizer, workers *ConcurrencyController) *PerformanceMonitor {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 2 * time.Second
	}
	if opts.BlockingThreshold <= 0 {
		opts.BlockingThreshold = 5 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	if opts.QueueAlertThreshold <= 0 {
		opts.QueueAlertThreshold = 100
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("performance monitor: process handle unavailable: %v", err)
		proc = nil
	}

	return &PerformanceMonitor{
		interval:          opts.SampleInterval,
		blockingThreshold: opts.BlockingThreshold,
		memoryThreshold:   opts.MemoryThreshold,
		queueThreshold:    opts.QueueAlertThreshold,
		proc:              proc,
		tracker:           tracker,
		batch:             batch,
		optimizer:         optimizer,
		workers:           workers,
		trends:            NewTrendAnalyzer(opts.HistorySize),
		detector:          newBlockingDetector(opts.BlockingThreshold),
		alerts:            make(map[string]Alert),
		stopCh:            make(chan struct{}),
	}
}

// AddObserver registers a typed observer.
func (m *PerformanceMonitor) AddObserver(o MonitorObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Start begins the sampling loop.
func (m *PerformanceMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop()
}

// Stop ends the sampling loop.
func (m *PerformanceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// UpdateProgress tells the blocking detector work advanced.
func (m *PerformanceMonitor) UpdateProgress() {
	if resolved, e := m.detector.progress(); resolved {
		m.notify(func(o MonitorObserver) { o.OnBlockingResolved(e) })
		m.resolveAlert("blocking")
	}
}

func (m *PerformanceMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopCh:
			return
		}
	}
}

func (m *PerformanceMonitor) sample() {
	snap := MetricSnapshot{Timestamp: time.Now()}

	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil {
			snap.MemoryRSS = mem.RSS
		}
		if cpu, err := m.proc.Percent(0); err == nil {
			snap.CPUPercent = cpu
		}
	}
	if m.tracker != nil {
		snap.ItemsPerSecond = m.tracker.Rate()
	}
	if m.batch != nil {
		snap.FlushQueueLen = m.batch.QueueLength()
		snap.ActiveFlushes = m.batch.ActiveFlushes()
		snap.FlushFailRate = m.batch.FailureRate()
	}
	if m.optimizer != nil {
		stats := m.optimizer.GetStats()
		snap.DBAvgLatency = stats.AvgLatency
		snap.DBHealth = stats.Health
		snap.PoolUtilization = stats.PoolUtilization
	}
	if m.workers != nil {
		snap.WorkersRunning = m.workers.Running()
		snap.WorkerQueueLen = m.workers.QueueLength()
		snap.WorkerBound = m.workers.MaxConcurrency()
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	m.trends.Record("items_per_second", snap.ItemsPerSecond)
	m.trends.Record("memory_rss", float64(snap.MemoryRSS))
	m.trends.Record("db_latency", float64(snap.DBAvgLatency))
	m.trends.Record("flush_queue", float64(snap.FlushQueueLen))

	m.checkBlocking()
	m.checkAlerts(snap)
}

func (m *PerformanceMonitor) checkBlocking() {
	if m.tracker == nil {
		return
	}
	state, e := m.detector.check(m.tracker.LastUpdate())
	switch state {
	case blockingStarted:
		m.notify(func(o MonitorObserver) { o.OnBlockingDetected(e) })
		m.raiseAlert("blocking", fmt.Sprintf("no progress for %s", e.Duration.Round(time.Second)))
	case blockingOngoing:
		m.notify(func(o MonitorObserver) { o.OnBlockingContinues(e) })
	}
}

func (m *PerformanceMonitor) checkAlerts(snap MetricSnapshot) {
	if m.memoryThreshold > 0 {
		if int64(snap.MemoryRSS) > m.memoryThreshold {
			m.raiseAlert("high_memory", fmt.Sprintf("process memory %d exceeds threshold %d", snap.MemoryRSS, m.memoryThreshold))
		} else {
			m.resolveAlert("high_memory")
		}
	}

	if snap.DBAvgLatency > 2*time.Second {
		m.raiseAlert("slow_queries", fmt.Sprintf("average storage latency %s", snap.DBAvgLatency.Round(time.Millisecond)))
	} else {
		m.resolveAlert("slow_queries")
	}

	if snap.FlushQueueLen > m.queueThreshold {
		m.raiseAlert("long_queue", fmt.Sprintf("flush queue backlog at %d batches", snap.FlushQueueLen))
	} else {
		m.resolveAlert("long_queue")
	}
}

// raiseAlert raises a condition once; repeated raises for an active condition
// are deduplicated.
func (m *PerformanceMonitor) raiseAlert(condition, message string) {
	m.mu.Lock()
	if _, active := m.alerts[condition]; active {
		m.mu.Unlock()
		return
	}
	alert := Alert{
		ID:        uuid.New().String(),
		Condition: condition,
		Message:   message,
		RaisedAt:  time.Now(),
	}
	m.alerts[condition] = alert
	m.mu.Unlock()

	logger.Warn("performance alert raised: %s: %s", condition, message)
	m.notify(func(o MonitorObserver) { o.OnAlertRaised(alert) })
}

func (m *PerformanceMonitor) resolveAlert(condition string) {
	m.mu.Lock()
	alert, active := m.alerts[condition]
	if active {
		delete(m.alerts, condition)
	}
	m.mu.Unlock()

	if active {
		logger.Info("performance alert resolved: %s", condition)
		m.notify(func(o MonitorObserver) { o.OnAlertResolved(alert) })
	}
}

func (m *PerformanceMonitor) notify(fn func(o MonitorObserver)) {
	m.mu.Lock()
	observers := append([]MonitorObserver(nil), m.observers...)
	m.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}

// Report summarizes current metrics, trends, active alerts and recommendations.
func (m *PerformanceMonitor) Report() MonitorReport {
	m.mu.Lock()
	current := m.last
	alerts := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		alerts = append(alerts, a)
	}
	m.mu.Unlock()

	trends := m.trends.All()

	var recs []string
	for _, tr := range trends {
		if tr.Metric == "items_per_second" && tr.Direction == TrendDegrading && tr.Confidence > 0.5 {
			recs = append(recs, "throughput is degrading; consider lowering max concurrency or batch size")
		}
		if tr.Metric == "memory_rss" && tr.Direction == TrendDegrading && tr.Confidence > 0.5 {
			recs = append(recs, "memory use is climbing; the adaptive controller will shrink the worker bound")
		}
	}
	if current.PoolUtilization > 0.8 {
		recs = append(recs, "connection pool near capacity; increase pool size or reduce concurrent flushes")
	}

	return MonitorReport{
		Current:         current,
		Trends:          trends,
		ActiveAlerts:    alerts,
		Recommendations: recs,
	}
}

type blockingState int

const (
	blockingNone blockingState = iota
	blockingStarted
	blockingOngoing
)

// blockingDetector tracks time since the last progress update and flags
// stalls that exceed the threshold.
type blockingDetector struct {
	mu        sync.Mutex
	threshold time.Duration
	blocking  bool
	since     time.Time
}

func newBlockingDetector(threshold time.Duration) *blockingDetector {
	return &blockingDetector{threshold: threshold}
}

func (d *blockingDetector) check(lastProgress time.Time) (blockingState, BlockingEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stalled := time.Since(lastProgress)
	if stalled < d.threshold {
		return blockingNone, BlockingEvent{}
	}

	e := BlockingEvent{Since: lastProgress, Duration: stalled}
	if !d.blocking {
		d.blocking = true
		d.since = lastProgress
		return blockingStarted, e
	}
	return blockingOngoing, e
}

// progress clears the blocking flag, reporting whether a stall just resolved.
func (d *blockingDetector) progress() (bool, BlockingEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.blocking {
		return false, BlockingEvent{}
	}
	d.blocking = false
	return true, BlockingEvent{Since: d.since, Duration: time.Since(d.since)}
}

// TrendAnalyzer keeps a bounded rolling history per metric and classifies
// direction by comparing the mean of the most recent window against the
// window before it.
type TrendAnalyzer struct {
	mu      sync.Mutex
	history map[string][]float64
	limit   int
}

const trendWindow = 10

// NewTrendAnalyzer creates an analyzer keeping up to limit samples per metric.
func NewTrendAnalyzer(limit int) *TrendAnalyzer {
	return &TrendAnalyzer{
		history: make(map[string][]float64),
		limit:   limit,
	}
}

// Record appends one sample for a metric.
func (a *TrendAnalyzer) Record(metric string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	samples := append(a.history[metric], value)
	if len(samples) > a.limit {
		samples = samples[len(samples)-a.limit:]
	}
	a.history[metric] = samples
}

// higherIsBetter maps metrics to their desirable direction.
var higherIsBetter = map[string]bool{
	"items_per_second": true,
}

// Classify returns the trend for one metric.
func (a *TrendAnalyzer) Classify(metric string) Trend {
	a.mu.Lock()
	samples := append([]float64(nil), a.history[metric]...)
	a.mu.Unlock()

	trend := Trend{Metric: metric, Direction: TrendStable}
	if len(samples) < 2*trendWindow {
		trend.Confidence = float64(len(samples)) / float64(2*trendWindow) * 0.5
		return trend
	}

	recent := mean(samples[len(samples)-trendWindow:])
	prior := mean(samples[len(samples)-2*trendWindow : len(samples)-trendWindow])

	trend.Confidence = minFloat(1, float64(len(samples))/float64(4*trendWindow))

	// Under 5% movement counts as stable.
	if prior == 0 {
		if recent == 0 {
			return trend
		}
		prior = recent / 2
	}
	change := (recent - prior) / prior
	switch {
	case change > 0.05:
		trend.Direction = TrendDegrading
		if higherIsBetter[metric] {
			trend.Direction = TrendImproving
		}
	case change < -0.05:
		trend.Direction = TrendImproving
		if higherIsBetter[metric] {
			trend.Direction = TrendDegrading
		}
	}
	return trend
}

// All classifies every tracked metric.
func (a *TrendAnalyzer) All() []Trend {
	a.mu.Lock()
	metrics := make([]string, 0, len(a.history))
	for metric := range a.history {
		metrics = append(metrics, metric)
	}
	a.mu.Unlock()

	trends := make([]Trend, 0, len(metrics))
	for _, metric := range metrics {
		trends = append(trends, a.Classify(metric))
	}
	return trends
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
