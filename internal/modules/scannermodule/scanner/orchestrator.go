package scanner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/galleria-app/galleria/internal/config"
	"github.com/galleria-app/galleria/internal/logger"
)

// orchestratorState is the coarse lifecycle of one scan run.
type orchestratorState string

const (
	stateIdle      orchestratorState = "idle"
	stateSelected  orchestratorState = "strategy-selected"
	stateValidated orchestratorState = "validated"
	stateRunning   orchestratorState = "running"
	stateComplete  orchestratorState = "complete"
	stateFailed    orchestratorState = "failed"
	stateCleaned   orchestratorState = "cleaned-up"
)

// ScanOrchestrator selects a strategy, assembles the per-run pipeline
// (worker pool, batch processor, tracker, monitor), runs it and guarantees
// teardown. One orchestrator runs at most one scan at a time.
type ScanOrchestrator struct {
	optimizer  *DatabaseOptimizer
	strategies map[ScanType]ScanStrategy

	mu      sync.Mutex
	state   orchestratorState
	current *runContext
}

// NewScanOrchestrator creates an orchestrator with all built-in strategies
// registered.
func NewScanOrchestrator(optimizer *DatabaseOptimizer) *ScanOrchestrator {
	return &ScanOrchestrator{
		optimizer: optimizer,
		state:     stateIdle,
		strategies: map[ScanType]ScanStrategy{
			ScanTypeMetadata: &MetadataStrategy{},
			ScanTypeMedia:    &MediaStrategy{},
			ScanTypeFull:     &FullStrategy{},
			ScanTypeUnified:  &UnifiedStrategy{},
		},
	}
}

// Strategies lists the registered strategies.
func (o *ScanOrchestrator) Strategies() []ScanStrategy {
	out := make([]ScanStrategy, 0, len(o.strategies))
	for _, t := range []ScanType{ScanTypeMetadata, ScanTypeMedia, ScanTypeFull, ScanTypeUnified} {
		out = append(out, o.strategies[t])
	}
	return out
}

// State returns the orchestrator's current lifecycle state.
func (o *ScanOrchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.state)
}

func (o *ScanOrchestrator) setState(s orchestratorState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	logger.Debug("scan orchestrator: %s", s)
}

// Cancel flags the active run as cancelled. Staged work already in flight is
// still flushed; the run stops at the next phase boundary.
func (o *ScanOrchestrator) Cancel() bool {
	o.mu.Lock()
	rc := o.current
	o.mu.Unlock()

	if rc == nil {
		return false
	}
	rc.cancelled.Store(true)
	rc.workers.Clear()
	logger.Info("scan cancelled, draining in-flight work")
	return true
}

// Scan runs one scan to completion. Per-item failures land in the result's
// error list; only an unreadable root or an unsupported scan type is fatal.
func (o *ScanOrchestrator) Scan(ctx context.Context, opts ScanOptions, progress ProgressFunc) (*ScanResult, error) {
	start := time.Now()
	appCfg := config.Get()
	cfg := appCfg.Scanner
	applyScannerDefaults(&opts, cfg)

	strategy, ok := o.strategies[opts.ScanType]
	if !ok {
		return nil, fmt.Errorf("unsupported scan type: %s", opts.ScanType)
	}
	o.setState(stateSelected)

	if err := strategy.Validate(opts); err != nil {
		o.setState(stateFailed)
		return nil, err
	}
	o.setState(stateValidated)

	workers, err := NewAdaptiveConcurrencyController(opts.MaxConcurrency, opts.MemoryThresholdBytes)
	if err != nil {
		o.setState(stateFailed)
		return nil, err
	}

	rc := &runContext{
		opts:        opts,
		workers:     workers,
		tracker:     NewProgressTracker(),
		optimizer:   o.optimizer,
		batch:       NewStreamingBatchProcessor(ctx, o.optimizer, opts.BatchSize, cfg.MaxConcurrentFlushes),
		parser:      NewMetadataParser(),
		collector:   NewMediaCollector(),
		pathParse:   NewPathParser(),
		existing:    make(map[string]bool),
		seen:        make(map[string]string),
		windowScale: 1,
	}

	monitor := NewPerformanceMonitor(MonitorOptions{
		SampleInterval:      appCfg.Monitor.SampleInterval,
		BlockingThreshold:   appCfg.Monitor.BlockingThreshold,
		HistorySize:         appCfg.Monitor.HistorySize,
		MemoryThreshold:     opts.MemoryThresholdBytes,
		QueueAlertThreshold: opts.StreamBufferSize,
	}, rc.tracker, rc.batch, o.optimizer, workers.ConcurrencyController)

	rc.tracker.AddCallback(func(u ProgressUpdate) {
		monitor.UpdateProgress()
		if progress != nil {
			u.Percentage = rc.scalePercentage(u.Percentage)
			progress(u)
		}
	})

	o.mu.Lock()
	o.current = rc
	o.mu.Unlock()
	o.setState(stateRunning)
	monitor.Start()

	// Teardown always runs, even when the strategy fails mid-phase.
	defer func() {
		monitor.Stop()
		workers.Stop()
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		o.setState(stateCleaned)
	}()

	logger.Info("scan started: type=%s path=%s force=%v", opts.ScanType, opts.Path, opts.ForceUpdate)

	if err := strategy.Execute(rc); err != nil {
		rc.batch.Finalize()
		o.setState(stateFailed)
		return nil, err
	}

	stats := rc.batch.Finalize()

	removed := 0
	if opts.ForceUpdate && opts.ScanType != ScanTypeMedia && !rc.cancelled.Load() {
		rc.setWindow(0, 1)
		rc.tracker.SetPhase(PhaseCleanup, "pruning removed artworks")
		removed, err = pruneRemovedArtworks(rc)
		if err != nil {
			rc.recordError(fmt.Errorf("cleanup failed: %w", err))
		}
	}

	rc.tracker.SetPhase(PhaseComplete, "scan complete")
	o.setState(stateComplete)

	result := buildResult(rc, stats, removed, time.Since(start))
	logger.Info("scan finished: %d artworks (%d new, %d skipped, %d removed), %d errors in %dms",
		result.TotalArtworks, result.NewArtworks, result.SkippedArtworks,
		result.RemovedArtworks, len(result.Errors), result.ProcessingTimeMs)
	return result, nil
}

// applyScannerDefaults fills unset options from configuration.
func applyScannerDefaults(opts *ScanOptions, cfg config.ScannerConfig) {
	if opts.ScanType == "" {
		opts.ScanType = ScanType(cfg.DefaultScanType)
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = cfg.MaxConcurrency
	}
	// MaxConcurrency 0 means auto-detect; it stays 0 in the configuration
	// until a config file is loaded, so resolve it here as well.
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = runtime.NumCPU() * 2
	}
	if opts.StreamBufferSize <= 0 {
		opts.StreamBufferSize = cfg.StreamBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if opts.MemoryThresholdBytes <= 0 {
		opts.MemoryThresholdBytes = cfg.MemoryThresholdBytes
	}
}

func buildResult(rc *runContext, stats BatchStats, removed int, elapsed time.Duration) *ScanResult {
	errs := rc.errorList()
	errs = append(errs, stats.Errors...)

	return &ScanResult{
		TotalArtworks:    len(rc.seen),
		NewArtists:       int(stats.ArtistsCreated),
		NewArtworks:      int(stats.ArtworksCreated),
		NewImages:        int(stats.ImagesCreated),
		NewTags:          int(stats.TagsCreated),
		SkippedArtworks:  int(rc.skipped.Load() + stats.ArtworksSkipped),
		RemovedArtworks:  removed,
		Errors:           errs,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}
