package scanner

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/galleria-app/galleria/internal/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Thresholds for routing inserts through the transaction batch manager and
// for paginating very large payloads.
const (
	txBatchThreshold   = 50
	paginateThreshold  = 1000
	paginateChunkSize  = 500
	defaultBatchWindow = 100 * time.Millisecond
	maxTxBatchOps      = 20
)

// DBHealth classifies the optimizer's advisory health state.
type DBHealth string

const (
	HealthHealthy  DBHealth = "healthy"
	HealthWarning  DBHealth = "warning"
	HealthCritical DBHealth = "critical"
)

// DBStats is a snapshot of the optimizer's rolling statistics.
type DBStats struct {
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	RetryCount      int64         `json:"retry_count"`
	AvgLatency      time.Duration `json:"avg_latency"`
	PoolSize        int           `json:"pool_size"`
	PoolInUse       int           `json:"pool_in_use"`
	PoolUtilization float64       `json:"pool_utilization"`
	Health          DBHealth      `json:"health"`
}

// OptimizerConfig configures the storage call envelope.
type OptimizerConfig struct {
	PoolSize      int
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	BatchWindow   time.Duration
}

// DefaultOptimizerConfig returns production defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		PoolSize:      10,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		BatchWindow:   defaultBatchWindow,
	}
}

// DatabaseOptimizer gives every storage call a uniform envelope of
// connection-pool limiting, timeout and retry with linear backoff. Health
// classification is advisory only; it never blocks calls.
type DatabaseOptimizer struct {
	db  *gorm.DB
	cfg OptimizerConfig

	pool chan struct{}

	txBatch *TransactionBatchManager

	mu           sync.Mutex
	successCount int64
	failureCount int64
	retryCount   int64
	totalLatency time.Duration
	avgLatency   time.Duration
}

// NewDatabaseOptimizer creates an optimizer around db.
func NewDatabaseOptimizer(db *gorm.DB, cfg OptimizerConfig) *DatabaseOptimizer {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}

	o := &DatabaseOptimizer{
		db:   db,
		cfg:  cfg,
		pool: make(chan struct{}, cfg.PoolSize),
	}
	o.txBatch = newTransactionBatchManager(db, cfg.BatchWindow, maxTxBatchOps)
	return o
}

// ExecuteOptimized runs fn under a pool slot, per-attempt timeout, and retry
// with `delay x attempt` backoff. The pool slot is always released.
func (o *DatabaseOptimizer) ExecuteOptimized(ctx context.Context, name string, fn func(db *gorm.DB) error) error {
	select {
	case o.pool <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-o.pool }()

	var lastErr error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		start := time.Now()
		err := o.runWithTimeout(ctx, fn)
		latency := time.Since(start)

		if err == nil {
			o.recordSuccess(latency)
			return nil
		}
		lastErr = err
		o.recordFailure(latency)

		if attempt < o.cfg.RetryAttempts {
			o.recordRetry()
			logger.Debug("storage call %s failed (attempt %d/%d): %v", name, attempt, o.cfg.RetryAttempts, err)
			select {
			case <-time.After(o.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("storage call %s failed after %d attempts: %w", name, o.cfg.RetryAttempts, lastErr)
}

func (o *DatabaseOptimizer) runWithTimeout(ctx context.Context, fn func(db *gorm.DB) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(o.db)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(o.cfg.Timeout):
		return fmt.Errorf("storage call timed out after %s", o.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BatchCreate inserts rows with duplicate-skip semantics, returning the
// number of rows actually created. Large payloads are coalesced with other
// pending operations inside a single transaction by the batch manager.
func (o *DatabaseOptimizer) BatchCreate(ctx context.Context, name string, rows interface{}) (int64, error) {
	n := sliceLen(rows)
	if n == 0 {
		return 0, nil
	}

	if n > txBatchThreshold {
		return o.txBatch.createInBatch(ctx, rows)
	}

	var created int64
	err := o.ExecuteOptimized(ctx, name, func(db *gorm.DB) error {
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rows)
		created = result.RowsAffected
		return result.Error
	})
	return created, err
}

// BatchCreateAndReturn inserts rows with duplicate-skip semantics and leaves
// generated primary keys filled in on the passed slice. Payloads beyond the
// pagination threshold are written in fixed-size pages to bound per-call size.
func (o *DatabaseOptimizer) BatchCreateAndReturn(ctx context.Context, name string, rows interface{}) (int64, error) {
	n := sliceLen(rows)
	if n == 0 {
		return 0, nil
	}

	var created int64
	insert := func(db *gorm.DB, chunk interface{}) error {
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(chunk)
		created += result.RowsAffected
		return result.Error
	}

	err := o.ExecuteOptimized(ctx, name, func(db *gorm.DB) error {
		created = 0
		if n <= paginateThreshold {
			return insert(db, rows)
		}
		v := reflect.ValueOf(rows)
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		for start := 0; start < n; start += paginateChunkSize {
			end := start + paginateChunkSize
			if end > n {
				end = n
			}
			chunk := v.Slice(start, end).Interface()
			if err := insert(db, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	return created, err
}

// Transaction runs fn inside one storage transaction with the optimizer envelope.
func (o *DatabaseOptimizer) Transaction(ctx context.Context, name string, fn func(tx *gorm.DB) error) error {
	return o.ExecuteOptimized(ctx, name, func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
}

// DB exposes the raw handle for read paths that need no envelope.
func (o *DatabaseOptimizer) DB() *gorm.DB {
	return o.db
}

// Close flushes any pending batched operations.
func (o *DatabaseOptimizer) Close() {
	o.txBatch.close()
}

func (o *DatabaseOptimizer) recordSuccess(latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successCount++
	o.totalLatency += latency
	o.updateAvgLocked()
}

func (o *DatabaseOptimizer) recordFailure(latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failureCount++
	o.totalLatency += latency
	o.updateAvgLocked()
}

func (o *DatabaseOptimizer) recordRetry() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retryCount++
}

func (o *DatabaseOptimizer) updateAvgLocked() {
	total := o.successCount + o.failureCount
	if total > 0 {
		o.avgLatency = o.totalLatency / time.Duration(total)
	}
}

// GetStats returns a snapshot of rolling statistics plus the derived health
// classification.
func (o *DatabaseOptimizer) GetStats() DBStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	inUse := len(o.pool)
	stats := DBStats{
		SuccessCount:    o.successCount,
		FailureCount:    o.failureCount,
		RetryCount:      o.retryCount,
		AvgLatency:      o.avgLatency,
		PoolSize:        o.cfg.PoolSize,
		PoolInUse:       inUse,
		PoolUtilization: float64(inUse) / float64(o.cfg.PoolSize),
	}
	stats.Health = classifyHealth(stats)
	return stats
}

func classifyHealth(s DBStats) DBHealth {
	total := s.SuccessCount + s.FailureCount
	var failureRate float64
	if total > 0 {
		failureRate = float64(s.FailureCount) / float64(total)
	}

	switch {
	case failureRate > 0.25 || s.AvgLatency > 2*time.Second || s.PoolUtilization > 0.95:
		return HealthCritical
	case failureRate > 0.10 || s.AvgLatency > 500*time.Millisecond || s.PoolUtilization > 0.80:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

func sliceLen(rows interface{}) int {
	v := reflect.ValueOf(rows)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Slice {
		return 0
	}
	return v.Len()
}

// txOp is one pending operation inside the transaction batch manager.
type txOp struct {
	rows interface{}
	done chan txResult
}

type txResult struct {
	created int64
	err     error
}

// TransactionBatchManager coalesces insert operations and flushes them inside
// a single storage transaction, triggered by a timer window or a max batch
// size, whichever comes first.
type TransactionBatchManager struct {
	db     *gorm.DB
	window time.Duration
	maxOps int

	mu      sync.Mutex
	pending []*txOp
	timer   *time.Timer
	closed  bool
}

func newTransactionBatchManager(db *gorm.DB, window time.Duration, maxOps int) *TransactionBatchManager {
	return &TransactionBatchManager{
		db:     db,
		window: window,
		maxOps: maxOps,
	}
}

func (m *TransactionBatchManager) createInBatch(ctx context.Context, rows interface{}) (int64, error) {
	op := &txOp{rows: rows, done: make(chan txResult, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("transaction batch manager closed")
	}
	m.pending = append(m.pending, op)
	if len(m.pending) >= m.maxOps {
		m.flushLocked()
	} else if m.timer == nil {
		m.timer = time.AfterFunc(m.window, m.flushOnTimer)
	}
	m.mu.Unlock()

	select {
	case res := <-op.done:
		return res.created, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *TransactionBatchManager) flushOnTimer() {
	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()
}

// flushLocked hands the pending set to a flush goroutine. Callers hold m.mu.
func (m *TransactionBatchManager) flushLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if len(m.pending) == 0 {
		return
	}
	ops := m.pending
	m.pending = nil

	go m.runFlush(ops)
}

func (m *TransactionBatchManager) runFlush(ops []*txOp) {
	counts := make([]int64, len(ops))
	err := m.db.Transaction(func(tx *gorm.DB) error {
		for i, op := range ops {
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(op.rows)
			if result.Error != nil {
				return result.Error
			}
			counts[i] = result.RowsAffected
		}
		return nil
	})

	for i, op := range ops {
		if err != nil {
			op.done <- txResult{err: err}
		} else {
			op.done <- txResult{created: counts[i]}
		}
	}
}

func (m *TransactionBatchManager) close() {
	m.mu.Lock()
	m.flushLocked()
	m.closed = true
	m.mu.Unlock()
}
