package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/galleria-app/galleria/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestExecuteOptimized_RetriesThenSucceeds(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)

	var attempts atomic.Int32
	err := o.ExecuteOptimized(context.Background(), "flaky", func(db *gorm.DB) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())

	stats := o.GetStats()
	assert.Equal(t, int64(1), stats.SuccessCount)
	assert.Equal(t, int64(2), stats.FailureCount)
	assert.Equal(t, int64(2), stats.RetryCount)
}

func TestExecuteOptimized_ExhaustsRetries(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)

	err := o.ExecuteOptimized(context.Background(), "doomed", func(db *gorm.DB) error {
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestExecuteOptimized_ContextCancelled(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.ExecuteOptimized(ctx, "cancelled", func(db *gorm.DB) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteOptimized_Timeout(t *testing.T) {
	db := setupTestDB(t)
	cfg := DefaultOptimizerConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.RetryAttempts = 1
	o := NewDatabaseOptimizer(db, cfg)
	t.Cleanup(o.Close)

	err := o.ExecuteOptimized(context.Background(), "slow", func(db *gorm.DB) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestBatchCreate_SkipsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)
	ctx := context.Background()

	rows := []*database.Tag{{Name: "a"}, {Name: "b"}}
	created, err := o.BatchCreate(ctx, "tags", &rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created)

	again := []*database.Tag{{Name: "a"}, {Name: "c"}}
	created, err = o.BatchCreate(ctx, "tags", &again)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created)

	var count int64
	db.Model(&database.Tag{}).Count(&count)
	assert.Equal(t, int64(3), count)
}

func TestBatchCreateAndReturn_FillsPrimaryKeys(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)

	rows := []*database.Tag{{Name: "x"}, {Name: "y"}}
	created, err := o.BatchCreateAndReturn(context.Background(), "tags", &rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created)
	for _, r := range rows {
		assert.NotZero(t, r.ID)
	}
}

func TestBatchCreateAndReturn_PaginatesLargePayloads(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)

	rows := make([]*database.Tag, paginateThreshold+200)
	for i := range rows {
		rows[i] = &database.Tag{Name: fmt.Sprintf("tag-%04d", i)}
	}
	created, err := o.BatchCreateAndReturn(context.Background(), "tags", &rows)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), created)

	var count int64
	db.Model(&database.Tag{}).Count(&count)
	assert.Equal(t, int64(len(rows)), count)
}

func TestTransactionBatchManager_CoalescesIntoOneTransaction(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: mockDB}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "tags"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	m := newTransactionBatchManager(db, 5*time.Millisecond, 20)

	rows := make([]*database.Tag, txBatchThreshold+1)
	for i := range rows {
		rows[i] = &database.Tag{Name: fmt.Sprintf("t%d", i)}
	}

	created, err := m.createInBatch(context.Background(), &rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyHealth(t *testing.T) {
	healthy := DBStats{SuccessCount: 100, AvgLatency: 50 * time.Millisecond, PoolUtilization: 0.2}
	assert.Equal(t, HealthHealthy, classifyHealth(healthy))

	warnLatency := DBStats{SuccessCount: 100, AvgLatency: 800 * time.Millisecond}
	assert.Equal(t, HealthWarning, classifyHealth(warnLatency))

	warnFailures := DBStats{SuccessCount: 80, FailureCount: 15}
	assert.Equal(t, HealthWarning, classifyHealth(warnFailures))

	critLatency := DBStats{SuccessCount: 100, AvgLatency: 3 * time.Second}
	assert.Equal(t, HealthCritical, classifyHealth(critLatency))

	critFailures := DBStats{SuccessCount: 50, FailureCount: 50}
	assert.Equal(t, HealthCritical, classifyHealth(critFailures))

	critPool := DBStats{SuccessCount: 100, PoolUtilization: 0.99}
	assert.Equal(t, HealthCritical, classifyHealth(critPool))
}

func TestPoolSemaphore_BoundsConcurrentCalls(t *testing.T) {
	db := setupTestDB(t)
	cfg := DefaultOptimizerConfig()
	cfg.PoolSize = 2
	o := NewDatabaseOptimizer(db, cfg)
	t.Cleanup(o.Close)

	var running, peak atomic.Int32
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = o.ExecuteOptimized(context.Background(), "probe", func(db *gorm.DB) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
