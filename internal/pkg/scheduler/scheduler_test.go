package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/lock"
)

func newTestLockDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.DistributedLock{}))
	return db
}

func TestRunJobExecutesUnderLock(t *testing.T) {
	s := NewScheduler(nil, nil, lock.NewService(newTestLockDB(t)))

	var runs int32
	j := job{
		name:     "test job",
		lockName: "test-job",
		lockTTL:  time.Minute,
		run:      func() { atomic.AddInt32(&runs, 1) },
	}

	s.runJob(j)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))

	// Lock released after the run, so the next tick runs again.
	s.runJob(j)
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestRunJobSkipsWhenLockHeldElsewhere(t *testing.T) {
	db := newTestLockDB(t)
	s := NewScheduler(nil, nil, lock.NewService(db))

	// Another instance holds the lock.
	other := lock.NewService(db)
	require.True(t, other.Acquire("held-job", time.Minute))

	var runs int32
	s.runJob(job{
		name:     "held job",
		lockName: "held-job",
		lockTTL:  time.Minute,
		run:      func() { atomic.AddInt32(&runs, 1) },
	})
	assert.EqualValues(t, 0, atomic.LoadInt32(&runs))
}

func TestRunJobSurvivesPanickingJob(t *testing.T) {
	s := NewScheduler(nil, nil, lock.NewService(newTestLockDB(t)))

	assert.NotPanics(t, func() {
		s.runJob(job{
			name:     "bad job",
			lockName: "bad-job",
			lockTTL:  time.Minute,
			run:      func() { panic("boom") },
		})
	})
}

func TestStartStopIsIdempotent(t *testing.T) {
	s := NewScheduler(nil, nil, lock.NewService(newTestLockDB(t)))

	s.Start()
	s.Start() // no-op

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop() // no-op
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Restart works after a full stop.
	s.Start()
	s.Stop()
}
