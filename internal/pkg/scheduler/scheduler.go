package scheduler

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/accounts"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/lifecycle"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/lock"
)

// job is one periodic task guarded by a named distributed lock
type job struct {
	name     string
	interval time.Duration
	lockName string
	lockTTL  time.Duration
	run      func()
}

// Scheduler drives the periodic lifecycle and account jobs. Every tick takes
// the job's distributed lock first, so a fleet of replicas runs each job at
// most once per interval.
type Scheduler struct {
	lifecycle *lifecycle.Manager
	accounts  *accounts.Manager
	locks     *lock.Service

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler over the given managers
func NewScheduler(lifecycleManager *lifecycle.Manager, accountManager *accounts.Manager, lockService *lock.Service) *Scheduler {
	return &Scheduler{
		lifecycle: lifecycleManager,
		accounts:  accountManager,
		locks:     lockService,
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) jobs() []job {
	return []job{
		{
			name:     "expiring notifications",
			interval: 30 * time.Minute,
			lockName: "lifecycle-expiring",
			lockTTL:  1800 * time.Second,
			run:      func() { s.lifecycle.ProcessExpiringVps() },
		},
		{
			name:     "auto renewals",
			interval: time.Hour,
			lockName: "lifecycle-renewals",
			lockTTL:  3600 * time.Second,
			run:      func() { s.lifecycle.ProcessAutoRenewals() },
		},
		{
			name:     "expired sweep",
			interval: 15 * time.Minute,
			lockName: "lifecycle-expired",
			lockTTL:  900 * time.Second,
			run:      func() { s.lifecycle.ProcessExpiredVps() },
		},
		{
			name:     "suspended sweep",
			interval: 15 * time.Minute,
			lockName: "lifecycle-suspended",
			lockTTL:  900 * time.Second,
			run:      func() { s.lifecycle.ProcessSuspendedVps() },
		},
		{
			name:     "lock cleanup",
			interval: 24 * time.Hour,
			lockName: "lifecycle-cleanup",
			lockTTL:  300 * time.Second,
			run:      func() { s.locks.CleanupExpired() },
		},
		{
			name:     "account health checks",
			interval: time.Minute,
			lockName: "accounts-health",
			lockTTL:  120 * time.Second,
			run:      func() { s.accounts.HealthCheckAll() },
		},
		{
			name:     "account sync",
			interval: 5 * time.Minute,
			lockName: "accounts-sync",
			lockTTL:  600 * time.Second,
			run:      func() { s.accounts.SyncAllAccounts() },
		},
	}
}

// Start launches one ticker goroutine per job
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	// Recreate stop channel for each start cycle so the scheduler can be
	// restarted safely.
	s.stopCh = make(chan struct{})
	s.running = true
	log.Info("[Scheduler] Starting lifecycle and account jobs")

	for _, j := range s.jobs() {
		s.wg.Add(1)
		go s.worker(j)
	}

	log.Info("[Scheduler] Started successfully")
}

// Stop signals all job workers and waits for them to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	log.Info("[Scheduler] Stopping...")
	close(s.stopCh)
	s.wg.Wait()
	s.running = false
	log.Info("[Scheduler] Stopped")
}

func (s *Scheduler) worker(j job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runJob(j)
		}
	}
}

// runJob executes one tick under the job's lock. A tick that cannot take the
// lock is skipped; another replica holds it.
func (s *Scheduler) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Scheduler] Job %q panicked: %v", j.name, r)
		}
	}()

	acquired, err := s.locks.WithLock(j.lockName, j.lockTTL, func() error {
		j.run()
		return nil
	})
	if err != nil {
		log.Errorf("[Scheduler] Job %q failed: %v", j.name, err)
		return
	}
	if !acquired {
		log.Debugf("[Scheduler] Job %q skipped, lock %s held elsewhere", j.name, j.lockName)
	}
}
