package lock

import (
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
)

// LockInfo describes the current holder of a named lock
type LockInfo struct {
	Owner     string    `json:"owner"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service is the database-backed mutual exclusion primitive periodic jobs
// use across replicas. Acquisition is always best-effort: any database error
// degrades to "not acquired" so a scheduler tick is skipped, never crashed.
type Service struct {
	db         *gorm.DB
	instanceID string
}

// NewService creates a lock service with a stable per-process identity
func NewService(db *gorm.DB) *Service {
	return &Service{
		db:         db,
		instanceID: fmt.Sprintf("webrana-%d-%d", os.Getpid(), time.Now().UnixNano()),
	}
}

// InstanceID returns this process's lock owner identity
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Acquire tries to take the named lock for ttl. It reclaims expired rows and
// re-entrantly refreshes rows this instance already owns. After the write it
// re-reads the row and only an exact locked_by match counts as acquired,
// because the write may have been a no-op against a legitimately held lock.
func (s *Service) Acquire(jobName string, ttl time.Duration) bool {
	now := time.Now()
	expiresAt := now.Add(ttl)

	// Claim an existing row that is expired or already ours.
	res := s.db.Model(&models.DistributedLock{}).
		Where("job_name = ? AND (expires_at <= ? OR locked_by = ?)", jobName, now, s.instanceID).
		Updates(map[string]interface{}{
			"locked_at":  now,
			"locked_by":  s.instanceID,
			"expires_at": expiresAt,
		})
	if res.Error != nil {
		log.Errorf("[Lock] Acquire update failed for %s: %v", jobName, res.Error)
		return false
	}

	if res.RowsAffected == 0 {
		// No claimable row - insert one, losing silently to a concurrent insert.
		row := models.DistributedLock{
			JobName:   jobName,
			LockedAt:  now,
			LockedBy:  s.instanceID,
			ExpiresAt: expiresAt,
		}
		if err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_name"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			log.Errorf("[Lock] Acquire insert failed for %s: %v", jobName, err)
			return false
		}
	}

	// The re-read is the correctness gate: whatever happened above, we hold
	// the lock only if the row now names us and has not expired.
	current, err := models.FindLockByJobName(s.db, jobName)
	if err != nil {
		log.Errorf("[Lock] Acquire verification read failed for %s: %v", jobName, err)
		return false
	}
	return current.LockedBy == s.instanceID && current.ExpiresAt.After(now)
}

// Release drops the lock if this instance owns it; otherwise a no-op
func (s *Service) Release(jobName string) {
	res := s.db.Where("job_name = ? AND locked_by = ?", jobName, s.instanceID).
		Delete(&models.DistributedLock{})
	if res.Error != nil {
		log.Errorf("[Lock] Release failed for %s: %v", jobName, res.Error)
	}
}

// WithLock runs fn only when the lock is acquired. The first return value
// reports whether fn ran. The lock is released even when fn returns an
// error or panics, and fn's error propagates after the release.
func (s *Service) WithLock(jobName string, ttl time.Duration, fn func() error) (bool, error) {
	if !s.Acquire(jobName, ttl) {
		return false, nil
	}
	defer s.Release(jobName)

	return true, fn()
}

// Extend pushes out the expiry of a lock this instance currently holds
func (s *Service) Extend(jobName string, extra time.Duration) bool {
	now := time.Now()
	row, err := models.FindLockByJobName(s.db, jobName)
	if err != nil || row.LockedBy != s.instanceID || !row.ExpiresAt.After(now) {
		return false
	}

	res := s.db.Model(&models.DistributedLock{}).
		Where("job_name = ? AND locked_by = ? AND expires_at > ?", jobName, s.instanceID, now).
		Update("expires_at", row.ExpiresAt.Add(extra))
	if res.Error != nil {
		log.Errorf("[Lock] Extend failed for %s: %v", jobName, res.Error)
		return false
	}
	return res.RowsAffected > 0
}

// IsLocked reports whether anyone currently holds the named lock
func (s *Service) IsLocked(jobName string) bool {
	info := s.GetLockInfo(jobName)
	return info != nil
}

// GetLockInfo returns the current holder, or nil when unheld/expired
func (s *Service) GetLockInfo(jobName string) *LockInfo {
	row, err := models.FindLockByJobName(s.db, jobName)
	if err != nil {
		return nil
	}
	if !row.ExpiresAt.After(time.Now()) {
		return nil
	}
	return &LockInfo{
		Owner:     row.LockedBy,
		LockedAt:  row.LockedAt,
		ExpiresAt: row.ExpiresAt,
	}
}

// CleanupExpired deletes expired lock rows and returns how many were removed
func (s *Service) CleanupExpired() int64 {
	res := s.db.Where("expires_at <= ?", time.Now()).Delete(&models.DistributedLock{})
	if res.Error != nil {
		log.Errorf("[Lock] CleanupExpired failed: %v", res.Error)
		return 0
	}
	return res.RowsAffected
}
