package models

import (
	"time"

	"gorm.io/gorm"
)

// DistributedLock backs the database lock service used by periodic jobs.
// A row counts as held only while expires_at is in the future AND locked_by
// matches the caller; an expired row is reclaimable by anyone.
type DistributedLock struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	JobName   string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"job_name"`
	LockedAt  time.Time `gorm:"not null" json:"locked_at"`
	LockedBy  string    `gorm:"type:varchar(150);not null" json:"locked_by"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
}

func (DistributedLock) TableName() string {
	return "distributed_locks"
}

// FindLockByJobName finds a lock row by job name
func FindLockByJobName(db *gorm.DB, jobName string) (*DistributedLock, error) {
	var lock DistributedLock
	result := db.Where("job_name = ?", jobName).First(&lock)
	return &lock, result.Error
}
