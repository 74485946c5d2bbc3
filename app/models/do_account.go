package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Account health status constants
const (
	HealthStatusHealthy   = "HEALTHY"
	HealthStatusDegraded  = "DEGRADED"
	HealthStatusUnhealthy = "UNHEALTHY"
	HealthStatusUnknown   = "UNKNOWN"
)

// DoAccount is one DigitalOcean credential set the provisioning engine can
// create droplets under. The access token is stored encrypted; the cached
// droplet count is a selection heuristic only - live capacity checks are the
// ground truth.
type DoAccount struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	Name               string     `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	Email              string     `gorm:"type:varchar(200)" json:"email"`
	EncryptedToken     string     `gorm:"type:text;not null" json:"-"`
	DropletLimit       int        `gorm:"default:0" json:"droplet_limit"`
	ActiveDropletCount int        `gorm:"default:0" json:"active_droplet_count"`
	IsActive           bool       `gorm:"default:true;index" json:"is_active"`
	IsPrimary          bool       `gorm:"default:false" json:"is_primary"`
	HealthStatus       string     `gorm:"type:varchar(20);not null;default:'UNKNOWN'" json:"health_status"`
	LastHealthCheckAt  *time.Time `gorm:"type:timestamp;default:null" json:"last_health_check_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DoAccount) TableName() string {
	return "do_accounts"
}

// BeforeCreate enforces the single-primary invariant
func (a *DoAccount) BeforeCreate(tx *gorm.DB) error {
	return a.checkSinglePrimary(tx)
}

// BeforeUpdate enforces the single-primary invariant
func (a *DoAccount) BeforeUpdate(tx *gorm.DB) error {
	return a.checkSinglePrimary(tx)
}

func (a *DoAccount) checkSinglePrimary(tx *gorm.DB) error {
	if !a.IsPrimary {
		return nil
	}
	var count int64
	if err := tx.Model(&DoAccount{}).Where("is_primary = ? AND id != ?", true, a.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.New("only one primary account is allowed")
	}
	return nil
}

// HasCapacity reports whether the cached counters leave room for one more droplet
func (a *DoAccount) HasCapacity() bool {
	return a.ActiveDropletCount < a.DropletLimit
}

// IsSelectable reports whether the account may enter the selection pool
func (a *DoAccount) IsSelectable() bool {
	return a.IsActive && (a.HealthStatus == HealthStatusHealthy || a.HealthStatus == HealthStatusUnknown)
}

// --- Static Functions ---

// FindDoAccountByID finds an account by ID
func FindDoAccountByID(db *gorm.DB, id uint) (*DoAccount, error) {
	var account DoAccount
	result := db.Where("id = ?", id).First(&account)
	return &account, result.Error
}

// FindAllDoAccounts returns every account, primary first
func FindAllDoAccounts(db *gorm.DB) ([]DoAccount, error) {
	var accounts []DoAccount
	result := db.Order("is_primary DESC, id ASC").Find(&accounts)
	return accounts, result.Error
}

// FindSelectableDoAccounts returns the candidate pool for droplet placement:
// active accounts that are HEALTHY or UNKNOWN, ordered primary first, then by
// ascending cached droplet count.
func FindSelectableDoAccounts(db *gorm.DB) ([]DoAccount, error) {
	var accounts []DoAccount
	result := db.Where("is_active = ? AND health_status IN ?", true, []string{HealthStatusHealthy, HealthStatusUnknown}).
		Order("is_primary DESC, active_droplet_count ASC, id ASC").
		Find(&accounts)
	return accounts, result.Error
}

// IncrementActiveDroplets bumps the cached droplet counter atomically
func IncrementActiveDroplets(db *gorm.DB, id uint) error {
	return db.Model(&DoAccount{}).Where("id = ?", id).
		UpdateColumn("active_droplet_count", gorm.Expr("active_droplet_count + 1")).Error
}

// DecrementActiveDroplets lowers the cached droplet counter, flooring at zero
func DecrementActiveDroplets(db *gorm.DB, id uint) error {
	return db.Model(&DoAccount{}).Where("id = ? AND active_droplet_count > 0", id).
		UpdateColumn("active_droplet_count", gorm.Expr("active_droplet_count - 1")).Error
}

// UpdateAccountHealth persists a health check outcome
func UpdateAccountHealth(db *gorm.DB, id uint, status string, checkedAt time.Time) error {
	return db.Model(&DoAccount{}).Where("id = ?", id).Updates(map[string]interface{}{
		"health_status":        status,
		"last_health_check_at": checkedAt,
	}).Error
}
