package models

import (
	"time"

	"gorm.io/gorm"
)

// Provisioning task status constants
const (
	TaskStatusPending    = "PENDING"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusSuccess    = "SUCCESS"
	TaskStatusFailed     = "FAILED"
)

// Provisioning error codes persisted on failed tasks
const (
	TaskErrDropletCreationFailed = "DROPLET_CREATION_FAILED"
	TaskErrDropletErrored        = "DROPLET_ERRORED"
	TaskErrProvisioningTimeout   = "PROVISIONING_TIMEOUT"
	TaskErrTokenInvalid          = "DO_TOKEN_INVALID"
)

// ProvisioningTask tracks one droplet provisioning attempt for an order.
// Rows are created once payment clears and are never deleted (audit trail).
type ProvisioningTask struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	OrderID          uint       `gorm:"not null;uniqueIndex" json:"order_id"`
	DoAccountID      *uint      `gorm:"index;default:null" json:"do_account_id,omitempty"` // nil = legacy shared-credential mode
	Status           string     `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	Region           string     `gorm:"type:varchar(20);not null" json:"region"`
	Size             string     `gorm:"type:varchar(50);not null" json:"size"`
	Image            string     `gorm:"type:varchar(100);not null" json:"image"`
	DropletID        *int64     `gorm:"index;default:null" json:"droplet_id,omitempty"`
	DropletName      string     `gorm:"type:varchar(150)" json:"droplet_name"`
	DropletStatus    string     `gorm:"type:varchar(20)" json:"droplet_status"`
	PublicIP         string     `gorm:"type:varchar(45)" json:"public_ip"`
	PrivateIP        string     `gorm:"type:varchar(45)" json:"private_ip"`
	Tags             string     `gorm:"type:text" json:"tags"` // JSON array
	DropletCreatedAt *time.Time `gorm:"type:timestamp;default:null" json:"droplet_created_at,omitempty"`
	Attempts         int        `gorm:"default:0" json:"attempts"`
	ErrorCode        string     `gorm:"type:varchar(50)" json:"error_code,omitempty"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt        *time.Time `gorm:"type:timestamp;default:null" json:"started_at,omitempty"`
	CompletedAt      *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProvisioningTask) TableName() string {
	return "provisioning_tasks"
}

// --- Static Functions ---

// FindProvisioningTaskByID finds a task by ID
func FindProvisioningTaskByID(db *gorm.DB, id uint) (*ProvisioningTask, error) {
	var task ProvisioningTask
	result := db.Where("id = ?", id).First(&task)
	return &task, result.Error
}

// FindProvisioningTaskByOrderID finds the task belonging to an order
func FindProvisioningTaskByOrderID(db *gorm.DB, orderID uint) (*ProvisioningTask, error) {
	var task ProvisioningTask
	result := db.Where("order_id = ?", orderID).First(&task)
	return &task, result.Error
}

// CountInFlightTasksForAccount counts PENDING/IN_PROGRESS tasks assigned to
// a provider account. Accounts with in-flight tasks must not be deleted.
func CountInFlightTasksForAccount(db *gorm.DB, accountID uint) (int64, error) {
	var count int64
	result := db.Model(&ProvisioningTask{}).
		Where("do_account_id = ? AND status IN ?", accountID, []string{TaskStatusPending, TaskStatusInProgress}).
		Count(&count)
	return count, result.Error
}
