package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Renewal types
const (
	RenewalTypeAuto   = "AUTO"
	RenewalTypeManual = "MANUAL"
)

// RenewalHistory is the append-only record of renewal attempts, successful
// or not.
type RenewalHistory struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	OrderID           uint            `gorm:"not null;index" json:"order_id"`
	RenewalType       string          `gorm:"type:varchar(10);not null" json:"renewal_type"`
	Amount            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	PreviousExpiresAt *time.Time      `gorm:"type:timestamp;default:null" json:"previous_expires_at,omitempty"`
	NewExpiresAt      *time.Time      `gorm:"type:timestamp;default:null" json:"new_expires_at,omitempty"`
	Success           bool            `gorm:"not null" json:"success"`
	FailReason        string          `gorm:"type:varchar(200)" json:"fail_reason,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (RenewalHistory) TableName() string {
	return "vps_renewal_histories"
}

// AppendRenewalHistory writes one renewal attempt record
func AppendRenewalHistory(db *gorm.DB, row *RenewalHistory) error {
	return db.Create(row).Error
}

// FindRenewalHistoryByOrderID returns renewal attempts for an order, newest first
func FindRenewalHistoryByOrderID(db *gorm.DB, orderID uint) ([]RenewalHistory, error) {
	var rows []RenewalHistory
	result := db.Where("order_id = ?", orderID).Order("created_at DESC, id DESC").Find(&rows)
	return rows, result.Error
}
