package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Actor for system-driven status changes
const ActorSystem = "system"

// Metadata key tagging an expiry notification with its threshold, used as
// the idempotency guard for processExpiringVps.
const MetaKeyNotifiedThresholdHours = "notified_threshold_hours"

// StatusHistory is the append-only audit log of order status changes and
// payment events. Rows are never mutated or deleted; lifecycle jobs also use
// them for idempotency checks.
type StatusHistory struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrderID        uint      `gorm:"not null;index" json:"order_id"`
	PreviousStatus string    `gorm:"type:varchar(20)" json:"previous_status"`
	NewStatus      string    `gorm:"type:varchar(20)" json:"new_status"`
	Actor          string    `gorm:"type:varchar(50);not null;default:'system'" json:"actor"`
	Reason         string    `gorm:"type:varchar(200)" json:"reason"`
	Metadata       string    `gorm:"type:text" json:"metadata"` // JSON object
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (StatusHistory) TableName() string {
	return "vps_status_histories"
}

// AppendStatusHistory writes one audit row. Metadata may be nil.
func AppendStatusHistory(db *gorm.DB, orderID uint, previous, next, actor, reason string, metadata map[string]interface{}) error {
	metaJSON := ""
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		metaJSON = string(b)
	}

	row := StatusHistory{
		OrderID:        orderID,
		PreviousStatus: previous,
		NewStatus:      next,
		Actor:          actor,
		Reason:         reason,
		Metadata:       metaJSON,
	}
	return db.Create(&row).Error
}

// FindStatusHistoryByOrderID returns the audit trail for an order, oldest first
func FindStatusHistoryByOrderID(db *gorm.DB, orderID uint) ([]StatusHistory, error) {
	var rows []StatusHistory
	result := db.Where("order_id = ?", orderID).Order("created_at ASC, id ASC").Find(&rows)
	return rows, result.Error
}

// HasThresholdNotification reports whether an expiry notification for this
// exact threshold has already been recorded for the order. The metadata blob
// is the source of truth here rather than a dedicated dedup table.
func HasThresholdNotification(db *gorm.DB, orderID uint, thresholdHours int) (bool, error) {
	var rows []StatusHistory
	result := db.Where("order_id = ? AND metadata LIKE ?", orderID, "%"+MetaKeyNotifiedThresholdHours+"%").Find(&rows)
	if result.Error != nil {
		return false, result.Error
	}

	for _, row := range rows {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
			continue
		}
		if v, ok := meta[MetaKeyNotifiedThresholdHours]; ok {
			if f, ok := v.(float64); ok && int(f) == thresholdHours {
				return true, nil
			}
		}
	}
	return false, nil
}
