package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Billing period constants
const (
	BillingPeriodDaily   = "DAILY"
	BillingPeriodMonthly = "MONTHLY"
	BillingPeriodYearly  = "YEARLY"
)

// Order status constants. The valid transitions between them live in
// internal/pkg/vpsstate.
const (
	OrderStatusPendingPayment = "PENDING_PAYMENT"
	OrderStatusPaid           = "PAID"
	OrderStatusProvisioning   = "PROVISIONING"
	OrderStatusActive         = "ACTIVE"
	OrderStatusFailed         = "FAILED"
	OrderStatusProcessing     = "PROCESSING"
	OrderStatusExpiringSoon   = "EXPIRING_SOON"
	OrderStatusExpired        = "EXPIRED"
	OrderStatusSuspended      = "SUSPENDED"
	OrderStatusTerminated     = "TERMINATED"
	OrderStatusCanceled       = "CANCELED"
)

// Renewal failure reasons stored on the order
const (
	RenewalFailInsufficientBalance = "INSUFFICIENT_BALANCE"
	RenewalFailSystemError         = "SYSTEM_ERROR"
)

// Order represents one VPS purchase/lease with its pricing snapshot.
// Every status-changing write must go through UpdateOrderStatusChecked so
// the version column acts as an optimistic concurrency token.
type Order struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UserID            uint            `gorm:"not null;index" json:"user_id"`
	PlanID            string          `gorm:"type:varchar(64);not null" json:"plan_id"`
	PlanName          string          `gorm:"type:varchar(150)" json:"plan_name"`
	ImageID           string          `gorm:"type:varchar(64);not null" json:"image_id"`
	ImageName         string          `gorm:"type:varchar(150)" json:"image_name"`
	BillingPeriod     string          `gorm:"type:varchar(10);not null;index" json:"billing_period"`
	BasePrice         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"base_price"`
	PromoDiscount     decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"promo_discount"`
	CouponCode        string          `gorm:"type:varchar(64);default:null" json:"coupon_code,omitempty"`
	CouponDiscount    decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"coupon_discount"`
	FinalPrice        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"final_price"`
	Currency          string          `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	Duration          int             `gorm:"not null;default:1" json:"duration"` // billing periods purchased upfront
	Status            string          `gorm:"type:varchar(20);not null;default:'PENDING_PAYMENT';index:idx_orders_status_expires,priority:1" json:"status"`
	Version           int             `gorm:"not null;default:1" json:"version"`
	AutoRenew         bool            `gorm:"default:false" json:"auto_renew"`
	RenewalFailReason string          `gorm:"type:varchar(50);default:null" json:"renewal_fail_reason,omitempty"`
	TerminationReason string          `gorm:"type:varchar(100);default:null" json:"termination_reason,omitempty"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	PaidAt            *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	ActivatedAt       *time.Time      `gorm:"type:timestamp;default:null" json:"activated_at,omitempty"`
	ExpiresAt         *time.Time      `gorm:"type:timestamp;default:null;index:idx_orders_status_expires,priority:2" json:"expires_at,omitempty"`
	SuspendedAt       *time.Time      `gorm:"type:timestamp;default:null" json:"suspended_at,omitempty"`
	TerminatedAt      *time.Time      `gorm:"type:timestamp;default:null" json:"terminated_at,omitempty"`
	LastRenewalAt     *time.Time      `gorm:"type:timestamp;default:null" json:"last_renewal_at,omitempty"`
}

func (Order) TableName() string {
	return "vps_orders"
}

// BeforeCreate ensures the optimistic lock token starts at 1
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.Version == 0 {
		o.Version = 1
	}
	return nil
}

// AddBillingPeriods advances base by n units of the given billing period
func AddBillingPeriods(base time.Time, period string, n int) time.Time {
	switch period {
	case BillingPeriodDaily:
		return base.Add(time.Duration(n) * 24 * time.Hour)
	case BillingPeriodYearly:
		return base.AddDate(n, 0, 0)
	default:
		return base.AddDate(0, n, 0)
	}
}

// IsBillingPeriodValid reports whether p is a known billing period
func IsBillingPeriodValid(p string) bool {
	switch p {
	case BillingPeriodDaily, BillingPeriodMonthly, BillingPeriodYearly:
		return true
	}
	return false
}

// --- Static Functions ---

// FindOrderByID finds an order by ID
func FindOrderByID(db *gorm.DB, id uint) (*Order, error) {
	var order Order
	result := db.Where("id = ?", id).First(&order)
	return &order, result.Error
}

// FindOrdersByUserID returns all orders belonging to a user, newest first
func FindOrdersByUserID(db *gorm.DB, userID uint) ([]Order, error) {
	var orders []Order
	result := db.Where("user_id = ?", userID).Order("created_at DESC").Find(&orders)
	return orders, result.Error
}

// FindOrdersExpiringWithin returns ACTIVE/EXPIRING_SOON orders of the given
// billing period whose expiry falls inside [now, now+window]
func FindOrdersExpiringWithin(db *gorm.DB, billingPeriod string, now time.Time, window time.Duration) ([]Order, error) {
	var orders []Order
	result := db.Where(
		"billing_period = ? AND status IN ? AND expires_at >= ? AND expires_at <= ?",
		billingPeriod,
		[]string{OrderStatusActive, OrderStatusExpiringSoon},
		now,
		now.Add(window),
	).Find(&orders)
	return orders, result.Error
}

// FindExpiredOrders returns ACTIVE/EXPIRING_SOON orders whose expiry has passed
func FindExpiredOrders(db *gorm.DB, now time.Time) ([]Order, error) {
	var orders []Order
	result := db.Where(
		"status IN ? AND expires_at < ?",
		[]string{OrderStatusActive, OrderStatusExpiringSoon},
		now,
	).Find(&orders)
	return orders, result.Error
}

// FindSuspendedOrders returns all SUSPENDED orders
func FindSuspendedOrders(db *gorm.DB) ([]Order, error) {
	var orders []Order
	result := db.Where("status = ?", OrderStatusSuspended).Find(&orders)
	return orders, result.Error
}

// FindAutoRenewalCandidates returns orders eligible for an auto-renewal
// attempt: autoRenew on, EXPIRING_SOON or EXPIRED, expiring within the
// window, and no pending renewal failure reason blocking retries.
func FindAutoRenewalCandidates(db *gorm.DB, now time.Time, window time.Duration) ([]Order, error) {
	var orders []Order
	result := db.Where(
		"auto_renew = ? AND status IN ? AND expires_at <= ? AND (renewal_fail_reason IS NULL OR renewal_fail_reason = '')",
		true,
		[]string{OrderStatusExpiringSoon, OrderStatusExpired},
		now.Add(window),
	).Find(&orders)
	return orders, result.Error
}

// UpdateOrderStatusChecked performs the conditional status write that backs
// every racing transition: UPDATE ... WHERE id=? AND status=? AND version=?
// with the version bumped in the same statement. Returns false when zero
// rows were affected, meaning another worker already moved the order.
func UpdateOrderStatusChecked(db *gorm.DB, id uint, expectedStatus string, expectedVersion int, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["version"] = gorm.Expr("version + 1")

	result := db.Model(&Order{}).
		Where("id = ? AND status = ? AND version = ?", id, expectedStatus, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
