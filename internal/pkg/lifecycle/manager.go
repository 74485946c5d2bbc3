package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/accounts"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/clients"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/digitalocean"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/env"
)

// Termination reasons recorded on the order
const (
	TerminationReasonExpired    = "EXPIRED_NO_RENEWAL"
	TerminationReasonGraceEnded = "GRACE_PERIOD_ENDED"
)

// Biller is the billing surface renewals need
type Biller interface {
	DeductBalance(userID uint, amount decimal.Decimal, refType string, refID uint, description string) error
	RefundBalance(userID uint, amount decimal.Decimal, refType string, refID uint, description string) error
}

// Notifier is the fire-and-forget notification surface
type Notifier interface {
	Send(userID uint, event string, data map[string]interface{})
}

// periodPolicy captures how one billing period behaves after activation
type periodPolicy struct {
	grace          time.Duration
	suspends       bool
	thresholdHours []int
}

// Daily orders are cheap and short-lived, so they skip the suspend step and
// get a single short warning window. Monthly and yearly orders get the full
// warning ladder plus a grace period before destruction.
var periodPolicies = map[string]periodPolicy{
	models.BillingPeriodDaily:   {grace: 0, suspends: false, thresholdHours: []int{8}},
	models.BillingPeriodMonthly: {grace: 24 * time.Hour, suspends: true, thresholdHours: []int{168, 72, 24, 8}},
	models.BillingPeriodYearly:  {grace: 72 * time.Hour, suspends: true, thresholdHours: []int{168, 72, 24, 8}},
}

// BatchError records one order that failed inside a batch job
type BatchError struct {
	OrderID uint   `json:"order_id"`
	Err     string `json:"error"`
}

// BatchStats is the uniform result of every lifecycle batch job. Per-order
// failures land in Errors instead of aborting the sweep.
type BatchStats struct {
	Processed int          `json:"processed"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Errors    []BatchError `json:"errors"`
}

func (s *BatchStats) fail(orderID uint, err error) {
	s.Failed++
	s.Errors = append(s.Errors, BatchError{OrderID: orderID, Err: err.Error()})
}

// errRenewalRaceLost marks a renewal whose conditional update lost to a
// concurrent writer after the charge went through.
var errRenewalRaceLost = errors.New("renewal lost the status race")

// Manager governs post-activation order behavior: expiry warnings, auto
// renewal, suspension and termination. Database state is authoritative;
// infrastructure actions (power off, destroy) run best-effort after the row
// is updated and only log their failures.
type Manager struct {
	db        *gorm.DB
	billing   Biller
	notifier  Notifier
	accounts  *accounts.Manager
	newClient accounts.ClientFactory

	legacyToken string
}

// NewManager creates a lifecycle manager
func NewManager(db *gorm.DB, billing Biller, notifier Notifier, accountManager *accounts.Manager, factory accounts.ClientFactory) *Manager {
	if factory == nil {
		factory = digitalocean.NewClient
	}
	return &Manager{
		db:          db,
		billing:     billing,
		notifier:    notifier,
		accounts:    accountManager,
		newClient:   factory,
		legacyToken: env.GetEnv("DO_API_TOKEN", ""),
	}
}

// ProcessExpiringVps sends threshold-based expiry warnings. Each (order,
// threshold) pair is notified at most once; the StatusHistory metadata tag is
// the idempotency guard. ACTIVE orders additionally move to EXPIRING_SOON.
func (m *Manager) ProcessExpiringVps() *BatchStats {
	stats := &BatchStats{}
	now := time.Now()

	for period, policy := range periodPolicies {
		for _, hours := range policy.thresholdHours {
			orders, err := models.FindOrdersExpiringWithin(m.db, period, now, time.Duration(hours)*time.Hour)
			if err != nil {
				log.Errorf("[Lifecycle] Expiring query failed for %s/%dh: %v", period, hours, err)
				stats.Errors = append(stats.Errors, BatchError{Err: err.Error()})
				continue
			}

			for i := range orders {
				order := &orders[i]
				stats.Processed++

				notified, err := models.HasThresholdNotification(m.db, order.ID, hours)
				if err != nil {
					stats.fail(order.ID, err)
					continue
				}
				if notified {
					stats.Skipped++
					continue
				}

				if err := m.notifyExpiring(order, hours, now); err != nil {
					stats.fail(order.ID, err)
					continue
				}
				stats.Succeeded++
			}
		}
	}

	log.Infof("[Lifecycle] Expiring sweep: %d processed, %d notified, %d skipped, %d failed",
		stats.Processed, stats.Succeeded, stats.Skipped, stats.Failed)
	return stats
}

func (m *Manager) notifyExpiring(order *models.Order, thresholdHours int, now time.Time) error {
	m.notifier.Send(order.UserID, clients.EventVpsExpiringSoon, map[string]interface{}{
		"order_id":        order.ID,
		"expires_at":      order.ExpiresAt,
		"threshold_hours": thresholdHours,
	})

	next := order.Status
	if order.Status == models.OrderStatusActive {
		ok, err := models.UpdateOrderStatusChecked(m.db, order.ID, models.OrderStatusActive, order.Version, map[string]interface{}{
			"status": models.OrderStatusExpiringSoon,
		})
		if err != nil {
			return err
		}
		// Lost race means another replica already moved it; the history tag
		// below still needs writing so the threshold is not re-notified.
		if ok {
			next = models.OrderStatusExpiringSoon
		}
	}

	return models.AppendStatusHistory(m.db, order.ID, order.Status, next,
		models.ActorSystem, fmt.Sprintf("expiry warning %dh", thresholdHours),
		map[string]interface{}{models.MetaKeyNotifiedThresholdHours: thresholdHours})
}

// ProcessAutoRenewals charges renewal candidates and extends their expiry.
// Insufficient balance parks the order behind RenewalFailReason so it is not
// retried every sweep; any other failure is recorded as SYSTEM_ERROR.
func (m *Manager) ProcessAutoRenewals() *BatchStats {
	stats := &BatchStats{}
	now := time.Now()

	orders, err := models.FindAutoRenewalCandidates(m.db, now, 24*time.Hour)
	if err != nil {
		log.Errorf("[Lifecycle] Renewal candidate query failed: %v", err)
		stats.Errors = append(stats.Errors, BatchError{Err: err.Error()})
		return stats
	}

	for i := range orders {
		order := &orders[i]
		stats.Processed++

		err := m.renewOrder(order, models.RenewalTypeAuto, now)
		switch {
		case err == nil:
			stats.Succeeded++
		case errors.Is(err, errRenewalRaceLost):
			stats.Skipped++
		default:
			stats.fail(order.ID, err)
		}
	}

	log.Infof("[Lifecycle] Renewal sweep: %d processed, %d renewed, %d skipped, %d failed",
		stats.Processed, stats.Succeeded, stats.Skipped, stats.Failed)
	return stats
}

// RenewOrder is the manual renewal path used by the API. The rules match
// auto renewal; only the recorded type differs.
func (m *Manager) RenewOrder(orderID uint, renewalType string) (*models.Order, error) {
	order, err := models.FindOrderByID(m.db, orderID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeOrderNotFound, fmt.Sprintf("order %d not found", orderID), err)
	}

	switch order.Status {
	case models.OrderStatusActive, models.OrderStatusExpiringSoon, models.OrderStatusExpired, models.OrderStatusSuspended:
		// renewable
	default:
		return nil, apperrors.Newf(apperrors.CodeOrderNotActive,
			"order %d is %s and cannot be renewed", orderID, order.Status)
	}

	if err := m.renewOrder(order, renewalType, time.Now()); err != nil {
		return nil, err
	}
	return models.FindOrderByID(m.db, orderID)
}

// renewOrder charges one renewal and applies the new expiry via the
// conditional status write.
func (m *Manager) renewOrder(order *models.Order, renewalType string, now time.Time) error {
	amount := order.FinalPrice
	description := fmt.Sprintf("VPS renewal for order %d (%s)", order.ID, order.BillingPeriod)

	if err := m.billing.DeductBalance(order.UserID, amount, "vps_renewal", order.ID, description); err != nil {
		var insufficient *clients.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			m.recordRenewalFailure(order, renewalType, amount, models.RenewalFailInsufficientBalance)
			m.notifier.Send(order.UserID, clients.EventRenewalFailedNoBalance, map[string]interface{}{
				"order_id":  order.ID,
				"required":  insufficient.Required.String(),
				"available": insufficient.Available.String(),
			})
			return apperrors.Wrap(apperrors.CodeInsufficientBalance,
				fmt.Sprintf("renewal of order %d needs %s", order.ID, insufficient.Required.String()), err)
		}

		m.recordRenewalFailure(order, renewalType, amount, models.RenewalFailSystemError)
		m.notifier.Send(order.UserID, clients.EventRenewalFailed, map[string]interface{}{
			"order_id": order.ID,
		})
		return err
	}

	previousExpiry := order.ExpiresAt
	newExpiry := nextExpiry(order, now)

	ok, err := models.UpdateOrderStatusChecked(m.db, order.ID, order.Status, order.Version, map[string]interface{}{
		"status":              models.OrderStatusActive,
		"expires_at":          newExpiry,
		"renewal_fail_reason": "",
		"suspended_at":        nil,
		"last_renewal_at":     now,
	})
	if err != nil {
		// The customer has been charged but the renewal did not apply. Park
		// the order so the next sweep does not charge again, and hand the
		// money back.
		m.recordRenewalFailure(order, renewalType, amount, models.RenewalFailSystemError)
		if rerr := m.billing.RefundBalance(order.UserID, amount, "vps_renewal", order.ID,
			fmt.Sprintf("renewal refund for order %d (update failed)", order.ID)); rerr != nil {
			log.Errorf("[Lifecycle] Refund after failed renewal write for order %d: %v", order.ID, rerr)
		}
		m.notifier.Send(order.UserID, clients.EventRenewalFailed, map[string]interface{}{
			"order_id": order.ID,
		})
		return err
	}
	if !ok {
		// Another worker moved the order between the charge and the write.
		// Hand the money back rather than leaving a paid-but-unapplied renewal.
		if rerr := m.billing.RefundBalance(order.UserID, amount, "vps_renewal", order.ID,
			fmt.Sprintf("renewal refund for order %d (lost update race)", order.ID)); rerr != nil {
			log.Errorf("[Lifecycle] Refund after lost renewal race failed for order %d: %v", order.ID, rerr)
		}
		return errRenewalRaceLost
	}

	// A renewal out of suspension reactivates the order; bring the powered
	// off droplet back best-effort.
	if order.Status == models.OrderStatusSuspended {
		if client, dropletID, cerr := m.dropletClient(order.ID); cerr != nil {
			log.Warnf("[Lifecycle] No droplet client for reactivated order %d: %v", order.ID, cerr)
		} else if client != nil {
			if aerr := client.PerformAction(dropletID, digitalocean.ActionPowerOn); aerr != nil {
				log.Warnf("[Lifecycle] Power on failed for order %d droplet %d: %v", order.ID, dropletID, aerr)
			}
		}
	}

	if err := models.AppendRenewalHistory(m.db, &models.RenewalHistory{
		OrderID:           order.ID,
		RenewalType:       renewalType,
		Amount:            amount,
		PreviousExpiresAt: previousExpiry,
		NewExpiresAt:      &newExpiry,
		Success:           true,
	}); err != nil {
		log.Errorf("[Lifecycle] Could not append renewal history for order %d: %v", order.ID, err)
	}
	if err := models.AppendStatusHistory(m.db, order.ID, order.Status, models.OrderStatusActive,
		models.ActorSystem, "renewed", map[string]interface{}{
			"renewal_type": renewalType,
			"new_expiry":   newExpiry,
		}); err != nil {
		log.Errorf("[Lifecycle] Could not append status history for order %d: %v", order.ID, err)
	}

	m.notifier.Send(order.UserID, clients.EventVpsRenewed, map[string]interface{}{
		"order_id":   order.ID,
		"expires_at": newExpiry,
	})
	log.Infof("[Lifecycle] Order %d renewed (%s) until %s", order.ID, renewalType, newExpiry.Format(time.RFC3339))
	return nil
}

func (m *Manager) recordRenewalFailure(order *models.Order, renewalType string, amount decimal.Decimal, reason string) {
	if err := m.db.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("renewal_fail_reason", reason).Error; err != nil {
		log.Errorf("[Lifecycle] Could not record renewal fail reason for order %d: %v", order.ID, err)
	}
	if err := models.AppendRenewalHistory(m.db, &models.RenewalHistory{
		OrderID:           order.ID,
		RenewalType:       renewalType,
		Amount:            amount,
		PreviousExpiresAt: order.ExpiresAt,
		Success:           false,
		FailReason:        reason,
	}); err != nil {
		log.Errorf("[Lifecycle] Could not append failed renewal history for order %d: %v", order.ID, err)
	}
}

// nextExpiry extends from the later of the current expiry and now, so early
// renewals add a full period and late ones start counting from today.
func nextExpiry(order *models.Order, now time.Time) time.Time {
	base := now
	if order.ExpiresAt != nil && order.ExpiresAt.After(now) {
		base = *order.ExpiresAt
	}

	return models.AddBillingPeriods(base, order.BillingPeriod, 1)
}

// ProcessExpiredVps sweeps orders whose expiry has passed. Daily orders are
// destroyed immediately; monthly and yearly orders enter suspension first.
func (m *Manager) ProcessExpiredVps() *BatchStats {
	stats := &BatchStats{}
	now := time.Now()

	orders, err := models.FindExpiredOrders(m.db, now)
	if err != nil {
		log.Errorf("[Lifecycle] Expired query failed: %v", err)
		stats.Errors = append(stats.Errors, BatchError{Err: err.Error()})
		return stats
	}

	for i := range orders {
		order := &orders[i]
		stats.Processed++

		policy := periodPolicies[order.BillingPeriod]
		var done bool
		var procErr error
		if policy.suspends {
			done, procErr = m.SuspendVps(order)
		} else {
			done, procErr = m.TerminateVps(order, TerminationReasonExpired)
		}

		switch {
		case procErr != nil:
			stats.fail(order.ID, procErr)
		case done:
			stats.Succeeded++
		default:
			stats.Skipped++
		}
	}

	log.Infof("[Lifecycle] Expired sweep: %d processed, %d handled, %d skipped, %d failed",
		stats.Processed, stats.Succeeded, stats.Skipped, stats.Failed)
	return stats
}

// SuspendVps moves an order to SUSPENDED via the conditional write, then
// powers the droplet off best-effort. A lost race returns (false, nil) and
// leaves no trace.
func (m *Manager) SuspendVps(order *models.Order) (bool, error) {
	switch order.Status {
	case models.OrderStatusActive, models.OrderStatusExpiringSoon, models.OrderStatusExpired:
		// suspendable
	default:
		return false, nil
	}

	now := time.Now()
	ok, err := models.UpdateOrderStatusChecked(m.db, order.ID, order.Status, order.Version, map[string]interface{}{
		"status":       models.OrderStatusSuspended,
		"suspended_at": now,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// The row is authoritative from here on; the power-off may lag or fail.
	if client, dropletID, err := m.dropletClient(order.ID); err != nil {
		log.Warnf("[Lifecycle] No droplet client for suspended order %d: %v", order.ID, err)
	} else if client != nil {
		if err := client.PerformAction(dropletID, digitalocean.ActionPowerOff); err != nil {
			log.Warnf("[Lifecycle] Power off failed for order %d droplet %d: %v", order.ID, dropletID, err)
		}
	}

	if err := models.AppendStatusHistory(m.db, order.ID, order.Status, models.OrderStatusSuspended,
		models.ActorSystem, "expired, entering grace period", nil); err != nil {
		log.Errorf("[Lifecycle] Could not append suspend history for order %d: %v", order.ID, err)
	}
	m.notifier.Send(order.UserID, clients.EventVpsSuspended, map[string]interface{}{
		"order_id":     order.ID,
		"suspended_at": now,
	})
	log.Infof("[Lifecycle] Order %d suspended", order.ID)
	return true, nil
}

// ProcessSuspendedVps terminates suspended orders whose grace period has
// ended; orders still inside the window count as Skipped.
func (m *Manager) ProcessSuspendedVps() *BatchStats {
	stats := &BatchStats{}
	now := time.Now()

	orders, err := models.FindSuspendedOrders(m.db)
	if err != nil {
		log.Errorf("[Lifecycle] Suspended query failed: %v", err)
		stats.Errors = append(stats.Errors, BatchError{Err: err.Error()})
		return stats
	}

	for i := range orders {
		order := &orders[i]
		stats.Processed++

		if order.SuspendedAt == nil {
			stats.fail(order.ID, fmt.Errorf("suspended order %d has no suspension timestamp", order.ID))
			continue
		}

		graceEndsAt := order.SuspendedAt.Add(periodPolicies[order.BillingPeriod].grace)
		if now.Before(graceEndsAt) {
			stats.Skipped++
			continue
		}

		done, err := m.TerminateVps(order, TerminationReasonGraceEnded)
		switch {
		case err != nil:
			stats.fail(order.ID, err)
		case done:
			stats.Succeeded++
		default:
			stats.Skipped++
		}
	}

	log.Infof("[Lifecycle] Suspended sweep: %d processed, %d terminated, %d still in grace, %d failed",
		stats.Processed, stats.Succeeded, stats.Skipped, stats.Failed)
	return stats
}

// TerminateVps moves an order to TERMINATED via the conditional write, then
// destroys the droplet and releases the account slot best-effort. Calling it
// on an already-terminated order is a no-op.
func (m *Manager) TerminateVps(order *models.Order, reason string) (bool, error) {
	if order.Status == models.OrderStatusTerminated {
		return false, nil
	}

	now := time.Now()
	ok, err := models.UpdateOrderStatusChecked(m.db, order.ID, order.Status, order.Version, map[string]interface{}{
		"status":             models.OrderStatusTerminated,
		"terminated_at":      now,
		"termination_reason": reason,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	destroyed := false
	task, terr := models.FindProvisioningTaskByOrderID(m.db, order.ID)
	if terr == nil && task.DropletID != nil {
		if client, dropletID, cerr := m.dropletClient(order.ID); cerr != nil {
			log.Warnf("[Lifecycle] No droplet client for terminated order %d: %v", order.ID, cerr)
		} else if client != nil {
			if derr := client.DeleteDroplet(dropletID); derr != nil {
				log.Warnf("[Lifecycle] Droplet destroy failed for order %d droplet %d: %v", order.ID, dropletID, derr)
			} else {
				destroyed = true
				if task.DoAccountID != nil {
					if aerr := m.accounts.DecrementActiveCount(*task.DoAccountID); aerr != nil {
						log.Errorf("[Lifecycle] Active count decrement failed for account %d: %v", *task.DoAccountID, aerr)
					}
				}
			}
		}
	}

	if err := models.AppendStatusHistory(m.db, order.ID, order.Status, models.OrderStatusTerminated,
		models.ActorSystem, reason, map[string]interface{}{"droplet_destroyed": destroyed}); err != nil {
		log.Errorf("[Lifecycle] Could not append terminate history for order %d: %v", order.ID, err)
	}
	m.notifier.Send(order.UserID, clients.EventVpsDestroyed, map[string]interface{}{
		"order_id": order.ID,
		"reason":   reason,
	})
	log.Infof("[Lifecycle] Order %d terminated (%s)", order.ID, reason)
	return true, nil
}

// dropletClient builds a provider client for the order's droplet. A nil
// client with nil error means the order never got a droplet.
func (m *Manager) dropletClient(orderID uint) (*digitalocean.Client, int64, error) {
	task, err := models.FindProvisioningTaskByOrderID(m.db, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if task.DropletID == nil {
		return nil, 0, nil
	}

	token := m.legacyToken
	if task.DoAccountID != nil {
		token, err = m.accounts.TokenFor(*task.DoAccountID)
		if err != nil {
			return nil, 0, err
		}
	}
	if token == "" {
		return nil, 0, fmt.Errorf("no credential available for order %d", orderID)
	}

	return m.newClient(token), *task.DropletID, nil
}
