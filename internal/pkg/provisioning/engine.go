package provisioning

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/accounts"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/clients"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/digitalocean"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/env"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/vpsstate"
)

// Notifier is the fire-and-forget notification surface the engine needs
type Notifier interface {
	Send(userID uint, event string, data map[string]interface{})
}

// Engine drives droplet provisioning for paid orders: task creation, the
// droplet create call, and the poll-until-terminal loop. All state mutations
// run through the order's optimistic version check so a racing replica loses
// cleanly.
type Engine struct {
	db        *gorm.DB
	accounts  *accounts.Manager
	notifier  Notifier
	newClient accounts.ClientFactory

	// legacyToken is the shared credential used when no managed account has
	// capacity. Empty disables the fallback.
	legacyToken string

	Region       string
	Size         string
	Image        string
	MaxAttempts  int
	PollInterval time.Duration
}

// NewEngine creates a provisioning engine with defaults from the environment
func NewEngine(db *gorm.DB, accountManager *accounts.Manager, notifier Notifier, factory accounts.ClientFactory) *Engine {
	if factory == nil {
		factory = digitalocean.NewClient
	}

	maxAttempts, err := strconv.Atoi(env.GetEnv("PROVISIONING_MAX_ATTEMPTS", "60"))
	if err != nil || maxAttempts < 1 {
		maxAttempts = 60
	}
	pollSeconds, err := strconv.Atoi(env.GetEnv("PROVISIONING_POLL_INTERVAL_SECONDS", "10"))
	if err != nil || pollSeconds < 1 {
		pollSeconds = 10
	}

	return &Engine{
		db:           db,
		accounts:     accountManager,
		notifier:     notifier,
		newClient:    factory,
		legacyToken:  env.GetEnv("DO_API_TOKEN", ""),
		Region:       env.GetEnv("DO_DEFAULT_REGION", "sgp1"),
		Size:         env.GetEnv("DO_DEFAULT_SIZE", "s-1vcpu-1gb"),
		Image:        env.GetEnv("DO_DEFAULT_IMAGE", "ubuntu-22-04-x64"),
		MaxAttempts:  maxAttempts,
		PollInterval: time.Duration(pollSeconds) * time.Second,
	}
}

// StartProvisioning kicks off provisioning for a freshly paid order. The
// droplet work runs on a detached goroutine; this call returns once the task
// row exists and the order sits in PROVISIONING.
func (e *Engine) StartProvisioning(orderID uint) error {
	order, err := models.FindOrderByID(e.db, orderID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeOrderNotFound, fmt.Sprintf("order %d not found", orderID), err)
	}
	if order.Status != models.OrderStatusPaid {
		return apperrors.Newf(apperrors.CodePaymentStatusConflict,
			"order %d is %s, provisioning requires PAID", orderID, order.Status)
	}

	token, accountID, err := e.resolveAccount()
	if err != nil {
		return err
	}

	task := &models.ProvisioningTask{
		OrderID:     orderID,
		DoAccountID: accountID,
		Status:      models.TaskStatusPending,
		Region:      e.Region,
		Size:        e.Size,
		Image:       e.Image,
	}
	if err := e.db.Create(task).Error; err != nil {
		return err
	}

	if err := e.transitionOrder(order, models.OrderStatusProvisioning, models.ActorSystem, "provisioning started", nil); err != nil {
		return err
	}

	go e.provisionGuarded(task.ID, token)
	return nil
}

// ResetForRetry is the admin path out of FAILED: the task's droplet fields
// and error state are cleared and the order moves to PROCESSING, then the
// normal async body resumes.
func (e *Engine) ResetForRetry(orderID uint, adminID uint) error {
	order, err := models.FindOrderByID(e.db, orderID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeOrderNotFound, fmt.Sprintf("order %d not found", orderID), err)
	}
	if order.Status != models.OrderStatusFailed {
		return apperrors.Newf(apperrors.CodeStateTransitionConflict,
			"order %d is %s, retry requires FAILED", orderID, order.Status)
	}
	task, err := models.FindProvisioningTaskByOrderID(e.db, orderID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProvisioningFailed,
			fmt.Sprintf("order %d has no provisioning task to retry", orderID), err)
	}

	actor := fmt.Sprintf("admin:%d", adminID)
	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ProvisioningTask{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
			"status":             models.TaskStatusPending,
			"droplet_id":         nil,
			"droplet_name":       "",
			"droplet_status":     "",
			"public_ip":          "",
			"private_ip":         "",
			"tags":               "",
			"droplet_created_at": nil,
			"attempts":           0,
			"error_code":         "",
			"error_message":      "",
			"started_at":         nil,
			"completed_at":       nil,
		}).Error; err != nil {
			return err
		}

		ok, err := models.UpdateOrderStatusChecked(tx, orderID, models.OrderStatusFailed, order.Version, map[string]interface{}{
			"status": models.OrderStatusProcessing,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Newf(apperrors.CodeStateTransitionConflict,
				"order %d changed while preparing retry", orderID)
		}

		return models.AppendStatusHistory(tx, orderID, models.OrderStatusFailed, models.OrderStatusProcessing,
			actor, "provisioning retry requested", map[string]interface{}{"task_id": task.ID})
	})
	if err != nil {
		return err
	}

	return e.ResumeProvisioning(orderID)
}

// ResumeProvisioning restarts the async body for an order parked in
// PROCESSING: a fresh account is selected and the order moves to
// PROVISIONING before the goroutine spawns.
func (e *Engine) ResumeProvisioning(orderID uint) error {
	order, err := models.FindOrderByID(e.db, orderID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeOrderNotFound, fmt.Sprintf("order %d not found", orderID), err)
	}
	if order.Status != models.OrderStatusProcessing {
		return apperrors.Newf(apperrors.CodeStateTransitionConflict,
			"order %d is %s, resume requires PROCESSING", orderID, order.Status)
	}
	task, err := models.FindProvisioningTaskByOrderID(e.db, orderID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProvisioningFailed,
			fmt.Sprintf("order %d has no provisioning task", orderID), err)
	}

	token, accountID, err := e.resolveAccount()
	if err != nil {
		return err
	}
	if err := e.db.Model(&models.ProvisioningTask{}).Where("id = ?", task.ID).
		Update("do_account_id", accountID).Error; err != nil {
		return err
	}

	if err := e.transitionOrder(order, models.OrderStatusProvisioning, models.ActorSystem, "provisioning resumed", nil); err != nil {
		return err
	}

	go e.provisionGuarded(task.ID, token)
	return nil
}

// resolveAccount picks a managed account, falling back to the legacy shared
// token when the pool is empty or exhausted.
func (e *Engine) resolveAccount() (string, *uint, error) {
	selection, err := e.accounts.SelectAvailableAccount(accounts.StrategyLeastUsed)
	if err == nil {
		return selection.Token, &selection.Account.ID, nil
	}

	if errors.Is(err, accounts.ErrNoAvailableAccount) || errors.Is(err, accounts.ErrAllAccountsFull) {
		if e.legacyToken != "" {
			log.Warnf("[Provisioning] No managed account available (%v), using legacy shared credential", err)
			return e.legacyToken, nil, nil
		}
	}
	return "", nil, err
}

// transitionOrder performs the conditional status write plus its history row
func (e *Engine) transitionOrder(order *models.Order, next, actor, reason string, metadata map[string]interface{}) error {
	if !vpsstate.IsValidTransition(order.Status, next) {
		return apperrors.Newf(apperrors.CodeStateTransitionConflict,
			"order %d cannot move from %s to %s", order.ID, order.Status, next)
	}
	return e.db.Transaction(func(tx *gorm.DB) error {
		ok, err := models.UpdateOrderStatusChecked(tx, order.ID, order.Status, order.Version, map[string]interface{}{
			"status": next,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Newf(apperrors.CodeStateTransitionConflict,
				"order %d moved away from %s concurrently", order.ID, order.Status)
		}
		return models.AppendStatusHistory(tx, order.ID, order.Status, next, actor, reason, metadata)
	})
}

// provisionGuarded is the goroutine entry point; any panic or error inside
// the body ends as a FAILED task, never as a crashed worker.
func (e *Engine) provisionGuarded(taskID uint, token string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Provisioning] Panic in provisioning body for task %d: %v", taskID, r)
			if err := e.MarkProvisioningFailed(taskID, models.TaskErrDropletCreationFailed, fmt.Sprintf("internal error: %v", r)); err != nil {
				log.Errorf("[Provisioning] Could not record panic outcome for task %d: %v", taskID, err)
			}
		}
	}()
	e.provision(taskID, token)
}

// provision creates the droplet and runs the poll loop to a terminal outcome
func (e *Engine) provision(taskID uint, token string) {
	task, err := models.FindProvisioningTaskByID(e.db, taskID)
	if err != nil {
		log.Errorf("[Provisioning] Task %d vanished before provisioning: %v", taskID, err)
		return
	}

	client := e.newClient(token)
	name := fmt.Sprintf("vps-%d-%s", task.OrderID, strings.Split(uuid.New().String(), "-")[0])

	droplet, err := client.CreateDroplet(digitalocean.CreateDropletRequest{
		Name:       name,
		Region:     task.Region,
		Size:       task.Size,
		Image:      task.Image,
		Tags:       []string{"webrana", fmt.Sprintf("order-%d", task.OrderID)},
		Monitoring: true,
	})
	if err != nil {
		log.Errorf("[Provisioning] Droplet creation failed for task %d: %v", taskID, err)
		if ferr := e.MarkProvisioningFailed(taskID, models.TaskErrDropletCreationFailed, err.Error()); ferr != nil {
			log.Errorf("[Provisioning] Could not record creation failure for task %d: %v", taskID, ferr)
		}
		return
	}

	now := time.Now()
	if err := e.db.Model(&models.ProvisioningTask{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":         models.TaskStatusInProgress,
		"droplet_id":     droplet.ID,
		"droplet_name":   droplet.Name,
		"droplet_status": droplet.Status,
		"started_at":     now,
	}).Error; err != nil {
		log.Errorf("[Provisioning] Could not persist droplet %d on task %d: %v", droplet.ID, taskID, err)
	}

	if task.DoAccountID != nil {
		if err := e.accounts.IncrementActiveCount(*task.DoAccountID); err != nil {
			log.Errorf("[Provisioning] Active count increment failed for account %d: %v", *task.DoAccountID, err)
		}
	}

	log.Infof("[Provisioning] Droplet %d (%s) created for order %d, polling", droplet.ID, droplet.Name, task.OrderID)
	e.pollDropletStatus(taskID, client, droplet.ID)
}

// pollDropletStatus fetches the droplet until it reaches a terminal status
// or the attempt budget runs out. Every attempt is persisted on the task so
// progress survives a restart.
func (e *Engine) pollDropletStatus(taskID uint, client *digitalocean.Client, dropletID int64) {
	for attempt := 1; attempt <= e.MaxAttempts; attempt++ {
		droplet, err := client.GetDroplet(dropletID)
		if err != nil {
			if errors.Is(err, digitalocean.ErrInvalidToken) {
				if ferr := e.MarkProvisioningFailed(taskID, models.TaskErrTokenInvalid, err.Error()); ferr != nil {
					log.Errorf("[Provisioning] Could not record token failure for task %d: %v", taskID, ferr)
				}
				return
			}

			// Transient fetch errors only burn an attempt.
			log.Warnf("[Provisioning] Poll %d/%d for droplet %d failed: %v", attempt, e.MaxAttempts, dropletID, err)
			if uerr := e.db.Model(&models.ProvisioningTask{}).Where("id = ?", taskID).
				Update("attempts", attempt).Error; uerr != nil {
				log.Errorf("[Provisioning] Could not persist attempt %d on task %d: %v", attempt, taskID, uerr)
			}
		} else {
			updates := map[string]interface{}{
				"droplet_status": droplet.Status,
				"public_ip":      droplet.PublicIPv4(),
				"private_ip":     droplet.PrivateIPv4(),
				"attempts":       attempt,
			}
			if tags := e.encodeTags(droplet.Tags); tags != "" {
				updates["tags"] = tags
			}
			if created := droplet.CreatedAtTime(); !created.IsZero() {
				updates["droplet_created_at"] = created
			}
			if err := e.db.Model(&models.ProvisioningTask{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
				log.Errorf("[Provisioning] Could not persist poll %d on task %d: %v", attempt, taskID, err)
			}

			switch droplet.Status {
			case digitalocean.DropletStatusActive:
				if err := e.MarkProvisioningSuccess(taskID); err != nil {
					log.Errorf("[Provisioning] Could not record success for task %d: %v", taskID, err)
				}
				return
			case digitalocean.DropletStatusErrored:
				if err := e.MarkProvisioningFailed(taskID, models.TaskErrDropletErrored,
					fmt.Sprintf("droplet %d entered errored state", dropletID)); err != nil {
					log.Errorf("[Provisioning] Could not record droplet error for task %d: %v", taskID, err)
				}
				return
			}
		}

		if attempt < e.MaxAttempts {
			time.Sleep(e.PollInterval)
		}
	}

	budget := time.Duration(e.MaxAttempts) * e.PollInterval
	if err := e.MarkProvisioningFailed(taskID, models.TaskErrProvisioningTimeout,
		fmt.Sprintf("droplet %d not active after %s", dropletID, budget)); err != nil {
		log.Errorf("[Provisioning] Could not record timeout for task %d: %v", taskID, err)
	}
}

func (e *Engine) encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return `["` + strings.Join(tags, `","`) + `"]`
}

// MarkProvisioningSuccess finalizes a task whose droplet became active: task
// SUCCESS, order ACTIVE, one history row. A missing task is a logged no-op so
// the call is safe to repeat.
func (e *Engine) MarkProvisioningSuccess(taskID uint) error {
	task, err := models.FindProvisioningTaskByID(e.db, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Provisioning] Success for unknown task %d ignored", taskID)
			return nil
		}
		return err
	}

	order, err := models.FindOrderByID(e.db, task.OrderID)
	if err != nil {
		return err
	}

	now := time.Now()
	err = e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ProvisioningTask{}).Where("id = ?", taskID).Updates(map[string]interface{}{
			"status":       models.TaskStatusSuccess,
			"completed_at": now,
		}).Error; err != nil {
			return err
		}

		duration := order.Duration
		if duration < 1 {
			duration = 1
		}
		ok, err := models.UpdateOrderStatusChecked(tx, order.ID, order.Status, order.Version, map[string]interface{}{
			"status":       models.OrderStatusActive,
			"activated_at": now,
			"expires_at":   models.AddBillingPeriods(now, order.BillingPeriod, duration),
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Newf(apperrors.CodeStateTransitionConflict,
				"order %d moved away from %s before activation", order.ID, order.Status)
		}

		metadata := map[string]interface{}{"task_id": task.ID}
		if task.DropletID != nil {
			metadata["droplet_id"] = *task.DropletID
		}

		// The poll loop has already persisted the final droplet snapshot;
		// re-read inside the tx so the history row carries the fresh IP.
		fresh, err := models.FindProvisioningTaskByID(tx, taskID)
		if err == nil && fresh.PublicIP != "" {
			metadata["public_ip"] = fresh.PublicIP
		}

		return models.AppendStatusHistory(tx, order.ID, order.Status, models.OrderStatusActive,
			models.ActorSystem, "droplet active", metadata)
	})
	if err != nil {
		return err
	}

	log.Infof("[Provisioning] Order %d is ACTIVE (task %d)", order.ID, taskID)
	if e.notifier != nil {
		e.notifier.Send(order.UserID, clients.EventVpsProvisioned, map[string]interface{}{
			"order_id": order.ID,
		})
	}
	return nil
}

// MarkProvisioningFailed finalizes a task that cannot complete: task FAILED
// with the error pair, order FAILED, one history row. A missing task is a
// logged no-op.
func (e *Engine) MarkProvisioningFailed(taskID uint, code, message string) error {
	task, err := models.FindProvisioningTaskByID(e.db, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Provisioning] Failure for unknown task %d ignored", taskID)
			return nil
		}
		return err
	}

	order, err := models.FindOrderByID(e.db, task.OrderID)
	if err != nil {
		return err
	}

	// The task outcome goes in first, outside the order transaction. Losing
	// the order-side race must not leave the task IN_PROGRESS forever.
	now := time.Now()
	if err := e.db.Model(&models.ProvisioningTask{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":        models.TaskStatusFailed,
		"error_code":    code,
		"error_message": message,
		"completed_at":  now,
	}).Error; err != nil {
		return err
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		ok, err := models.UpdateOrderStatusChecked(tx, order.ID, order.Status, order.Version, map[string]interface{}{
			"status": models.OrderStatusFailed,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Newf(apperrors.CodeStateTransitionConflict,
				"order %d moved away from %s before failure could be recorded", order.ID, order.Status)
		}

		return models.AppendStatusHistory(tx, order.ID, order.Status, models.OrderStatusFailed,
			models.ActorSystem, code, map[string]interface{}{"task_id": task.ID, "error": message})
	})
	if err != nil {
		return err
	}

	log.Warnf("[Provisioning] Order %d FAILED (task %d): %s - %s", order.ID, taskID, code, message)
	if e.notifier != nil {
		e.notifier.Send(order.UserID, clients.EventVpsProvisionFailed, map[string]interface{}{
			"order_id":   order.ID,
			"error_code": code,
		})
	}
	return nil
}
