package accounts

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/cache"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/digitalocean"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/security"
)

// Selection strategies for droplet placement
const (
	StrategyLeastUsed    = "LEAST_USED"
	StrategyRoundRobin   = "ROUND_ROBIN"
	StrategyRandom       = "RANDOM"
	StrategyPrimaryFirst = "PRIMARY_FIRST"
)

// Rate-limit headroom below which an account is marked DEGRADED
const degradedRateLimitThreshold = 100

var (
	// ErrNoAvailableAccount means the selection pool is empty
	ErrNoAvailableAccount = apperrors.New(apperrors.CodeNoAvailableAccount, "no active healthy provider accounts configured")
	// ErrAllAccountsFull means every candidate lacked live capacity
	ErrAllAccountsFull = apperrors.New(apperrors.CodeAllAccountsFull, "all provider accounts are at their droplet limit")
)

// ClientFactory builds a provider API client for a decrypted token. Tests
// inject factories pointing at stub servers.
type ClientFactory func(token string) *digitalocean.Client

// Selection is a successfully selected account plus its decrypted credential
type Selection struct {
	Account *models.DoAccount
	Token   string
}

// Capacity is a live capacity snapshot for one account
type Capacity struct {
	Limit       int `json:"limit"`
	ActiveCount int `json:"active_count"`
	Available   int `json:"available"`
}

// SyncReport summarizes a SyncAllAccounts run
type SyncReport struct {
	Synced int      `json:"synced"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors"`
}

// healthSnapshot is the JSON blob cached per account after a health check
type healthSnapshot struct {
	AccountID          uint      `json:"account_id"`
	HealthStatus       string    `json:"health_status"`
	RateLimitRemaining int       `json:"rate_limit_remaining"`
	CheckedAt          time.Time `json:"checked_at"`
}

// Manager selects, health-checks and tracks capacity of the configured
// provider accounts. Cached droplet counts order the candidate pool, but a
// live capacity check against the provider decides the winner - cached
// counts drift between sync cycles and must never be trusted for capacity.
type Manager struct {
	db        *gorm.DB
	crypto    *security.TokenCrypto
	newClient ClientFactory

	// process-local rotation index for ROUND_ROBIN; deliberately not shared
	// across replicas
	mu      sync.Mutex
	rrIndex int

	// CacheSnapshots controls the best-effort Redis health snapshot writes
	CacheSnapshots bool
}

// NewManager creates an account manager
func NewManager(db *gorm.DB, crypto *security.TokenCrypto, factory ClientFactory) *Manager {
	if factory == nil {
		factory = digitalocean.NewClient
	}
	return &Manager{
		db:             db,
		crypto:         crypto,
		newClient:      factory,
		CacheSnapshots: true,
	}
}

// SelectAvailableAccount walks the ordered candidate pool and returns the
// first account with live capacity, together with its decrypted token.
// Candidates whose live check fails are marked unhealthy and skipped.
func (m *Manager) SelectAvailableAccount(strategy string) (*Selection, error) {
	pool, err := models.FindSelectableDoAccounts(m.db)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrNoAvailableAccount
	}

	pool = m.orderPool(pool, strategy)

	for i := range pool {
		account := &pool[i]

		token, err := m.crypto.Decrypt(account.EncryptedToken)
		if err != nil {
			log.Errorf("[Accounts] Token decryption failed for account %s (ID: %d): %v", account.Name, account.ID, err)
			m.MarkUnhealthy(account.ID, "token decryption failed")
			continue
		}

		capacity, err := m.liveCapacity(token)
		if err != nil {
			log.Warnf("[Accounts] Live capacity check failed for account %s (ID: %d): %v", account.Name, account.ID, err)
			m.MarkUnhealthy(account.ID, fmt.Sprintf("capacity check failed: %v", err))
			continue
		}

		// Refresh cached figures from the live check regardless of outcome.
		if err := m.db.Model(&models.DoAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
			"droplet_limit":        capacity.Limit,
			"active_droplet_count": capacity.ActiveCount,
		}).Error; err != nil {
			log.Errorf("[Accounts] Failed to refresh cached capacity for account %d: %v", account.ID, err)
		}
		account.DropletLimit = capacity.Limit
		account.ActiveDropletCount = capacity.ActiveCount

		if capacity.ActiveCount < capacity.Limit {
			log.Infof("[Accounts] Selected account %s (ID: %d) with %d/%d droplets",
				account.Name, account.ID, capacity.ActiveCount, capacity.Limit)
			return &Selection{Account: account, Token: token}, nil
		}

		log.Debugf("[Accounts] Account %s (ID: %d) is full (%d/%d), trying next",
			account.Name, account.ID, capacity.ActiveCount, capacity.Limit)
	}

	return nil, ErrAllAccountsFull
}

// orderPool applies the selection strategy to the primary-first,
// least-used-first base ordering the query returns.
func (m *Manager) orderPool(pool []models.DoAccount, strategy string) []models.DoAccount {
	switch strategy {
	case StrategyRoundRobin:
		m.mu.Lock()
		offset := m.rrIndex % len(pool)
		m.rrIndex++
		m.mu.Unlock()

		rotated := make([]models.DoAccount, 0, len(pool))
		rotated = append(rotated, pool[offset:]...)
		rotated = append(rotated, pool[:offset]...)
		return rotated
	case StrategyRandom:
		shuffled := make([]models.DoAccount, len(pool))
		copy(shuffled, pool)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled
	default:
		// LEAST_USED and PRIMARY_FIRST both use the base ordering.
		return pool
	}
}

// liveCapacity queries the provider for the account's real limit and count
func (m *Manager) liveCapacity(token string) (*Capacity, error) {
	client := m.newClient(token)

	info, err := client.GetAccount()
	if err != nil {
		return nil, err
	}
	count, err := client.CountDroplets()
	if err != nil {
		return nil, err
	}

	return &Capacity{
		Limit:       info.DropletLimit,
		ActiveCount: count,
		Available:   info.DropletLimit - count,
	}, nil
}

// GetAccountCapacity returns a live capacity reading for one account
func (m *Manager) GetAccountCapacity(id uint) (*Capacity, error) {
	account, err := models.FindDoAccountByID(m.db, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDoAccountNotFound, fmt.Sprintf("account %d not found", id), err)
	}

	token, err := m.crypto.Decrypt(account.EncryptedToken)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTokenDecryptionFailed, "could not decrypt account token", err)
	}

	return m.liveCapacity(token)
}

// TokenFor returns the decrypted API token for an account
func (m *Manager) TokenFor(id uint) (string, error) {
	account, err := models.FindDoAccountByID(m.db, id)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDoAccountNotFound, fmt.Sprintf("account %d not found", id), err)
	}
	token, err := m.crypto.Decrypt(account.EncryptedToken)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeTokenDecryptionFailed, "could not decrypt account token", err)
	}
	return token, nil
}

// MarkUnhealthy flags an account UNHEALTHY so selection skips it
func (m *Manager) MarkUnhealthy(id uint, reason string) {
	log.Warnf("[Accounts] Marking account %d unhealthy: %s", id, reason)
	if err := models.UpdateAccountHealth(m.db, id, models.HealthStatusUnhealthy, time.Now()); err != nil {
		log.Errorf("[Accounts] Failed to mark account %d unhealthy: %v", id, err)
	}
}

// MarkHealthy flags an account HEALTHY again
func (m *Manager) MarkHealthy(id uint) {
	if err := models.UpdateAccountHealth(m.db, id, models.HealthStatusHealthy, time.Now()); err != nil {
		log.Errorf("[Accounts] Failed to mark account %d healthy: %v", id, err)
	}
}

// IncrementActiveCount bumps the cached droplet counter after a create
func (m *Manager) IncrementActiveCount(id uint) error {
	return models.IncrementActiveDroplets(m.db, id)
}

// DecrementActiveCount lowers the cached droplet counter after a destroy
func (m *Manager) DecrementActiveCount(id uint) error {
	return models.DecrementActiveDroplets(m.db, id)
}

// SyncAccountLimits refreshes one account's cached limit/count from the provider
func (m *Manager) SyncAccountLimits(id uint) error {
	account, err := models.FindDoAccountByID(m.db, id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDoAccountNotFound, fmt.Sprintf("account %d not found", id), err)
	}

	token, err := m.crypto.Decrypt(account.EncryptedToken)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTokenDecryptionFailed, "could not decrypt account token", err)
	}

	capacity, err := m.liveCapacity(token)
	if err != nil {
		return err
	}

	return m.db.Model(&models.DoAccount{}).Where("id = ?", id).Updates(map[string]interface{}{
		"droplet_limit":        capacity.Limit,
		"active_droplet_count": capacity.ActiveCount,
	}).Error
}

// SyncAllAccounts refreshes every account's cached capacity figures
func (m *Manager) SyncAllAccounts() *SyncReport {
	report := &SyncReport{Errors: []string{}}

	accounts, err := models.FindAllDoAccounts(m.db)
	if err != nil {
		log.Errorf("[Accounts] SyncAllAccounts query failed: %v", err)
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	for _, account := range accounts {
		if err := m.SyncAccountLimits(account.ID); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("account %d (%s): %v", account.ID, account.Name, err))
			continue
		}
		report.Synced++
	}

	log.Infof("[Accounts] Sync complete: %d synced, %d failed", report.Synced, report.Failed)
	return report
}

// HealthCheck probes one account's token validity and rate-limit headroom
// and persists the resulting status. Request errors and invalid tokens are
// UNHEALTHY; low rate-limit headroom is DEGRADED.
func (m *Manager) HealthCheck(id uint) (string, error) {
	account, err := models.FindDoAccountByID(m.db, id)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDoAccountNotFound, fmt.Sprintf("account %d not found", id), err)
	}

	status := models.HealthStatusHealthy
	remaining := 0

	token, err := m.crypto.Decrypt(account.EncryptedToken)
	if err != nil {
		status = models.HealthStatusUnhealthy
	} else {
		client := m.newClient(token)
		rl, err := client.GetRateLimit()
		switch {
		case err != nil:
			status = models.HealthStatusUnhealthy
		case rl.Remaining < degradedRateLimitThreshold:
			status = models.HealthStatusDegraded
			remaining = rl.Remaining
		default:
			remaining = rl.Remaining
		}
	}

	now := time.Now()
	if err := models.UpdateAccountHealth(m.db, id, status, now); err != nil {
		return status, err
	}

	m.cacheHealthSnapshot(healthSnapshot{
		AccountID:          id,
		HealthStatus:       status,
		RateLimitRemaining: remaining,
		CheckedAt:          now,
	})

	return status, nil
}

// HealthCheckAll probes every account
func (m *Manager) HealthCheckAll() {
	accounts, err := models.FindAllDoAccounts(m.db)
	if err != nil {
		log.Errorf("[Accounts] HealthCheckAll query failed: %v", err)
		return
	}

	for _, account := range accounts {
		if _, err := m.HealthCheck(account.ID); err != nil {
			log.Errorf("[Accounts] Health check failed for account %d: %v", account.ID, err)
		}
	}
}

// cacheHealthSnapshot writes the latest health reading to Redis, best-effort
func (m *Manager) cacheHealthSnapshot(snapshot healthSnapshot) {
	if !m.CacheSnapshots {
		return
	}
	b, _ := json.Marshal(snapshot)
	key := fmt.Sprintf("do_account_health:%d", snapshot.AccountID)
	if err := cache.Set(key, string(b), 2*time.Minute); err != nil {
		log.Errorf("[Accounts] Cache set failed for account %d: %v", snapshot.AccountID, err)
	}
}
