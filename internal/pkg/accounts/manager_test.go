package accounts

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/digitalocean"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/security"
)

// stubAccount configures the fake provider's behavior for one token
type stubAccount struct {
	limit      int
	count      int
	statusCode int // non-zero forces this status on every call
	remaining  int
}

// newStubProvider serves a minimal DigitalOcean API keyed by bearer token
func newStubProvider(t *testing.T, accounts map[string]*stubAccount) ClientFactory {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		acct, ok := accounts[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"id":"unauthorized","message":"Unable to authenticate you"}`)
			return
		}
		if acct.statusCode != 0 {
			w.WriteHeader(acct.statusCode)
			fmt.Fprint(w, `{"id":"stub_error","message":"forced failure"}`)
			return
		}

		switch r.URL.Path {
		case "/v2/account":
			w.Header().Set("RateLimit-Limit", "5000")
			w.Header().Set("RateLimit-Remaining", fmt.Sprintf("%d", acct.remaining))
			w.Header().Set("RateLimit-Reset", "1909999999")
			fmt.Fprintf(w, `{"account":{"droplet_limit":%d,"email":"stub@webrana.id","status":"active","uuid":"stub"}}`, acct.limit)
		case "/v2/droplets":
			fmt.Fprintf(w, `{"droplets":[],"meta":{"total":%d}}`, acct.count)
		default:
			t.Fatalf("unexpected provider call %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)

	return func(token string) *digitalocean.Client {
		c := digitalocean.NewClient(token)
		c.BaseURL = srv.URL
		return c
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single pool connection keeps every query on the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.DoAccount{}, &models.ProvisioningTask{}))
	return db
}

func newTestManager(t *testing.T, db *gorm.DB, factory ClientFactory) (*Manager, *security.TokenCrypto) {
	t.Helper()

	crypto, err := security.NewTokenCrypto("accounts-test-key")
	require.NoError(t, err)

	m := NewManager(db, crypto, factory)
	m.CacheSnapshots = false
	return m, crypto
}

func seedAccount(t *testing.T, db *gorm.DB, crypto *security.TokenCrypto, name, token string, limit, count int, primary bool) *models.DoAccount {
	t.Helper()

	enc, err := crypto.Encrypt(token)
	require.NoError(t, err)

	account := &models.DoAccount{
		Name:               name,
		Email:              name + "@webrana.id",
		EncryptedToken:     enc,
		DropletLimit:       limit,
		ActiveDropletCount: count,
		IsActive:           true,
		IsPrimary:          primary,
		HealthStatus:       models.HealthStatusHealthy,
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

func TestSelectAvailableAccount_PrimaryFirstThenLeastUsed(t *testing.T) {
	db := newTestDB(t)
	factory := newStubProvider(t, map[string]*stubAccount{
		"token-a": {limit: 25, count: 20, remaining: 4000},
		"token-b": {limit: 25, count: 5, remaining: 4000},
	})
	m, crypto := newTestManager(t, db, factory)

	// A is primary despite higher usage, so the ordered pool is [A, B] and A
	// wins the live capacity check.
	a := seedAccount(t, db, crypto, "acct-a", "token-a", 25, 20, true)
	seedAccount(t, db, crypto, "acct-b", "token-b", 25, 5, false)

	sel, err := m.SelectAvailableAccount(StrategyLeastUsed)
	require.NoError(t, err)
	assert.Equal(t, a.ID, sel.Account.ID)
	assert.Equal(t, "token-a", sel.Token)
}

func TestSelectAvailableAccount_FullPrimaryFallsThrough(t *testing.T) {
	db := newTestDB(t)
	factory := newStubProvider(t, map[string]*stubAccount{
		"token-a": {limit: 25, count: 25, remaining: 4000}, // full
		"token-b": {limit: 25, count: 5, remaining: 4000},
	})
	m, crypto := newTestManager(t, db, factory)

	a := seedAccount(t, db, crypto, "acct-a", "token-a", 25, 20, true)
	b := seedAccount(t, db, crypto, "acct-b", "token-b", 25, 5, false)

	sel, err := m.SelectAvailableAccount(StrategyLeastUsed)
	require.NoError(t, err)
	assert.Equal(t, b.ID, sel.Account.ID)

	// The full primary's cached figures were refreshed from the live check.
	refreshed, err := models.FindDoAccountByID(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, refreshed.ActiveDropletCount)
}

func TestSelectAvailableAccount_EmptyPool(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, newStubProvider(t, nil))

	_, err := m.SelectAvailableAccount(StrategyLeastUsed)
	assert.ErrorIs(t, err, ErrNoAvailableAccount)
}

func TestSelectAvailableAccount_AllFull(t *testing.T) {
	db := newTestDB(t)
	factory := newStubProvider(t, map[string]*stubAccount{
		"token-a": {limit: 10, count: 10, remaining: 4000},
		"token-b": {limit: 10, count: 10, remaining: 4000},
	})
	m, crypto := newTestManager(t, db, factory)

	seedAccount(t, db, crypto, "acct-a", "token-a", 10, 9, true)
	seedAccount(t, db, crypto, "acct-b", "token-b", 10, 9, false)

	_, err := m.SelectAvailableAccount(StrategyLeastUsed)
	assert.ErrorIs(t, err, ErrAllAccountsFull)
}

func TestSelectAvailableAccount_FailingCandidateQuarantinedAndSkipped(t *testing.T) {
	db := newTestDB(t)
	factory := newStubProvider(t, map[string]*stubAccount{
		"token-a": {statusCode: http.StatusInternalServerError},
		"token-b": {limit: 25, count: 5, remaining: 4000},
	})
	m, crypto := newTestManager(t, db, factory)

	a := seedAccount(t, db, crypto, "acct-a", "token-a", 25, 1, true)
	b := seedAccount(t, db, crypto, "acct-b", "token-b", 25, 5, false)

	sel, err := m.SelectAvailableAccount(StrategyLeastUsed)
	require.NoError(t, err)
	assert.Equal(t, b.ID, sel.Account.ID)

	quarantined, err := models.FindDoAccountByID(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthStatusUnhealthy, quarantined.HealthStatus)
}

func TestSelectAvailableAccount_RoundRobinRotates(t *testing.T) {
	db := newTestDB(t)
	factory := newStubProvider(t, map[string]*stubAccount{
		"token-a": {limit: 25, count: 1, remaining: 4000},
		"token-b": {limit: 25, count: 2, remaining: 4000},
	})
	m, crypto := newTestManager(t, db, factory)

	a := seedAccount(t, db, crypto, "acct-a", "token-a", 25, 1, false)
	b := seedAccount(t, db, crypto, "acct-b", "token-b", 25, 2, false)

	first, err := m.SelectAvailableAccount(StrategyRoundRobin)
	require.NoError(t, err)
	second, err := m.SelectAvailableAccount(StrategyRoundRobin)
	require.NoError(t, err)

	assert.Equal(t, a.ID, first.Account.ID)
	assert.Equal(t, b.ID, second.Account.ID)
}

func TestHealthCheckClassification(t *testing.T) {
	tests := []struct {
		name string
		stub *stubAccount
		want string
	}{
		{"healthy with headroom", &stubAccount{limit: 25, count: 5, remaining: 4000}, models.HealthStatusHealthy},
		{"degraded when headroom low", &stubAccount{limit: 25, count: 5, remaining: 42}, models.HealthStatusDegraded},
		{"unhealthy on request error", &stubAccount{statusCode: http.StatusInternalServerError}, models.HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			factory := newStubProvider(t, map[string]*stubAccount{"token-x": tt.stub})
			m, crypto := newTestManager(t, db, factory)
			account := seedAccount(t, db, crypto, "acct-x", "token-x", 25, 5, false)

			status, err := m.HealthCheck(account.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)

			persisted, err := models.FindDoAccountByID(db, account.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, persisted.HealthStatus)
			assert.NotNil(t, persisted.LastHealthCheckAt)
		})
	}
}

func TestHealthCheck_InvalidToken(t *testing.T) {
	db := newTestDB(t)
	// token-x is not registered with the stub, so every call is a 401
	factory := newStubProvider(t, map[string]*stubAccount{})
	m, crypto := newTestManager(t, db, factory)
	account := seedAccount(t, db, crypto, "acct-x", "token-x", 25, 5, false)

	status, err := m.HealthCheck(account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthStatusUnhealthy, status)
}

func TestCounterFloorsAtZero(t *testing.T) {
	db := newTestDB(t)
	m, crypto := newTestManager(t, db, newStubProvider(t, nil))
	account := seedAccount(t, db, crypto, "acct-x", "token-x", 25, 1, false)

	require.NoError(t, m.DecrementActiveCount(account.ID))
	require.NoError(t, m.DecrementActiveCount(account.ID)) // below zero: no-op

	got, err := models.FindDoAccountByID(db, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveDropletCount)

	require.NoError(t, m.IncrementActiveCount(account.ID))
	got, err = models.FindDoAccountByID(db, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveDropletCount)
}

func TestSyncAllAccounts(t *testing.T) {
	db := newTestDB(t)
	factory := newStubProvider(t, map[string]*stubAccount{
		"token-a": {limit: 30, count: 12, remaining: 4000},
		// token-b unknown -> 401 on sync
	})
	m, crypto := newTestManager(t, db, factory)

	a := seedAccount(t, db, crypto, "acct-a", "token-a", 25, 5, false)
	seedAccount(t, db, crypto, "acct-b", "token-b", 25, 5, false)

	report := m.SyncAllAccounts()
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Errors, 1)

	synced, err := models.FindDoAccountByID(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, synced.DropletLimit)
	assert.Equal(t, 12, synced.ActiveDropletCount)
}

func TestCreateAccount_ValidatesAndEncrypts(t *testing.T) {
	db := newTestDB(t)
	factory := newStubProvider(t, map[string]*stubAccount{
		"token-new": {limit: 25, count: 3, remaining: 4000},
	})
	m, crypto := newTestManager(t, db, factory)

	account, err := m.CreateAccount(CreateAccountInput{
		Name:     "acct-new",
		Token:    "token-new",
		IsActive: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 25, account.DropletLimit)
	assert.Equal(t, 3, account.ActiveDropletCount)
	assert.Equal(t, "stub@webrana.id", account.Email)
	assert.NotEqual(t, "token-new", account.EncryptedToken)

	decrypted, err := crypto.Decrypt(account.EncryptedToken)
	require.NoError(t, err)
	assert.Equal(t, "token-new", decrypted)
}

func TestCreateAccount_RejectsInvalidToken(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, newStubProvider(t, nil))

	_, err := m.CreateAccount(CreateAccountInput{Name: "bad", Token: "nope", IsActive: true})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDoAPIError, apperrors.CodeOf(err))
}

func TestDeleteAccount_RefusesWithInFlightTasks(t *testing.T) {
	db := newTestDB(t)
	m, crypto := newTestManager(t, db, newStubProvider(t, nil))
	account := seedAccount(t, db, crypto, "acct-x", "token-x", 25, 5, false)

	require.NoError(t, db.Create(&models.ProvisioningTask{
		OrderID:     1,
		DoAccountID: &account.ID,
		Status:      models.TaskStatusInProgress,
		Region:      "sgp1",
		Size:        "s-1vcpu-1gb",
		Image:       "ubuntu-22-04-x64",
	}).Error)

	err := m.DeleteAccount(account.ID)
	require.Error(t, err)

	// Completing the task unblocks deletion.
	require.NoError(t, db.Model(&models.ProvisioningTask{}).Where("order_id = ?", 1).
		Update("status", models.TaskStatusSuccess).Error)
	require.NoError(t, m.DeleteAccount(account.ID))
}
