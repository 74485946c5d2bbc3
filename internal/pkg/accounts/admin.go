package accounts

import (
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
)

// CreateAccountInput carries admin-supplied account fields with the token
// still in plaintext
type CreateAccountInput struct {
	Name      string
	Token     string
	IsActive  bool
	IsPrimary bool
}

// CreateAccount validates the token live against the provider, then persists
// the account with the token encrypted. The live check also seeds the cached
// limit/count.
func (m *Manager) CreateAccount(input CreateAccountInput) (*models.DoAccount, error) {
	client := m.newClient(input.Token)
	info, err := client.GetAccount()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDoAPIError, "token validation against provider failed", err)
	}
	count, err := client.CountDroplets()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDoAPIError, "droplet count during validation failed", err)
	}

	encrypted, err := m.crypto.Encrypt(input.Token)
	if err != nil {
		return nil, err
	}

	account := &models.DoAccount{
		Name:               input.Name,
		Email:              info.Email,
		EncryptedToken:     encrypted,
		DropletLimit:       info.DropletLimit,
		ActiveDropletCount: count,
		IsActive:           input.IsActive,
		IsPrimary:          input.IsPrimary,
		HealthStatus:       models.HealthStatusHealthy,
	}
	if err := m.db.Create(account).Error; err != nil {
		return nil, err
	}

	log.Infof("[Accounts] Created account %s (ID: %d, limit: %d, active: %d)",
		account.Name, account.ID, account.DropletLimit, account.ActiveDropletCount)
	return account, nil
}

// UpdateAccountInput carries the mutable admin fields; nil means unchanged
type UpdateAccountInput struct {
	Name      *string
	Token     *string
	IsActive  *bool
	IsPrimary *bool
}

// UpdateAccount applies admin changes; a new token is re-validated against
// the provider before it replaces the stored one.
func (m *Manager) UpdateAccount(id uint, input UpdateAccountInput) (*models.DoAccount, error) {
	account, err := models.FindDoAccountByID(m.db, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDoAccountNotFound, fmt.Sprintf("account %d not found", id), err)
	}

	if input.Name != nil {
		account.Name = *input.Name
	}
	if input.IsActive != nil {
		account.IsActive = *input.IsActive
	}
	if input.IsPrimary != nil {
		account.IsPrimary = *input.IsPrimary
	}
	if input.Token != nil {
		client := m.newClient(*input.Token)
		info, err := client.GetAccount()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDoAPIError, "token validation against provider failed", err)
		}
		encrypted, err := m.crypto.Encrypt(*input.Token)
		if err != nil {
			return nil, err
		}
		account.EncryptedToken = encrypted
		account.Email = info.Email
		account.DropletLimit = info.DropletLimit
		account.HealthStatus = models.HealthStatusHealthy
	}

	if err := m.db.Save(account).Error; err != nil {
		return nil, err
	}
	return account, nil
}

// DeleteAccount removes an account unless provisioning tasks are still in
// flight against it.
func (m *Manager) DeleteAccount(id uint) error {
	if _, err := models.FindDoAccountByID(m.db, id); err != nil {
		return apperrors.Wrap(apperrors.CodeDoAccountNotFound, fmt.Sprintf("account %d not found", id), err)
	}

	inFlight, err := models.CountInFlightTasksForAccount(m.db, id)
	if err != nil {
		return err
	}
	if inFlight > 0 {
		return apperrors.Newf(apperrors.CodeDoAPIError, "account %d has %d provisioning tasks in flight", id, inFlight)
	}

	return m.db.Delete(&models.DoAccount{}, id).Error
}
