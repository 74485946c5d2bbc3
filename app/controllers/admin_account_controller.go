package controllers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/welldanyogia/webrana-cloud-sub000/app/models"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/accounts"
	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/apperrors"
)

// AdminAccountController serves the admin CRUD for provider accounts
type AdminAccountController struct {
	db       *gorm.DB
	accounts *accounts.Manager
}

func NewAdminAccountController(db *gorm.DB, accountManager *accounts.Manager) *AdminAccountController {
	return &AdminAccountController{db: db, accounts: accountManager}
}

type createAccountRequest struct {
	Name      string `json:"name" validate:"required"`
	Token     string `json:"token" validate:"required"`
	IsActive  bool   `json:"is_active"`
	IsPrimary bool   `json:"is_primary"`
}

type updateAccountRequest struct {
	Name      *string `json:"name"`
	Token     *string `json:"token"`
	IsActive  *bool   `json:"is_active"`
	IsPrimary *bool   `json:"is_primary"`
}

// guard writes the 403 itself; a false return means the handler must stop.
func (ac *AdminAccountController) guard(c *fiber.Ctx) (bool, error) {
	if _, isAdmin := requireAdmin(c); !isAdmin {
		return false, respondCode(c, apperrors.CodeOrderAccessDenied, "admin identity required")
	}
	return true, nil
}

// HandleListAccounts returns all provider accounts
func (ac *AdminAccountController) HandleListAccounts(c *fiber.Ctx) error {
	if ok, err := ac.guard(c); !ok {
		return err
	}

	all, err := models.FindAllDoAccounts(ac.db)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"accounts": all})
}

// HandleCreateAccount validates the token against the provider and stores it
// encrypted
func (ac *AdminAccountController) HandleCreateAccount(c *fiber.Ctx) error {
	if ok, err := ac.guard(c); !ok {
		return err
	}

	var req createAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: errorDetail{
			Code: "BAD_REQUEST", Message: "request body is not valid JSON",
		}})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(errorBody{Error: errorDetail{
			Code: "VALIDATION_FAILED", Message: err.Error(),
		}})
	}

	account, err := ac.accounts.CreateAccount(accounts.CreateAccountInput{
		Name:      req.Name,
		Token:     req.Token,
		IsActive:  req.IsActive,
		IsPrimary: req.IsPrimary,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(account)
}

// HandleGetAccount returns one account plus a live capacity reading
func (ac *AdminAccountController) HandleGetAccount(c *fiber.Ctx) error {
	if ok, err := ac.guard(c); !ok {
		return err
	}

	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeDoAccountNotFound, "invalid account id")
	}
	account, err := models.FindDoAccountByID(ac.db, id)
	if err != nil {
		return respondError(c, apperrors.Wrap(apperrors.CodeDoAccountNotFound,
			fmt.Sprintf("account %d not found", id), err))
	}

	resp := fiber.Map{"account": account}
	if capacity, err := ac.accounts.GetAccountCapacity(id); err == nil {
		resp["capacity"] = capacity
	}
	return c.JSON(resp)
}

// HandleUpdateAccount applies partial changes; a new token is re-validated
func (ac *AdminAccountController) HandleUpdateAccount(c *fiber.Ctx) error {
	if ok, err := ac.guard(c); !ok {
		return err
	}

	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeDoAccountNotFound, "invalid account id")
	}

	var req updateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: errorDetail{
			Code: "BAD_REQUEST", Message: "request body is not valid JSON",
		}})
	}

	account, err := ac.accounts.UpdateAccount(id, accounts.UpdateAccountInput{
		Name:      req.Name,
		Token:     req.Token,
		IsActive:  req.IsActive,
		IsPrimary: req.IsPrimary,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(account)
}

// HandleDeleteAccount removes an account with no in-flight tasks
func (ac *AdminAccountController) HandleDeleteAccount(c *fiber.Ctx) error {
	if ok, err := ac.guard(c); !ok {
		return err
	}

	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeDoAccountNotFound, "invalid account id")
	}
	if err := ac.accounts.DeleteAccount(id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleHealthCheck probes one account on demand
func (ac *AdminAccountController) HandleHealthCheck(c *fiber.Ctx) error {
	if ok, err := ac.guard(c); !ok {
		return err
	}

	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondCode(c, apperrors.CodeDoAccountNotFound, "invalid account id")
	}
	status, err := ac.accounts.HealthCheck(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"account_id": id, "health_status": status})
}

// HandleSyncAccounts refreshes every account's cached capacity figures
func (ac *AdminAccountController) HandleSyncAccounts(c *fiber.Ctx) error {
	if ok, err := ac.guard(c); !ok {
		return err
	}
	return c.JSON(ac.accounts.SyncAllAccounts())
}
