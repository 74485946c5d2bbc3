package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/welldanyogia/webrana-cloud-sub000/internal/pkg/env"
)

const defaultNotificationBaseURL = "http://localhost:8083"

// Notification event names understood by the notification service
const (
	EventVpsExpiringSoon        = "VPS_EXPIRING_SOON"
	EventVpsRenewed             = "VPS_RENEWED"
	EventRenewalFailedNoBalance = "RENEWAL_FAILED_NO_BALANCE"
	EventRenewalFailed          = "RENEWAL_FAILED"
	EventVpsSuspended           = "VPS_SUSPENDED"
	EventVpsDestroyed           = "VPS_DESTROYED"
	EventVpsProvisioned         = "VPS_PROVISIONED"
	EventVpsProvisionFailed     = "VPS_PROVISION_FAILED"
)

// NotificationClient delivers user-facing notifications. Delivery is
// fire-and-forget: lifecycle and provisioning outcomes must never depend on
// the notification service being up, so every failure ends in a log line.
type NotificationClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewNotificationClientFromEnv() *NotificationClient {
	return &NotificationClient{
		BaseURL: strings.TrimRight(env.GetEnv("NOTIFICATION_SERVICE_URL", defaultNotificationBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type notificationRequest struct {
	UserID uint                   `json:"user_id"`
	Event  string                 `json:"event"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Send dispatches the notification on a detached goroutine and returns
// immediately.
func (c *NotificationClient) Send(userID uint, event string, data map[string]interface{}) {
	go func() {
		if err := c.deliver(userID, event, data); err != nil {
			log.Warnf("[Notifications] Delivery of %s to user %d failed: %v", event, userID, err)
		}
	}()
}

func (c *NotificationClient) deliver(userID uint, event string, data map[string]interface{}) error {
	payload, err := json.Marshal(notificationRequest{
		UserID: userID,
		Event:  event,
		Data:   data,
	})
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Post(c.BaseURL+"/internal/notifications", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned %d", resp.StatusCode)
	}
	return nil
}
