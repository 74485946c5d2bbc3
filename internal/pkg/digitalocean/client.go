package digitalocean

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultAPIBaseURL = "https://api.digitalocean.com"

// Droplet power/action types accepted by PerformAction
const (
	ActionPowerOn       = "power_on"
	ActionPowerOff      = "power_off"
	ActionReboot        = "reboot"
	ActionPasswordReset = "password_reset"
)

// Droplet status values we branch on during provisioning
const (
	DropletStatusNew     = "new"
	DropletStatusActive  = "active"
	DropletStatusErrored = "errored"
)

var (
	// ErrInvalidToken means the API rejected the credential (401)
	ErrInvalidToken = errors.New("digitalocean: invalid API token")
	// ErrRateLimited means the API returned 429
	ErrRateLimited = errors.New("digitalocean: rate limited")
	// ErrUnavailable wraps connection-level failures reaching the API
	ErrUnavailable = errors.New("digitalocean: API unreachable")
)

// APIError is a non-2xx response that is not a token or rate-limit problem
type APIError struct {
	StatusCode int
	ID         string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("digitalocean: API error %d (%s): %s", e.StatusCode, e.ID, e.Message)
}

// Client is a thin typed wrapper over the DigitalOcean REST API for one
// account token. BaseURL and HTTPClient are overridable for tests.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the given API token
func NewClient(token string) *Client {
	return &Client{
		Token:   token,
		BaseURL: defaultAPIBaseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Network is one interface address attached to a droplet
type Network struct {
	IPAddress string `json:"ip_address"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
	Type      string `json:"type"` // "public" or "private"
}

// Droplet mirrors the provider's droplet resource shape
type Droplet struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Image struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"image"`
	SizeSlug string `json:"size_slug"`
	Networks struct {
		V4 []Network `json:"v4"`
		V6 []Network `json:"v6"`
	} `json:"networks"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

// PublicIPv4 returns the droplet's public v4 address, or ""
func (d *Droplet) PublicIPv4() string {
	return d.ipv4ByType("public")
}

// PrivateIPv4 returns the droplet's private v4 address, or ""
func (d *Droplet) PrivateIPv4() string {
	return d.ipv4ByType("private")
}

func (d *Droplet) ipv4ByType(networkType string) string {
	for _, n := range d.Networks.V4 {
		if n.Type == networkType {
			return n.IPAddress
		}
	}
	return ""
}

// CreatedAtTime parses the provider creation timestamp, zero time on failure
func (d *Droplet) CreatedAtTime() time.Time {
	ts, err := time.Parse(time.RFC3339, d.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// CreateDropletRequest is the create-instance payload
type CreateDropletRequest struct {
	Name       string   `json:"name"`
	Region     string   `json:"region"`
	Size       string   `json:"size"`
	Image      string   `json:"image"`
	Tags       []string `json:"tags,omitempty"`
	SSHKeys    []string `json:"ssh_keys,omitempty"`
	Backups    bool     `json:"backups"`
	IPv6       bool     `json:"ipv6"`
	Monitoring bool     `json:"monitoring"`
}

// AccountInfo is the subset of /v2/account the capacity manager needs
type AccountInfo struct {
	DropletLimit int    `json:"droplet_limit"`
	Email        string `json:"email"`
	Status       string `json:"status"`
	UUID         string `json:"uuid"`
}

// RateLimit is extracted from the provider's rate-limit response headers
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type dropletEnvelope struct {
	Droplet Droplet `json:"droplet"`
}

type dropletsEnvelope struct {
	Droplets []Droplet `json:"droplets"`
	Meta     struct {
		Total int `json:"total"`
	} `json:"meta"`
}

type accountEnvelope struct {
	Account AccountInfo `json:"account"`
}

type apiErrorBody struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// CreateDroplet issues the create-instance call and returns the new droplet
func (c *Client) CreateDroplet(req CreateDropletRequest) (*Droplet, error) {
	var env dropletEnvelope
	if _, err := c.do(http.MethodPost, "/v2/droplets", req, &env); err != nil {
		return nil, err
	}
	return &env.Droplet, nil
}

// GetDroplet fetches the current state of a droplet
func (c *Client) GetDroplet(id int64) (*Droplet, error) {
	var env dropletEnvelope
	if _, err := c.do(http.MethodGet, fmt.Sprintf("/v2/droplets/%d", id), nil, &env); err != nil {
		return nil, err
	}
	return &env.Droplet, nil
}

// DeleteDroplet destroys a droplet
func (c *Client) DeleteDroplet(id int64) error {
	_, err := c.do(http.MethodDelete, fmt.Sprintf("/v2/droplets/%d", id), nil, nil)
	return err
}

// PerformAction triggers a droplet action (power_on, power_off, reboot,
// password_reset)
func (c *Client) PerformAction(id int64, actionType string) error {
	payload := map[string]string{"type": actionType}
	_, err := c.do(http.MethodPost, fmt.Sprintf("/v2/droplets/%d/actions", id), payload, nil)
	return err
}

// GetAccount fetches the account's droplet limit and status
func (c *Client) GetAccount() (*AccountInfo, error) {
	var env accountEnvelope
	if _, err := c.do(http.MethodGet, "/v2/account", nil, &env); err != nil {
		return nil, err
	}
	return &env.Account, nil
}

// CountDroplets returns the total droplet count for the account
func (c *Client) CountDroplets() (int, error) {
	var env dropletsEnvelope
	if _, err := c.do(http.MethodGet, "/v2/droplets?per_page=1", nil, &env); err != nil {
		return 0, err
	}
	return env.Meta.Total, nil
}

// ValidateToken checks the credential with a cheap authenticated call
func (c *Client) ValidateToken() error {
	_, err := c.GetAccount()
	return err
}

// GetRateLimit reads the account's rate-limit headroom from the headers of
// a cheap authenticated call
func (c *Client) GetRateLimit() (*RateLimit, error) {
	var env accountEnvelope
	resp, err := c.do(http.MethodGet, "/v2/account", nil, &env)
	if err != nil {
		return nil, err
	}

	rl := &RateLimit{}
	rl.Limit, _ = strconv.Atoi(resp.Header.Get("RateLimit-Limit"))
	rl.Remaining, _ = strconv.Atoi(resp.Header.Get("RateLimit-Remaining"))
	if resetUnix, err := strconv.ParseInt(resp.Header.Get("RateLimit-Reset"), 10, 64); err == nil {
		rl.ResetAt = time.Unix(resetUnix, 0)
	}
	return rl, nil
}

// do issues one API call and decodes the response into out (when non-nil).
// The returned response has a drained, closed body - only headers and status
// remain usable.
func (c *Client) do(method, path string, body interface{}, out interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(c.BaseURL, "/")+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrInvalidToken
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 400:
		var apiErr apiErrorBody
		_ = json.Unmarshal(raw, &apiErr)
		return nil, &APIError{StatusCode: resp.StatusCode, ID: apiErr.ID, Message: apiErr.Message}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("digitalocean: decoding response: %w", err)
		}
	}
	return resp, nil
}
