package digitalocean

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("test-token")
	c.BaseURL = srv.URL
	return c
}

func TestCreateDroplet(t *testing.T) {
	var gotAuth string
	var gotReq CreateDropletRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/droplets", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"droplet":{"id":1234,"name":"vps-1","status":"new","region":{"slug":"sgp1"},"size_slug":"s-1vcpu-1gb"}}`)
	})

	droplet, err := c.CreateDroplet(CreateDropletRequest{
		Name:   "vps-1",
		Region: "sgp1",
		Size:   "s-1vcpu-1gb",
		Image:  "ubuntu-22-04-x64",
		Tags:   []string{"webrana"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "vps-1", gotReq.Name)
	assert.EqualValues(t, 1234, droplet.ID)
	assert.Equal(t, DropletStatusNew, droplet.Status)
	assert.Equal(t, "sgp1", droplet.Region.Slug)
}

func TestGetDroplet_IPExtraction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/droplets/55", r.URL.Path)
		fmt.Fprint(w, `{"droplet":{"id":55,"status":"active","networks":{"v4":[
			{"ip_address":"10.1.2.3","type":"private"},
			{"ip_address":"203.0.113.7","type":"public"}
		]},"tags":["webrana"],"created_at":"2026-08-01T10:00:00Z"}}`)
	})

	droplet, err := c.GetDroplet(55)
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.7", droplet.PublicIPv4())
	assert.Equal(t, "10.1.2.3", droplet.PrivateIPv4())
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), droplet.CreatedAtTime())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "401 invalid token",
			statusCode: http.StatusUnauthorized,
			body:       `{"id":"unauthorized","message":"Unable to authenticate you"}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidToken)
			},
		},
		{
			name:       "429 rate limited",
			statusCode: http.StatusTooManyRequests,
			body:       `{"id":"too_many_requests","message":"slow down"}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrRateLimited)
			},
		},
		{
			name:       "422 generic API error",
			statusCode: http.StatusUnprocessableEntity,
			body:       `{"id":"unprocessable_entity","message":"region is invalid"}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
				assert.Equal(t, "unprocessable_entity", apiErr.ID)
				assert.Equal(t, "region is invalid", apiErr.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.GetDroplet(1)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestConnectionFailureIsUnavailable(t *testing.T) {
	c := NewClient("test-token")
	c.BaseURL = "http://127.0.0.1:1" // nothing listens here
	c.HTTPClient = &http.Client{Timeout: 200 * time.Millisecond}

	_, err := c.GetAccount()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetAccountAndCountDroplets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			fmt.Fprint(w, `{"account":{"droplet_limit":25,"email":"ops@webrana.id","status":"active","uuid":"abc-123"}}`)
		case "/v2/droplets":
			require.Equal(t, "1", r.URL.Query().Get("per_page"))
			fmt.Fprint(w, `{"droplets":[{"id":1}],"meta":{"total":17}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	account, err := c.GetAccount()
	require.NoError(t, err)
	assert.Equal(t, 25, account.DropletLimit)
	assert.Equal(t, "ops@webrana.id", account.Email)

	count, err := c.CountDroplets()
	require.NoError(t, err)
	assert.Equal(t, 17, count)
}

func TestGetRateLimit(t *testing.T) {
	resetAt := time.Now().Add(time.Hour).Unix()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("RateLimit-Limit", "5000")
		w.Header().Set("RateLimit-Remaining", "42")
		w.Header().Set("RateLimit-Reset", fmt.Sprintf("%d", resetAt))
		fmt.Fprint(w, `{"account":{"droplet_limit":25}}`)
	})

	rl, err := c.GetRateLimit()
	require.NoError(t, err)
	assert.Equal(t, 5000, rl.Limit)
	assert.Equal(t, 42, rl.Remaining)
	assert.Equal(t, resetAt, rl.ResetAt.Unix())
}

func TestPerformActionAndDelete(t *testing.T) {
	var actions []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/droplets/9/actions":
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			actions = append(actions, payload["type"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"action":{"id":1,"status":"in-progress"}}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/v2/droplets/9":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	})

	require.NoError(t, c.PerformAction(9, ActionPowerOff))
	require.NoError(t, c.PerformAction(9, ActionReboot))
	require.NoError(t, c.DeleteDroplet(9))
	assert.Equal(t, []string{ActionPowerOff, ActionReboot}, actions)
}
