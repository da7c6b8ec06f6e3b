package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPanelUnauthorized is returned when the panel API rejects the bearer token
var ErrPanelUnauthorized = errors.New("panel rejected auth token")

// ErrPanelUserNotFound is returned when the panel does not know a username
var ErrPanelUserNotFound = errors.New("panel user not found")

// ErrPanelUserExists is returned when the username is already taken
var ErrPanelUserExists = errors.New("panel user already exists")

// PanelStatusError is a non-2xx answer from the panel API other than 401
type PanelStatusError struct {
	StatusCode int
	Detail     string
}

func (e *PanelStatusError) Error() string {
	return fmt.Sprintf("panel returned status %d: %s", e.StatusCode, e.Detail)
}

// IsPanelClientError reports whether the panel refused the request itself
// (4xx other than 401). Such answers say nothing about panel health.
func IsPanelClientError(err error) bool {
	if errors.Is(err, ErrPanelUserNotFound) || errors.Is(err, ErrPanelUserExists) {
		return true
	}
	var statusErr *PanelStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
}

// MarzbanClient calls the Marzban panel management API. It holds no
// per-panel state: address and token are passed to every call.
type MarzbanClient struct {
	httpClient *http.Client
}

// NewMarzbanClient creates a new panel API client
func NewMarzbanClient(timeout time.Duration) *MarzbanClient {
	return &MarzbanClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SystemStats is the load snapshot reported by /api/system
type SystemStats struct {
	MemTotal          int64   `json:"mem_total"`
	MemUsed           int64   `json:"mem_used"`
	CPUCores          int     `json:"cpu_cores"`
	CPUUsage          float64 `json:"cpu_usage"`
	TotalUser         int     `json:"total_user"`
	UsersActive       int     `json:"users_active"`
	IncomingBandwidth int64   `json:"incoming_bandwidth"`
	OutgoingBandwidth int64   `json:"outgoing_bandwidth"`
}

// MemoryPercent returns used memory as a percentage of total
func (s *SystemStats) MemoryPercent() float64 {
	if s.MemTotal <= 0 {
		return 0
	}
	return float64(s.MemUsed) / float64(s.MemTotal) * 100
}

// CreatePanelUserRequest is the request to create a panel user
type CreatePanelUserRequest struct {
	Username  string                    `json:"username"`
	Proxies   map[string]map[string]any `json:"proxies"`
	Expire    int64                     `json:"expire,omitempty"`
	DataLimit int64                     `json:"data_limit,omitempty"`
	Status    string                    `json:"status,omitempty"`
}

// PanelUser contains panel user details and connection keys
type PanelUser struct {
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	UsedTraffic     int64    `json:"used_traffic"`
	DataLimit       *int64   `json:"data_limit"`
	Expire          *int64   `json:"expire"`
	Links           []string `json:"links"`
	SubscriptionURL string   `json:"subscription_url"`
}

// Token logs in with admin credentials and returns a bearer token
func (c *MarzbanClient) Token(ctx context.Context, address, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, panelURL(address, "/api/admin/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := c.send(httpReq, &result); err != nil {
		return "", fmt.Errorf("panel login: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("panel login: empty access token")
	}
	return result.AccessToken, nil
}

// SystemStats gets the panel host's current load
func (c *MarzbanClient) SystemStats(ctx context.Context, address, token string) (*SystemStats, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, address, "/api/system", token, nil)
	if err != nil {
		return nil, err
	}

	var stats SystemStats
	if err := c.send(httpReq, &stats); err != nil {
		return nil, fmt.Errorf("get system stats: %w", err)
	}
	return &stats, nil
}

// AddUser creates a user and returns it with its connection links
func (c *MarzbanClient) AddUser(ctx context.Context, address, token string, req *CreatePanelUserRequest) (*PanelUser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, address, "/api/user", token, req)
	if err != nil {
		return nil, err
	}

	var user PanelUser
	if err := userError(c.send(httpReq, &user), false); err != nil {
		return nil, fmt.Errorf("add user %s: %w", req.Username, err)
	}
	return &user, nil
}

// GetUser gets a user by name
func (c *MarzbanClient) GetUser(ctx context.Context, address, token, username string) (*PanelUser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, address, "/api/user/"+url.PathEscape(username), token, nil)
	if err != nil {
		return nil, err
	}

	var user PanelUser
	if err := userError(c.send(httpReq, &user), true); err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return &user, nil
}

// RemoveUser deletes a user by name
func (c *MarzbanClient) RemoveUser(ctx context.Context, address, token, username string) error {
	httpReq, err := c.newRequest(ctx, http.MethodDelete, address, "/api/user/"+url.PathEscape(username), token, nil)
	if err != nil {
		return err
	}

	if err := userError(c.send(httpReq, nil), true); err != nil {
		return fmt.Errorf("remove user %s: %w", username, err)
	}
	return nil
}

func (c *MarzbanClient) newRequest(ctx context.Context, method, address, path, token string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, panelURL(address, path), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func (c *MarzbanClient) send(httpReq *http.Request, out any) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrPanelUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var detail struct {
			Detail any `json:"detail"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &detail) == nil && detail.Detail != nil {
			msg = fmt.Sprint(detail.Detail)
		}
		return &PanelStatusError{StatusCode: resp.StatusCode, Detail: msg}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
		}
	}
	return nil
}

// userError maps the answers of the /api/user endpoints that are about the
// username rather than the panel. Only calls addressing a username by path
// read 404 as an unknown user.
func userError(err error, byName bool) error {
	var statusErr *PanelStatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch statusErr.StatusCode {
	case http.StatusNotFound:
		if !byName {
			return err
		}
		return fmt.Errorf("%w: %s", ErrPanelUserNotFound, statusErr.Detail)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrPanelUserExists, statusErr.Detail)
	}
	return err
}

// panelURL joins the panel address with an API path. Bare hosts get https.
func panelURL(address, path string) string {
	address = strings.TrimRight(address, "/")
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "https://" + address
	}
	return address + path
}
