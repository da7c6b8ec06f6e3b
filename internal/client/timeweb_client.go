package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// TimewebClient calls the Timeweb Cloud REST API
type TimewebClient struct {
	baseURL    string
	token      string
	osVersion  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewTimewebClient creates a Timeweb adapter with its own rate gate
func NewTimewebClient(cfg *config.TimewebConfig) *TimewebClient {
	return &TimewebClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		osVersion:  cfg.OSVersion,
		httpClient: newGatedHTTPClient(string(models.ProviderTimeweb), NewRateGate(cfg.MinInterval), cfg.RequestTimeout),
		logger:     log.WithComponent("timeweb"),
	}
}

type timewebPreset struct {
	ID          int     `json:"id"`
	Description string  `json:"description_short"`
	Location    string  `json:"location"`
	CPU         int     `json:"cpu"`
	RAM         int     `json:"ram"`
	Disk        int     `json:"disk"`
	DiskType    string  `json:"disk_type"`
	Price       float64 `json:"price"`
}

type timewebConfigurator struct {
	ID           int    `json:"id"`
	Location     string `json:"location"`
	DiskType     string `json:"disk_type"`
	Requirements struct {
		CPUMin   int `json:"cpu_min"`
		CPUStep  int `json:"cpu_step"`
		CPUMax   int `json:"cpu_max"`
		RAMMin   int `json:"ram_min"`
		RAMStep  int `json:"ram_step"`
		RAMMax   int `json:"ram_max"`
		DiskMin  int `json:"disk_min"`
		DiskStep int `json:"disk_step"`
		DiskMax  int `json:"disk_max"`
	} `json:"requirements"`
}

type timewebOS struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type timewebServer struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	RootPass string `json:"root_pass"`
	Networks []struct {
		Type string `json:"type"`
		IPs  []struct {
			Type string `json:"type"`
			IP   string `json:"ip"`
		} `json:"ips"`
	} `json:"networks"`
}

type timewebError struct {
	StatusCode int             `json:"status_code"`
	ErrorCode  string          `json:"error_code"`
	Message    json.RawMessage `json:"message"`
}

// text flattens message, which Timeweb sends as a string or a list of strings
func (e timewebError) text() string {
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(e.Message, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return e.ErrorCode
}

func (c *TimewebClient) Name() models.Provider {
	return models.ProviderTimeweb
}

// CreateServer creates a server from a preset or from configurator parameters
func (c *TimewebClient) CreateServer(ctx context.Context, req CreateServerRequest) (string, error) {
	osID, err := strconv.Atoi(req.OS.ID)
	if err != nil {
		return "", &ProvisionError{Provider: models.ProviderTimeweb, Message: "invalid os id " + req.OS.ID}
	}

	body := map[string]any{
		"name":  req.Name,
		"os_id": osID,
	}
	if req.Region.Zone != "" {
		body["availability_zone"] = req.Region.Zone
	}
	if req.Size.IsPreset() {
		presetID, err := strconv.Atoi(req.Size.PresetID)
		if err != nil {
			return "", &ProvisionError{Provider: models.ProviderTimeweb, Message: "invalid preset id " + req.Size.PresetID}
		}
		body["preset_id"] = presetID
	} else {
		configuratorID, err := strconv.Atoi(req.Size.ConfiguratorID)
		if err != nil {
			return "", &ProvisionError{Provider: models.ProviderTimeweb, Message: "invalid configurator id " + req.Size.ConfiguratorID}
		}
		body["configuration"] = map[string]int{
			"configurator_id": configuratorID,
			"cpu":             req.Size.CPU,
			"ram":             req.Size.RAMMB,
			"disk":            req.Size.DiskGB * 1024,
		}
	}
	for k, v := range req.Extra {
		body[k] = v
	}

	var result struct {
		Server timewebServer `json:"server"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/v1/servers", body, &result)
	if err != nil {
		var apiErr *timewebAPIError
		if errors.As(err, &apiErr) && status >= 400 && status < 500 {
			return "", &ProvisionError{Provider: models.ProviderTimeweb, StatusCode: status, Message: apiErr.msg, Err: err}
		}
		return "", fmt.Errorf("create server %s: %w", req.Name, err)
	}

	providerID := strconv.Itoa(result.Server.ID)
	c.logger.Info().Str("provider_id", providerID).Msg("Server created")
	return providerID, nil
}

func (c *TimewebClient) GetServer(ctx context.Context, providerID string) (*ServerInfo, error) {
	server, err := c.describe(ctx, providerID)
	if err != nil {
		return nil, err
	}

	info := &ServerInfo{Status: server.Status, RootPassword: server.RootPass}
	for _, network := range server.Networks {
		if network.Type != "" && network.Type != "public" {
			continue
		}
		for _, ip := range network.IPs {
			switch ip.Type {
			case "ipv4":
				info.IPv4 = append(info.IPv4, ip.IP)
			case "ipv6":
				info.IPv6 = append(info.IPv6, ip.IP)
			}
		}
	}
	return info, nil
}

func (c *TimewebClient) DeleteServer(ctx context.Context, providerID string) error {
	status, err := c.do(ctx, http.MethodDelete, "/api/v1/servers/"+providerID, nil, nil)
	if status == http.StatusNotFound {
		return ErrServerNotFound
	}
	if err != nil {
		return fmt.Errorf("delete server %s: %w", providerID, err)
	}
	return nil
}

// AddPublicIP orders an additional address; the call is billable and fails
// on an empty balance.
func (c *TimewebClient) AddPublicIP(ctx context.Context, providerID string, kind IPKind) error {
	body := map[string]string{"type": string(kind)}
	status, err := c.do(ctx, http.MethodPost, "/api/v1/servers/"+providerID+"/ips", body, nil)
	if status == http.StatusNotFound {
		return ErrServerNotFound
	}
	if err != nil {
		return fmt.Errorf("add %s to server %s: %w", kind, providerID, err)
	}
	c.logger.Info().Str("provider_id", providerID).Str("kind", string(kind)).Msg("Public IP added")
	return nil
}

// GetServerPassword reads root_pass from the describe response
func (c *TimewebClient) GetServerPassword(ctx context.Context, providerID string) (string, error) {
	server, err := c.describe(ctx, providerID)
	if err != nil {
		return "", err
	}
	return server.RootPass, nil
}

func (c *TimewebClient) Presets(ctx context.Context, region RegionSpec) ([]Preset, error) {
	var result struct {
		ServerPresets []timewebPreset `json:"server_presets"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/presets/servers", nil, &result); err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}

	var presets []Preset
	for _, p := range result.ServerPresets {
		if p.Location != region.Region {
			continue
		}
		presets = append(presets, Preset{
			ID:       strconv.Itoa(p.ID),
			Name:     p.Description,
			Location: p.Location,
			CPU:      p.CPU,
			RAMMB:    p.RAM,
			DiskGB:   p.Disk / 1024,
			DiskType: p.DiskType,
			Price:    p.Price,
		})
	}
	return presets, nil
}

func (c *TimewebClient) Configurators(ctx context.Context, region RegionSpec) ([]Configurator, error) {
	var result struct {
		ServerConfigurators []timewebConfigurator `json:"server_configurators"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/configurator/servers", nil, &result); err != nil {
		return nil, fmt.Errorf("list configurators: %w", err)
	}

	var configurators []Configurator
	for _, cf := range result.ServerConfigurators {
		if cf.Location != region.Region {
			continue
		}
		r := cf.Requirements
		configurators = append(configurators, Configurator{
			ID:       strconv.Itoa(cf.ID),
			Location: cf.Location,
			DiskType: cf.DiskType,
			CPU:      Range{Min: r.CPUMin, Max: r.CPUMax, Step: r.CPUStep},
			RAMMB:    Range{Min: r.RAMMin, Max: r.RAMMax, Step: r.RAMStep},
			DiskGB:   Range{Min: r.DiskMin / 1024, Max: r.DiskMax / 1024, Step: r.DiskStep / 1024},
		})
	}
	return configurators, nil
}

// ResolveImage finds the OS by name, preferring the configured version
func (c *TimewebClient) ResolveImage(ctx context.Context, osName string) (ImageRef, error) {
	var result struct {
		ServersOS []timewebOS `json:"servers_os"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/os/servers", nil, &result); err != nil {
		return ImageRef{}, fmt.Errorf("list os images: %w", err)
	}

	var match *timewebOS
	for i := range result.ServersOS {
		image := &result.ServersOS[i]
		if !strings.EqualFold(image.Name, osName) {
			continue
		}
		if c.osVersion == "" || image.Version == c.osVersion {
			match = image
			break
		}
		if match == nil {
			match = image
		}
	}
	if match == nil {
		return ImageRef{}, fmt.Errorf("os image not found: %s", osName)
	}
	return ImageRef{ID: strconv.Itoa(match.ID), Name: match.Name + " " + match.Version}, nil
}

func (c *TimewebClient) describe(ctx context.Context, providerID string) (*timewebServer, error) {
	var result struct {
		Server timewebServer `json:"server"`
	}
	status, err := c.do(ctx, http.MethodGet, "/api/v1/servers/"+providerID, nil, &result)
	if status == http.StatusNotFound {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", providerID, err)
	}
	return &result.Server, nil
}

type timewebAPIError struct {
	status int
	code   string
	msg    string
}

func (e *timewebAPIError) Error() string {
	return fmt.Sprintf("timeweb returned status %d (%s): %s", e.status, e.code, e.msg)
}

// do sends a JSON request and decodes a 2xx response into out. The HTTP
// status is returned even when err is set.
func (c *TimewebClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr timewebError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && len(apiErr.Message) > 0 {
			msg = apiErr.text()
		}
		return resp.StatusCode, &timewebAPIError{status: resp.StatusCode, code: apiErr.ErrorCode, msg: msg}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w (body: %s)", err, string(respBody))
		}
	}
	return resp.StatusCode, nil
}
