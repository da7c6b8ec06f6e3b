package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// HetznerClient adapts the Hetzner Cloud API to the Provider interface
type HetznerClient struct {
	client     *hcloud.Client
	enableIPv4 bool
	logger     zerolog.Logger
}

// HetznerOption configures a HetznerClient
type HetznerOption func(*hetznerOptions)

type hetznerOptions struct {
	endpoint string
}

// WithHetznerEndpoint points the client at a different API base URL
func WithHetznerEndpoint(endpoint string) HetznerOption {
	return func(o *hetznerOptions) {
		o.endpoint = endpoint
	}
}

// NewHetznerClient creates a Hetzner adapter with its own rate gate
func NewHetznerClient(cfg *config.HetznerConfig, opts ...HetznerOption) *HetznerClient {
	var o hetznerOptions
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := newGatedHTTPClient(string(models.ProviderHetzner), NewRateGate(cfg.MinInterval), cfg.RequestTimeout)
	hopts := []hcloud.ClientOption{
		hcloud.WithToken(cfg.Token),
		hcloud.WithHTTPClient(httpClient),
		hcloud.WithApplication("edge-provisioner", ""),
	}
	if o.endpoint != "" {
		hopts = append(hopts, hcloud.WithEndpoint(o.endpoint))
	}

	return &HetznerClient{
		client:     hcloud.NewClient(hopts...),
		enableIPv4: cfg.EnablePublicIP4,
		logger:     log.WithComponent("hetzner"),
	}
}

func (c *HetznerClient) Name() models.Provider {
	return models.ProviderHetzner
}

// CreateServer creates a server from a server type (preset) at a location.
// Hetzner has no configurators, so a preset is required.
func (c *HetznerClient) CreateServer(ctx context.Context, req CreateServerRequest) (string, error) {
	if !req.Size.IsPreset() {
		return "", &ProvisionError{Provider: models.ProviderHetzner, Message: "hetzner supports preset sizes only"}
	}

	serverType, _, err := c.client.ServerType.Get(ctx, req.Size.PresetID)
	if err != nil {
		return "", fmt.Errorf("get server type %s: %w", req.Size.PresetID, err)
	}
	if serverType == nil {
		return "", &ProvisionError{Provider: models.ProviderHetzner, Message: "unknown server type " + req.Size.PresetID}
	}

	location, _, err := c.client.Location.Get(ctx, req.Region.Region)
	if err != nil {
		return "", fmt.Errorf("get location %s: %w", req.Region.Region, err)
	}
	if location == nil {
		return "", &ProvisionError{Provider: models.ProviderHetzner, Message: "unknown location " + req.Region.Region}
	}

	image := &hcloud.Image{Name: req.OS.Name}
	if id, err := strconv.ParseInt(req.OS.ID, 10, 64); err == nil {
		image = &hcloud.Image{ID: id}
	}

	opts := hcloud.ServerCreateOpts{
		Name:       req.Name,
		ServerType: serverType,
		Image:      image,
		Location:   location,
		PublicNet: &hcloud.ServerCreatePublicNet{
			EnableIPv4: c.enableIPv4,
			EnableIPv6: true,
		},
		Labels: map[string]string{"managed-by": "edge-provisioner"},
	}
	if labels, ok := req.Extra["labels"].(map[string]string); ok {
		for k, v := range labels {
			opts.Labels[k] = v
		}
	}

	// Not retried: a failed create may still have produced a VM.
	result, _, err := c.client.Server.Create(ctx, opts)
	if err != nil {
		if isRejectedCreate(err) {
			var herr hcloud.Error
			errors.As(err, &herr)
			return "", &ProvisionError{Provider: models.ProviderHetzner, Message: herr.Message, Err: err}
		}
		return "", fmt.Errorf("create server %s: %w", req.Name, err)
	}

	providerID := strconv.FormatInt(result.Server.ID, 10)
	c.logger.Info().
		Str("provider_id", providerID).
		Str("server_type", serverType.Name).
		Str("location", location.Name).
		Msg("Server created")
	return providerID, nil
}

func (c *HetznerClient) GetServer(ctx context.Context, providerID string) (*ServerInfo, error) {
	server, err := c.lookup(ctx, providerID)
	if err != nil {
		return nil, err
	}

	info := &ServerInfo{Status: string(server.Status)}
	if ip := server.PublicNet.IPv4.IP; ip != nil && !ip.IsUnspecified() {
		info.IPv4 = append(info.IPv4, ip.String())
	}
	if ip := server.PublicNet.IPv6.IP; ip != nil && !ip.IsUnspecified() {
		info.IPv6 = append(info.IPv6, ip.String())
	}
	if server.IncludedTraffic > 0 {
		used := float64(server.OutgoingTraffic) / float64(server.IncludedTraffic) * 100
		info.TrafficUsedPercent = &used
	}
	return info, nil
}

func (c *HetznerClient) DeleteServer(ctx context.Context, providerID string) error {
	id, err := parseHetznerID(providerID)
	if err != nil {
		return err
	}

	_, _, err = c.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return ErrServerNotFound
		}
		return fmt.Errorf("delete server %s: %w", providerID, err)
	}
	return nil
}

// AddPublicIP creates a primary IP and assigns it to the server. Hetzner only
// assigns primary IPs to powered-off servers, so the server is stopped first
// and started again whatever the outcome.
func (c *HetznerClient) AddPublicIP(ctx context.Context, providerID string, kind IPKind) error {
	id, err := parseHetznerID(providerID)
	if err != nil {
		return err
	}
	server := &hcloud.Server{ID: id}

	action, _, err := c.client.Server.Poweroff(ctx, server)
	if err != nil {
		return fmt.Errorf("power off server %s: %w", providerID, err)
	}
	if err := c.wait(ctx, action); err != nil {
		return fmt.Errorf("wait for power off of server %s: %w", providerID, err)
	}

	ipType := hcloud.PrimaryIPTypeIPv4
	if kind == IPv6 {
		ipType = hcloud.PrimaryIPTypeIPv6
	}

	result, _, createErr := c.client.PrimaryIP.Create(ctx, hcloud.PrimaryIPCreateOpts{
		Name:         fmt.Sprintf("edge-%s-%s", providerID, kind),
		Type:         ipType,
		AssigneeType: "server",
		AssigneeID:   hcloud.Ptr(id),
		AutoDelete:   hcloud.Ptr(true),
	})
	if createErr == nil && result != nil {
		createErr = c.wait(ctx, result.Action)
	}

	action, _, err = c.client.Server.Poweron(ctx, server)
	if err != nil {
		c.logger.Error().Err(err).Str("provider_id", providerID).Msg("Failed to power on server after IP assignment")
	} else if err := c.wait(ctx, action); err != nil {
		c.logger.Warn().Err(err).Str("provider_id", providerID).Msg("Power on not confirmed")
	}

	if createErr != nil {
		return fmt.Errorf("assign primary %s to server %s: %w", kind, providerID, createErr)
	}
	c.logger.Info().Str("provider_id", providerID).Str("kind", string(kind)).Msg("Primary IP assigned")
	return nil
}

// GetServerPassword resets the root password; Hetzner only returns it from
// the create call and the reset_password action.
func (c *HetznerClient) GetServerPassword(ctx context.Context, providerID string) (string, error) {
	id, err := parseHetznerID(providerID)
	if err != nil {
		return "", err
	}

	result, _, err := c.client.Server.ResetPassword(ctx, &hcloud.Server{ID: id})
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return "", ErrServerNotFound
		}
		return "", fmt.Errorf("reset password of server %s: %w", providerID, err)
	}
	return result.RootPassword, nil
}

// Presets lists server types priced at the region's location
func (c *HetznerClient) Presets(ctx context.Context, region RegionSpec) ([]Preset, error) {
	types, err := c.client.ServerType.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list server types: %w", err)
	}

	var presets []Preset
	for _, st := range types {
		for _, pricing := range st.Pricings {
			if pricing.Location == nil || pricing.Location.Name != region.Region {
				continue
			}
			price, _ := strconv.ParseFloat(pricing.Monthly.Gross, 64)
			presets = append(presets, Preset{
				ID:       st.Name,
				Name:     st.Name,
				Location: region.Region,
				CPU:      st.Cores,
				RAMMB:    int(st.Memory * 1024),
				DiskGB:   st.Disk,
				DiskType: string(st.StorageType),
				Price:    price,
			})
		}
	}
	return presets, nil
}

func (c *HetznerClient) Configurators(ctx context.Context, region RegionSpec) ([]Configurator, error) {
	return nil, nil
}

func (c *HetznerClient) ResolveImage(ctx context.Context, osName string) (ImageRef, error) {
	image, _, err := c.client.Image.GetForArchitecture(ctx, osName, hcloud.ArchitectureX86)
	if err != nil {
		return ImageRef{}, fmt.Errorf("get image %s: %w", osName, err)
	}
	if image == nil {
		return ImageRef{}, fmt.Errorf("image not found: %s", osName)
	}
	return ImageRef{ID: strconv.FormatInt(image.ID, 10), Name: image.Name}, nil
}

func (c *HetznerClient) lookup(ctx context.Context, providerID string) (*hcloud.Server, error) {
	id, err := parseHetznerID(providerID)
	if err != nil {
		return nil, err
	}

	server, _, err := c.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", providerID, err)
	}
	if server == nil {
		return nil, ErrServerNotFound
	}
	return server, nil
}

func (c *HetznerClient) wait(ctx context.Context, action *hcloud.Action) error {
	if action == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return c.client.Action.WaitFor(ctx, action)
}

func parseHetznerID(providerID string) (int64, error) {
	id, err := strconv.ParseInt(providerID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hetzner server id %q", providerID)
	}
	return id, nil
}

// isRejectedCreate reports whether Hetzner refused the create parameters
func isRejectedCreate(err error) bool {
	var herr hcloud.Error
	if !errors.As(err, &herr) {
		return false
	}
	switch herr.Code {
	case hcloud.ErrorCodeInvalidInput,
		hcloud.ErrorCodeInvalidServerType,
		hcloud.ErrorCodeNotFound,
		hcloud.ErrorCode("resource_limit_exceeded"),
		hcloud.ErrorCode("placement_error"),
		hcloud.ErrorCode("uniqueness_error"):
		return true
	}
	return false
}
