package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

// DNSRecorder is the part of DNSService the server orchestrator needs
type DNSRecorder interface {
	CreateRecord(ctx context.Context, name, ip string) (*client.DNSRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

// PanelRetirer retires the panel of a deleted server. Implemented by PanelService.
type PanelRetirer interface {
	MarkDeleted(ctx context.Context, serverID int64) error
}

// ConfigureRequest asks for a new edge node
type ConfigureRequest struct {
	LocationID string
	Provider   models.Provider
	IsFree     bool
}

// DeleteResult reports which remote resources could not be removed. The
// server itself is DELETED locally either way.
type DeleteResult struct {
	ServerID       int64
	AlreadyDeleted bool
	ProviderErr    error
	DNSErr         error
	PanelErr       error
}

// Partial reports whether some remote resource may have been orphaned
func (r *DeleteResult) Partial() bool {
	return r.ProviderErr != nil || r.DNSErr != nil || r.PanelErr != nil
}

// ServerService owns the server state machine
type ServerService struct {
	servers   ServerStore
	locations LocationStore
	providers map[models.Provider]client.Provider
	images    map[models.Provider]string
	dns       DNSRecorder
	panels    PanelRetirer
	audit     AuditLog
	locker    repository.Locker
	capacity  config.CapacityConfig
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
}

// NewServerService creates the orchestrator. images maps each provider to
// the OS image name its servers are created from. locker is the same lease
// source the reconciler uses.
func NewServerService(
	servers ServerStore,
	locations LocationStore,
	providers []client.Provider,
	images map[models.Provider]string,
	dns DNSRecorder,
	panels PanelRetirer,
	audit AuditLog,
	locker repository.Locker,
	capacity *config.CapacityConfig,
) *ServerService {
	byName := make(map[models.Provider]client.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &ServerService{
		servers:   servers,
		locations: locations,
		providers: byName,
		images:    images,
		dns:       dns,
		panels:    panels,
		audit:     audit,
		locker:    locker,
		capacity:  *capacity,
		sleep:     sleepContext,
		logger:    log.WithComponent("server"),
	}
}

// Configure resolves placement, image and size, asks the provider to create
// the VM and persists the server as CREATED. No row is written when the
// size floor cannot be met.
func (s *ServerService) Configure(ctx context.Context, req ConfigureRequest) (*models.Server, error) {
	provider, err := s.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	loc, err := s.locations.Get(ctx, req.LocationID, req.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve location %s at %s: %w", req.LocationID, req.Provider, err)
	}
	if !loc.Available {
		return nil, fmt.Errorf("%w: %s at %s", ErrLocationUnavailable, req.LocationID, req.Provider)
	}
	region := client.RegionSpec{Region: loc.Region, Zone: loc.Zone}

	image, err := provider.ResolveImage(ctx, s.images[req.Provider])
	if err != nil {
		return nil, fmt.Errorf("resolve image at %s: %w", req.Provider, err)
	}

	size, err := s.resolveSize(ctx, provider, region)
	if err != nil {
		return nil, fmt.Errorf("location %s at %s: %w", req.LocationID, req.Provider, err)
	}

	name := fmt.Sprintf("%s-%s-%s", s.capacity.NamePrefix, strings.ToLower(req.LocationID), uuid.New().String()[:8])
	logger := s.logger.With().Str("provider", string(req.Provider)).Str("name", name).Logger()

	providerID, err := provider.CreateServer(ctx, client.CreateServerRequest{
		Name:   name,
		OS:     image,
		Size:   size,
		Region: region,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Provider rejected server create")
		return nil, fmt.Errorf("create server %s: %w", name, err)
	}

	server := &models.Server{
		Name:       name,
		Provider:   req.Provider,
		ProviderID: &providerID,
		Login:      models.DefaultServerLogin,
		LocationID: req.LocationID,
		IsFree:     req.IsFree,
		Status:     models.StatusCreated,
	}
	if err := s.servers.Create(ctx, server); err != nil {
		// The VM exists at the vendor without a local row; an operator has
		// to remove it by provider id.
		logger.Error().Err(err).Str("provider_id", providerID).Msg("Failed to persist created server")
		return nil, fmt.Errorf("persist server %s: %w", name, err)
	}

	logger.Info().Int64("server_id", server.ID).Str("provider_id", providerID).Msg("Server created")
	metrics.TransitionsTotal.WithLabelValues(models.EntityServer, string(models.StatusCreated)).Inc()
	if s.audit != nil {
		err := s.audit.LogActionWithMetadata(ctx, models.EntityServer, server.ID, "configure", string(models.StatusCreated),
			fmt.Sprintf("%s/%s provider_id=%s", req.Provider, req.LocationID, providerID),
			map[string]interface{}{
				"provider_id":     providerID,
				"region":          region.Region,
				"image":           image.Name,
				"preset_id":       size.PresetID,
				"configurator_id": size.ConfiguratorID,
				"cpu":             size.CPU,
				"ram_mb":          size.RAMMB,
				"disk_gb":         size.DiskGB,
			})
		if err != nil {
			logger.Warn().Err(err).Int64("server_id", server.ID).Msg("Failed to write provision log")
		}
	}
	return server, nil
}

// resolveSize picks the smallest preset meeting the floor, then falls back
// to configurator parameters clamped to the floor
func (s *ServerService) resolveSize(ctx context.Context, provider client.Provider, region client.RegionSpec) (client.SizeSpec, error) {
	presets, err := provider.Presets(ctx, region)
	if err != nil {
		return client.SizeSpec{}, fmt.Errorf("list presets: %w", err)
	}

	var matching []client.Preset
	for _, p := range presets {
		if p.CPU >= s.capacity.MinCPU && p.RAMMB >= s.capacity.MinRAMMB && p.DiskGB >= s.capacity.MinDiskGB {
			matching = append(matching, p)
		}
	}
	if len(matching) > 0 {
		sort.SliceStable(matching, func(i, j int) bool {
			a, b := matching[i], matching[j]
			if a.CPU != b.CPU {
				return a.CPU < b.CPU
			}
			if a.RAMMB != b.RAMMB {
				return a.RAMMB < b.RAMMB
			}
			if a.DiskGB != b.DiskGB {
				return a.DiskGB < b.DiskGB
			}
			return a.Price < b.Price
		})
		return client.SizeSpec{
			PresetID: matching[0].ID,
			CPU:      matching[0].CPU,
			RAMMB:    matching[0].RAMMB,
			DiskGB:   matching[0].DiskGB,
		}, nil
	}

	configurators, err := provider.Configurators(ctx, region)
	if err != nil {
		return client.SizeSpec{}, fmt.Errorf("list configurators: %w", err)
	}
	for _, c := range configurators {
		cpu, ok := c.CPU.Fit(s.capacity.MinCPU)
		if !ok {
			continue
		}
		ram, ok := c.RAMMB.Fit(s.capacity.MinRAMMB)
		if !ok {
			continue
		}
		disk, ok := c.DiskGB.Fit(s.capacity.MinDiskGB)
		if !ok {
			continue
		}
		return client.SizeSpec{ConfiguratorID: c.ID, CPU: cpu, RAMMB: ram, DiskGB: disk}, nil
	}

	return client.SizeSpec{}, ErrNoCapacityMatch
}

// FinishConfigure discovers the IPv4, retrieves the root password, binds the
// DNS record and moves the server to CONFIGURED. Any failure moves the
// server to ERROR and is returned.
func (s *ServerService) FinishConfigure(ctx context.Context, serverID int64) (*models.Server, error) {
	server, err := s.servers.GetByID(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("get server %d: %w", serverID, err)
	}
	if server.Status != models.StatusCreated {
		return nil, fmt.Errorf("server %d is %s, expected CREATED", server.ID, server.Status)
	}

	configured, err := s.finishConfigure(ctx, server)
	if err != nil {
		s.MarkFailed(ctx, server, err)
		return nil, err
	}
	return configured, nil
}

func (s *ServerService) finishConfigure(ctx context.Context, server *models.Server) (*models.Server, error) {
	if server.ProviderID == nil {
		return nil, fmt.Errorf("server %d has no provider id", server.ID)
	}
	provider, err := s.provider(server.Provider)
	if err != nil {
		return nil, err
	}
	providerID := *server.ProviderID
	logger := s.logger.With().Int64("server_id", server.ID).Str("provider", string(server.Provider)).Logger()

	info, err := provider.GetServer(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("describe server %d: %w", server.ID, err)
	}

	if len(info.IPv4) == 0 && len(info.IPv6) > 0 {
		logger.Info().Msg("Server has IPv6 only, requesting public IPv4")
		if err := provider.AddPublicIP(ctx, providerID, client.IPv4); err != nil {
			return nil, fmt.Errorf("%w: add public ipv4 to server %d: %w", ErrNoIPv4Available, server.ID, err)
		}
		if err := s.sleep(ctx, s.capacity.IPSettle); err != nil {
			return nil, err
		}
		info, err = provider.GetServer(ctx, providerID)
		if err != nil {
			return nil, fmt.Errorf("describe server %d after adding ipv4: %w", server.ID, err)
		}
	}
	if len(info.IPv4) == 0 {
		return nil, fmt.Errorf("%w: server %d", ErrNoIPv4Available, server.ID)
	}
	ip := info.IPv4[0]

	password := info.RootPassword
	if password == "" {
		password, err = provider.GetServerPassword(ctx, providerID)
		if err != nil {
			logger.Warn().Err(err).Msg("Root password retrieval failed")
			password = ""
		}
	}
	if password == "" {
		password = models.PendingPasswordPrefix + uuid.New().String()
		logger.Warn().Msg("Root password unavailable, stored a placeholder; operator follow-up required")
	}

	label := fmt.Sprintf("%s-%d", strings.ToLower(server.LocationID), server.ID)
	if server.IsFree {
		label = "free-" + label
	}
	record, err := s.dns.CreateRecord(ctx, label, ip)
	if err != nil {
		return nil, fmt.Errorf("bind dns for server %d: %w", server.ID, err)
	}
	if record.ID == "" || record.Name == "" {
		return nil, fmt.Errorf("%w: server %d", ErrDNSRecordInvalid, server.ID)
	}

	updated := *server
	updated.IP = &ip
	updated.Login = models.DefaultServerLogin
	updated.Password = &password
	updated.Host = &record.Name
	updated.DNSRecordID = &record.ID
	updated.Status = models.StatusConfigured
	updated.ErrorMessage = nil
	// Only a server still CREATED may become CONFIGURED; an operator delete
	// that landed meanwhile wins and the new record is removed again.
	if err := s.servers.UpdateIfStatus(ctx, &updated, models.StatusCreated); err != nil {
		if delErr := s.dns.DeleteRecord(ctx, record.ID); delErr != nil {
			logger.Warn().Err(delErr).Str("record_id", record.ID).Msg("Failed to remove DNS record of unpersisted server")
		}
		return nil, fmt.Errorf("persist server %d: %w", server.ID, err)
	}

	logger.Info().Str("ip", ip).Str("host", record.Name).Msg("Server configured")
	metrics.TransitionsTotal.WithLabelValues(models.EntityServer, string(models.StatusConfigured)).Inc()
	s.logAction(ctx, server.ID, "finish_configure", models.StatusConfigured, record.Name)
	return &updated, nil
}

// RetrievePassword asks the vendor again for the root password of a
// CONFIGURED server that still carries the placeholder. It returns true
// once the real password is stored; false means the vendor has none yet.
func (s *ServerService) RetrievePassword(ctx context.Context, server *models.Server) (bool, error) {
	if !server.HasPendingPassword() || server.ProviderID == nil {
		return false, nil
	}
	provider, err := s.provider(server.Provider)
	if err != nil {
		return false, err
	}

	password, err := provider.GetServerPassword(ctx, *server.ProviderID)
	if err != nil {
		return false, fmt.Errorf("retrieve password of server %d: %w", server.ID, err)
	}
	if password == "" {
		return false, nil
	}

	updated := *server
	updated.Password = &password
	if err := s.servers.UpdateIfStatus(ctx, &updated, models.StatusConfigured); err != nil {
		return false, fmt.Errorf("persist password of server %d: %w", server.ID, err)
	}

	s.logger.Info().Int64("server_id", server.ID).Msg("Root password retrieved")
	s.logAction(ctx, server.ID, "retrieve_password", models.StatusConfigured, "root password stored")
	return true, nil
}

// CheckStatus polls the vendor. It returns true once the server reached
// READY and was configured. ErrProvisioningFailed means the caller must
// move the server to ERROR.
func (s *ServerService) CheckStatus(ctx context.Context, server *models.Server) (bool, error) {
	if server.ProviderID == nil {
		return false, fmt.Errorf("%w: server %d has no provider id", ErrProvisioningFailed, server.ID)
	}
	provider, err := s.provider(server.Provider)
	if err != nil {
		return false, err
	}

	info, err := provider.GetServer(ctx, *server.ProviderID)
	if errors.Is(err, client.ErrServerNotFound) {
		return false, fmt.Errorf("%w: server %d vanished at %s", ErrProvisioningFailed, server.ID, server.Provider)
	}
	if err != nil {
		return false, fmt.Errorf("describe server %d: %w", server.ID, err)
	}

	switch status := NormalizeStatus(server.Provider, info.Status); status {
	case ProviderReady:
		if _, err := s.FinishConfigure(ctx, server.ID); err != nil {
			return false, err
		}
		return true, nil
	case ProviderFailed:
		return false, fmt.Errorf("%w: server %d reports %q", ErrProvisioningFailed, server.ID, info.Status)
	case ProviderUnknown:
		s.logger.Warn().
			Int64("server_id", server.ID).
			Str("provider", string(server.Provider)).
			Str("raw_status", info.Status).
			Msg("Unrecognised provider status, treating as pending")
		return false, nil
	default:
		return false, nil
	}
}

// MarkFailed moves a server to ERROR with the cause as its error message
func (s *ServerService) MarkFailed(ctx context.Context, server *models.Server, cause error) {
	current, err := s.servers.GetByID(ctx, server.ID)
	if err != nil {
		current = server
	}
	if current.Status == models.StatusDeleted {
		return
	}

	msg := cause.Error()
	failed := *current
	failed.Status = models.StatusError
	failed.ErrorMessage = &msg
	if err := s.servers.UpdateIfStatus(ctx, &failed, current.Status); err != nil {
		s.logger.Error().Err(err).Int64("server_id", server.ID).Msg("Failed to persist server ERROR")
		return
	}

	s.logger.Error().Err(cause).Int64("server_id", server.ID).Msg("Server moved to ERROR")
	metrics.TransitionsTotal.WithLabelValues(models.EntityServer, string(models.StatusError)).Inc()
	s.logAction(ctx, server.ID, "fail", models.StatusError, msg)
}

// Delete removes the VM, its DNS record and its panel, each independently,
// and marks the server DELETED regardless of remote failures. Deleting a
// DELETED server is a no-op. ErrEntityBusy while a tick is advancing the
// server.
func (s *ServerService) Delete(ctx context.Context, serverID int64) (*DeleteResult, error) {
	release, err := acquireLease(ctx, s.locker, models.EntityServer, serverID)
	if err != nil {
		return nil, err
	}
	defer release()

	server, err := s.servers.GetByID(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("get server %d: %w", serverID, err)
	}

	result := &DeleteResult{ServerID: serverID}
	if server.Status == models.StatusDeleted {
		result.AlreadyDeleted = true
		return result, nil
	}
	logger := s.logger.With().Int64("server_id", serverID).Str("provider", string(server.Provider)).Logger()

	if server.ProviderID != nil {
		result.ProviderErr = s.deleteAtProvider(ctx, server)
		if result.ProviderErr != nil {
			logger.Warn().Err(result.ProviderErr).Msg("Provider delete failed, server may be orphaned")
		}
	}

	if server.DNSRecordID != nil {
		if err := s.dns.DeleteRecord(ctx, *server.DNSRecordID); err != nil {
			result.DNSErr = err
			logger.Warn().Err(err).Str("record_id", *server.DNSRecordID).Msg("DNS record delete failed")
		}
	}

	if s.panels != nil {
		if err := s.panels.MarkDeleted(ctx, serverID); err != nil {
			result.PanelErr = err
			logger.Warn().Err(err).Msg("Panel retirement failed")
		}
	}

	deleted := *server
	deleted.Status = models.StatusDeleted
	if err := s.servers.UpdateIfStatus(ctx, &deleted, server.Status); err != nil {
		return result, fmt.Errorf("mark server %d deleted: %w", serverID, err)
	}

	logger.Info().Bool("partial", result.Partial()).Msg("Server deleted")
	metrics.TransitionsTotal.WithLabelValues(models.EntityServer, string(models.StatusDeleted)).Inc()
	s.logAction(ctx, serverID, "delete", models.StatusDeleted, deleteSummary(result))
	return result, nil
}

func (s *ServerService) deleteAtProvider(ctx context.Context, server *models.Server) error {
	provider, err := s.provider(server.Provider)
	if err != nil {
		return err
	}
	err = provider.DeleteServer(ctx, *server.ProviderID)
	if errors.Is(err, client.ErrServerNotFound) {
		return nil
	}
	return err
}

// Ping reports whether the vendor currently sees the server as running.
// It never changes state.
func (s *ServerService) Ping(ctx context.Context, server *models.Server) (bool, error) {
	if server.ProviderID == nil {
		return false, nil
	}
	provider, err := s.provider(server.Provider)
	if err != nil {
		return false, err
	}
	info, err := provider.GetServer(ctx, *server.ProviderID)
	if errors.Is(err, client.ErrServerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("describe server %d: %w", server.ID, err)
	}
	return NormalizeStatus(server.Provider, info.Status) == ProviderReady, nil
}

// TrafficUsedPercent returns the vendor-reported share of the monthly
// traffic allowance, nil when unknown
func (s *ServerService) TrafficUsedPercent(ctx context.Context, server *models.Server) (*float64, error) {
	if server.ProviderID == nil {
		return nil, nil
	}
	provider, err := s.provider(server.Provider)
	if err != nil {
		return nil, err
	}
	info, err := provider.GetServer(ctx, *server.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("describe server %d: %w", server.ID, err)
	}
	return info.TrafficUsedPercent, nil
}

func (s *ServerService) provider(name models.Provider) (client.Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	return p, nil
}

func (s *ServerService) logAction(ctx context.Context, serverID int64, action string, status models.Status, message string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogAction(ctx, models.EntityServer, serverID, action, string(status), message); err != nil {
		s.logger.Warn().Err(err).Int64("server_id", serverID).Msg("Failed to write provision log")
	}
}

func deleteSummary(r *DeleteResult) string {
	if !r.Partial() {
		return "all resources removed"
	}
	var parts []string
	if r.ProviderErr != nil {
		parts = append(parts, "provider: "+r.ProviderErr.Error())
	}
	if r.DNSErr != nil {
		parts = append(parts, "dns: "+r.DNSErr.Error())
	}
	if r.PanelErr != nil {
		parts = append(parts, "panel: "+r.PanelErr.Error())
	}
	return "partial: " + strings.Join(parts, "; ")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
