package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

// Installer bootstraps a panel on a server. Implemented by BootstrapService.
type Installer interface {
	Install(ctx context.Context, server *models.Server) (*PanelCredentials, error)
}

// PanelService owns the panel state machine
type PanelService struct {
	servers   ServerStore
	panels    PanelStore
	installer Installer
	faults    *FaultService
	audit     AuditLog
	kind      models.PanelKind
	logger    zerolog.Logger
}

func NewPanelService(
	servers ServerStore,
	panels PanelStore,
	installer Installer,
	faults *FaultService,
	audit AuditLog,
	kind models.PanelKind,
) *PanelService {
	return &PanelService{
		servers:   servers,
		panels:    panels,
		installer: installer,
		faults:    faults,
		audit:     audit,
		kind:      kind,
		logger:    log.WithComponent("panel"),
	}
}

// Create registers the panel of a CONFIGURED server. Calling it again for
// the same server returns the existing panel.
func (s *PanelService) Create(ctx context.Context, server *models.Server) (*models.Panel, error) {
	if server.Status != models.StatusConfigured {
		return nil, fmt.Errorf("server %d is %s, panel needs CONFIGURED", server.ID, server.Status)
	}

	existing, err := s.panels.GetByServerID(ctx, server.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get panel of server %d: %w", server.ID, err)
	}

	panel, created, err := s.panels.CreateForServer(ctx, server.ID, s.kind)
	if err != nil {
		return nil, fmt.Errorf("create panel for server %d: %w", server.ID, err)
	}
	if created {
		s.logger.Info().Int64("server_id", server.ID).Int64("panel_id", panel.ID).Msg("Panel created")
		metrics.TransitionsTotal.WithLabelValues(models.EntityPanel, string(models.StatusCreated)).Inc()
		s.logAction(ctx, panel.ID, "create", models.StatusCreated, fmt.Sprintf("panel for server %d", server.ID))
	}
	return panel, nil
}

// Install bootstraps a CREATED panel and moves it to CONFIGURED. Any failure
// moves the panel to ERROR through the fault recorder; there is no retry.
// The caller holds the panel lease.
func (s *PanelService) Install(ctx context.Context, panelID int64) (*models.Panel, error) {
	panel, err := s.panels.GetByID(ctx, panelID)
	if err != nil {
		return nil, fmt.Errorf("get panel %d: %w", panelID, err)
	}
	if panel.Status != models.StatusCreated {
		return panel, nil
	}

	server, err := s.servers.GetByID(ctx, panel.ServerID)
	if err != nil {
		return nil, fmt.Errorf("get server %d of panel %d: %w", panel.ServerID, panelID, err)
	}
	if server.Status != models.StatusConfigured {
		// Server not ready yet or already retired; the tick comes back later.
		return panel, nil
	}
	if server.HasPendingPassword() {
		s.logger.Debug().Int64("panel_id", panelID).Int64("server_id", server.ID).Msg("Root password pending, install deferred")
		return panel, nil
	}

	logger := s.logger.With().Int64("panel_id", panelID).Int64("server_id", server.ID).Logger()
	logger.Info().Msg("Installing panel")

	creds, err := s.installer.Install(ctx, server)
	if err != nil {
		installErr := fmt.Errorf("install panel %d: %w", panelID, err)
		if _, recErr := s.faults.RecordError(ctx, panelID, installErr.Error()); recErr != nil {
			logger.Error().Err(recErr).Msg("Failed to record panel error")
		}
		return nil, installErr
	}

	updated := *panel
	updated.Address = &creds.Address
	updated.Login = &creds.Username
	updated.Password = &creds.Password
	updated.Status = models.StatusConfigured
	if err := s.panels.UpdateIfStatus(ctx, &updated, models.StatusCreated); err != nil {
		return nil, fmt.Errorf("persist panel %d: %w", panelID, err)
	}

	logger.Info().Str("address", creds.Address).Msg("Panel configured")
	metrics.TransitionsTotal.WithLabelValues(models.EntityPanel, string(models.StatusConfigured)).Inc()
	s.logAction(ctx, panelID, "install", models.StatusConfigured, creds.Address)
	return &updated, nil
}

// MarkDeleted retires the panel of a deleted server and resolves its open
// error episode, if any
func (s *PanelService) MarkDeleted(ctx context.Context, serverID int64) error {
	if err := s.panels.MarkDeletedByServer(ctx, serverID, "server deleted", time.Now()); err != nil {
		return fmt.Errorf("mark panel of server %d deleted: %w", serverID, err)
	}
	return nil
}

func (s *PanelService) logAction(ctx context.Context, panelID int64, action string, status models.Status, message string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogAction(ctx, models.EntityPanel, panelID, action, string(status), message); err != nil {
		s.logger.Warn().Err(err).Int64("panel_id", panelID).Msg("Failed to write provision log")
	}
}
