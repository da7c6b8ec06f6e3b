package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

// FaultService isolates failing panels from the assignment pool and keeps
// their error history
type FaultService struct {
	panels PanelStore
	audit  AuditLog
	locker repository.Locker
	now    func() time.Time
	logger zerolog.Logger
}

func NewFaultService(panels PanelStore, audit AuditLog, locker repository.Locker) *FaultService {
	return &FaultService{
		panels: panels,
		audit:  audit,
		locker: locker,
		now:    time.Now,
		logger: log.WithComponent("fault"),
	}
}

// RecordError moves the panel to ERROR. Repeated errors on an ERROR panel
// refresh the message without opening a second history row.
func (s *FaultService) RecordError(ctx context.Context, panelID int64, message string) (*models.Panel, error) {
	panel, opened, err := s.panels.RecordError(ctx, panelID, message, s.now())
	if err != nil {
		return nil, fmt.Errorf("record error for panel %d: %w", panelID, err)
	}

	s.logger.Error().
		Int64("panel_id", panelID).
		Bool("new_episode", opened).
		Str("error", message).
		Msg("Panel moved to ERROR")

	if opened {
		metrics.TransitionsTotal.WithLabelValues(models.EntityPanel, string(models.StatusError)).Inc()
		s.logAction(ctx, panelID, "error_recorded", models.StatusError, message)
	}
	return panel, nil
}

// ClearError closes the open error episode and returns the panel to
// rotation. ErrEntityBusy while another worker holds the panel.
func (s *FaultService) ClearError(ctx context.Context, panelID int64, note, resolutionType string) (*models.Panel, error) {
	if resolutionType != models.ResolutionManual && resolutionType != models.ResolutionAutomatic {
		return nil, fmt.Errorf("invalid resolution type %q", resolutionType)
	}

	release, err := acquireLease(ctx, s.locker, models.EntityPanel, panelID)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.panels.GetByID(ctx, panelID)
	if err != nil {
		return nil, fmt.Errorf("get panel %d: %w", panelID, err)
	}
	// Clearing is the only way back into the assignment pool. A panel with
	// credentials returns to CONFIGURED; one whose install never finished
	// returns to CREATED so the next tick installs it before it is offered.
	target := models.StatusConfigured
	if !current.HasCredentials() {
		target = models.StatusCreated
	}

	panel, closed, err := s.panels.ClearError(ctx, panelID, target, resolutionType, note, s.now())
	if err != nil {
		return nil, fmt.Errorf("clear error of panel %d: %w", panelID, err)
	}
	if closed != 1 {
		s.logger.Warn().Int64("panel_id", panelID).Int64("closed", closed).Msg("Unexpected number of open error episodes")
	}

	s.logger.Info().
		Int64("panel_id", panelID).
		Str("status", string(panel.Status)).
		Str("resolution", resolutionType).
		Msg("Panel error cleared")
	metrics.TransitionsTotal.WithLabelValues(models.EntityPanel, string(panel.Status)).Inc()
	s.logAction(ctx, panelID, "error_cleared", panel.Status, fmt.Sprintf("%s: %s", resolutionType, note))
	return panel, nil
}

// History lists error episodes of a panel, newest first
func (s *FaultService) History(ctx context.Context, panelID int64) ([]*models.PanelErrorHistory, error) {
	if _, err := s.panels.GetByID(ctx, panelID); err != nil {
		return nil, fmt.Errorf("get panel %d: %w", panelID, err)
	}
	return s.panels.History(ctx, panelID)
}

func (s *FaultService) logAction(ctx context.Context, panelID int64, action string, status models.Status, message string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogAction(ctx, models.EntityPanel, panelID, action, string(status), message); err != nil {
		s.logger.Warn().Err(err).Int64("panel_id", panelID).Msg("Failed to write provision log")
	}
}
