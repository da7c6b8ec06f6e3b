package service

import (
	"context"
	"time"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

// ServerStore persists servers. Implemented by repository.ServerRepository.
type ServerStore interface {
	Create(ctx context.Context, s *models.Server) error
	GetByID(ctx context.Context, id int64) (*models.Server, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Server, error)
	UpdateIfStatus(ctx context.Context, s *models.Server, expected models.Status) error
	CountByProviderStatus(ctx context.Context) ([]repository.ServerCount, error)
}

// PanelStore persists panels and their error history. Implemented by
// repository.PanelRepository.
type PanelStore interface {
	CreateForServer(ctx context.Context, serverID int64, kind models.PanelKind) (*models.Panel, bool, error)
	GetByID(ctx context.Context, id int64) (*models.Panel, error)
	GetByServerID(ctx context.Context, serverID int64) (*models.Panel, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Panel, error)
	UpdateIfStatus(ctx context.Context, p *models.Panel, expected models.Status) error
	UpdateToken(ctx context.Context, panelID int64, token *string, diedAt *time.Time) error
	UpdateUsersCount(ctx context.Context, panelID int64, count int) error
	AdjustUsersCount(ctx context.Context, panelID int64, delta int) error
	MarkDeletedByServer(ctx context.Context, serverID int64, note string, at time.Time) error
	RecordError(ctx context.Context, panelID int64, message string, at time.Time) (*models.Panel, bool, error)
	ClearError(ctx context.Context, panelID int64, target models.Status, resolutionType, note string, at time.Time) (*models.Panel, int64, error)
	History(ctx context.Context, panelID int64) ([]*models.PanelErrorHistory, error)
	CountByStatus(ctx context.Context) ([]repository.PanelCount, error)
}

// LocationStore resolves logical locations. Implemented by
// repository.LocationRepository.
type LocationStore interface {
	Get(ctx context.Context, code string, provider models.Provider) (*models.Location, error)
}

// AuditLog appends provision log entries. Implemented by
// repository.LogRepository.
type AuditLog interface {
	LogAction(ctx context.Context, entityType string, entityID int64, action, status, message string) error
	LogActionWithMetadata(ctx context.Context, entityType string, entityID int64, action, status, message string, metadata map[string]interface{}) error
}
