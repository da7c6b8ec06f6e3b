package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// TrafficSource reports the vendor traffic share of a server.
// Implemented by ServerService.
type TrafficSource interface {
	TrafficUsedPercent(ctx context.Context, server *models.Server) (*float64, error)
}

// PanelLoadSource reads panel system stats through the token manager and
// traffic from the server's provider
type PanelLoadSource struct {
	servers ServerStore
	panels  PanelStore
	api     PanelAPI
	tokens  *TokenService
	traffic TrafficSource
	logger  zerolog.Logger
}

func NewPanelLoadSource(servers ServerStore, panels PanelStore, api PanelAPI, tokens *TokenService, traffic TrafficSource) *PanelLoadSource {
	return &PanelLoadSource{
		servers: servers,
		panels:  panels,
		api:     api,
		tokens:  tokens,
		traffic: traffic,
		logger:  log.WithComponent("load"),
	}
}

// Load returns whatever could be observed. A failed stats call leaves the
// panel metrics unknown; an error is returned only when nothing at all
// could be read.
func (l *PanelLoadSource) Load(ctx context.Context, panel *models.Panel) (*PanelLoad, error) {
	load := &PanelLoad{}
	var statsErr, trafficErr error

	var stats *client.SystemStats
	_, statsErr = l.tokens.Call(ctx, panel, func(address, token string) error {
		var err error
		stats, err = l.api.SystemStats(ctx, address, token)
		return err
	})
	if statsErr == nil && stats != nil {
		users := stats.TotalUser
		cpu := stats.CPUUsage
		mem := stats.MemoryPercent()
		load.Users = &users
		load.CPUPercent = &cpu
		load.MemoryPercent = &mem

		if users != panel.UsersCount {
			if err := l.panels.UpdateUsersCount(ctx, panel.ID, users); err != nil {
				l.logger.Warn().Err(err).Int64("panel_id", panel.ID).Msg("Failed to store users count")
			}
		}
	}

	server, err := l.servers.GetByID(ctx, panel.ServerID)
	if err != nil {
		trafficErr = fmt.Errorf("get server %d: %w", panel.ServerID, err)
	} else {
		load.TrafficPercent, trafficErr = l.traffic.TrafficUsedPercent(ctx, server)
	}

	if statsErr != nil && trafficErr != nil {
		return nil, fmt.Errorf("load of panel %d: stats: %v; traffic: %w", panel.ID, statsErr, trafficErr)
	}
	if statsErr != nil {
		l.logger.Debug().Err(statsErr).Int64("panel_id", panel.ID).Msg("Panel stats unavailable")
	}
	if trafficErr != nil {
		l.logger.Debug().Err(trafficErr).Int64("panel_id", panel.ID).Msg("Server traffic unavailable")
	}
	return load, nil
}
