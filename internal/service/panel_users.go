package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// defaultUserProxies enables VLESS on every new panel user
var defaultUserProxies = map[string]map[string]any{
	"vless": {},
}

// ErrPanelNotReady is returned for panels outside CONFIGURED
var ErrPanelNotReady = errors.New("panel is not configured")

// PanelUsers issues and revokes VPN users on panels. Every call goes through
// the token manager. Transport errors, 5xx and auth failures are handed to the
// fault recorder; 4xx answers are returned to the caller only.
type PanelUsers struct {
	panels PanelStore
	api    PanelAPI
	tokens *TokenService
	faults *FaultService
	logger zerolog.Logger
}

func NewPanelUsers(panels PanelStore, api PanelAPI, tokens *TokenService, faults *FaultService) *PanelUsers {
	return &PanelUsers{
		panels: panels,
		api:    api,
		tokens: tokens,
		faults: faults,
		logger: log.WithComponent("panel-users"),
	}
}

// AddUser creates username on the panel and returns its subscription data
func (s *PanelUsers) AddUser(ctx context.Context, panelID int64, username string) (*client.PanelUser, error) {
	panel, err := s.configuredPanel(ctx, panelID)
	if err != nil {
		return nil, err
	}

	var user *client.PanelUser
	_, err = s.tokens.Call(ctx, panel, func(address, token string) error {
		var callErr error
		user, callErr = s.api.AddUser(ctx, address, token, &client.CreatePanelUserRequest{
			Username: username,
			Proxies:  defaultUserProxies,
			Status:   "active",
		})
		return callErr
	})
	if err != nil {
		return nil, s.fail(ctx, panelID, "add user", err)
	}

	if err := s.panels.AdjustUsersCount(ctx, panelID, 1); err != nil {
		s.logger.Warn().Err(err).Int64("panel_id", panelID).Msg("Failed to adjust users count")
	}
	s.logger.Info().Int64("panel_id", panelID).Str("username", username).Msg("Panel user created")
	return user, nil
}

// RemoveUser deletes username from the panel. A user already gone is not
// an error.
func (s *PanelUsers) RemoveUser(ctx context.Context, panelID int64, username string) error {
	panel, err := s.configuredPanel(ctx, panelID)
	if err != nil {
		return err
	}

	_, err = s.tokens.Call(ctx, panel, func(address, token string) error {
		return s.api.RemoveUser(ctx, address, token, username)
	})
	if errors.Is(err, client.ErrPanelUserNotFound) {
		return nil
	}
	if err != nil {
		return s.fail(ctx, panelID, "remove user", err)
	}

	if err := s.panels.AdjustUsersCount(ctx, panelID, -1); err != nil {
		s.logger.Warn().Err(err).Int64("panel_id", panelID).Msg("Failed to adjust users count")
	}
	s.logger.Info().Int64("panel_id", panelID).Str("username", username).Msg("Panel user removed")
	return nil
}

// GetUserLinks returns the subscription URL and connection links of username
func (s *PanelUsers) GetUserLinks(ctx context.Context, panelID int64, username string) (*client.PanelUser, error) {
	panel, err := s.configuredPanel(ctx, panelID)
	if err != nil {
		return nil, err
	}

	var user *client.PanelUser
	_, err = s.tokens.Call(ctx, panel, func(address, token string) error {
		var callErr error
		user, callErr = s.api.GetUser(ctx, address, token, username)
		return callErr
	})
	if errors.Is(err, client.ErrPanelUserNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, s.fail(ctx, panelID, "get user", err)
	}
	return user, nil
}

func (s *PanelUsers) configuredPanel(ctx context.Context, panelID int64) (*models.Panel, error) {
	panel, err := s.panels.GetByID(ctx, panelID)
	if err != nil {
		return nil, fmt.Errorf("get panel %d: %w", panelID, err)
	}
	if panel.Status != models.StatusConfigured {
		return nil, fmt.Errorf("%w: panel %d is %s", ErrPanelNotReady, panelID, panel.Status)
	}
	return panel, nil
}

// fail records a panel fault unless the panel merely refused the caller's
// input (duplicate or unknown username, validation)
func (s *PanelUsers) fail(ctx context.Context, panelID int64, op string, cause error) error {
	err := fmt.Errorf("%s on panel %d: %w", op, panelID, cause)
	if client.IsPanelClientError(cause) {
		s.logger.Warn().Err(err).Int64("panel_id", panelID).Msg("Panel refused request")
		return err
	}
	if _, recErr := s.faults.RecordError(ctx, panelID, err.Error()); recErr != nil {
		s.logger.Error().Err(recErr).Int64("panel_id", panelID).Msg("Failed to record panel error")
	}
	return err
}
