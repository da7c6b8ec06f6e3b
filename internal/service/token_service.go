package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// tokenExpiryMargin is subtracted from a JWT exp claim
const tokenExpiryMargin = 10 * time.Minute

// PanelAPI is the panel management API. Implemented by client.MarzbanClient.
type PanelAPI interface {
	Token(ctx context.Context, address, username, password string) (string, error)
	SystemStats(ctx context.Context, address, token string) (*client.SystemStats, error)
	AddUser(ctx context.Context, address, token string, req *client.CreatePanelUserRequest) (*client.PanelUser, error)
	GetUser(ctx context.Context, address, token, username string) (*client.PanelUser, error)
	RemoveUser(ctx context.Context, address, token, username string) error
}

// TokenService obtains and caches panel API bearer tokens
type TokenService struct {
	panels PanelStore
	api    PanelAPI
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	logger zerolog.Logger
}

func NewTokenService(panels PanelStore, api PanelAPI, ttl time.Duration) *TokenService {
	return &TokenService{
		panels: panels,
		api:    api,
		ttl:    ttl,
		now:    time.Now,
		logger: log.WithComponent("token"),
	}
}

type issuedToken struct {
	token  string
	diedAt time.Time
}

// EnsureToken returns the panel with a token that is valid now, fetching a
// new one only when the cached token is missing or expired. Concurrent
// refreshes of one panel share a single token request.
func (s *TokenService) EnsureToken(ctx context.Context, panel *models.Panel) (*models.Panel, error) {
	if panel.TokenValid(s.now()) {
		return panel, nil
	}
	if !panel.HasCredentials() {
		return nil, fmt.Errorf("panel %d has no credentials", panel.ID)
	}

	v, err, _ := s.group.Do(strconv.FormatInt(panel.ID, 10), func() (interface{}, error) {
		return s.refresh(ctx, panel.ID)
	})
	if err != nil {
		return nil, err
	}

	issued := v.(issuedToken)
	updated := *panel
	updated.AuthToken = &issued.token
	updated.TokenDiedTime = &issued.diedAt
	return &updated, nil
}

// refresh re-reads the panel so that a token stored by a call that finished
// just before this one is reused.
func (s *TokenService) refresh(ctx context.Context, panelID int64) (issuedToken, error) {
	current, err := s.panels.GetByID(ctx, panelID)
	if err != nil {
		return issuedToken{}, fmt.Errorf("get panel %d: %w", panelID, err)
	}
	now := s.now()
	if current.TokenValid(now) {
		return issuedToken{token: *current.AuthToken, diedAt: *current.TokenDiedTime}, nil
	}
	if !current.HasCredentials() {
		return issuedToken{}, fmt.Errorf("panel %d has no credentials", panelID)
	}

	token, err := s.api.Token(ctx, *current.Address, *current.Login, *current.Password)
	if err != nil {
		return issuedToken{}, fmt.Errorf("fetch token for panel %d: %w", panelID, err)
	}

	diedAt := tokenDeadline(token, now, s.ttl)
	if err := s.panels.UpdateToken(ctx, panelID, &token, &diedAt); err != nil {
		return issuedToken{}, fmt.Errorf("store token for panel %d: %w", panelID, err)
	}

	s.logger.Debug().Int64("panel_id", panelID).Time("token_died_time", diedAt).Msg("Panel token refreshed")
	return issuedToken{token: token, diedAt: diedAt}, nil
}

// Invalidate drops the cached token of a panel
func (s *TokenService) Invalidate(ctx context.Context, panelID int64) error {
	if err := s.panels.UpdateToken(ctx, panelID, nil, nil); err != nil {
		return fmt.Errorf("invalidate token of panel %d: %w", panelID, err)
	}
	return nil
}

// Call runs fn with a valid token. A 401 on a token that was considered
// valid means the cache is wrong: it is logged, the token is invalidated and
// the error is returned.
func (s *TokenService) Call(ctx context.Context, panel *models.Panel, fn func(address, token string) error) (*models.Panel, error) {
	panel, err := s.EnsureToken(ctx, panel)
	if err != nil {
		return nil, err
	}

	err = fn(*panel.Address, *panel.AuthToken)
	if errors.Is(err, client.ErrPanelUnauthorized) {
		s.logger.Error().
			Int64("panel_id", panel.ID).
			Time("token_died_time", *panel.TokenDiedTime).
			Msg("Panel rejected a cached token before its expiry")
		if invErr := s.Invalidate(ctx, panel.ID); invErr != nil {
			s.logger.Warn().Err(invErr).Int64("panel_id", panel.ID).Msg("Failed to invalidate token")
		}
	}
	return panel, err
}

// tokenDeadline is now+ttl, capped by the exp claim when the token is a JWT
func tokenDeadline(token string, now time.Time, ttl time.Duration) time.Time {
	deadline := now.Add(ttl)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return deadline
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return deadline
	}
	if capped := exp.Add(-tokenExpiryMargin); capped.After(now) && capped.Before(deadline) {
		return capped
	}
	return deadline
}
