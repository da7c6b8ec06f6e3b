package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/service"
)

// ServerReader is the read side of the server table
type ServerReader interface {
	GetByID(ctx context.Context, id int64) (*models.Server, error)
	List(ctx context.Context, limit, offset int) ([]*models.Server, error)
}

// PanelReader is the read side of the panel table
type PanelReader interface {
	GetByID(ctx context.Context, id int64) (*models.Panel, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Panel, error)
}

// LocationLister lists locations offered to operators
type LocationLister interface {
	GetAvailable(ctx context.Context) ([]*models.Location, error)
}

// LogReader reads the audit trail of one entity
type LogReader interface {
	GetByEntity(ctx context.Context, entityType string, entityID int64, limit int) ([]*models.ProvisionLog, error)
}

// ServerOrchestrator drives server lifecycle operations
type ServerOrchestrator interface {
	Configure(ctx context.Context, req service.ConfigureRequest) (*models.Server, error)
	Delete(ctx context.Context, serverID int64) (*service.DeleteResult, error)
	Ping(ctx context.Context, server *models.Server) (bool, error)
}

// FaultManager exposes panel error episodes
type FaultManager interface {
	ClearError(ctx context.Context, panelID int64, note, resolutionType string) (*models.Panel, error)
	History(ctx context.Context, panelID int64) ([]*models.PanelErrorHistory, error)
}

// PanelPicker previews panel selection
type PanelPicker interface {
	SelectWith(ctx context.Context, strategy string) (*service.Selection, error)
}

// Sweeper runs one reconciliation pass on demand
type Sweeper interface {
	RunOnce(ctx context.Context) (*models.ReconcileResponse, error)
}

// PanelUserManager manages end-user accounts on a panel
type PanelUserManager interface {
	AddUser(ctx context.Context, panelID int64, username string) (*client.PanelUser, error)
	RemoveUser(ctx context.Context, panelID int64, username string) error
	GetUserLinks(ctx context.Context, panelID int64, username string) (*client.PanelUser, error)
}

// DNSChecker verifies that a host resolves to an address
type DNSChecker interface {
	Resolves(ctx context.Context, host, ip string) (bool, error)
}

type Handler struct {
	servers      ServerReader
	panels       PanelReader
	locations    LocationLister
	logs         LogReader
	orchestrator ServerOrchestrator
	faults       FaultManager
	selector     PanelPicker
	sweeper      Sweeper
	users        PanelUserManager
	dns          DNSChecker
	logger       zerolog.Logger
}

func NewHandler(
	servers ServerReader,
	panels PanelReader,
	locations LocationLister,
	logs LogReader,
	orchestrator ServerOrchestrator,
	faults FaultManager,
	selector PanelPicker,
	sweeper Sweeper,
	users PanelUserManager,
	dns DNSChecker,
) *Handler {
	return &Handler{
		servers:      servers,
		panels:       panels,
		locations:    locations,
		logs:         logs,
		orchestrator: orchestrator,
		faults:       faults,
		selector:     selector,
		sweeper:      sweeper,
		users:        users,
		dns:          dns,
		logger:       log.WithComponent("http"),
	}
}

// ==================== Locations ====================

// ListLocations returns every available location
func (h *Handler) ListLocations(c *gin.Context) {
	locations, err := h.locations.GetAvailable(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]models.LocationResponse, 0, len(locations))
	for _, loc := range locations {
		resp = append(resp, models.LocationResponse{
			Code:     loc.Code,
			Name:     loc.Name,
			Provider: string(loc.Provider),
			Region:   loc.Region,
		})
	}
	c.JSON(http.StatusOK, gin.H{"locations": resp})
}

// ==================== Servers ====================

// ListServers returns non-deleted servers, newest first
func (h *Handler) ListServers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	servers, err := h.servers.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]models.ServerResponse, 0, len(servers))
	for _, s := range servers {
		resp = append(resp, toServerResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"servers": resp, "limit": limit, "offset": offset})
}

// GetServer returns one server
func (h *Handler) GetServer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	server, err := h.servers.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toServerResponse(server))
}

// CreateServer orders a new edge node. The reconciler finishes it.
func (h *Handler) CreateServer(c *gin.Context) {
	var req models.ConfigureServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider"})
		return
	}

	server, err := h.orchestrator.Configure(c.Request.Context(), service.ConfigureRequest{
		LocationID: req.LocationID,
		Provider:   req.Provider,
		IsFree:     req.IsFree,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toServerResponse(server))
}

// DeleteServer tears a server down. Remote failures are reported, the
// row is marked DELETED regardless.
func (h *Handler) DeleteServer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.Delete(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := models.DeleteServerResponse{
		ServerID: result.ServerID,
		Status:   string(models.StatusDeleted),
		Partial:  result.Partial(),
	}
	if result.ProviderErr != nil {
		resp.ProviderErr = result.ProviderErr.Error()
	}
	if result.DNSErr != nil {
		resp.DNSErr = result.DNSErr.Error()
	}
	if result.PanelErr != nil {
		resp.PanelErr = result.PanelErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// PingServer reports provider reachability and, for configured servers,
// whether the host name resolves to the recorded address.
func (h *Handler) PingServer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	server, err := h.servers.GetByID(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	reachable, err := h.orchestrator.Ping(ctx, server)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := models.PingServerResponse{ServerID: server.ID, Reachable: reachable}
	if h.dns != nil && server.Host != nil && server.IP != nil {
		resolves, err := h.dns.Resolves(ctx, *server.Host, *server.IP)
		if err != nil {
			h.logger.Warn().Err(err).Int64("server_id", server.ID).Msg("dns check failed")
		} else {
			resp.DNSChecked = true
			resp.DNSResolves = resolves
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetServerLogs returns the audit trail of a server
func (h *Handler) GetServerLogs(c *gin.Context) {
	h.entityLogs(c, models.EntityServer)
}

// ==================== Panels ====================

// ListPanels returns panels, optionally filtered by ?status=
func (h *Handler) ListPanels(c *gin.Context) {
	statuses := []models.Status{models.StatusCreated, models.StatusConfigured, models.StatusError}
	if raw := c.Query("status"); raw != "" {
		statuses = []models.Status{models.Status(raw)}
	}

	panels, err := h.panels.ListByStatus(c.Request.Context(), statuses...)
	if err != nil {
		h.fail(c, err)
		return
	}

	now := time.Now()
	resp := make([]models.PanelResponse, 0, len(panels))
	for _, p := range panels {
		resp = append(resp, toPanelResponse(p, now))
	}
	c.JSON(http.StatusOK, gin.H{"panels": resp})
}

// GetPanel returns one panel
func (h *Handler) GetPanel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	panel, err := h.panels.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPanelResponse(panel, time.Now()))
}

// GetPanelHistory returns the error episodes of a panel, newest first
func (h *Handler) GetPanelHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	episodes, err := h.faults.History(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]models.PanelErrorHistoryResponse, 0, len(episodes))
	for _, e := range episodes {
		item := models.PanelErrorHistoryResponse{
			ID:              e.ID,
			ErrorMessage:    e.ErrorMessage,
			ErrorOccurredAt: e.ErrorOccurredAt.Format(time.RFC3339),
			ResolutionType:  e.ResolutionType,
			ResolutionNote:  e.ResolutionNote,
		}
		if e.ResolvedAt != nil {
			item.ResolvedAt = formatTime(*e.ResolvedAt)
		}
		resp = append(resp, item)
	}
	c.JSON(http.StatusOK, gin.H{"history": resp})
}

// ClearPanelError closes the open error episode and returns the panel to
// rotation.
func (h *Handler) ClearPanelError(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req models.ClearPanelErrorRequest
	// body is optional
	_ = c.ShouldBindJSON(&req)

	panel, err := h.faults.ClearError(c.Request.Context(), id, req.Note, models.ResolutionManual)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPanelResponse(panel, time.Now()))
}

// GetPanelLogs returns the audit trail of a panel
func (h *Handler) GetPanelLogs(c *gin.Context) {
	h.entityLogs(c, models.EntityPanel)
}

// SelectPanel previews which panel would take the next user
func (h *Handler) SelectPanel(c *gin.Context) {
	sel, err := h.selector.SelectWith(c.Request.Context(), c.Query("strategy"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SelectPanelResponse{
		PanelID:  sel.Panel.ID,
		ServerID: sel.Panel.ServerID,
		Strategy: sel.Strategy,
		Score:    sel.Score,
	})
}

// ==================== Reconcile ====================

// Reconcile runs one sweep synchronously
func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		// partial sweeps still report their counters
		h.logger.Error().Err(err).Msg("manual reconcile finished with errors")
		if res != nil {
			c.JSON(http.StatusOK, gin.H{"result": res, "error": err.Error()})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// ==================== Key issuance ====================

// IssueUser creates a user on the panel the selector picks
func (h *Handler) IssueUser(c *gin.Context) {
	var req models.IssueUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	sel, err := h.selector.SelectWith(ctx, "")
	if err != nil {
		h.fail(c, err)
		return
	}

	user, err := h.users.AddUser(ctx, sel.Panel.ID, req.Username)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPanelUserResponse(sel.Panel.ID, user))
}

// GetUserLinks returns the connection keys of a user
func (h *Handler) GetUserLinks(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	user, err := h.users.GetUserLinks(c.Request.Context(), id, c.Param("username"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toPanelUserResponse(id, user))
}

// RemoveUser deletes a user from its panel; unknown users are not an error
func (h *Handler) RemoveUser(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.users.RemoveUser(c.Request.Context(), id, c.Param("username")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user removed"})
}

// ==================== Helpers ====================

func (h *Handler) entityLogs(c *gin.Context, entityType string) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.logs.GetByEntity(c.Request.Context(), entityType, id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]models.ProvisionLogResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, models.ProvisionLogResponse{
			ID:        e.ID,
			Action:    e.Action,
			Status:    e.Status,
			Message:   e.Message,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": resp})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func errorStatus(err error) int {
	var provErr *client.ProvisionError
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, client.ErrPanelUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidState),
		errors.Is(err, service.ErrPanelNotReady),
		errors.Is(err, service.ErrEntityBusy),
		errors.Is(err, client.ErrPanelUserExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrProviderNotConfigured),
		errors.Is(err, service.ErrLocationUnavailable),
		errors.Is(err, service.ErrNoCapacityMatch),
		errors.Is(err, service.ErrUnknownStrategy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoHealthyPanel):
		return http.StatusServiceUnavailable
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func toServerResponse(s *models.Server) models.ServerResponse {
	return models.ServerResponse{
		ID:              s.ID,
		Name:            s.Name,
		Provider:        string(s.Provider),
		ProviderID:      s.ProviderID,
		IP:              s.IP,
		Host:            s.Host,
		DNSRecordID:     s.DNSRecordID,
		LocationID:      s.LocationID,
		IsFree:          s.IsFree,
		Status:          string(s.Status),
		PasswordPending: s.HasPendingPassword(),
		ErrorMessage:    s.ErrorMessage,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339),
	}
}

func toPanelResponse(p *models.Panel, now time.Time) models.PanelResponse {
	resp := models.PanelResponse{
		ID:           p.ID,
		ServerID:     p.ServerID,
		Kind:         string(p.Kind),
		Status:       string(p.Status),
		Address:      p.Address,
		UsersCount:   p.UsersCount,
		TokenValid:   p.TokenValid(now),
		ErrorMessage: p.ErrorMessage,
		CreatedAt:    p.CreatedAt.Format(time.RFC3339),
	}
	if p.ErrorAt != nil {
		resp.ErrorAt = formatTime(*p.ErrorAt)
	}
	return resp
}

func toPanelUserResponse(panelID int64, u *client.PanelUser) models.PanelUserResponse {
	links := u.Links
	if links == nil {
		links = []string{}
	}
	return models.PanelUserResponse{
		PanelID:         panelID,
		Username:        u.Username,
		Status:          u.Status,
		SubscriptionURL: u.SubscriptionURL,
		Links:           links,
	}
}

func formatTime(t time.Time) *string {
	s := t.Format(time.RFC3339)
	return &s
}
