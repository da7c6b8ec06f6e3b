package models

// ==================== Admin API DTOs ====================

// ConfigureServerRequest asks the orchestrator to provision a new edge node
type ConfigureServerRequest struct {
	LocationID string   `json:"location_id" binding:"required"`
	Provider   Provider `json:"provider" binding:"required"`
	IsFree     bool     `json:"is_free"`
}

// ServerResponse is the operator view of a server; secrets are omitted
type ServerResponse struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	ProviderID      *string `json:"provider_id,omitempty"`
	IP              *string `json:"ip,omitempty"`
	Host            *string `json:"host,omitempty"`
	DNSRecordID     *string `json:"dns_record_id,omitempty"`
	LocationID      string  `json:"location_id"`
	IsFree          bool    `json:"is_free"`
	Status          string  `json:"status"`
	PasswordPending bool    `json:"password_pending"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// DeleteServerResponse reports which remote resources could not be removed
type DeleteServerResponse struct {
	ServerID    int64  `json:"server_id"`
	Status      string `json:"status"`
	Partial     bool   `json:"partial"`
	ProviderErr string `json:"provider_error,omitempty"`
	DNSErr      string `json:"dns_error,omitempty"`
	PanelErr    string `json:"panel_error,omitempty"`
}

// PanelResponse is the operator view of a panel; secrets are omitted
type PanelResponse struct {
	ID           int64   `json:"id"`
	ServerID     int64   `json:"server_id"`
	Kind         string  `json:"panel"`
	Status       string  `json:"panel_status"`
	Address      *string `json:"panel_address,omitempty"`
	UsersCount   int     `json:"users_count"`
	TokenValid   bool    `json:"token_valid"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ErrorAt      *string `json:"error_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// PanelErrorHistoryResponse is one error episode
type PanelErrorHistoryResponse struct {
	ID              int64   `json:"id"`
	ErrorMessage    string  `json:"error_message"`
	ErrorOccurredAt string  `json:"error_occurred_at"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
	ResolutionType  *string `json:"resolution_type,omitempty"`
	ResolutionNote  *string `json:"resolution_note,omitempty"`
}

// ClearPanelErrorRequest is an operator action returning a panel to rotation
type ClearPanelErrorRequest struct {
	Note string `json:"note"`
}

// SelectPanelResponse previews which panel would receive the next user
type SelectPanelResponse struct {
	PanelID  int64   `json:"panel_id"`
	ServerID int64   `json:"server_id"`
	Strategy string  `json:"strategy"`
	Score    float64 `json:"score"`
}

// ReconcileResponse summarises one manual sweep
type ReconcileResponse struct {
	ServersChecked     int `json:"servers_checked"`
	ServersReady       int `json:"servers_ready"`
	PasswordsRetrieved int `json:"passwords_retrieved"`
	PanelsCreated      int `json:"panels_created"`
	PanelsInstalled    int `json:"panels_installed"`
	Skipped            int `json:"skipped"`
	Failures           int `json:"failures"`
}

// PingServerResponse is the health view of one server
type PingServerResponse struct {
	ServerID    int64 `json:"server_id"`
	Reachable   bool  `json:"reachable"`
	DNSResolves bool  `json:"dns_resolves"`
	DNSChecked  bool  `json:"dns_checked"`
}

// ProvisionLogResponse is one audit entry
type ProvisionLogResponse struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// LocationResponse is one logical location offered by a provider
type LocationResponse struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Region   string `json:"region"`
}

// ==================== Key-issuance API DTOs ====================

// IssueUserRequest asks for a user on the best available panel
type IssueUserRequest struct {
	Username string `json:"username" binding:"required"`
}

// PanelUserResponse carries the connection keys of one panel user
type PanelUserResponse struct {
	PanelID         int64    `json:"panel_id"`
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	SubscriptionURL string   `json:"subscription_url"`
	Links           []string `json:"links"`
}
