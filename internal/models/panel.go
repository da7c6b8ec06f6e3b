package models

import "time"

// PanelKind identifies the proxy-panel software installed on a server
type PanelKind string

const (
	PanelMarzban PanelKind = "marzban"
)

// Panel is the proxy-panel service running on exactly one server
type Panel struct {
	ID       int64
	ServerID int64
	Kind     PanelKind
	Status   Status

	// Connection data
	Address       *string
	Login         *string
	Password      *string
	AuthToken     *string
	TokenDiedTime *time.Time

	UsersCount int

	// Set by the fault recorder, cleared by an operator
	ErrorMessage *string
	ErrorAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenValid reports whether the cached auth token can be used at now
func (p *Panel) TokenValid(now time.Time) bool {
	if p.AuthToken == nil || *p.AuthToken == "" || p.TokenDiedTime == nil {
		return false
	}
	return now.Before(*p.TokenDiedTime)
}

// HasCredentials reports whether the panel API can be logged into
func (p *Panel) HasCredentials() bool {
	return p.Address != nil && p.Login != nil && p.Password != nil
}

// Resolution types for panel error history
const (
	ResolutionAutomatic = "automatic"
	ResolutionManual    = "manual"
)

// PanelErrorHistory is one error episode of a panel (append-only)
type PanelErrorHistory struct {
	ID              int64
	PanelID         int64
	ErrorMessage    string
	ErrorOccurredAt time.Time
	ResolvedAt      *time.Time
	ResolutionType  *string
	ResolutionNote  *string
}

// Open reports whether the episode is still unresolved
func (h *PanelErrorHistory) Open() bool {
	return h.ResolvedAt == nil
}
