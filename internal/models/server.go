package models

import (
	"strings"
	"time"
)

// Provider identifies a cloud vendor
type Provider string

const (
	ProviderHetzner Provider = "hetzner"
	ProviderTimeweb Provider = "timeweb"
)

// Valid reports whether p is a supported vendor
func (p Provider) Valid() bool {
	switch p {
	case ProviderHetzner, ProviderTimeweb:
		return true
	}
	return false
}

// Lifecycle status shared by servers and panels
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusConfigured Status = "CONFIGURED"
	StatusError      Status = "ERROR"
	StatusDeleted    Status = "DELETED"
)

// DefaultServerLogin is the administrative user on every edge node
const DefaultServerLogin = "root"

// PendingPasswordPrefix marks a provisional password stored while the real
// root password could not be retrieved from the provider.
const PendingPasswordPrefix = "pending:"

// Server represents one rented virtual machine (edge node)
type Server struct {
	ID         int64
	Name       string
	Provider   Provider
	ProviderID *string

	// Network
	IP          *string
	Host        *string
	DNSRecordID *string

	// Credentials
	Login    string
	Password *string

	// Placement
	LocationID string
	IsFree     bool

	Status       Status
	ErrorMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPendingPassword reports whether the stored password is a placeholder
func (s *Server) HasPendingPassword() bool {
	return s.Password == nil || strings.HasPrefix(*s.Password, PendingPasswordPrefix)
}

// IsTerminal reports whether the reconciliation tick should leave the server alone
func (s *Server) IsTerminal() bool {
	return s.Status == StatusDeleted || s.Status == StatusError
}
