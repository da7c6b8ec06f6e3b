package models

import "time"

// Location maps a logical location (e.g. "NL") to a vendor region/zone
type Location struct {
	Code      string
	Name      string
	Provider  Provider
	Region    string
	Zone      string
	Available bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProvisionLog represents an operation log entry
type ProvisionLog struct {
	ID         string
	EntityType string // "server" or "panel"
	EntityID   int64
	Action     string
	Status     string
	Message    string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// Entity types for provision logs
const (
	EntityServer = "server"
	EntityPanel  = "panel"
)
