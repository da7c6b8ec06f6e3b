package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// Provider is the capability every cloud vendor adapter implements. The
// orchestrator depends only on this interface.
type Provider interface {
	Name() models.Provider

	// CreateServer returns the vendor-assigned server id. A *ProvisionError
	// means the vendor rejected the request; it must not be retried blindly
	// because a partial VM may already exist.
	CreateServer(ctx context.Context, req CreateServerRequest) (string, error)
	// GetServer returns the raw vendor status and addresses. ErrServerNotFound
	// when the vendor no longer knows the id.
	GetServer(ctx context.Context, providerID string) (*ServerInfo, error)
	// DeleteServer returns ErrServerNotFound for an already-deleted server.
	DeleteServer(ctx context.Context, providerID string) error
	// AddPublicIP attaches a new public address; may be billable.
	AddPublicIP(ctx context.Context, providerID string, kind IPKind) error
	// GetServerPassword returns the root password, via a side call when the
	// vendor does not embed it in the describe response.
	GetServerPassword(ctx context.Context, providerID string) (string, error)

	Presets(ctx context.Context, region RegionSpec) ([]Preset, error)
	Configurators(ctx context.Context, region RegionSpec) ([]Configurator, error)
	ResolveImage(ctx context.Context, osName string) (ImageRef, error)
}

// IPKind is the family of a public address
type IPKind string

const (
	IPv4 IPKind = "ipv4"
	IPv6 IPKind = "ipv6"
)

// ImageRef identifies an OS image at one vendor
type ImageRef struct {
	ID   string
	Name string
}

// RegionSpec is a vendor region and optional availability zone
type RegionSpec struct {
	Region string
	Zone   string
}

// SizeSpec is either a named preset or raw configurator parameters
type SizeSpec struct {
	PresetID       string
	ConfiguratorID string
	CPU            int
	RAMMB          int
	DiskGB         int
}

// IsPreset reports whether the size refers to a vendor preset
func (s SizeSpec) IsPreset() bool {
	return s.PresetID != ""
}

// CreateServerRequest holds the parameters of a create call
type CreateServerRequest struct {
	Name   string
	OS     ImageRef
	Size   SizeSpec
	Region RegionSpec
	// Extra holds vendor-specific fields passed through unchanged
	Extra map[string]any
}

// ServerInfo is the normalised describe response of a server
type ServerInfo struct {
	Status       string
	IPv4         []string
	IPv6         []string
	RootPassword string
	// TrafficUsedPercent is the share of the monthly traffic allowance used,
	// nil when the vendor does not report it
	TrafficUsedPercent *float64
}

// Preset is a vendor-defined sizing template
type Preset struct {
	ID       string
	Name     string
	Location string
	CPU      int
	RAMMB    int
	DiskGB   int
	DiskType string
	Price    float64
}

// Range is an inclusive parameter range with a step
type Range struct {
	Min  int
	Max  int
	Step int
}

// Fit returns the smallest value in the range that is >= want
func (r Range) Fit(want int) (int, bool) {
	v := r.Min
	if want > v {
		v = want
		if r.Step > 1 {
			if rem := (v - r.Min) % r.Step; rem != 0 {
				v += r.Step - rem
			}
		}
	}
	if r.Max > 0 && v > r.Max {
		return 0, false
	}
	return v, true
}

// Configurator is raw parametrised sizing offered by a vendor
type Configurator struct {
	ID       string
	Location string
	DiskType string
	CPU      Range
	RAMMB    Range
	DiskGB   Range
}

// ErrServerNotFound is returned when the vendor does not know a server id
var ErrServerNotFound = errors.New("server not found at provider")

// ProvisionError is returned when a vendor rejects a create request
// (invalid size or region, quota, balance).
type ProvisionError struct {
	Provider   models.Provider
	StatusCode int
	Message    string
	Err        error
}

func (e *ProvisionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s rejected create request (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s rejected create request: %s", e.Provider, e.Message)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
