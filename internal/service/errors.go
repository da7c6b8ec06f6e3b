package service

import "errors"

// Precondition failures abort the current operation; where an entity was
// being advanced it is moved to ERROR.
var (
	ErrNoCapacityMatch            = errors.New("no preset or configurator satisfies the size floor")
	ErrNoIPv4Available            = errors.New("no public IPv4 available")
	ErrDNSRecordInvalid           = errors.New("dns record lacks id or name")
	ErrPanelNotInstalled          = errors.New("panel configuration file missing after bootstrap")
	ErrPanelCredentialsIncomplete = errors.New("panel configuration file lacks required keys")
	ErrNoHealthyPanel             = errors.New("no healthy panel available")
)

// ErrProvisioningFailed means the vendor reports the server itself failed
var ErrProvisioningFailed = errors.New("provider reports provisioning failed")

// ErrDNS wraps every rejection by the DNS provider
var ErrDNS = errors.New("dns provider error")

// ErrProviderNotConfigured is returned for a provider without credentials
var ErrProviderNotConfigured = errors.New("provider not configured")

// ErrLocationUnavailable is returned for a location switched off in the catalog
var ErrLocationUnavailable = errors.New("location not available")

// ErrUnknownStrategy is returned for a selection strategy name that is not supported
var ErrUnknownStrategy = errors.New("unknown selection strategy")

// ErrEntityBusy is returned when another worker holds the entity's lease
var ErrEntityBusy = errors.New("entity is being processed, retry later")
