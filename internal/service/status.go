package service

import (
	"strings"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// ProviderStatus is a vendor server status normalised for the orchestrator
type ProviderStatus string

const (
	ProviderPending ProviderStatus = "PENDING"
	ProviderReady   ProviderStatus = "READY"
	ProviderFailed  ProviderStatus = "FAILED"
	ProviderUnknown ProviderStatus = "UNKNOWN"
)

var providerStatuses = map[models.Provider]map[string]ProviderStatus{
	models.ProviderTimeweb: {
		"on":                ProviderReady,
		"installing":        ProviderPending,
		"software_install":  ProviderPending,
		"reinstalling":      ProviderPending,
		"turning_on":        ProviderPending,
		"configuring":       ProviderPending,
		"rebooting":         ProviderPending,
		"hard_rebooting":    ProviderPending,
		"cloning":           ProviderPending,
		"transfer":          ProviderPending,
		"off":               ProviderPending,
		"removing":          ProviderFailed,
		"removed":           ProviderFailed,
		"blocked":           ProviderFailed,
		"permanent_blocked": ProviderFailed,
		"no_paid":           ProviderFailed,
	},
	models.ProviderHetzner: {
		"running":      ProviderReady,
		"initializing": ProviderPending,
		"starting":     ProviderPending,
		"off":          ProviderPending,
		"rebuilding":   ProviderPending,
		"migrating":    ProviderPending,
		"stopping":     ProviderPending,
		"deleting":     ProviderFailed,
	},
}

// NormalizeStatus maps a raw vendor status to PENDING/READY/FAILED/UNKNOWN
func NormalizeStatus(provider models.Provider, raw string) ProviderStatus {
	table, ok := providerStatuses[provider]
	if !ok {
		return ProviderUnknown
	}
	if status, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return ProviderUnknown
}
