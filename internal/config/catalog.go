package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// LocationCatalog is the YAML document seeded into the locations table
type LocationCatalog struct {
	Locations []models.Location `yaml:"locations"`
}

// LoadLocationCatalog reads and validates a location catalog file
func LoadLocationCatalog(path string) (*LocationCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseLocationCatalog(data)
}

type catalogEntry struct {
	Code      string          `yaml:"code"`
	Name      string          `yaml:"name"`
	Provider  models.Provider `yaml:"provider"`
	Region    string          `yaml:"region"`
	Zone      string          `yaml:"zone"`
	Available *bool           `yaml:"available"`
}

// ParseLocationCatalog decodes a catalog; entries without an explicit
// "available" key default to available.
func ParseLocationCatalog(data []byte) (*LocationCatalog, error) {
	var raw struct {
		Locations []catalogEntry `yaml:"locations"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	catalog := &LocationCatalog{}
	seen := make(map[string]bool)
	for i, entry := range raw.Locations {
		if entry.Code == "" || entry.Region == "" {
			return nil, fmt.Errorf("location #%d: code and region are required", i)
		}
		if !entry.Provider.Valid() {
			return nil, fmt.Errorf("location %s: unsupported provider %q", entry.Code, entry.Provider)
		}
		key := entry.Code + "/" + string(entry.Provider)
		if seen[key] {
			return nil, fmt.Errorf("location %s: duplicate entry for provider %s", entry.Code, entry.Provider)
		}
		seen[key] = true

		catalog.Locations = append(catalog.Locations, models.Location{
			Code:      entry.Code,
			Name:      entry.Name,
			Provider:  entry.Provider,
			Region:    entry.Region,
			Zone:      entry.Zone,
			Available: entry.Available == nil || *entry.Available,
		})
	}
	return catalog, nil
}
