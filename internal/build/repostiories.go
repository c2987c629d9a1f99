package build

import (
	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/osinfo"
)

// OSCatalog is the read side of the operating system catalog.
type OSCatalog interface {
	Get(shortID string) (osinfo.OS, error)
	ListAll() []osinfo.OS
	FilterByArchitecture(value string) ([]osinfo.OS, error)
}

var _ OSCatalog = (*osinfo.Catalog)(nil)

// LookupOS returns the catalog entry for shortID after checking it installs
// on a.
func LookupOS(c OSCatalog, shortID string, a arch.Architecture) (osinfo.OS, error) {
	if shortID == "" {
		return osinfo.OS{}, faults.Validation("an operating system is required")
	}
	o, err := c.Get(shortID)
	if err != nil {
		return osinfo.OS{}, err
	}
	if a != "" && !o.Supports(a) {
		return osinfo.OS{}, faults.WithContext(faults.Validationf("%s is not available for %s", shortID, a), "arch", string(a))
	}
	return o, nil
}
