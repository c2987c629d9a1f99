package build

import (
	"fmt"
	"time"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/osinfo"
	"github.com/cochaviz/kiln/internal/script"
)

// InstallType says where the installer comes from.
type InstallType string

const (
	InstallISO  InstallType = "iso"
	InstallTree InstallType = "tree"
)

// OutputMode selects the kind of artifact a build produces.
type OutputMode string

const (
	// OutputImage snapshots the running instance into the image store.
	OutputImage OutputMode = "image"
	// OutputVolume snapshots the instance's root volume after termination.
	OutputVolume OutputMode = "volume"
)

// ParseOutputMode accepts "image", "volume" or "" (image).
func ParseOutputMode(value string) (OutputMode, error) {
	switch OutputMode(value) {
	case "", OutputImage:
		return OutputImage, nil
	case OutputVolume:
		return OutputVolume, nil
	default:
		return "", faults.Validationf("unknown output mode %q (want image or volume)", value)
	}
}

// Status is the overall state of a build.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
	StatusUnresolved Status = "UNRESOLVED"
)

// Phase names a step of the build state machine.
type Phase string

const (
	PhaseSelectDelegate Phase = "SELECT_DELEGATE"
	PhasePrepare        Phase = "PREPARE"
	PhaseStart          Phase = "START"
	PhaseMonitor        Phase = "MONITOR"
	PhaseSnapshot       Phase = "SNAPSHOT"
	PhaseCleanup        Phase = "CLEANUP"
)

// InstallConfig carries the per-build settings.
type InstallConfig struct {
	AdminPassword string
	Arch          arch.Architecture
	DiskSizeGB    int
	Flavor        string
	Name          string
	Output        OutputMode
	License       string
}

// Media are the install-source overrides given on the command line. At
// most one of the ISO fields may be set.
type Media struct {
	ISOURL      string
	ISOFile     string
	ISOSnapshot string
	TreeURL     string
}

func (m Media) hasISO() bool {
	return m.ISOURL != "" || m.ISOFile != "" || m.ISOSnapshot != ""
}

// Validate rejects conflicting install media options.
func (m Media) Validate() error {
	n := 0
	for _, v := range []string{m.ISOURL, m.ISOFile, m.ISOSnapshot} {
		if v != "" {
			n++
		}
	}
	if n > 1 {
		return faults.Validation("only one of install ISO URL, install ISO file and install ISO snapshot may be given")
	}
	return nil
}

// InstallPlan is everything a build needs to know up front. It is passed by
// value and never modified once the build starts.
type InstallPlan struct {
	OS     osinfo.OS
	Media  Media
	Type   InstallType
	Config InstallConfig

	// Script replaces the catalog-generated install script.
	Script string
	// ScriptName is the base name of the file Script was read from.
	ScriptName string
	// Dialect overrides detection of Script's dialect.
	Dialect script.Dialect

	// LeaveMess skips every cleanup step so a build can be inspected.
	LeaveMess bool
}

// InstallType returns the plan's install type, deriving it from the media
// when Type is unset.
func (p InstallPlan) InstallType() InstallType {
	switch {
	case p.Type != "":
		return p.Type
	case p.Media.hasISO(), p.OS.Family == osinfo.FamilyWindows:
		return InstallISO
	case p.Media.TreeURL != "":
		return InstallTree
	case p.OS.TreeKernel == "" && len(p.OS.Media) > 0:
		return InstallISO
	default:
		return InstallTree
	}
}

// ResourceKind classifies transient resources created by a build.
type ResourceKind string

const (
	ResourceImage     ResourceKind = "image"
	ResourceVolume    ResourceKind = "volume"
	ResourceLocalFile ResourceKind = "file"
)

// Resource is a transient resource that CLEANUP removes.
type Resource struct {
	Kind ResourceKind
	ID   string
	// Note is shown when the resource is left behind.
	Note string
}

func (r Resource) String() string {
	if r.Note != "" {
		return fmt.Sprintf("%s %s (%s)", r.Kind, r.ID, r.Note)
	}
	return fmt.Sprintf("%s %s", r.Kind, r.ID)
}

// Result reports the outcome of a build.
type Result struct {
	BuildID   string
	Status    Status
	ImageName string
	// ImageID is the finished image in image mode, or the volume snapshot
	// in volume mode.
	ImageID    string
	InstanceID string
	// CleanupWarnings joins every cleanup step that failed. It never turns
	// a successful build into a failed one.
	CleanupWarnings error
}

// imageNameDate is the RFC 1123 form with a numeric zone, always UTC.
const imageNameDate = "Mon, 02 Jan 2006 15:04:05 +0000"

// DefaultImageName names an image after the script (or OS) and build time.
func DefaultImageName(source string, at time.Time) string {
	return fmt.Sprintf("Image from ks file: %s - Date: %s", source, at.UTC().Format(imageNameDate))
}
