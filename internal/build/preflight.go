package build

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/osinfo"
	"github.com/cochaviz/kiln/internal/script"
)

// prepared is what pre-flight derives from a plan. Delegates consume it
// instead of re-deriving anything from the plan.
type prepared struct {
	Config    InstallConfig
	Type      InstallType
	ImageName string

	Script string
	Facts  script.Facts

	// TreeURL is set for tree installs.
	TreeURL string
	// ISOSource is the fetch source of the install ISO for ISO installs
	// that do not reuse a snapshot.
	ISOSource string
}

// familyDialect is the script dialect each Linux family generates.
var familyDialect = map[osinfo.Family]script.Dialect{
	osinfo.FamilyRedHat: script.DialectRPM,
	osinfo.FamilyDebian: script.DialectDebian,
}

// Preflight validates plan without contacting any backend. Every problem
// found is returned, joined, so one run reports all of them.
func Preflight(plan InstallPlan, defaults config.BuildConfig, now time.Time) error {
	_, err := preflight(plan, defaults, now)
	return err
}

func preflight(plan InstallPlan, defaults config.BuildConfig, now time.Time) (prepared, error) {
	var errs []error
	out := prepared{Config: withDefaults(plan.Config, defaults)}
	cfg := &out.Config

	if cfg.AdminPassword == "" {
		errs = append(errs, faults.Validation("an admin password is required"))
	}
	if !cfg.Arch.IsValid() {
		errs = append(errs, faults.Validationf("unsupported architecture %q", cfg.Arch))
	}
	if cfg.DiskSizeGB <= 0 {
		errs = append(errs, faults.Validationf("disk size must be positive, got %d GB", cfg.DiskSizeGB))
	}
	if _, err := ParseOutputMode(string(cfg.Output)); err != nil {
		errs = append(errs, err)
	}
	if err := plan.Media.Validate(); err != nil {
		errs = append(errs, err)
	}

	if plan.OS.ShortID == "" {
		errs = append(errs, faults.Validation("no operating system selected"))
		return out, errors.Join(errs...)
	}
	if cfg.Arch.IsValid() && !plan.OS.Supports(cfg.Arch) {
		errs = append(errs, faults.Validationf("%s is not available for %s", plan.OS.ShortID, cfg.Arch))
	}

	out.Type = plan.InstallType()
	switch out.Type {
	case InstallISO:
		if plan.Media.ISOSnapshot == "" {
			out.ISOSource = isoSource(plan, cfg.Arch)
			if out.ISOSource == "" {
				errs = append(errs, faults.Validationf("no install ISO known for %s on %s: pass one explicitly", plan.OS.ShortID, cfg.Arch))
			}
		}
	case InstallTree:
		if plan.Media.hasISO() {
			errs = append(errs, faults.Validation("install ISO options cannot be combined with a tree install"))
		}
	default:
		errs = append(errs, faults.Validationf("unknown install type %q", out.Type))
	}

	switch plan.OS.Family {
	case osinfo.FamilyRedHat, osinfo.FamilyDebian:
		errs = append(errs, prepareLinuxScript(plan, &out)...)
	case osinfo.FamilyWindows:
		if out.Type != InstallISO {
			errs = append(errs, faults.Validation("windows can only be installed from an ISO"))
		}
		errs = append(errs, prepareWindowsScript(plan, &out)...)
	default:
		errs = append(errs, faults.Validationf("no build delegate for family %q", plan.OS.Family))
	}

	if cfg.Name == "" {
		source := plan.ScriptName
		if source == "" {
			source = plan.OS.ShortID
		}
		cfg.Name = DefaultImageName(source, now)
	}
	out.ImageName = cfg.Name
	return out, errors.Join(errs...)
}

func withDefaults(cfg InstallConfig, defaults config.BuildConfig) InstallConfig {
	if cfg.Arch == "" {
		cfg.Arch = arch.X86_64
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = defaults.DiskSizeGB
	}
	if cfg.Flavor == "" {
		cfg.Flavor = defaults.Flavor
	}
	if cfg.Output == "" {
		cfg.Output = OutputImage
	}
	return cfg
}

func isoSource(plan InstallPlan, a arch.Architecture) string {
	switch {
	case plan.Media.ISOURL != "":
		return plan.Media.ISOURL
	case plan.Media.ISOFile != "":
		if abs, err := filepath.Abs(plan.Media.ISOFile); err == nil {
			return "file://" + abs
		}
		return "file://" + plan.Media.ISOFile
	default:
		return plan.OS.MediaURL(a)
	}
}

func prepareLinuxScript(plan InstallPlan, out *prepared) []error {
	var errs []error
	cfg := out.Config
	want := familyDialect[plan.OS.Family]

	if plan.Script == "" {
		tree := plan.Media.TreeURL
		if tree == "" {
			tree = plan.OS.TreeURL(cfg.Arch)
		}
		content, err := plan.OS.InstallScript(osinfo.ScriptConfig{
			AdminPassword: cfg.AdminPassword,
			Arch:          cfg.Arch,
			License:       cfg.License,
			TreeURL:       tree,
		})
		if err != nil {
			// A missing password is already reported.
			if cfg.AdminPassword != "" {
				errs = append(errs, err)
			}
			return errs
		}
		if plan.OS.Family == osinfo.FamilyRedHat {
			content = script.PoweroffInsteadOfReboot(content)
			if out.Type == InstallTree && tree != "" {
				content = script.ForTree(content, tree)
			}
		}
		out.Script = content
	} else {
		out.Script = script.SubstitutePassword(plan.Script, cfg.AdminPassword)
	}

	dialect := plan.Dialect
	if dialect == script.DialectNone {
		dialect = script.Detect(out.Script)
	}
	if dialect == script.DialectNone {
		errs = append(errs, faults.Validation("cannot tell the install script dialect: pass the distro explicitly"))
		return errs
	}
	if dialect != want {
		errs = append(errs, faults.Validationf("a %s script cannot install %s (%s family)", dialect, plan.OS.ShortID, plan.OS.Family))
	}

	out.Facts = script.Extract(out.Script, dialect)
	if err := out.Facts.Validate(); err != nil {
		errs = append(errs, err)
	}

	if out.Type == InstallTree {
		out.TreeURL = firstNonEmpty(plan.Media.TreeURL, out.Facts.InstallURL, plan.OS.TreeURL(cfg.Arch))
		if out.TreeURL == "" {
			errs = append(errs, faults.Validationf("no install tree for %s: pass a tree URL or name one in the script", plan.OS.ShortID))
		}
	} else if plan.Media.ISOSnapshot != "" {
		// The snapshot only serves as install media; the installer itself
		// still boots from the tree.
		out.TreeURL = firstNonEmpty(plan.Media.TreeURL, out.Facts.InstallURL, plan.OS.TreeURL(cfg.Arch))
		if out.TreeURL == "" {
			errs = append(errs, faults.Validation("an ISO snapshot install needs a tree URL to boot the installer from"))
		}
	}
	return errs
}

func prepareWindowsScript(plan InstallPlan, out *prepared) []error {
	cfg := out.Config
	if plan.Script != "" {
		out.Script = script.SubstitutePassword(plan.Script, cfg.AdminPassword)
		return nil
	}
	content, err := plan.OS.InstallScript(osinfo.ScriptConfig{
		AdminPassword: cfg.AdminPassword,
		Arch:          cfg.Arch,
		License:       cfg.License,
	})
	if err != nil {
		if cfg.AdminPassword != "" {
			return []error{err}
		}
		return nil
	}
	out.Script = content
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
