// Package osinfo is kiln's catalog of installable operating systems. The
// catalog ships embedded in the binary and carries, per OS, where to find
// install media and how to generate an unattended install script.
package osinfo

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/faults"
)

// Family groups operating systems that install the same way.
type Family string

const (
	FamilyRedHat  Family = "redhat"
	FamilyDebian  Family = "debian"
	FamilyWindows Family = "windows"
)

// OS describes one installable operating system.
type OS struct {
	ShortID  string `yaml:"short_id"`
	Name     string `yaml:"name"`
	Distro   string `yaml:"distro"`
	Version  string `yaml:"version"`
	Codename string `yaml:"codename,omitempty"`
	Family   Family `yaml:"family"`
	// Generation is the Windows media layout, v5 or v6.
	Generation string `yaml:"generation,omitempty"`

	Arches []arch.Architecture          `yaml:"arches"`
	Trees  map[arch.Architecture]string `yaml:"trees,omitempty"`
	Media  map[arch.Architecture]string `yaml:"media,omitempty"`

	TreeKernel string `yaml:"tree_kernel,omitempty"`
	TreeInitrd string `yaml:"tree_initrd,omitempty"`
	ISOKernel  string `yaml:"iso_kernel,omitempty"`
	ISOInitrd  string `yaml:"iso_initrd,omitempty"`

	DriverISO string `yaml:"driver_iso,omitempty"`
	Script    string `yaml:"script"`
}

// Supports reports whether the OS can be installed on a.
func (o OS) Supports(a arch.Architecture) bool {
	return slices.Contains(o.Arches, a)
}

// CacheName is the cache namespace for o on a, e.g. "fedora38-x86_64".
func (o OS) CacheName(a arch.Architecture) string {
	return o.ShortID + "-" + string(a)
}

// TreeURL returns the network install tree for a, or "".
func (o OS) TreeURL(a arch.Architecture) string { return o.Trees[a] }

// MediaURL returns the install ISO for a, or "".
func (o OS) MediaURL(a arch.Architecture) string { return o.Media[a] }

// TreeBootFiles returns the kernel and initrd URLs inside tree.
func (o OS) TreeBootFiles(tree string, a arch.Architecture) (kernel, initrd string, err error) {
	if o.TreeKernel == "" || o.TreeInitrd == "" {
		return "", "", faults.Validationf("%s cannot be installed from a network tree", o.ShortID)
	}
	if tree == "" {
		return "", "", faults.Validationf("no install tree for %s on %s", o.ShortID, a)
	}
	r := strings.NewReplacer("{arch}", a.Debian(), "{distro}", o.Distro)
	base := strings.TrimSuffix(tree, "/") + "/"
	return base + r.Replace(o.TreeKernel), base + r.Replace(o.TreeInitrd), nil
}

// ISOContent maps cache object names to the boot files inside the install
// ISO. It is empty for media that cannot be direct-booted.
func (o OS) ISOContent() map[string]string {
	if o.ISOKernel == "" || o.ISOInitrd == "" {
		return nil
	}
	return map[string]string{
		"install-iso-kernel": o.ISOKernel,
		"install-iso-initrd": o.ISOInitrd,
	}
}

// ScriptConfig is the input to install-script generation.
type ScriptConfig struct {
	AdminPassword string
	Arch          arch.Architecture
	License       string
	TreeURL       string
	Hostname      string
	Language      string
	Timezone      string
}

type scriptData struct {
	ScriptConfig
	Name        string
	Distro      string
	Version     string
	Codename    string
	DebianArch  string
	WindowsArch string
	MirrorHost  string
	MirrorDir   string
}

var scriptFuncs = template.FuncMap{
	"xml":           xmlText,
	"windowsLocale": func(lang string) string { return strings.ReplaceAll(lang, "_", "-") },
}

func xmlText(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// InstallScript renders the catalog's unattended install script for o.
func (o OS) InstallScript(cfg ScriptConfig) (string, error) {
	if cfg.AdminPassword == "" {
		return "", faults.Validation("an admin password is required to generate an install script")
	}
	if cfg.Arch == "" {
		cfg.Arch = arch.X86_64
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "kiln"
	}
	if cfg.Language == "" {
		cfg.Language = "en_US"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.TreeURL == "" {
		cfg.TreeURL = o.TreeURL(cfg.Arch)
	}

	text, err := scriptAsset(o.Script)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(o.Script).Funcs(scriptFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", o.Script, err)
	}

	data := scriptData{
		ScriptConfig: cfg,
		Name:         o.Name,
		Distro:       o.Distro,
		Version:      o.Version,
		Codename:     o.Codename,
		DebianArch:   cfg.Arch.Debian(),
		WindowsArch:  cfg.Arch.Windows(),
	}
	data.MirrorHost, data.MirrorDir = mirrorOf(cfg.TreeURL)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s for %s: %w", o.Script, o.ShortID, err)
	}
	return buf.String(), nil
}

// mirrorOf splits a Debian tree URL such as
// https://deb.debian.org/debian/dists/bookworm/ into host and archive
// directory.
func mirrorOf(tree string) (host, dir string) {
	u, err := url.Parse(tree)
	if err != nil || u.Host == "" {
		return "", ""
	}
	dir = u.Path
	if i := strings.Index(dir, "/dists/"); i >= 0 {
		dir = dir[:i]
	}
	return u.Host, strings.TrimSuffix(dir, "/")
}

type catalogDocument struct {
	Systems []OS `yaml:"systems"`
}

// Catalog is a read-only set of operating systems.
type Catalog struct {
	byID  map[string]OS
	order []string
}

// NewEmbeddedCatalog returns the catalog compiled into the binary.
func NewEmbeddedCatalog() (*Catalog, error) {
	return Parse(strings.NewReader(embeddedCatalog))
}

// Parse decodes a catalog document. Entries must have a unique short id, a
// known family and at least one valid architecture.
func Parse(r io.Reader) (*Catalog, error) {
	var doc catalogDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode os catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]OS, len(doc.Systems))}
	var problems []string
	for _, o := range doc.Systems {
		if err := validate(o); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := c.byID[o.ShortID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate short id %q", o.ShortID))
			continue
		}
		c.byID[o.ShortID] = o
		c.order = append(c.order, o.ShortID)
	}
	if len(problems) > 0 {
		return nil, faults.Validationf("invalid os catalog: %s", strings.Join(problems, "; "))
	}
	return c, nil
}

func validate(o OS) error {
	if o.ShortID == "" {
		return fmt.Errorf("entry %q has no short id", o.Name)
	}
	switch o.Family {
	case FamilyRedHat, FamilyDebian, FamilyWindows:
	default:
		return fmt.Errorf("%s: unknown family %q", o.ShortID, o.Family)
	}
	if len(o.Arches) == 0 {
		return fmt.Errorf("%s: no architectures", o.ShortID)
	}
	for _, a := range o.Arches {
		if !a.IsValid() {
			return fmt.Errorf("%s: unsupported architecture %q", o.ShortID, a)
		}
	}
	if o.Script == "" {
		return fmt.Errorf("%s: no install script template", o.ShortID)
	}
	return nil
}

// Get returns the OS with the given short id.
func (c *Catalog) Get(shortID string) (OS, error) {
	o, ok := c.byID[shortID]
	if !ok {
		return OS{}, faults.WithContext(faults.Validationf("unknown operating system %q", shortID), "os", shortID)
	}
	return o, nil
}

// ListAll returns every OS in catalog order.
func (c *Catalog) ListAll() []OS {
	out := make([]OS, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// FilterByArchitecture returns the systems installable on value, which may
// be any alias arch.Parse accepts.
func (c *Catalog) FilterByArchitecture(value string) ([]OS, error) {
	a, err := arch.Parse(value)
	if err != nil {
		return nil, faults.Validation(err.Error())
	}
	var out []OS
	for _, o := range c.ListAll() {
		if o.Supports(a) {
			out = append(out, o)
		}
	}
	return out, nil
}

// FilterByDistro returns the short ids of the systems whose distro appears
// in minVersions at or above the given version. An empty minimum matches
// every version. Results are sorted.
func (c *Catalog) FilterByDistro(minVersions map[string]string) []string {
	var ids []string
	for _, o := range c.ListAll() {
		min, ok := minVersions[o.Distro]
		if !ok {
			continue
		}
		if min == "" || compareVersions(o.Version, min) >= 0 {
			ids = append(ids, o.ShortID)
		}
	}
	sort.Strings(ids)
	return ids
}

// compareVersions orders dotted numeric versions. Non-numeric components
// compare as strings.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < max(len(as), len(bs)); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, xerr := strconv.Atoi(x)
		yi, yerr := strconv.Atoi(y)
		if x == "" {
			xi, xerr = 0, nil
		}
		if y == "" {
			yi, yerr = 0, nil
		}
		if xerr == nil && yerr == nil {
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(x, y); c != 0 {
			return c
		}
	}
	return 0
}
