package osinfo

import (
	"strings"
	"testing"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/script"
)

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewEmbeddedCatalog()
	if err != nil {
		t.Fatalf("load embedded catalog: %v", err)
	}
	return c
}

func TestCatalogHasEntries(t *testing.T) {
	c := mustCatalog(t)
	if len(c.ListAll()) == 0 {
		t.Fatalf("expected at least one operating system")
	}
	for _, family := range []Family{FamilyRedHat, FamilyDebian, FamilyWindows} {
		found := false
		for _, o := range c.ListAll() {
			if o.Family == family {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no entry for family %s", family)
		}
	}
}

func TestCatalogFilterByArchitecture(t *testing.T) {
	c := mustCatalog(t)
	for _, value := range []string{"amd64", "x86_64", "arm64", "i386"} {
		systems, err := c.FilterByArchitecture(value)
		if err != nil {
			t.Errorf("unexpected error for %s: %v", value, err)
		}
		if len(systems) == 0 {
			t.Errorf("expected systems for %s", value)
		}
	}
	if _, err := c.FilterByArchitecture("vax"); !faults.IsValidation(err) {
		t.Errorf("expected validation error for vax, got %v", err)
	}
}

func TestCatalogGetUnknown(t *testing.T) {
	c := mustCatalog(t)
	if _, err := c.Get("beos5"); !faults.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFilterByDistro(t *testing.T) {
	c := mustCatalog(t)
	got := c.FilterByDistro(map[string]string{"fedora": "39", "ubuntu": ""})
	want := []string{"fedora39", "ubuntu18.04", "ubuntu20.04"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("FilterByDistro = %v, want %v", got, want)
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"9.2", "9.10", -1},
		{"38", "38", 0},
		{"20.04", "18.04", 1},
		{"9", "9.0", 0},
	}
	for _, tc := range cases {
		if got := compareVersions(tc.a, tc.b); got != tc.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestTreeBootFiles(t *testing.T) {
	c := mustCatalog(t)
	bookworm, err := c.Get("debian12")
	if err != nil {
		t.Fatal(err)
	}
	kernel, initrd, err := bookworm.TreeBootFiles(bookworm.TreeURL(arch.X86_64), arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	wantKernel := "https://deb.debian.org/debian/dists/bookworm/main/installer-amd64/current/images/netboot/debian-installer/amd64/linux"
	if kernel != wantKernel {
		t.Errorf("kernel = %s, want %s", kernel, wantKernel)
	}
	if !strings.HasSuffix(initrd, "/debian-installer/amd64/initrd.gz") {
		t.Errorf("unexpected initrd %s", initrd)
	}

	win, _ := c.Get("win2k12r2")
	if _, _, err := win.TreeBootFiles("http://x/", arch.X86_64); !faults.IsValidation(err) {
		t.Errorf("expected validation error for windows tree install, got %v", err)
	}
	if win.ISOContent() != nil {
		t.Errorf("windows media should have no direct-boot content")
	}
}

func TestInstallScriptKickstart(t *testing.T) {
	c := mustCatalog(t)
	fedora, _ := c.Get("fedora38")
	out, err := fedora.InstallScript(ScriptConfig{AdminPassword: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "rootpw --plaintext hunter2\n") {
		t.Errorf("admin password missing from kickstart:\n%s", out)
	}
	if script.Detect(out) != script.DialectRPM {
		t.Errorf("generated kickstart not detected as rpm")
	}
	facts := script.Extract(script.PoweroffInsteadOfReboot(out), script.DialectRPM)
	if err := facts.Validate(); err != nil {
		t.Errorf("rewritten kickstart does not validate: %v", err)
	}
}

func TestInstallScriptPreseed(t *testing.T) {
	c := mustCatalog(t)
	ubuntu, _ := c.Get("ubuntu18.04")
	out, err := ubuntu.InstallScript(ScriptConfig{AdminPassword: "pw", Arch: arch.X86_64})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "d-i mirror/http/hostname string archive.ubuntu.com\n") {
		t.Errorf("mirror host missing:\n%s", out)
	}
	if !strings.Contains(out, "d-i mirror/http/directory string /ubuntu\n") {
		t.Errorf("mirror directory missing:\n%s", out)
	}
	facts := script.Extract(out, script.DialectNone)
	if facts.Dialect != script.DialectDebian || !facts.Poweroff {
		t.Errorf("unexpected preseed facts %+v", facts)
	}
	if facts.InstallURL != "http://archive.ubuntu.com/ubuntu/dists/bionic/" {
		t.Errorf("install url = %q", facts.InstallURL)
	}
}

func TestInstallScriptAutounattendEscapes(t *testing.T) {
	c := mustCatalog(t)
	win, _ := c.Get("win2k19")
	out, err := win.InstallScript(ScriptConfig{AdminPassword: "a<b&c", License: "AAAAA-BBBBB"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<Value>a&lt;b&amp;c</Value>") {
		t.Errorf("password not escaped:\n%s", out)
	}
	if !strings.Contains(out, `processorArchitecture="amd64"`) {
		t.Errorf("windows arch missing")
	}
	if !strings.Contains(out, "<Key>AAAAA-BBBBB</Key>") {
		t.Errorf("license key missing")
	}
}

func TestInstallScriptRequiresPassword(t *testing.T) {
	c := mustCatalog(t)
	fedora, _ := c.Get("fedora38")
	if _, err := fedora.InstallScript(ScriptConfig{}); !faults.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	doc := `systems:
  - short_id: a
    family: plan9
    arches: [x86_64]
    script: x.tmpl
  - short_id: b
    family: redhat
    arches: [vax]
    script: x.tmpl
`
	_, err := Parse(strings.NewReader(doc))
	if !faults.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, want := range []string{"plan9", "vax"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
