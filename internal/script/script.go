// Package script reads and rewrites unattended install scripts: RPM
// kickstarts and Debian preseeds.
package script

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cochaviz/kiln/internal/faults"
)

// Dialect names the answer-file format of a script.
type Dialect string

const (
	DialectNone   Dialect = ""
	DialectRPM    Dialect = "rpm"
	DialectDebian Dialect = "debian"
)

// ParseDialect maps a distro or dialect name to a Dialect. Distro names
// from the catalog are accepted so --distro can take either spelling.
func ParseDialect(value string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return DialectNone, nil
	case "rpm", "redhat", "fedora", "rhel", "centos":
		return DialectRPM, nil
	case "debian", "ubuntu", "preseed":
		return DialectDebian, nil
	default:
		return DialectNone, faults.Validationf("unknown install script dialect %q", value)
	}
}

var (
	debianMarker   = regexp.MustCompile(`d-i\s+debian-installer`)
	packagesMarker = regexp.MustCompile(`%packages`)
)

// Detect guesses the dialect from the script content. Debian wins when a
// script carries both markers.
func Detect(content string) Dialect {
	switch {
	case debianMarker.MatchString(content):
		return DialectDebian
	case packagesMarker.MatchString(content):
		return DialectRPM
	default:
		return DialectNone
	}
}

// Facts is what a script says about its own install.
type Facts struct {
	Dialect Dialect
	// InstallURL is the network install tree named in the script, if any.
	InstallURL      string
	ConsolePassword string
	// ConsoleCommand is a printf template taking the instance address.
	ConsoleCommand string
	Poweroff       bool
}

// ConsoleHint renders the console command for addr, or "" when the script
// opens no console.
func (f Facts) ConsoleHint(addr string) string {
	if f.ConsoleCommand == "" {
		return ""
	}
	return fmt.Sprintf(f.ConsoleCommand, addr)
}

// Each line is matched from its first character.
var (
	ksURL      = regexp.MustCompile(`^url.*--url=(\S+)`)
	ksVNC      = regexp.MustCompile(`^vnc.*--password=(\S+)`)
	ksSSH      = regexp.MustCompile(`^ssh.*--password=(\S+)`)
	ksPoweroff = regexp.MustCompile(`^poweroff`)

	preseedConsole  = regexp.MustCompile(`^d-i\s+network-console/password\s+password\s+(\S+)`)
	preseedURL      = regexp.MustCompile(`^#ubuntu_baseurl=(\S+)`)
	preseedPoweroff = regexp.MustCompile(`^d-i\s+debian-installer/exit/poweroff\s+boolean\s+true`)
)

const (
	vncConsole       = "vncviewer %s:1"
	sshConsole       = "ssh root@%s"
	installerConsole = "ssh installer@%s\nNote that you MUST connect to this session for the install to continue\nPlease do so now\n"
)

// Extract scans content line by line in the given dialect. DialectNone
// detects the dialect first; a script of unknown dialect yields empty Facts.
func Extract(content string, dialect Dialect) Facts {
	if dialect == DialectNone {
		dialect = Detect(content)
	}
	facts := Facts{Dialect: dialect}
	switch dialect {
	case DialectRPM:
		extractKickstart(content, &facts)
	case DialectDebian:
		extractPreseed(content, &facts)
	}
	return facts
}

func extractKickstart(content string, facts *Facts) {
	for _, line := range strings.Split(content, "\n") {
		if m := ksURL.FindStringSubmatch(line); m != nil {
			facts.InstallURL = m[1]
			continue
		}
		if m := ksVNC.FindStringSubmatch(line); m != nil {
			facts.ConsolePassword = m[1]
			facts.ConsoleCommand = vncConsole
			continue
		}
		if m := ksSSH.FindStringSubmatch(line); m != nil {
			facts.ConsolePassword = m[1]
			facts.ConsoleCommand = sshConsole
			continue
		}
		if ksPoweroff.MatchString(line) {
			facts.Poweroff = true
		}
	}
}

func extractPreseed(content string, facts *Facts) {
	for _, line := range strings.Split(content, "\n") {
		if m := preseedConsole.FindStringSubmatch(line); m != nil {
			facts.ConsolePassword = m[1]
			facts.ConsoleCommand = installerConsole
			continue
		}
		if m := preseedURL.FindStringSubmatch(line); m != nil {
			facts.InstallURL = m[1]
			continue
		}
		if preseedPoweroff.MatchString(line) {
			facts.Poweroff = true
		}
	}
}

// Validate rejects a script that would leave the installer waiting for a
// reboot. The build can only tell an install finished once the guest
// powers itself off.
func (f Facts) Validate() error {
	if f.Poweroff {
		return nil
	}
	switch f.Dialect {
	case DialectRPM:
		return faults.Validation("install script does not power off: add a line starting with \"poweroff\"")
	case DialectDebian:
		return faults.Validation("preseed does not power off: add \"d-i debian-installer/exit/poweroff boolean true\"")
	default:
		return faults.Validation("install script dialect unknown and no poweroff directive found")
	}
}

var placeholder = regexp.MustCompile(`\$(?:(\$)|([_a-zA-Z][_a-zA-Z0-9]*)|\{([_a-zA-Z][_a-zA-Z0-9]*)\})`)

// SubstitutePassword replaces $adminpw and ${adminpw} with password. Other
// placeholders are left as they are and $$ collapses to a single $.
func SubstitutePassword(content, password string) string {
	return substitute(content, map[string]string{"adminpw": password})
}

func substitute(content string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(content, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		if m[1] != "" {
			return "$"
		}
		name := m[2]
		if name == "" {
			name = m[3]
		}
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

var (
	rebootLine = regexp.MustCompile(`(?m)^reboot\b.*$`)
	cdromLine  = regexp.MustCompile(`(?m)^cdrom\b.*\n?`)
)

// PoweroffInsteadOfReboot rewrites kickstart reboot directives so generated
// scripts end the install by powering off.
func PoweroffInsteadOfReboot(content string) string {
	return rebootLine.ReplaceAllString(content, "poweroff")
}

// ForTree points a kickstart at a network install tree: any cdrom source
// is dropped and a url directive is prepended.
func ForTree(content, treeURL string) string {
	content = cdromLine.ReplaceAllString(content, "")
	return fmt.Sprintf("url --url=%s\n%s", treeURL, content)
}
