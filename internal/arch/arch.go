// Package arch normalizes CPU architecture names between the forms used by
// qemu/libvirt, Debian installer trees and Windows media.
package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is the qemu/libvirt spelling of a CPU architecture.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
)

// Supported returns every architecture kiln can build for.
func Supported() []Architecture {
	return []Architecture{X86_64, I686, AArch64, PPC64LE, S390X}
}

// IsValid reports whether a is one of the supported values.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, I686, AArch64, PPC64LE, S390X:
		return true
	default:
		return false
	}
}

func (a Architecture) String() string {
	return string(a)
}

// Debian returns the name used in Debian and Ubuntu installer paths.
func (a Architecture) Debian() string {
	switch a {
	case X86_64:
		return "amd64"
	case I686:
		return "i386"
	case AArch64:
		return "arm64"
	case PPC64LE:
		return "ppc64el"
	default:
		return string(a)
	}
}

// Windows returns the directory name Windows install media uses for a, e.g.
// the location of winnt.sif on v5 media.
func (a Architecture) Windows() string {
	switch a {
	case X86_64:
		return "amd64"
	case I686:
		return "i386"
	case AArch64:
		return "arm64"
	default:
		return string(a)
	}
}

// Parse returns the canonical Architecture for value.
func Parse(value string) (Architecture, error) {
	if a := Normalize(value); a != "" {
		return a, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps an architecture alias to its canonical value, or "" when
// value is not recognized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64", "x64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(S390X):
		return S390X
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
