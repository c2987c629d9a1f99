package cache

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/kiln/internal/faults"
)

const isoMemberType = "iso+file"

// ISOMemberSource names member inside the ISO at isoPath as a fetchable source.
func ISOMemberSource(isoPath, member string) string {
	if abs, err := filepath.Abs(isoPath); err == nil {
		isoPath = abs
	}
	u := url.URL{Scheme: isoMemberType, Path: isoPath, RawQuery: url.Values{"member": {member}}.Encode()}
	return u.String()
}

// IsISOMemberSource reports whether source was built by ISOMemberSource.
func IsISOMemberSource(source string) bool {
	return strings.HasPrefix(source, isoMemberType+":")
}

// ISOExtractor copies a single file out of an ISO image opened read-only.
type ISOExtractor struct{}

func (ISOExtractor) Fetch(ctx context.Context, source, dst string) error {
	u, err := url.Parse(source)
	if err != nil || u.Scheme != isoMemberType {
		return faults.Validationf("invalid iso member source %s", source)
	}
	member := u.Query().Get("member")
	if member == "" {
		return faults.Validationf("iso member source %s names no member", source)
	}

	f, err := os.Open(u.Path)
	if err != nil {
		return fmt.Errorf("open iso %s: %w", u.Path, err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("read iso %s: %w", u.Path, err)
	}
	root, err := img.RootDir()
	if err != nil {
		return fmt.Errorf("read iso root: %w", err)
	}
	entry, err := findMember(root, member)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeStream(dst, entry.Reader())
}

// findMember walks an absolute path from root. Names are compared without
// case since plain ISO9660 records are upper case.
func findMember(root *iso9660.File, member string) (*iso9660.File, error) {
	parts := strings.Split(strings.Trim(path.Clean("/"+member), "/"), "/")
	current := root
	for i, part := range parts {
		children, err := current.GetChildren()
		if err != nil {
			return nil, fmt.Errorf("list iso directory: %w", err)
		}
		var next *iso9660.File
		for _, child := range children {
			if isoNameMatches(child.Name(), part) {
				next = child
				break
			}
		}
		if next == nil {
			return nil, faults.Validationf("iso has no %s", member)
		}
		if i < len(parts)-1 && !next.IsDir() {
			return nil, faults.Validationf("iso path %s: %s is not a directory", member, part)
		}
		current = next
	}
	if current.IsDir() {
		return nil, faults.Validationf("iso path %s is a directory", member)
	}
	return current, nil
}

// Level 1 names lose characters like '-' and '.' beyond the first, so the
// mangled form is accepted too.
func isoNameMatches(have, want string) bool {
	have = strings.TrimSuffix(have, ";1")
	if strings.EqualFold(have, want) {
		return true
	}
	return strings.EqualFold(strings.TrimSuffix(have, "."), mangleISOName(want))
}

func mangleISOName(name string) string {
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			default:
				return '_'
			}
		}, s)
	}
	if ext == "" {
		return clean(base)
	}
	return clean(base) + "." + clean(ext)
}
