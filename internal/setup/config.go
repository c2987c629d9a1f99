package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/cochaviz/kiln/internal/config"
)

// Directories lists the state directories cfg points at, without
// duplicates and in a stable order.
func Directories(cfg config.Config) []string {
	var dirs []string
	for _, dir := range []string{
		cfg.Cache.Root,
		cfg.Build.WorkDir,
		cfg.Build.RecordDir,
		cfg.Build.ArtifactDir,
		cfg.Lifecycle.PoolDir,
	} {
		if dir == "" {
			continue
		}
		dir = filepath.Clean(dir)
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// EnsureLayout creates every state directory.
func EnsureLayout(cfg config.Config) error {
	for _, dir := range Directories(cfg) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		getLogger().Info("state directory ready", "path", dir)
	}
	return nil
}

// Verify reports every state directory that is missing or not a directory.
func Verify(cfg config.Config) error {
	var errs []error
	for _, dir := range Directories(cfg) {
		info, err := os.Stat(dir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			errs = append(errs, fmt.Errorf("directory %s does not exist", dir))
		case err != nil:
			errs = append(errs, fmt.Errorf("stat %s: %w", dir, err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("%s is not a directory", dir))
		}
	}
	return errors.Join(errs...)
}

// ClearWorkDir empties the build work directory, which only ever holds
// leftovers of interrupted builds.
func ClearWorkDir(cfg config.Config) error {
	dir := cfg.Build.WorkDir
	if dir == "" {
		return nil
	}
	getLogger().Info("clearing work directory", "path", dir)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}
