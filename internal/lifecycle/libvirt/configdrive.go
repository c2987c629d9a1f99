package libvirt

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
)

// configDriveLabel makes anaconda pick up ks.cfg without a boot argument.
const configDriveLabel = "OEMDRV"

func (b *Backend) configDrivePath(name string) string {
	return filepath.Join(b.workDir, name+"-oemdrv.iso")
}

// writeConfigDrive puts userData on an ISO as both ks.cfg and user-data.
func writeConfigDrive(path string, userData []byte) error {
	w, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create config drive writer: %w", err)
	}
	defer w.Cleanup()

	for _, name := range []string{"ks.cfg", "user-data"} {
		if err := w.AddFile(bytes.NewReader(userData), name); err != nil {
			return fmt.Errorf("add %s to config drive: %w", name, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config drive directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config drive %s: %w", path, err)
	}
	if err := w.WriteTo(f, configDriveLabel); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write config drive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close config drive: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
