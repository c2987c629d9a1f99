package libvirt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Keys written into every image's properties.
const (
	propName            = "name"
	propKind            = "kind"
	propDiskFormat      = "disk_format"
	propContainerFormat = "container_format"
)

// bootPropertyKeys reference other images for direct kernel boot; they are
// dropped once an image no longer needs them.
var bootPropertyKeys = []string{"kernel_id", "ramdisk_id", "os_command_line"}

// propertyStore keeps image properties as JSON files next to the pools,
// since storage volumes carry no free-form metadata.
type propertyStore struct {
	dir string
	mu  sync.Mutex
}

func newPropertyStore(poolDir string) *propertyStore {
	return &propertyStore{dir: filepath.Join(poolDir, "properties")}
}

func (s *propertyStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *propertyStore) load(id string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *propertyStore) read(id string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read properties of %s: %w", id, err)
	}
	props := map[string]string{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", id, err)
	}
	return props, nil
}

func (s *propertyStore) save(id string, props map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(id, props)
}

func (s *propertyStore) write(id string, props map[string]string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create properties directory: %w", err)
	}
	data, err := json.MarshalIndent(props, "", "  ")
	if err != nil {
		return fmt.Errorf("encode properties of %s: %w", id, err)
	}
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write properties of %s: %w", id, err)
	}
	return os.Rename(tmp, s.path(id))
}

// drop removes keys from id's properties, leaving the rest intact.
func (s *propertyStore) drop(id string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, err := s.read(id)
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(props, k)
	}
	return s.write(id, props)
}

func (s *propertyStore) remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove properties of %s: %w", id, err)
	}
	return nil
}
