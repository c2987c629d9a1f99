// Package records persists one JSON document per build so a finished, failed
// or abandoned build can be inspected after the process exits.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/artifacts"
)

// Transition is one entry in a build's phase history.
type Transition struct {
	Phase   string    `json:"phase"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// Record is the persisted state of one build.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	InstallType string `json:"install_type"`
	Output      string `json:"output"`

	Phase       string       `json:"phase"`
	Transitions []Transition `json:"transitions"`

	InstanceID string `json:"instance_id,omitempty"`
	ImageID    string `json:"image_id,omitempty"`
	VolumeID   string `json:"volume_id,omitempty"`
	// Remote holds every transient remote resource the build created,
	// keyed by kind, so a --leave-mess run can be cleaned by hand.
	Remote map[string][]string `json:"remote,omitempty"`

	Artifacts       []artifacts.Artifact `json:"artifacts,omitempty"`
	Error           string               `json:"error,omitempty"`
	CleanupWarnings string               `json:"cleanup_warnings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New starts a record with a fresh build id.
func New(name string, at time.Time) *Record {
	return &Record{ID: uuid.NewString(), Name: name, CreatedAt: at, UpdatedAt: at}
}

// Transition appends phase to the history and makes it current.
func (r *Record) Transition(phase, message string, at time.Time) {
	r.Phase = phase
	r.Transitions = append(r.Transitions, Transition{Phase: phase, At: at, Message: message})
	r.UpdatedAt = at
}

// AddRemote notes a remote resource of the given kind.
func (r *Record) AddRemote(kind, id string) {
	if id == "" {
		return
	}
	if r.Remote == nil {
		r.Remote = map[string][]string{}
	}
	r.Remote[kind] = append(r.Remote[kind], id)
}

// Store writes records as <id>.json under BaseDir.
type Store struct {
	BaseDir string
}

// Save writes the record, replacing any earlier version atomically.
func (s *Store) Save(r *Record) error {
	if s.BaseDir == "" {
		return errors.New("record directory is not configured")
	}
	if r == nil || r.ID == "" {
		return errors.New("record id is required")
	}
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	tmp, err := os.CreateTemp(s.BaseDir, "."+r.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create record temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record %s: %w", r.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(r.ID)); err != nil {
		return fmt.Errorf("move record %s into place: %w", r.ID, err)
	}
	return nil
}

// Get returns the record with the given id, or nil when there is none.
func (s *Store) Get(id string) (*Record, error) {
	if id == "" {
		return nil, errors.New("record id is required")
	}
	return load(s.path(id))
}

// List returns every record, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read record directory: %w", err)
	}

	var out []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		r, err := load(filepath.Join(s.BaseDir, name))
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

func load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", path, err)
	}
	return &r, nil
}
