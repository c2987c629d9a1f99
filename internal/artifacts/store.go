package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store keeps build companion files.
type Store interface {
	StoreArtifact(artifactPath string, kind Kind, metadata map[string]any) (Artifact, error)
	StoreBytes(name string, data []byte, kind Kind, metadata map[string]any) (Artifact, error)
	RemoveArtifact(artifact Artifact) error
	Clear() error
}

var _ Store = (*LocalStore)(nil)

// LocalStore persists artifacts and metadata on disk under BaseDir.
type LocalStore struct {
	BaseDir string

	now func() time.Time
}

func (store *LocalStore) clock() time.Time {
	if store.now != nil {
		return store.now()
	}
	return time.Now().UTC()
}

// StoreArtifact copies the file into the store and records its metadata.
func (store *LocalStore) StoreArtifact(artifactPath string, kind Kind, metadata map[string]any) (Artifact, error) {
	if artifactPath == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	src, err := os.Open(artifactPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()
	return store.store(filepath.Ext(artifactPath), src, kind, metadata)
}

// StoreBytes stores data as an artifact; name only contributes its
// extension.
func (store *LocalStore) StoreBytes(name string, data []byte, kind Kind, metadata map[string]any) (Artifact, error) {
	return store.store(filepath.Ext(name), bytes.NewReader(data), kind, metadata)
}

func (store *LocalStore) store(ext string, src io.Reader, kind Kind, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("artifact base directory is not configured")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create artifact directory: %w", err)
	}

	artifactID := uuid.NewString()
	destPath := filepath.Join(store.BaseDir, artifactID+ext)
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, fmt.Errorf("create artifact: %w", err)
	}

	sum := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, sum), src); err != nil {
		dst.Close()
		os.Remove(destPath)
		return Artifact{}, fmt.Errorf("copy artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(destPath)
		return Artifact{}, fmt.Errorf("close artifact: %w", err)
	}

	artifact := Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         FileURI(destPath),
		Checksum:    "sha256:" + hex.EncodeToString(sum.Sum(nil)),
		ContentType: detectContentType(destPath),
		Metadata:    cloneMetadata(metadata),
		CreatedAt:   store.clock(),
	}
	if err := store.writeMetadata(destPath, artifact); err != nil {
		os.Remove(destPath)
		return Artifact{}, err
	}
	return artifact, nil
}

// RemoveArtifact deletes the artifact file and its metadata document.
func (store *LocalStore) RemoveArtifact(artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}
	for _, p := range []string{path, metadataPath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove artifact: %w", err)
		}
	}
	return nil
}

// Clear removes everything under the store's base directory.
func (store *LocalStore) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *LocalStore) writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	if err := os.WriteFile(metadataPath(filePath), payload, 0o644); err != nil {
		return fmt.Errorf("write artifact metadata: %w", err)
	}
	return nil
}

func metadataPath(path string) string {
	return path + ".json"
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cfg", ".ks", ".txt", ".sif":
		return "text/plain"
	case ".xml":
		return "application/xml"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
