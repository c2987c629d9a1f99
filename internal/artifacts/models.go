// Package artifacts keeps the companion files of a build next to its record:
// the install script a build ran with, generated boot configs and answer
// files. Disk images themselves live in the remote image store.
package artifacts

import "time"

type Kind string

const (
	ScriptArtifact     Kind = "install-script" // Install script handed to the instance
	BootConfigArtifact Kind = "boot-config"    // Bootloader config written into a boot stub
	AnswerFileArtifact Kind = "answer-file"    // Windows answer file injected into media
	TextArtifact       Kind = "text"           // Anything else worth keeping
)

type Artifact struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	URI  string `json:"uri"`

	Checksum    string         `json:"checksum,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
