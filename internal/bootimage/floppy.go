package bootimage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// floppyKiB is a 1.44 MiB disk.
const floppyKiB = "1440"

// BuildAnswerFloppy writes a FAT12 floppy image carrying answerFile as
// autounattend.xml, where Windows setup looks on removable media.
func (a *Assembler) BuildAnswerFloppy(ctx context.Context, answerFile string) (string, error) {
	if _, err := os.Stat(answerFile); err != nil {
		return "", fmt.Errorf("stat answer file: %w", err)
	}
	if err := os.MkdirAll(a.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	out := filepath.Join(a.WorkDir, "answer-"+uuid.NewString()[:8]+".img")

	run := a.runner()
	if _, err := run.Run(ctx, "mkfs.fat", "-C", "-F", "12", "-n", "KILNANSWER", out, floppyKiB); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("format answer floppy: %w", err)
	}
	if _, err := run.Run(ctx, "mcopy", "-o", "-i", out, answerFile, "::autounattend.xml"); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("copy answer file to floppy: %w", err)
	}
	a.logger().Info("built answer floppy", "path", out)
	return out, nil
}
