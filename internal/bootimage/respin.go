package bootimage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/faults"
)

// Generation selects the Windows media layout.
type Generation string

const (
	// GenerationV5 covers kernel 5.x media (2000, XP, 2003).
	GenerationV5 Generation = "v5"
	// GenerationV6 covers kernel 6.x media (Vista, 2008 and later).
	GenerationV6 Generation = "v6"
)

// RespinRequest describes a respun install ISO.
type RespinRequest struct {
	Source     string
	AnswerFile string
	Generation Generation
	Arch       arch.Architecture
	// Output defaults to a unique name in the work directory.
	Output string
}

// genisoArgs are the per-generation mastering flags. v6 media only boots
// with exactly this set.
var genisoArgs = map[Generation][]string{
	GenerationV5: {"-no-emul-boot", "-boot-load-seg", "1984", "-boot-load-size", "4",
		"-iso-level", "2", "-J", "-l", "-D", "-N", "-joliet-long", "-relaxed-filenames", "-V", "Custom"},
	GenerationV6: {"-no-emul-boot", "-c", "BOOT.CAT",
		"-iso-level", "2", "-J", "-l", "-D", "-N", "-joliet-long", "-relaxed-filenames", "-V", "Custom", "-udf"},
}

// RespinOpticalMedia rebuilds Source with the answer file injected where
// the installer looks for it, keeping the original El Torito boot image.
func (a *Assembler) RespinOpticalMedia(ctx context.Context, req RespinRequest) (string, error) {
	args, ok := genisoArgs[req.Generation]
	if !ok {
		return "", faults.Validationf("unknown windows media generation %q", req.Generation)
	}
	if req.AnswerFile == "" {
		return "", faults.Validation("respin needs an answer file")
	}
	logger := a.logger().With("source", req.Source, "generation", string(req.Generation))

	src, err := os.Open(req.Source)
	if err != nil {
		return "", fmt.Errorf("open install iso: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat install iso: %w", err)
	}

	if err := os.MkdirAll(a.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	tree, err := os.MkdirTemp(a.WorkDir, "respin-")
	if err != nil {
		return "", fmt.Errorf("create respin tree: %w", err)
	}
	defer func() {
		if cerr := removeTree(tree); cerr != nil {
			logger.Warn("failed to remove respin tree", "path", tree, "error", cerr)
		}
	}()

	free, err := freeBytes(tree)
	if err != nil {
		return "", fmt.Errorf("check free space in %s: %w", tree, err)
	}
	if free < uint64(info.Size()) {
		err := faults.Validationf("not enough room in %s to extract install media: need %d bytes, have %d", a.WorkDir, info.Size(), free)
		return "", faults.WithContext(err, "reason", "insufficient_space")
	}

	logger.Info("copying install media contents", "tree", tree)
	extract := a.extractTree
	if extract == nil {
		extract = copyISOTree
	}
	if err := extract(ctx, src, tree); err != nil {
		return "", err
	}
	if err := addUserWrite(tree); err != nil {
		return "", fmt.Errorf("make respin tree writable: %w", err)
	}

	target, err := answerFileTarget(tree, req.Generation, req.Arch)
	if err != nil {
		return "", err
	}
	if err := copyFile(req.AnswerFile, target); err != nil {
		return "", fmt.Errorf("inject answer file: %w", err)
	}

	boot, err := ReadElTorito(src)
	if err != nil {
		return "", fmt.Errorf("read boot image of %s: %w", req.Source, err)
	}
	bootDir := filepath.Join(tree, "cdboot")
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		return "", fmt.Errorf("create cdboot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bootDir, "boot.bin"), boot.Data, 0o644); err != nil {
		return "", fmt.Errorf("write boot image: %w", err)
	}

	out := req.Output
	if out == "" {
		base := strings.TrimSuffix(filepath.Base(req.Source), filepath.Ext(req.Source))
		out = filepath.Join(a.WorkDir, fmt.Sprintf("%s-respun-%s.iso", base, uuid.NewString()[:8]))
	}
	cmd := append([]string{"-b", "cdboot/boot.bin"}, args...)
	cmd = append(cmd, "-o", out, tree)
	if _, err := a.runner().Run(ctx, a.tool("genisoimage", a.Paths.ISOTool), cmd...); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("master respun iso: %w", err)
	}
	logger.Info("respun install media", "output", out)
	return out, nil
}

func answerFileTarget(tree string, gen Generation, a arch.Architecture) (string, error) {
	if gen == GenerationV6 {
		return filepath.Join(tree, "autounattend.xml"), nil
	}
	winarch := a.Windows()
	if winarch == "" {
		winarch = arch.I686.Windows()
	}
	// Plain ISO9660 names come out upper case.
	dir := filepath.Join(tree, winarch)
	if entries, err := os.ReadDir(tree); err == nil {
		for _, e := range entries {
			if e.IsDir() && strings.EqualFold(e.Name(), winarch) {
				dir = filepath.Join(tree, e.Name())
				break
			}
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "winnt.sif"), nil
}

// copyISOTree extracts every file of the image into dst.
func copyISOTree(ctx context.Context, r io.ReaderAt, dst string) error {
	img, err := iso9660.OpenImage(r)
	if err != nil {
		return fmt.Errorf("read install iso: %w", err)
	}
	root, err := img.RootDir()
	if err != nil {
		return fmt.Errorf("read install iso root: %w", err)
	}
	return copyISODir(ctx, root, dst)
}

func copyISODir(ctx context.Context, dir *iso9660.File, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := dir.GetChildren()
	if err != nil {
		return fmt.Errorf("list %s: %w", dst, err)
	}
	for _, child := range children {
		name := strings.TrimSuffix(child.Name(), ";1")
		if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
			continue
		}
		path := filepath.Join(dst, name)
		if child.IsDir() {
			// Extracted from read-only media; write bits are added afterwards.
			if err := os.Mkdir(path, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("create %s: %w", path, err)
			}
			if err := copyISODir(ctx, child, path); err != nil {
				return err
			}
			if err := os.Chmod(path, 0o555); err != nil {
				return err
			}
			continue
		}
		if err := writeReadOnly(path, child.Reader()); err != nil {
			return err
		}
	}
	return nil
}

func writeReadOnly(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o444)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return f.Close()
}

// addUserWrite adds u+w to every directory and file under root.
func addUserWrite(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := os.Lstat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(path, info.Mode().Perm()|0o200)
	})
}

// removeTree restores u+rwx on directories and u+rw on files, removes the
// tree and syncs the parent so the metadata churn is flushed.
func removeTree(root string) error {
	var errs []error
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
		case d.IsDir():
			if cerr := os.Chmod(path, 0o700); cerr != nil {
				errs = append(errs, cerr)
			}
		default:
			if cerr := os.Chmod(path, 0o600); cerr != nil && !errors.Is(cerr, fs.ErrNotExist) {
				errs = append(errs, cerr)
			}
		}
		return nil
	})
	if err := os.RemoveAll(root); err != nil {
		errs = append(errs, err)
	}
	if err := syncDir(filepath.Dir(root)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
