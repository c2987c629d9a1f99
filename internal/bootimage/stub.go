// Package bootimage assembles the local disk and optical images a build boots
// from: syslinux boot stubs, respun Windows install media and answer floppies.
// Nothing here talks to the remote backend.
package bootimage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/logging"
)

const (
	stubSize        = 200 << 20
	sectorSize      = 512
	partitionStart  = 2048 // LBA of the single FAT partition
	partitionOffset = partitionStart * sectorSize
	fat32CHSType    = 0x0b
	mbrBootCodeSize = 440
)

// Disk formats reported for built images.
const (
	FormatQcow2 = "qcow2"
	FormatRaw   = "raw"
)

// Assembler builds boot media with host tools.
type Assembler struct {
	Runner  Runner
	WorkDir string
	Paths   config.Paths
	Logger  *slog.Logger

	extractTree func(ctx context.Context, iso io.ReaderAt, dst string) error
}

// NewAssembler returns an assembler using child processes.
func NewAssembler(workDir string, paths config.Paths, logger *slog.Logger) *Assembler {
	return &Assembler{Runner: ExecRunner{}, WorkDir: workDir, Paths: paths, Logger: logger}
}

func (a *Assembler) logger() *slog.Logger {
	return logging.Component(logging.Ensure(a.Logger), "bootimage")
}

func (a *Assembler) runner() Runner {
	if a.Runner != nil {
		return a.Runner
	}
	return ExecRunner{}
}

func (a *Assembler) tool(name, configured string) string {
	if configured != "" {
		return configured
	}
	return name
}

// StubRequest describes a boot stub.
type StubRequest struct {
	// Label names the output file and the FAT volume.
	Label   string
	Cmdline string
	Kernel  string
	Ramdisk string
}

// Disk is a built disk image.
type Disk struct {
	Path   string
	Format string
}

var syslinuxConfig = template.Must(template.New("syslinux.cfg").Parse(`default customhd
timeout 30
prompt 1
label customhd
  kernel vmlinuz
  append initrd=initrd.img{{with .Cmdline}} {{.}}{{end}}
`))

// RenderSyslinuxConfig returns the single-entry bootloader config.
func RenderSyslinuxConfig(cmdline string) (string, error) {
	var buf bytes.Buffer
	if err := syslinuxConfig.Execute(&buf, struct{ Cmdline string }{strings.TrimSpace(cmdline)}); err != nil {
		return "", fmt.Errorf("render syslinux config: %w", err)
	}
	return buf.String(), nil
}

// BuildBootStub writes a small bootable disk that chain-loads Kernel and
// Ramdisk through syslinux. The result is compressed qcow2, or raw when the
// conversion fails.
func (a *Assembler) BuildBootStub(ctx context.Context, req StubRequest) (Disk, error) {
	if req.Kernel == "" || req.Ramdisk == "" {
		return Disk{}, fmt.Errorf("boot stub needs both a kernel and a ramdisk")
	}
	label := req.Label
	if label == "" {
		label = "kiln-stub"
	}
	logger := a.logger().With("label", label)

	if err := os.MkdirAll(a.WorkDir, 0o755); err != nil {
		return Disk{}, fmt.Errorf("create work directory: %w", err)
	}
	raw := filepath.Join(a.WorkDir, label+".raw")
	if err := allocateStub(raw); err != nil {
		os.Remove(raw)
		return Disk{}, err
	}
	keepRaw := false
	defer func() {
		if !keepRaw {
			os.Remove(raw)
		}
	}()

	if err := a.writeBootCode(raw); err != nil {
		return Disk{}, err
	}

	run := a.runner()
	offset := strconv.Itoa(partitionOffset)
	partitionKiB := strconv.Itoa((stubSize - partitionOffset) / 1024)

	steps := [][]string{
		{"mkfs.fat", "-F", "32", "-n", volumeLabel(label), "--offset", strconv.Itoa(partitionStart), raw, partitionKiB},
		{"syslinux", "--offset", offset, "--install", raw},
	}
	for _, step := range steps {
		if _, err := run.Run(ctx, step[0], step[1:]...); err != nil {
			return Disk{}, fmt.Errorf("prepare boot stub: %w", err)
		}
	}

	cfgDir, err := os.MkdirTemp(a.WorkDir, "syslinux-")
	if err != nil {
		return Disk{}, fmt.Errorf("create syslinux staging dir: %w", err)
	}
	defer os.RemoveAll(cfgDir)
	rendered, err := RenderSyslinuxConfig(req.Cmdline)
	if err != nil {
		return Disk{}, err
	}
	cfgPath := filepath.Join(cfgDir, "syslinux.cfg")
	if err := os.WriteFile(cfgPath, []byte(rendered), 0o644); err != nil {
		return Disk{}, fmt.Errorf("write syslinux config: %w", err)
	}

	image := raw + "@@" + offset
	for _, c := range []struct{ src, dst string }{
		{req.Kernel, "::vmlinuz"},
		{req.Ramdisk, "::initrd.img"},
		{cfgPath, "::syslinux.cfg"},
	} {
		if _, err := run.Run(ctx, "mcopy", "-o", "-i", image, c.src, c.dst); err != nil {
			return Disk{}, fmt.Errorf("copy %s into boot stub: %w", filepath.Base(c.src), err)
		}
	}

	qcow := filepath.Join(a.WorkDir, label+".qcow2")
	if _, err := run.Run(ctx, a.tool("qemu-img", a.Paths.QemuImg), "convert", "-c", "-O", "qcow2", raw, qcow); err != nil {
		if ctx.Err() != nil {
			return Disk{}, ctx.Err()
		}
		os.Remove(qcow)
		logger.Warn("qcow2 conversion failed; using raw boot stub", "error", err)
		keepRaw = true
		return Disk{Path: raw, Format: FormatRaw}, nil
	}
	logger.Info("built boot stub", "path", qcow)
	return Disk{Path: qcow, Format: FormatQcow2}, nil
}

// allocateStub creates the sparse image with one bootable FAT partition.
func allocateStub(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create boot stub: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(stubSize); err != nil {
		return fmt.Errorf("size boot stub: %w", err)
	}
	table := partitionTable(partitionStart, stubSize/sectorSize-partitionStart)
	if _, err := f.WriteAt(table, mbrBootCodeSize); err != nil {
		return fmt.Errorf("write partition table: %w", err)
	}
	return f.Sync()
}

// partitionTable returns bytes 440..511 of an MBR: disk signature, one
// active FAT32 (CHS) entry addressed by LBA, and the boot signature.
func partitionTable(start, sectors uint32) []byte {
	buf := make([]byte, sectorSize-mbrBootCodeSize)
	entry := buf[446-mbrBootCodeSize:]
	entry[0] = 0x80
	copy(entry[1:4], []byte{0xfe, 0xff, 0xff})
	entry[4] = fat32CHSType
	copy(entry[5:8], []byte{0xfe, 0xff, 0xff})
	binary.LittleEndian.PutUint32(entry[8:12], start)
	binary.LittleEndian.PutUint32(entry[12:16], sectors)
	buf[510-mbrBootCodeSize] = 0x55
	buf[511-mbrBootCodeSize] = 0xaa
	return buf
}

// writeBootCode copies syslinux's mbr.bin to offset 0 in full.
func (a *Assembler) writeBootCode(raw string) error {
	mbrPath := a.Paths.SyslinuxMBR
	if mbrPath == "" {
		mbrPath = "/usr/share/syslinux/mbr.bin"
	}
	code, err := os.ReadFile(mbrPath)
	if err != nil {
		return fmt.Errorf("read syslinux mbr: %w", err)
	}
	if len(code) > mbrBootCodeSize {
		return fmt.Errorf("syslinux mbr %s is %d bytes, want at most %d", mbrPath, len(code), mbrBootCodeSize)
	}
	f, err := os.OpenFile(raw, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open boot stub: %w", err)
	}
	defer f.Close()
	n, err := f.WriteAt(code, 0)
	if err != nil {
		return fmt.Errorf("write syslinux mbr: %w", err)
	}
	if n != len(code) {
		return fmt.Errorf("write syslinux mbr: short write %d of %d bytes", n, len(code))
	}
	return f.Sync()
}

// volumeLabel fits label into the 11 character FAT limit.
func volumeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(label) {
		if b.Len() == 11 {
			break
		}
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "KILN"
	}
	return b.String()
}
