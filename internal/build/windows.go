package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/bootimage"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
)

// windowsDelegate installs from the vendor ISO. Setup has no network
// answer-file source, so the answer file travels on a floppy when the
// backend has one and inside a respun ISO otherwise.
type windowsDelegate struct {
	baseDelegate
	generation bootimage.Generation

	answerFile string
	installCD  string
	driverCD   string
	floppy     string
}

func newWindowsDelegate(plan InstallPlan, prep prepared, env Env) (Delegate, error) {
	if prep.Type != InstallISO {
		return nil, faults.Validation("windows can only be installed from an ISO")
	}
	if !env.Caps.CDROM {
		return nil, faults.Validation("the backend cannot attach install media, which windows requires")
	}
	if plan.Media.ISOSnapshot != "" {
		return nil, faults.Validation("windows media must be respun or paired with a floppy, so an ISO snapshot cannot be used")
	}
	gen := bootimage.Generation(plan.OS.Generation)
	if gen != bootimage.GenerationV5 && gen != bootimage.GenerationV6 {
		return nil, faults.Validationf("%s has unknown media generation %q", plan.OS.ShortID, plan.OS.Generation)
	}
	return &windowsDelegate{baseDelegate: newBase(plan, prep, env), generation: gen}, nil
}

func (d *windowsDelegate) WantsOpticalContent() bool                 { return false }
func (d *windowsDelegate) OpticalContentManifest() map[string]string { return nil }

// useFloppy reports whether the answer file goes on a floppy. Only v6 setup
// reads autounattend.xml from removable disks.
func (d *windowsDelegate) useFloppy() bool {
	return d.env.Caps.Floppy && d.generation == bootimage.GenerationV6
}

func (d *windowsDelegate) PrepareInstallInstance(ctx context.Context) error {
	if err := d.writeAnswerFile(); err != nil {
		return err
	}

	iso, err := d.env.Cache.RetrieveWith(ctx, d.cacheKey(objectISO), d.prep.ISOSource, cache.Options{
		WantLocal: !d.useFloppy(),
	})
	if err != nil {
		return fmt.Errorf("retrieve install ISO: %w", err)
	}

	if src := d.plan.OS.DriverISO; src != "" {
		drivers, err := d.env.Cache.RetrieveWith(ctx, d.cacheKey(objectDriverISO), src, cache.Options{})
		if err != nil {
			return fmt.Errorf("retrieve driver ISO: %w", err)
		}
		d.driverCD = locationID(drivers, true)
	}

	if d.useFloppy() {
		d.installCD = locationID(iso, true)
		if d.installCD == "" {
			return faults.Validationf("install ISO %s has no remote copy", d.prep.ISOSource)
		}
		return d.prepareFloppy(ctx)
	}
	if iso.Local == "" {
		return faults.Validation("respinning the install ISO needs a local copy")
	}
	return d.prepareRespin(ctx, iso.Local)
}

func (d *windowsDelegate) answerFileName() string {
	if d.generation == bootimage.GenerationV5 {
		return "winnt.sif"
	}
	return "autounattend.xml"
}

func (d *windowsDelegate) writeAnswerFile() error {
	dir, err := os.MkdirTemp(d.env.WorkDir, "answer-")
	if err != nil {
		return fmt.Errorf("create answer file directory: %w", err)
	}
	path := filepath.Join(dir, d.answerFileName())
	if err := os.WriteFile(path, []byte(d.prep.Script), 0o600); err != nil {
		return fmt.Errorf("write answer file: %w", err)
	}
	d.track(ResourceLocalFile, dir, "answer file directory")
	d.track(ResourceLocalFile, path, "answer file")
	d.answerFile = path
	d.env.keep(d.answerFileName(), []byte(d.prep.Script), artifacts.AnswerFileArtifact)
	return nil
}

func (d *windowsDelegate) prepareFloppy(ctx context.Context) error {
	img, err := d.env.Images.BuildAnswerFloppy(ctx, d.answerFile)
	if err != nil {
		return fmt.Errorf("build answer floppy: %w", err)
	}
	d.track(ResourceLocalFile, img, "answer floppy")

	pub, err := d.publisher().Publish(ctx, lifecycle.PublishRequest{
		UploadRequest: lifecycle.UploadRequest{
			Name:            "FLOPPY for: " + d.prep.ImageName,
			Path:            img,
			DiskFormat:      "raw",
			ContainerFormat: "bare",
		},
		WantVolume: true,
	})
	d.track(ResourceImage, pub.ImageID, "answer floppy")
	d.track(ResourceVolume, pub.VolumeID, "answer floppy")
	if err != nil {
		return fmt.Errorf("publish answer floppy: %w", err)
	}
	d.floppy = mediaID(pub)
	return nil
}

func (d *windowsDelegate) prepareRespin(ctx context.Context, source string) error {
	out, err := d.env.Images.RespinOpticalMedia(ctx, bootimage.RespinRequest{
		Source:     source,
		AnswerFile: d.answerFile,
		Generation: d.generation,
		Arch:       d.prep.Config.Arch,
	})
	if err != nil {
		return fmt.Errorf("respin install ISO: %w", err)
	}
	d.track(ResourceLocalFile, out, "respun install ISO")

	pub, err := d.publisher().Publish(ctx, lifecycle.PublishRequest{
		UploadRequest: lifecycle.UploadRequest{
			Name:            "ISO for: " + d.prep.ImageName,
			Path:            out,
			DiskFormat:      "iso",
			ContainerFormat: "bare",
		},
		WantVolume: true,
	})
	d.track(ResourceImage, pub.ImageID, "respun install ISO")
	d.track(ResourceVolume, pub.VolumeID, "respun install ISO")
	if err != nil {
		return fmt.Errorf("publish respun ISO: %w", err)
	}
	d.installCD = mediaID(pub)
	return nil
}

func (d *windowsDelegate) StartInstallInstance(ctx context.Context) (lifecycle.Instance, error) {
	return d.launch(ctx, lifecycle.LaunchSpec{
		Root:        lifecycle.RootDisk{BlankGB: d.prep.Config.DiskSizeGB},
		InstallCD:   d.installCD,
		SecondaryCD: d.driverCD,
		Floppy:      d.floppy,
	})
}
