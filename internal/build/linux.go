package build

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/bootimage"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
)

const (
	objectISO        = "install-iso"
	objectISOKernel  = "install-iso-kernel"
	objectISOInitrd  = "install-iso-initrd"
	objectTreeKernel = "install-url-kernel"
	objectTreeInitrd = "install-url-initrd"
	objectDriverISO  = "driver-iso"
)

const preseedCmdline = "debian-installer/locale=en_US console-setup/layoutcode=us " +
	"netcfg/choose_interface=auto keyboard-configuration/layoutcode=us priority=critical --"

// linuxDelegate boots a kernel and initrd that fetch the install script
// from the backend's user data endpoint. The kernel comes either from the
// install ISO or from a network tree, and is started directly when the
// backend supports it or through an uploaded boot stub otherwise.
type linuxDelegate struct {
	baseDelegate
	cmdline string

	installCD string
	isoLocal  string
	kernel    cache.Locations
	initrd    cache.Locations
	stubImage string
}

func newRedHatDelegate(plan InstallPlan, prep prepared, env Env) (Delegate, error) {
	if env.Caps.UserDataURL == "" {
		return nil, faults.Validation("the backend serves no user data, so a kickstart cannot be delivered")
	}
	d := &linuxDelegate{baseDelegate: newBase(plan, prep, env), cmdline: "ks=" + env.Caps.UserDataURL}
	if err := d.check(); err != nil {
		return nil, err
	}
	return d, nil
}

func newDebianDelegate(plan InstallPlan, prep prepared, env Env) (Delegate, error) {
	if env.Caps.UserDataURL == "" {
		return nil, faults.Validation("the backend serves no user data, so a preseed cannot be delivered")
	}
	if prep.Type != InstallTree {
		return nil, faults.Validationf("%s installs from a network tree only", plan.OS.ShortID)
	}
	d := &linuxDelegate{
		baseDelegate: newBase(plan, prep, env),
		cmdline:      "preseed/url=" + env.Caps.UserDataURL + " " + preseedCmdline,
	}
	if err := d.check(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *linuxDelegate) check() error {
	if d.prep.Type != InstallISO {
		return nil
	}
	if !d.env.Caps.CDROM {
		return faults.Validation("the backend cannot attach install media: use a tree install")
	}
	if d.plan.Media.ISOSnapshot == "" && d.plan.OS.ISOContent() == nil {
		return faults.Validationf("%s media cannot be booted directly: use a tree install", d.plan.OS.ShortID)
	}
	return nil
}

func (d *linuxDelegate) WantsOpticalContent() bool {
	return d.prep.Type == InstallISO && d.plan.Media.ISOSnapshot == ""
}

func (d *linuxDelegate) OpticalContentManifest() map[string]string {
	if !d.WantsOpticalContent() {
		return nil
	}
	return d.plan.OS.ISOContent()
}

func (d *linuxDelegate) PrepareInstallInstance(ctx context.Context) error {
	if err := d.prepareMedia(ctx); err != nil {
		return err
	}
	if err := d.prepareBootFiles(ctx); err != nil {
		return err
	}
	if d.env.Caps.DirectBoot {
		return nil
	}
	return d.prepareStub(ctx)
}

func (d *linuxDelegate) prepareMedia(ctx context.Context) error {
	if d.prep.Type != InstallISO {
		return nil
	}
	if snapshot := d.plan.Media.ISOSnapshot; snapshot != "" {
		vol, err := d.env.Client.VolumeFromSnapshot(ctx, snapshot, 0)
		if err != nil {
			return fmt.Errorf("create install media from snapshot %s: %w", snapshot, err)
		}
		d.track(ResourceVolume, vol.ID, "install media from "+snapshot)
		if err := lifecycle.WaitForVolume(ctx, d.env.Client, vol.ID, d.env.Ready); err != nil {
			return err
		}
		d.installCD = vol.ID
		return nil
	}

	locs, err := d.env.Cache.RetrieveWith(ctx, d.cacheKey(objectISO), d.prep.ISOSource, cache.Options{
		WantLocal: true,
		Manifest:  d.OpticalContentManifest(),
	})
	if err != nil {
		return fmt.Errorf("retrieve install ISO: %w", err)
	}
	d.installCD = locationID(locs, true)
	if d.installCD == "" {
		return faults.Validationf("install ISO %s has no remote copy", d.prep.ISOSource)
	}
	d.isoLocal = locs.Local
	return nil
}

func (d *linuxDelegate) bootSources() (kernelObj, kernelSrc, initrdObj, initrdSrc string, err error) {
	if d.WantsOpticalContent() {
		manifest := d.OpticalContentManifest()
		return objectISOKernel, cache.ISOMemberSource(d.isoLocal, manifest[objectISOKernel]),
			objectISOInitrd, cache.ISOMemberSource(d.isoLocal, manifest[objectISOInitrd]), nil
	}
	kernel, initrd, err := d.plan.OS.TreeBootFiles(d.prep.TreeURL, d.prep.Config.Arch)
	if err != nil {
		return "", "", "", "", err
	}
	return objectTreeKernel, kernel, objectTreeInitrd, initrd, nil
}

// prepareBootFiles retrieves kernel and initrd concurrently. Direct boot
// needs their remote images; a boot stub needs local copies.
func (d *linuxDelegate) prepareBootFiles(ctx context.Context) error {
	kernelObj, kernelSrc, initrdObj, initrdSrc, err := d.bootSources()
	if err != nil {
		return err
	}
	opts := cache.Options{WantLocal: !d.env.Caps.DirectBoot}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		locs, err := d.env.Cache.RetrieveWith(gctx, d.cacheKey(kernelObj), kernelSrc, opts)
		if err != nil {
			return fmt.Errorf("retrieve kernel: %w", err)
		}
		d.kernel = locs
		return nil
	})
	g.Go(func() error {
		locs, err := d.env.Cache.RetrieveWith(gctx, d.cacheKey(initrdObj), initrdSrc, opts)
		if err != nil {
			return fmt.Errorf("retrieve initrd: %w", err)
		}
		d.initrd = locs
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if d.env.Caps.DirectBoot {
		if d.kernel.RemoteImage == "" || d.initrd.RemoteImage == "" {
			return faults.Validation("direct boot needs remote kernel and initrd images")
		}
		return nil
	}
	if d.kernel.Local == "" || d.initrd.Local == "" {
		return faults.Validation("a boot stub needs local kernel and initrd copies")
	}
	return nil
}

func (d *linuxDelegate) prepareStub(ctx context.Context) error {
	cfg, err := bootimage.RenderSyslinuxConfig(d.cmdline)
	if err != nil {
		return err
	}
	d.env.keep("syslinux.cfg", []byte(cfg), artifacts.BootConfigArtifact)

	disk, err := d.env.Images.BuildBootStub(ctx, bootimage.StubRequest{
		Label:   "kiln-" + shortID(d.env.BuildID),
		Cmdline: d.cmdline,
		Kernel:  d.kernel.Local,
		Ramdisk: d.initrd.Local,
	})
	if err != nil {
		return fmt.Errorf("build boot stub: %w", err)
	}
	d.track(ResourceLocalFile, disk.Path, "boot stub")

	pub, err := d.publisher().Publish(ctx, lifecycle.PublishRequest{UploadRequest: lifecycle.UploadRequest{
		Name:            "INSTALL for: " + d.prep.ImageName,
		Path:            disk.Path,
		DiskFormat:      disk.Format,
		ContainerFormat: "bare",
	}})
	d.track(ResourceImage, pub.ImageID, "boot stub")
	if err != nil {
		return fmt.Errorf("publish boot stub: %w", err)
	}
	d.stubImage = pub.ImageID
	return nil
}

func (d *linuxDelegate) StartInstallInstance(ctx context.Context) (lifecycle.Instance, error) {
	spec := lifecycle.LaunchSpec{
		InstallCD: d.installCD,
		UserData:  []byte(d.prep.Script),
	}
	if d.env.Caps.DirectBoot {
		spec.Root = lifecycle.RootDisk{BlankGB: d.prep.Config.DiskSizeGB}
		spec.KernelImageID = d.kernel.RemoteImage
		spec.RamdiskImageID = d.initrd.RemoteImage
		spec.Cmdline = d.cmdline
	} else {
		spec.Root = lifecycle.RootDisk{ImageID: d.stubImage, SizeGB: d.prep.Config.DiskSizeGB}
	}
	return d.launch(ctx, spec)
}
