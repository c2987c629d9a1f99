package libvirt

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
)

func rootVolumeName(instance string) string {
	return instance + "-root"
}

// LaunchInstance defines and starts a persistent domain. The domain is kept
// after power-off so its status reads SHUTOFF until it is terminated.
func (b *Backend) LaunchInstance(ctx context.Context, spec lifecycle.LaunchSpec) (inst lifecycle.Instance, err error) {
	if spec.Name == "" {
		return lifecycle.Instance{}, faults.Validation("instance name is required")
	}
	if err := b.ensurePools(); err != nil {
		return lifecycle.Instance{}, err
	}
	logger := b.logger.With("instance", spec.Name)

	r := resolvedLaunch{Spec: spec}
	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			if cErr := cleanup[i](); cErr != nil {
				logger.Warn("launch cleanup failed", "error", cErr)
			}
		}
	}()

	if err := b.resolveRoot(&r, &inst, &cleanup); err != nil {
		return lifecycle.Instance{}, err
	}

	for _, m := range []struct {
		id  string
		dst *string
	}{
		{spec.InstallCD, &r.InstallCD},
		{spec.SecondaryCD, &r.Secondary},
		{spec.Floppy, &r.Floppy},
	} {
		if m.id == "" {
			continue
		}
		if *m.dst, err = b.volumePath(m.id); err != nil {
			return lifecycle.Instance{}, err
		}
	}

	if spec.KernelImageID != "" {
		if !b.cfg.DirectBoot {
			return lifecycle.Instance{}, faults.Validation("direct kernel boot is not enabled for this backend")
		}
		if r.Kernel, err = b.volumePath(spec.KernelImageID); err != nil {
			return lifecycle.Instance{}, err
		}
		if r.Ramdisk, err = b.volumePath(spec.RamdiskImageID); err != nil {
			return lifecycle.Instance{}, err
		}
	}

	if len(spec.UserData) > 0 {
		r.ConfigCD = b.configDrivePath(spec.Name)
		if err := writeConfigDrive(r.ConfigCD, spec.UserData); err != nil {
			return lifecycle.Instance{}, err
		}
		cleanup = append(cleanup, func() error { return removeIfExists(r.ConfigCD) })
	}

	data, err := buildDomainTemplateData(b.cfg, r)
	if err != nil {
		return lifecycle.Instance{}, err
	}
	desc, err := renderDomainXML(data)
	if err != nil {
		return lifecycle.Instance{}, err
	}

	dom, err := b.conn.DomainDefineXML(desc)
	if err != nil {
		return lifecycle.Instance{}, faults.Transientf(err, "define domain %s", spec.Name)
	}
	defer dom.Free()
	if err := dom.Create(); err != nil {
		if undefErr := dom.Undefine(); undefErr != nil {
			logger.Warn("undefine failed domain", "error", undefErr)
		}
		return lifecycle.Instance{}, faults.Transientf(err, "start domain %s", spec.Name)
	}

	logger.Info("started domain", "virt_type", data.VirtType, "arch", data.Arch, "direct_boot", r.Kernel != "")
	inst.ID = spec.Name
	inst.Name = spec.Name
	inst.Status = lifecycle.StatusBuilding
	return inst, nil
}

// resolveRoot provides the root disk. Blank disks and image clones are
// created as <name>-root in the volume pool and removed with the instance,
// unless the root is persistent, in which case they get a volume id.
func (b *Backend) resolveRoot(r *resolvedLaunch, inst *lifecycle.Instance, cleanup *[]func() error) error {
	root := r.Spec.Root
	name := rootVolumeName(r.Spec.Name)
	if root.Persistent {
		name = "vol-" + uuid.NewString()
	}

	switch {
	case root.VolumeID != "":
		path, err := b.volumePath(root.VolumeID)
		if err != nil {
			return err
		}
		r.RootPath, r.RootFormat = path, "qcow2"
		inst.RootVolumeID = root.VolumeID
		if props, perr := b.props.load(root.VolumeID); perr == nil && props[propDiskFormat] != "" {
			r.RootFormat = volumeFormat(props[propDiskFormat])
		}
		return nil

	case root.ImageID != "":
		props, err := b.props.load(root.ImageID)
		if err != nil {
			return err
		}
		format := volumeFormat(props[propDiskFormat])
		if err := b.clone(b.cfg.ImagePool, root.ImageID, b.cfg.VolumePool, name, uint64(max(root.SizeGB, 0))*gib, format); err != nil {
			return err
		}
		r.RootFormat = format

	case root.BlankGB > 0:
		pool, err := b.pool(b.cfg.VolumePool)
		if err != nil {
			return err
		}
		defer pool.Free()
		desc, err := renderVolumeXML(name, uint64(root.BlankGB)*gib, "qcow2")
		if err != nil {
			return err
		}
		vol, err := pool.StorageVolCreateXML(desc, 0)
		if err != nil {
			return faults.Transientf(err, "create root disk %s", name)
		}
		vol.Free()
		r.RootFormat = "qcow2"

	default:
		return faults.Validation("launch needs a blank size, an image or a volume for the root disk")
	}

	*cleanup = append(*cleanup, func() error { return b.deleteStored(b.cfg.VolumePool, name) })
	path, err := b.volumePath(name)
	if err != nil {
		return err
	}
	r.RootPath = path
	if root.Persistent {
		inst.RootVolumeID = name
	}
	return nil
}

func (b *Backend) lookupDomain(id string) (*libvirt.Domain, error) {
	return b.conn.LookupDomainByName(id)
}

// InstanceStatus maps the domain state onto lifecycle statuses.
func (b *Backend) InstanceStatus(_ context.Context, id string) (lifecycle.Status, error) {
	dom, err := b.lookupDomain(id)
	if err != nil {
		if isNotFound(err) {
			return lifecycle.StatusDeleted, nil
		}
		return "", remote(err, "look up instance %s", id)
	}
	defer dom.Free()
	state, _, err := dom.GetState()
	if err != nil {
		return "", remote(err, "query state of %s", id)
	}
	return mapState(state), nil
}

func mapState(state libvirt.DomainState) lifecycle.Status {
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return lifecycle.StatusActive
	case libvirt.DOMAIN_SHUTOFF, libvirt.DOMAIN_SHUTDOWN, libvirt.DOMAIN_CRASHED:
		return lifecycle.StatusShutoff
	case libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_PMSUSPENDED:
		return lifecycle.StatusPaused
	default:
		return lifecycle.StatusBuilding
	}
}

// InstanceExists reports whether the domain is still defined.
func (b *Backend) InstanceExists(_ context.Context, id string) (bool, error) {
	dom, err := b.lookupDomain(id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, remote(err, "look up instance %s", id)
	}
	dom.Free()
	return true, nil
}

// InstanceActivity sums block read/write bytes over the writable disks and
// rx/tx bytes over the interfaces.
func (b *Backend) InstanceActivity(_ context.Context, id string) (lifecycle.ActivitySample, error) {
	dom, err := b.lookupDomain(id)
	if err != nil {
		return lifecycle.ActivitySample{}, remote(err, "look up instance %s", id)
	}
	defer dom.Free()

	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return lifecycle.ActivitySample{}, remote(err, "describe instance %s", id)
	}
	devices, err := parseDomainDevices(desc)
	if err != nil {
		return lifecycle.ActivitySample{}, err
	}

	var sample lifecycle.ActivitySample
	for _, dev := range devices.diskTargets() {
		stats, err := dom.BlockStats(dev)
		if err != nil {
			return lifecycle.ActivitySample{}, remote(err, "block stats for %s on %s", dev, id)
		}
		sample.DiskBytes += nonNegative(stats.RdBytes) + nonNegative(stats.WrBytes)
	}
	for _, dev := range devices.interfaceTargets() {
		stats, err := dom.InterfaceStats(dev)
		if err != nil {
			return lifecycle.ActivitySample{}, remote(err, "interface stats for %s on %s", dev, id)
		}
		sample.NetBytes += nonNegative(stats.RxBytes) + nonNegative(stats.TxBytes)
	}
	sample.At = b.now()
	return sample, nil
}

// nonNegative drops libvirt's -1 for counters the driver does not report.
func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// InstanceAddresses returns the IPv4 addresses handed out by the network's
// DHCP server.
func (b *Backend) InstanceAddresses(_ context.Context, id string) ([]string, error) {
	dom, err := b.lookupDomain(id)
	if err != nil {
		return nil, remote(err, "look up instance %s", id)
	}
	defer dom.Free()
	ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		return nil, remote(err, "list addresses of %s", id)
	}
	var out []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if ip := net.ParseIP(addr.Addr); ip != nil && ip.To4() != nil {
				out = append(out, ip.String())
			}
		}
	}
	return out, nil
}

// SnapshotInstance copies the instance's root disk into the image pool in
// the background. The instance should be shut off first.
func (b *Backend) SnapshotInstance(ctx context.Context, id, name string) (lifecycle.Image, error) {
	dom, err := b.lookupDomain(id)
	if err != nil {
		return lifecycle.Image{}, remote(err, "look up instance %s", id)
	}
	desc, err := dom.GetXMLDesc(0)
	dom.Free()
	if err != nil {
		return lifecycle.Image{}, remote(err, "describe instance %s", id)
	}
	devices, err := parseDomainDevices(desc)
	if err != nil {
		return lifecycle.Image{}, err
	}
	source := devices.rootSource()
	if source == "" {
		return lifecycle.Image{}, faults.Validationf("instance %s has no root disk", id)
	}

	imageID := "img-" + uuid.NewString()
	if err := b.props.save(imageID, map[string]string{
		propName:            name,
		propKind:            string(lifecycle.KindImage),
		propDiskFormat:      "qcow2",
		propContainerFormat: "bare",
	}); err != nil {
		return lifecycle.Image{}, err
	}
	b.jobs.start(ctx, imageID, func(context.Context) error {
		src, err := b.conn.LookupStorageVolByPath(source)
		if err != nil {
			return remote(err, "look up root disk %s", source)
		}
		defer src.Free()
		return b.cloneVolume(src, b.cfg.ImagePool, imageID, 0, "qcow2")
	})
	b.logger.Info("snapshotting instance", "instance", id, "image_id", imageID, "source", source)
	return lifecycle.Image{ID: imageID, Name: name, Kind: lifecycle.KindImage, DiskFormat: "qcow2", Status: lifecycle.StatusPending}, nil
}

// TerminateInstance destroys and undefines the domain and removes the root
// disk and config drive it owns. Volumes passed in by id are left alone.
func (b *Backend) TerminateInstance(_ context.Context, id string) error {
	dom, err := b.lookupDomain(id)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return remote(err, "look up instance %s", id)
	}
	defer dom.Free()

	active, err := dom.IsActive()
	if err != nil && !isNotFound(err) {
		return remote(err, "query instance %s", id)
	}
	if active {
		if err := dom.Destroy(); err != nil && !isLibvirtError(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
			return remote(err, "destroy instance %s", id)
		}
	}
	if err := dom.Undefine(); err != nil && !isNotFound(err) {
		return remote(err, "undefine instance %s", id)
	}

	var errs []error
	if err := b.deleteStored(b.cfg.VolumePool, rootVolumeName(id)); err != nil {
		errs = append(errs, fmt.Errorf("delete root disk: %w", err))
	}
	if err := removeIfExists(b.configDrivePath(id)); err != nil {
		errs = append(errs, fmt.Errorf("remove config drive: %w", err))
	}
	b.logger.Info("terminated instance", "instance", id)
	return errors.Join(errs...)
}
