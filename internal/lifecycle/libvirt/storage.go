package libvirt

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/retry"
)

const (
	gib         = 1 << 30
	uploadChunk = 4 << 20
)

type poolXML struct {
	XMLName xml.Name `xml:"pool"`
	Type    string   `xml:"type,attr"`
	Name    string   `xml:"name"`
	Target  struct {
		Path string `xml:"path"`
	} `xml:"target"`
}

type volumeXML struct {
	XMLName  xml.Name `xml:"volume"`
	Name     string   `xml:"name"`
	Capacity struct {
		Unit  string `xml:"unit,attr"`
		Value uint64 `xml:",chardata"`
	} `xml:"capacity"`
	Target struct {
		Format struct {
			Type string `xml:"type,attr"`
		} `xml:"format"`
	} `xml:"target"`
}

func renderPoolXML(name, dir string) (string, error) {
	p := poolXML{Type: "dir", Name: name}
	p.Target.Path = dir
	out, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode pool %s: %w", name, err)
	}
	return string(out), nil
}

func renderVolumeXML(name string, capacityBytes uint64, format string) (string, error) {
	v := volumeXML{Name: name}
	v.Capacity.Unit = "bytes"
	v.Capacity.Value = capacityBytes
	v.Target.Format.Type = format
	out, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode volume %s: %w", name, err)
	}
	return string(out), nil
}

// volumeFormat maps an image store disk format onto a storage volume format.
// Kernels, ramdisks and ISOs are plain byte streams.
func volumeFormat(diskFormat string) string {
	if diskFormat == "qcow2" {
		return "qcow2"
	}
	return "raw"
}

// ensurePools defines, builds and starts the image and volume pools the
// first time any storage call needs them.
func (b *Backend) ensurePools() error {
	b.poolsOnce.Do(func() {
		for _, name := range []string{b.cfg.ImagePool, b.cfg.VolumePool} {
			if err := b.ensurePool(name); err != nil {
				b.poolsErr = err
				return
			}
		}
	})
	return b.poolsErr
}

func (b *Backend) ensurePool(name string) error {
	pool, err := b.conn.LookupStoragePoolByName(name)
	if err != nil {
		if !isLibvirtError(err, libvirt.ERR_NO_STORAGE_POOL) {
			return faults.Transientf(err, "look up storage pool %s", name)
		}
		dir := filepath.Join(b.cfg.PoolDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pool directory %s: %w", dir, err)
		}
		desc, err := renderPoolXML(name, dir)
		if err != nil {
			return err
		}
		pool, err = b.conn.StoragePoolDefineXML(desc, 0)
		if err != nil {
			return faults.Transientf(err, "define storage pool %s", name)
		}
		if err := pool.Build(libvirt.STORAGE_POOL_BUILD_NEW); err != nil && !isLibvirtError(err, libvirt.ERR_OPERATION_INVALID) {
			pool.Free()
			return faults.Transientf(err, "build storage pool %s", name)
		}
		b.logger.Info("defined storage pool", "pool", name, "path", dir)
	}
	defer pool.Free()

	active, err := pool.IsActive()
	if err != nil {
		return faults.Transientf(err, "query storage pool %s", name)
	}
	if !active {
		if err := pool.Create(0); err != nil {
			return faults.Transientf(err, "start storage pool %s", name)
		}
	}
	if err := pool.SetAutostart(true); err != nil {
		b.logger.Warn("unable to set pool autostart", "pool", name, "error", err)
	}
	return nil
}

func (b *Backend) pool(name string) (*libvirt.StoragePool, error) {
	if err := b.ensurePools(); err != nil {
		return nil, err
	}
	pool, err := b.conn.LookupStoragePoolByName(name)
	if err != nil {
		return nil, faults.Transientf(err, "look up storage pool %s", name)
	}
	return pool, nil
}

// lookupVolume returns the named volume in pool. The caller frees it.
func (b *Backend) lookupVolume(poolName, id string) (*libvirt.StorageVol, error) {
	pool, err := b.pool(poolName)
	if err != nil {
		return nil, err
	}
	defer pool.Free()
	vol, err := pool.LookupStorageVolByName(id)
	if err != nil {
		return nil, err
	}
	return vol, nil
}

// volumePath resolves id in the volume pool, then the image pool.
func (b *Backend) volumePath(id string) (string, error) {
	var lastErr error
	for _, poolName := range []string{b.cfg.VolumePool, b.cfg.ImagePool} {
		vol, err := b.lookupVolume(poolName, id)
		if err != nil {
			lastErr = err
			continue
		}
		path, err := vol.GetPath()
		vol.Free()
		if err != nil {
			return "", faults.Transientf(err, "resolve path of %s", id)
		}
		return path, nil
	}
	return "", remote(lastErr, "resolve %s", id)
}

// UploadImage streams req.Path into a new volume in the image pool.
func (b *Backend) UploadImage(ctx context.Context, req lifecycle.UploadRequest) (lifecycle.Image, error) {
	if req.Path == "" {
		return lifecycle.Image{}, faults.Validation("upload needs a local path")
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		return lifecycle.Image{}, faults.Validationf("stat upload source %s: %v", req.Path, err)
	}
	size := uint64(info.Size())
	id := "img-" + uuid.NewString()
	logger := b.logger.With("image_id", id, "name", req.Name)

	err = retry.Do(ctx, func(ctx context.Context) error {
		return b.uploadOnce(ctx, id, volumeFormat(req.DiskFormat), req.Path, size)
	}, retry.WithMaxRetries(2))
	if err != nil {
		return lifecycle.Image{}, err
	}

	props := map[string]string{
		propName:            req.Name,
		propKind:            string(lifecycle.KindImage),
		propDiskFormat:      req.DiskFormat,
		propContainerFormat: req.ContainerFormat,
	}
	for k, v := range req.Properties {
		props[k] = v
	}
	if err := b.props.save(id, props); err != nil {
		return lifecycle.Image{}, err
	}
	logger.Info("uploaded image", "bytes", size)
	return lifecycle.Image{
		ID:         id,
		Name:       req.Name,
		Kind:       lifecycle.KindImage,
		DiskFormat: req.DiskFormat,
		SizeBytes:  info.Size(),
		Status:     lifecycle.StatusActive,
	}, nil
}

func (b *Backend) uploadOnce(ctx context.Context, id, format, path string, size uint64) (err error) {
	pool, err := b.pool(b.cfg.ImagePool)
	if err != nil {
		return err
	}
	defer pool.Free()

	desc, err := renderVolumeXML(id, size, format)
	if err != nil {
		return retry.Fatal(err)
	}
	vol, err := pool.StorageVolCreateXML(desc, 0)
	if err != nil {
		return faults.Transientf(err, "create volume %s", id)
	}
	defer func() {
		if err != nil {
			if delErr := vol.Delete(libvirt.STORAGE_VOL_DELETE_NORMAL); delErr != nil {
				err = errors.Join(err, fmt.Errorf("delete partial volume %s: %w", id, delErr))
			}
		}
		vol.Free()
	}()

	stream, err := b.conn.NewStream(0)
	if err != nil {
		return faults.Transientf(err, "open upload stream")
	}
	defer stream.Free()
	if err := vol.Upload(stream, 0, size, 0); err != nil {
		return faults.Transientf(err, "start upload to %s", id)
	}

	f, err := os.Open(path)
	if err != nil {
		stream.Abort()
		return retry.Fatal(fmt.Errorf("open upload source: %w", err))
	}
	defer f.Close()

	if err := sendAll(ctx, stream, f); err != nil {
		stream.Abort()
		return err
	}
	if err := stream.Finish(); err != nil {
		return faults.Transientf(err, "finish upload to %s", id)
	}
	return nil
}

// sender is the part of a libvirt stream sendAll writes to.
type sender interface {
	Send(p []byte) (int, error)
}

// sendAll copies r into s in chunks, checking ctx between chunks.
func sendAll(ctx context.Context, s sender, r io.Reader) error {
	buf := make([]byte, uploadChunk)
	for {
		if err := ctx.Err(); err != nil {
			return retry.Fatal(err)
		}
		n, readErr := r.Read(buf)
		for off := 0; off < n; {
			sent, err := s.Send(buf[off:n])
			if err != nil {
				return faults.Transientf(err, "send upload data")
			}
			off += sent
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return retry.Fatal(fmt.Errorf("read upload source: %w", readErr))
		}
	}
}

// ImageStatus reports pending while a snapshot copy is still running.
func (b *Backend) ImageStatus(_ context.Context, id string) (lifecycle.Status, error) {
	return b.storedStatus(b.cfg.ImagePool, id)
}

// VolumeStatus is ImageStatus for the volume pool.
func (b *Backend) VolumeStatus(_ context.Context, id string) (lifecycle.Status, error) {
	return b.storedStatus(b.cfg.VolumePool, id)
}

func (b *Backend) storedStatus(poolName, id string) (lifecycle.Status, error) {
	if job, ok := b.jobs.status(id); ok && job.Status != lifecycle.StatusActive {
		if job.Err != nil {
			b.logger.Warn("copy job failed", "id", id, "error", job.Err)
		}
		return job.Status, nil
	}
	vol, err := b.lookupVolume(poolName, id)
	if err != nil {
		if isNotFound(err) {
			return lifecycle.StatusDeleted, nil
		}
		return "", remote(err, "look up %s", id)
	}
	vol.Free()
	return lifecycle.StatusActive, nil
}

// ClearBootProperties drops the direct-boot references from an image.
func (b *Backend) ClearBootProperties(_ context.Context, id string) error {
	return b.props.drop(id, bootPropertyKeys...)
}

// DeleteImage removes an image and its properties. Missing images are not
// an error.
func (b *Backend) DeleteImage(_ context.Context, id string) error {
	if err := b.deleteStored(b.cfg.ImagePool, id); err != nil {
		return err
	}
	return b.props.remove(id)
}

// DeleteVolume removes a volume. Missing volumes are not an error.
func (b *Backend) DeleteVolume(_ context.Context, id string) error {
	return b.deleteStored(b.cfg.VolumePool, id)
}

func (b *Backend) deleteStored(poolName, id string) error {
	if job, ok := b.jobs.status(id); ok && job.Status == lifecycle.StatusPending {
		return faults.Transientf(nil, "%s is still being copied", id)
	}
	vol, err := b.lookupVolume(poolName, id)
	if err != nil {
		if isNotFound(err) {
			b.jobs.forget(id)
			return nil
		}
		return remote(err, "look up %s", id)
	}
	defer vol.Free()
	if err := vol.Delete(libvirt.STORAGE_VOL_DELETE_NORMAL); err != nil && !isNotFound(err) {
		return remote(err, "delete %s", id)
	}
	b.jobs.forget(id)
	b.logger.Info("deleted volume", "pool", poolName, "id", id)
	return nil
}

// CreateVolumeFromImage clones an image into the volume pool in the
// background.
func (b *Backend) CreateVolumeFromImage(ctx context.Context, imageID string, sizeGB int) (lifecycle.Volume, error) {
	return b.cloneToVolume(ctx, imageID, sizeGB)
}

// VolumeFromSnapshot clones a volume snapshot into a new volume.
func (b *Backend) VolumeFromSnapshot(ctx context.Context, snapshotID string, sizeGB int) (lifecycle.Volume, error) {
	return b.cloneToVolume(ctx, snapshotID, sizeGB)
}

func (b *Backend) cloneToVolume(ctx context.Context, imageID string, sizeGB int) (lifecycle.Volume, error) {
	if imageID == "" {
		return lifecycle.Volume{}, faults.Validation("volume source image is required")
	}
	props, err := b.props.load(imageID)
	if err != nil {
		return lifecycle.Volume{}, err
	}
	id := "vol-" + uuid.NewString()
	format := volumeFormat(props[propDiskFormat])
	b.jobs.start(ctx, id, func(context.Context) error {
		return b.clone(b.cfg.ImagePool, imageID, b.cfg.VolumePool, id, uint64(sizeGB)*gib, format)
	})
	b.logger.Info("cloning image into volume", "image_id", imageID, "volume_id", id, "size_gb", sizeGB)
	return lifecycle.Volume{ID: id, Name: id, SizeGB: sizeGB, Status: lifecycle.StatusPending}, nil
}

// SnapshotVolume copies a volume into the image pool.
func (b *Backend) SnapshotVolume(ctx context.Context, volumeID, name string) (lifecycle.Image, error) {
	if volumeID == "" {
		return lifecycle.Image{}, faults.Validation("volume id is required")
	}
	id := "snap-" + uuid.NewString()
	if err := b.props.save(id, map[string]string{
		propName:       name,
		propKind:       string(lifecycle.KindVolumeSnapshot),
		propDiskFormat: "qcow2",
	}); err != nil {
		return lifecycle.Image{}, err
	}
	b.jobs.start(ctx, id, func(context.Context) error {
		return b.clone(b.cfg.VolumePool, volumeID, b.cfg.ImagePool, id, 0, "qcow2")
	})
	b.logger.Info("snapshotting volume", "volume_id", volumeID, "snapshot_id", id)
	return lifecycle.Image{ID: id, Name: name, Kind: lifecycle.KindVolumeSnapshot, DiskFormat: "qcow2", Status: lifecycle.StatusPending}, nil
}

// clone copies srcID from srcPool into dstPool as dstID. A zero capacity
// keeps the source's.
func (b *Backend) clone(srcPool, srcID, dstPool, dstID string, capacity uint64, format string) error {
	src, err := b.lookupVolume(srcPool, srcID)
	if err != nil {
		return remote(err, "look up %s", srcID)
	}
	defer src.Free()
	return b.cloneVolume(src, dstPool, dstID, capacity, format)
}

func (b *Backend) cloneVolume(src *libvirt.StorageVol, dstPool, dstID string, capacity uint64, format string) error {
	info, err := src.GetInfo()
	if err != nil {
		return faults.Transientf(err, "query source of %s", dstID)
	}
	if capacity < info.Capacity {
		capacity = info.Capacity
	}
	pool, err := b.pool(dstPool)
	if err != nil {
		return err
	}
	defer pool.Free()

	desc, err := renderVolumeXML(dstID, capacity, format)
	if err != nil {
		return err
	}
	vol, err := pool.StorageVolCreateXMLFrom(desc, src, 0)
	if err != nil {
		return faults.Transientf(err, "clone into %s", dstID)
	}
	vol.Free()
	return nil
}
