// Package lifecycle defines the contract kiln uses to drive remote compute,
// volume and image resources, and the backend-independent polling state
// machines built on top of it.
package lifecycle

import (
	"context"
	"time"
)

// Status is the observed state of a remote resource.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusBuilding Status = "BUILD"
	StatusActive   Status = "ACTIVE"
	StatusShutoff  Status = "SHUTOFF"
	StatusPaused   Status = "PAUSED"
	StatusError    Status = "ERROR"
	StatusDeleted  Status = "DELETED"
)

// ImageKind distinguishes instance snapshots from volume snapshots.
type ImageKind string

const (
	KindImage          ImageKind = "image"
	KindVolumeSnapshot ImageKind = "volume-snapshot"
)

// Instance is a handle to a compute instance.
type Instance struct {
	ID     string
	Name   string
	Status Status
	// RootVolumeID is set when the instance boots from a volume.
	RootVolumeID string
}

// Volume is a handle to a block volume.
type Volume struct {
	ID     string
	Name   string
	SizeGB int
	Status Status
}

// Image is a handle to an entry in the image store.
type Image struct {
	ID         string
	Name       string
	Kind       ImageKind
	DiskFormat string
	SizeBytes  int64
	Status     Status
}

// ActivitySample holds cumulative I/O counters for an instance.
type ActivitySample struct {
	DiskBytes uint64
	NetBytes  uint64
	At        time.Time
}

// RootDisk selects what the instance boots from. Exactly one of BlankGB,
// ImageID and VolumeID is set.
type RootDisk struct {
	BlankGB  int
	ImageID  string
	VolumeID string
	// SizeGB grows a disk cloned from ImageID; the image size is the floor.
	SizeGB int
	// Persistent keeps a blank or cloned root disk as a volume that outlives
	// the instance. Its id is reported in Instance.RootVolumeID.
	Persistent bool
}

// LaunchSpec describes an install instance.
type LaunchSpec struct {
	Name   string
	Flavor string
	Root   RootDisk

	// Arch is the guest CPU architecture in qemu spelling; empty means the
	// backend default.
	Arch string

	// Volume ids attached as removable media.
	InstallCD   string
	SecondaryCD string
	Floppy      string

	// Direct kernel boot; only honored when Capabilities.DirectBoot is set.
	KernelImageID  string
	RamdiskImageID string
	Cmdline        string

	UserData []byte
}

// UploadRequest describes a local file to place in the image store.
type UploadRequest struct {
	Name            string
	Path            string
	DiskFormat      string
	ContainerFormat string
	Properties      map[string]string
}

// Capabilities reports what the target environment supports.
type Capabilities struct {
	DirectBoot  bool
	CDROM       bool
	Floppy      bool
	Volumes     bool
	UserDataURL string
}

// Client is implemented by remote backends. Implementations never retain
// the handles they return; callers own them.
type Client interface {
	Capabilities(ctx context.Context) (Capabilities, error)

	LaunchInstance(ctx context.Context, spec LaunchSpec) (Instance, error)
	InstanceStatus(ctx context.Context, id string) (Status, error)
	InstanceActivity(ctx context.Context, id string) (ActivitySample, error)
	InstanceExists(ctx context.Context, id string) (bool, error)
	SnapshotInstance(ctx context.Context, id, name string) (Image, error)
	TerminateInstance(ctx context.Context, id string) error

	UploadImage(ctx context.Context, req UploadRequest) (Image, error)
	ImageStatus(ctx context.Context, id string) (Status, error)
	ClearBootProperties(ctx context.Context, id string) error
	DeleteImage(ctx context.Context, id string) error

	CreateVolumeFromImage(ctx context.Context, imageID string, sizeGB int) (Volume, error)
	VolumeStatus(ctx context.Context, id string) (Status, error)
	SnapshotVolume(ctx context.Context, volumeID, name string) (Image, error)
	VolumeFromSnapshot(ctx context.Context, snapshotID string, sizeGB int) (Volume, error)
	DeleteVolume(ctx context.Context, id string) error
}

// AddressLister is implemented by backends that can report guest addresses.
type AddressLister interface {
	InstanceAddresses(ctx context.Context, id string) ([]string, error)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
