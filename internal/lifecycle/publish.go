package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/kiln/internal/logging"
)

const gib = 1 << 30

// Publisher places local artifacts in the image store and, when asked and
// supported, materializes them as volumes.
type Publisher struct {
	Client Client
	Ready  ReadyOptions
	Logger *slog.Logger
}

// PublishRequest describes one artifact to publish.
type PublishRequest struct {
	UploadRequest
	WantVolume bool
}

// Published holds the remote ids created for an artifact.
type Published struct {
	ImageID  string
	VolumeID string
}

func (p *Publisher) logger() *slog.Logger {
	return logging.Ensure(p.Logger)
}

// Publish uploads req.Path and waits for the image to become active. If a
// volume is requested and the environment has volumes, one is created from
// the image sized to the next whole GiB. When any step after the upload
// fails, the volume and the image are deleted before returning. Ids that
// could not be deleted are returned alongside the error.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (Published, error) {
	if p.Client == nil {
		return Published{}, errors.New("publisher has no client")
	}
	logger := p.logger().With("name", req.Name)

	logger.Info("uploading image", "path", req.Path, "disk_format", req.DiskFormat)
	image, err := p.Client.UploadImage(ctx, req.UploadRequest)
	if err != nil {
		return Published{}, fmt.Errorf("upload %s: %w", req.Name, err)
	}
	logger.Info("uploaded image", "image_id", image.ID)

	out := Published{ImageID: image.ID}
	if err := WaitForImage(ctx, p.Client, image.ID, p.Ready); err != nil {
		return p.rollback(ctx, logger, out, err)
	}
	if !req.WantVolume {
		return out, nil
	}

	caps, err := p.Client.Capabilities(ctx)
	if err != nil {
		return p.rollback(ctx, logger, out, fmt.Errorf("query capabilities: %w", err))
	}
	if !caps.Volumes {
		return out, nil
	}

	sizeGB := int(image.SizeBytes/gib) + 1
	volume, err := p.Client.CreateVolumeFromImage(ctx, image.ID, sizeGB)
	if err != nil {
		return p.rollback(ctx, logger, out, fmt.Errorf("create volume from image %s: %w", image.ID, err))
	}
	logger.Info("created volume from image", "image_id", image.ID, "volume_id", volume.ID, "size_gb", sizeGB)

	out.VolumeID = volume.ID
	if err := WaitForVolume(ctx, p.Client, volume.ID, p.Ready); err != nil {
		logger.Warn("volume never became ready", "volume_id", volume.ID, "error", err)
		return p.rollback(ctx, logger, out, err)
	}
	return out, nil
}

// rollback deletes what a failed publish created, volume first. The
// returned Published names only what is still left behind.
func (p *Publisher) rollback(ctx context.Context, logger *slog.Logger, created Published, cause error) (Published, error) {
	ctx = context.WithoutCancel(ctx)
	var left Published
	err := cause
	if created.VolumeID != "" {
		if delErr := p.Client.DeleteVolume(ctx, created.VolumeID); delErr != nil {
			left.VolumeID = created.VolumeID
			err = errors.Join(err, fmt.Errorf("delete volume %s: %w", created.VolumeID, delErr))
		}
	}
	if created.ImageID != "" {
		if delErr := p.Client.DeleteImage(ctx, created.ImageID); delErr != nil {
			left.ImageID = created.ImageID
			err = errors.Join(err, fmt.Errorf("delete image %s: %w", created.ImageID, delErr))
		}
	}
	logger.Warn("publish failed; removed partial upload", "image_id", created.ImageID, "volume_id", created.VolumeID, "left_image_id", left.ImageID, "left_volume_id", left.VolumeID)
	return left, err
}
