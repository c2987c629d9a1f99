package build

import (
	"context"

	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/lifecycle"
)

// CacheUploader publishes cache entries through a lifecycle.Publisher.
type CacheUploader struct {
	Publisher *lifecycle.Publisher
}

var _ cache.Uploader = CacheUploader{}

func (u CacheUploader) Upload(ctx context.Context, req cache.UploadRequest) (cache.Locations, error) {
	pub, err := u.Publisher.Publish(ctx, lifecycle.PublishRequest{
		UploadRequest: lifecycle.UploadRequest{
			Name:            "kiln cache: " + req.Key.String(),
			Path:            req.Path,
			DiskFormat:      req.DiskFormat,
			ContainerFormat: req.ContainerFormat,
			Properties:      map[string]string{"kiln_cache_key": req.Key.String()},
		},
		WantVolume: req.WantVolume,
	})
	return cache.Locations{RemoteImage: pub.ImageID, RemoteVolume: pub.VolumeID}, err
}
