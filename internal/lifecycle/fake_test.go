package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// fakeClient scripts status and activity responses for the polling loops.
type fakeClient struct {
	mu sync.Mutex

	statuses   []Status
	samples    []ActivitySample
	sampleErrs map[int]error

	imageStatuses  []Status
	volumeStatuses []Status
	existsAfter    int

	statusCalls   int
	activityCalls int
	existsCalls   int
	imageCalls    int
	volumeCalls   int

	uploaded       []UploadRequest
	deletedVolumes []string
	deletedImages  []string
	volumeErr      error
	deleteImageErr error
	caps           Capabilities
	imageSize      int64
	volumeSizes    []int
}

var _ Client = (*fakeClient)(nil)

func next[T any](seq []T, i int) T {
	if len(seq) == 0 {
		var zero T
		return zero
	}
	if i >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[i]
}

func (f *fakeClient) Capabilities(context.Context) (Capabilities, error) { return f.caps, nil }

func (f *fakeClient) LaunchInstance(_ context.Context, spec LaunchSpec) (Instance, error) {
	return Instance{ID: "i-" + spec.Name, Name: spec.Name, Status: StatusBuilding}, nil
}

func (f *fakeClient) InstanceStatus(context.Context, string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := next(f.statuses, f.statusCalls)
	f.statusCalls++
	if s == "" {
		s = StatusActive
	}
	return s, nil
}

func (f *fakeClient) InstanceActivity(context.Context, string) (ActivitySample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.activityCalls
	f.activityCalls++
	if err, ok := f.sampleErrs[i]; ok {
		return ActivitySample{}, err
	}
	return next(f.samples, i), nil
}

func (f *fakeClient) InstanceExists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	return f.existsCalls <= f.existsAfter, nil
}

func (f *fakeClient) SnapshotInstance(_ context.Context, id, name string) (Image, error) {
	return Image{ID: "snap-" + id, Name: name, Kind: KindImage, Status: StatusPending}, nil
}

func (f *fakeClient) TerminateInstance(context.Context, string) error { return nil }

func (f *fakeClient) UploadImage(_ context.Context, req UploadRequest) (Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, req)
	return Image{ID: fmt.Sprintf("img-%d", len(f.uploaded)), Name: req.Name, SizeBytes: f.imageSize, Status: StatusPending}, nil
}

func (f *fakeClient) ImageStatus(context.Context, string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := next(f.imageStatuses, f.imageCalls)
	f.imageCalls++
	if s == "" {
		s = StatusActive
	}
	return s, nil
}

func (f *fakeClient) ClearBootProperties(context.Context, string) error { return nil }

func (f *fakeClient) DeleteImage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteImageErr != nil {
		return f.deleteImageErr
	}
	f.deletedImages = append(f.deletedImages, id)
	return nil
}

func (f *fakeClient) CreateVolumeFromImage(_ context.Context, imageID string, sizeGB int) (Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumeSizes = append(f.volumeSizes, sizeGB)
	if f.volumeErr != nil {
		return Volume{}, f.volumeErr
	}
	return Volume{ID: "vol-" + imageID, SizeGB: sizeGB, Status: StatusPending}, nil
}

func (f *fakeClient) VolumeStatus(context.Context, string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := next(f.volumeStatuses, f.volumeCalls)
	f.volumeCalls++
	if s == "" {
		s = StatusActive
	}
	return s, nil
}

func (f *fakeClient) SnapshotVolume(_ context.Context, volumeID, name string) (Image, error) {
	return Image{ID: "vsnap-" + volumeID, Name: name, Kind: KindVolumeSnapshot}, nil
}

func (f *fakeClient) VolumeFromSnapshot(_ context.Context, snapshotID string, sizeGB int) (Volume, error) {
	return Volume{ID: "vol-" + snapshotID, SizeGB: sizeGB}, nil
}

func (f *fakeClient) DeleteVolume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedVolumes = append(f.deletedVolumes, id)
	return nil
}

var errStatsUnavailable = errors.New("domain stats unavailable")
