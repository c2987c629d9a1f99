package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/bootimage"
	"github.com/cochaviz/kiln/internal/build/records"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/lifecycle"
)

// fakeClient records every mutating call in order.
type fakeClient struct {
	mu sync.Mutex

	caps        lifecycle.Capabilities
	neverSettle bool
	failDelete  map[string]error

	calls      []string
	launched   []lifecycle.LaunchSpec
	uploads    []lifecycle.UploadRequest
	terminated map[string]bool
	activity   uint64
}

var _ lifecycle.Client = (*fakeClient)(nil)

func newFakeClient(caps lifecycle.Capabilities) *fakeClient {
	return &fakeClient{caps: caps, terminated: map[string]bool{}}
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// mutations returns the recorded calls that change remote state.
func (f *fakeClient) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		switch {
		case strings.HasPrefix(c, "InstanceStatus"), strings.HasPrefix(c, "InstanceActivity"),
			strings.HasPrefix(c, "InstanceExists"), strings.HasPrefix(c, "ImageStatus"),
			strings.HasPrefix(c, "VolumeStatus"), c == "Capabilities":
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *fakeClient) Capabilities(context.Context) (lifecycle.Capabilities, error) {
	f.record("Capabilities")
	return f.caps, nil
}

func (f *fakeClient) LaunchInstance(_ context.Context, spec lifecycle.LaunchSpec) (lifecycle.Instance, error) {
	f.record("LaunchInstance")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, spec)
	inst := lifecycle.Instance{ID: "i-1", Name: spec.Name, Status: lifecycle.StatusBuilding}
	if spec.Root.Persistent {
		inst.RootVolumeID = "vol-root"
	}
	return inst, nil
}

func (f *fakeClient) InstanceStatus(context.Context, string) (lifecycle.Status, error) {
	f.record("InstanceStatus")
	if f.neverSettle {
		return lifecycle.StatusActive, nil
	}
	return lifecycle.StatusShutoff, nil
}

func (f *fakeClient) InstanceActivity(context.Context, string) (lifecycle.ActivitySample, error) {
	f.record("InstanceActivity")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity += 1 << 20
	return lifecycle.ActivitySample{DiskBytes: f.activity, At: time.Now()}, nil
}

func (f *fakeClient) InstanceExists(_ context.Context, id string) (bool, error) {
	f.record("InstanceExists")
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.terminated[id], nil
}

func (f *fakeClient) SnapshotInstance(_ context.Context, id, name string) (lifecycle.Image, error) {
	f.record("SnapshotInstance:" + id)
	return lifecycle.Image{ID: "snap-" + id, Name: name, Kind: lifecycle.KindImage, Status: lifecycle.StatusPending}, nil
}

func (f *fakeClient) TerminateInstance(_ context.Context, id string) error {
	f.record("TerminateInstance:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[id] = true
	return nil
}

func (f *fakeClient) UploadImage(_ context.Context, req lifecycle.UploadRequest) (lifecycle.Image, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, req)
	id := fmt.Sprintf("img-%d", len(f.uploads))
	f.mu.Unlock()
	f.record("UploadImage:" + id)
	return lifecycle.Image{ID: id, Name: req.Name, DiskFormat: req.DiskFormat, Status: lifecycle.StatusPending}, nil
}

func (f *fakeClient) ImageStatus(context.Context, string) (lifecycle.Status, error) {
	f.record("ImageStatus")
	return lifecycle.StatusActive, nil
}

func (f *fakeClient) ClearBootProperties(_ context.Context, id string) error {
	f.record("ClearBootProperties:" + id)
	return nil
}

func (f *fakeClient) DeleteImage(_ context.Context, id string) error {
	f.record("DeleteImage:" + id)
	return f.failDelete[id]
}

func (f *fakeClient) CreateVolumeFromImage(_ context.Context, imageID string, sizeGB int) (lifecycle.Volume, error) {
	f.record("CreateVolumeFromImage:" + imageID)
	return lifecycle.Volume{ID: "vol-" + imageID, SizeGB: sizeGB, Status: lifecycle.StatusPending}, nil
}

func (f *fakeClient) VolumeStatus(context.Context, string) (lifecycle.Status, error) {
	f.record("VolumeStatus")
	return lifecycle.StatusActive, nil
}

func (f *fakeClient) SnapshotVolume(_ context.Context, volumeID, name string) (lifecycle.Image, error) {
	f.record("SnapshotVolume:" + volumeID)
	return lifecycle.Image{ID: "vsnap-" + volumeID, Name: name, Kind: lifecycle.KindVolumeSnapshot}, nil
}

func (f *fakeClient) VolumeFromSnapshot(_ context.Context, snapshotID string, sizeGB int) (lifecycle.Volume, error) {
	f.record("VolumeFromSnapshot:" + snapshotID)
	return lifecycle.Volume{ID: "vol-" + snapshotID, SizeGB: sizeGB}, nil
}

func (f *fakeClient) DeleteVolume(_ context.Context, id string) error {
	f.record("DeleteVolume:" + id)
	return f.failDelete[id]
}

func (f *fakeClient) called(call string) bool {
	return slices.Contains(f.mutations(), call)
}

// before reports whether a was recorded before b, both being present.
func (f *fakeClient) before(a, b string) bool {
	calls := f.mutations()
	i, j := slices.Index(calls, a), slices.Index(calls, b)
	return i >= 0 && j >= 0 && i < j
}

type retrieval struct {
	Key    cache.Key
	Source string
	Opts   cache.Options
}

// fakeCache answers every retrieval with predictable locations.
type fakeCache struct {
	mu       sync.Mutex
	requests []retrieval
}

func (c *fakeCache) RetrieveWith(_ context.Context, key cache.Key, source string, opts cache.Options) (cache.Locations, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, retrieval{Key: key, Source: source, Opts: opts})
	locs := cache.Locations{RemoteImage: "img-" + key.Object, RemoteVolume: "vol-" + key.Object}
	if opts.WantLocal {
		locs.Local = "/cache/" + key.FileName()
	}
	return locs, nil
}

func (c *fakeCache) request(object string) (retrieval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.requests {
		if r.Key.Object == object {
			return r, true
		}
	}
	return retrieval{}, false
}

// fakeImages writes placeholder files instead of running the image tools.
type fakeImages struct {
	dir string

	mu       sync.Mutex
	stubs    []bootimage.StubRequest
	respins  []bootimage.RespinRequest
	floppies []string
	outputs  []string
}

func (im *fakeImages) write(name string) (string, error) {
	path := filepath.Join(im.dir, name)
	if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
		return "", err
	}
	im.outputs = append(im.outputs, path)
	return path, nil
}

func (im *fakeImages) BuildBootStub(_ context.Context, req bootimage.StubRequest) (bootimage.Disk, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.stubs = append(im.stubs, req)
	path, err := im.write(req.Label + ".qcow2")
	return bootimage.Disk{Path: path, Format: bootimage.FormatQcow2}, err
}

func (im *fakeImages) RespinOpticalMedia(_ context.Context, req bootimage.RespinRequest) (string, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.respins = append(im.respins, req)
	return im.write("respun.iso")
}

func (im *fakeImages) BuildAnswerFloppy(_ context.Context, answerFile string) (string, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.floppies = append(im.floppies, answerFile)
	return im.write("answer.img")
}

var testCaps = lifecycle.Capabilities{
	CDROM:       true,
	Volumes:     true,
	UserDataURL: "http://169.254.169.254/latest/user-data",
}

var testNow = time.Date(2024, 3, 5, 16, 4, 9, 0, time.UTC)

func newTestService(t *testing.T, client *fakeClient) (*Service, *fakeCache, *fakeImages) {
	t.Helper()
	dir := t.TempDir()
	imagesDir := filepath.Join(dir, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	fast := lifecycle.ReadyOptions{Interval: time.Millisecond, Ceiling: time.Second}
	c := &fakeCache{}
	im := &fakeImages{dir: imagesDir}
	s := &Service{
		Client:    client,
		Cache:     c,
		Images:    im,
		Records:   &records.Store{BaseDir: filepath.Join(dir, "records")},
		Artifacts: &artifacts.LocalStore{BaseDir: filepath.Join(dir, "artifacts")},
		Config: config.BuildConfig{
			InactivityBudget: 2,
			PollInterval:     time.Millisecond,
			MaxPolls:         3,
			DiskSizeGB:       10,
			Flavor:           "2",
			WorkDir:          filepath.Join(dir, "work"),
		},
		Ready:     fast,
		Terminate: fast,
		Address:   fast,
		now:       func() time.Time { return testNow },
	}
	return s, c, im
}
