package build

import (
	"context"
	"log/slog"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/bootimage"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/osinfo"
)

// Delegate carries the family-specific part of a build. The orchestrator
// drives it through PREPARE and START and asks it to clean up afterwards.
type Delegate interface {
	// WantsOpticalContent reports whether the install ISO is unpacked for
	// direct boot, and OpticalContentManifest what to unpack.
	WantsOpticalContent() bool
	OpticalContentManifest() map[string]string

	PrepareInstallInstance(ctx context.Context) error
	StartInstallInstance(ctx context.Context) (lifecycle.Instance, error)
	UpdateStatus() Status

	// Abort terminates the install instance, if one was launched.
	Abort(ctx context.Context) error
	// Cleanup removes every transient resource the delegate created. A
	// failing step does not stop the others.
	Cleanup(ctx context.Context) error
	// Artifacts lists the transient resources still owned by the delegate.
	Artifacts() []Resource
}

// MediaCache is the part of the object cache a delegate uses.
type MediaCache interface {
	RetrieveWith(ctx context.Context, key cache.Key, source string, opts cache.Options) (cache.Locations, error)
}

// ImageAssembler builds the local disk images a delegate uploads.
type ImageAssembler interface {
	BuildBootStub(ctx context.Context, req bootimage.StubRequest) (bootimage.Disk, error)
	RespinOpticalMedia(ctx context.Context, req bootimage.RespinRequest) (string, error)
	BuildAnswerFloppy(ctx context.Context, answerFile string) (string, error)
}

var (
	_ MediaCache     = (*cache.ObjectCache)(nil)
	_ ImageAssembler = (*bootimage.Assembler)(nil)
)

// Env is what a delegate may touch while it runs.
type Env struct {
	BuildID string
	Client  lifecycle.Client
	Caps    lifecycle.Capabilities
	Cache   MediaCache
	Images  ImageAssembler
	Ready   lifecycle.ReadyOptions
	WorkDir string
	Logger  *slog.Logger

	// Keep records a companion artifact of the build. It may be nil.
	Keep func(name string, data []byte, kind artifacts.Kind)
}

func (e Env) keep(name string, data []byte, kind artifacts.Kind) {
	if e.Keep != nil {
		e.Keep(name, data, kind)
	}
}

type delegateFactory func(plan InstallPlan, prep prepared, env Env) (Delegate, error)

var delegates = map[osinfo.Family]delegateFactory{
	osinfo.FamilyRedHat:  newRedHatDelegate,
	osinfo.FamilyDebian:  newDebianDelegate,
	osinfo.FamilyWindows: newWindowsDelegate,
}

func newDelegate(plan InstallPlan, prep prepared, env Env) (Delegate, error) {
	factory, ok := delegates[plan.OS.Family]
	if !ok {
		return nil, faults.WithContext(faults.Validationf("no build delegate for family %q", plan.OS.Family), "os", plan.OS.ShortID)
	}
	return factory(plan, prep, env)
}
