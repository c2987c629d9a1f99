// Package build runs unattended OS installs on a remote backend and captures
// the result as an image or volume snapshot.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build/records"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/osinfo"
)

// Service drives builds. It holds no per-build state, so concurrent Run
// calls are safe as long as its collaborators are.
type Service struct {
	Client    lifecycle.Client
	Cache     MediaCache
	Images    ImageAssembler
	Records   *records.Store
	Artifacts artifacts.Store
	Config    config.BuildConfig

	// Ready bounds image and volume readiness, Terminate instance
	// termination and Address the wait for a console address.
	Ready     lifecycle.ReadyOptions
	Terminate lifecycle.ReadyOptions
	Address   lifecycle.ReadyOptions

	Logger *slog.Logger

	now func() time.Time
}

func (s *Service) logger() *slog.Logger {
	return logging.Component(logging.Ensure(s.Logger), "build")
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// run is the state of a single build.
type run struct {
	*Service
	plan   InstallPlan
	prep   prepared
	rec    *records.Record
	res    Result
	log    *slog.Logger

	delegate   Delegate
	instance   *lifecycle.Instance
	terminated bool
}

// Run executes plan. Pre-flight problems are reported before any remote
// call. An install that never settles yields StatusUnresolved and an
// ambiguous-completion error, with the instance left running.
func (s *Service) Run(ctx context.Context, plan InstallPlan) (Result, error) {
	if s.Client == nil {
		return Result{Status: StatusFailed}, errors.New("build service has no lifecycle client")
	}
	now := s.clock()
	prep, err := preflight(plan, s.Config, now)

	rec := records.New(prep.ImageName, now)
	rec.OS = plan.OS.ShortID
	rec.Arch = string(prep.Config.Arch)
	rec.InstallType = string(prep.Type)
	rec.Output = string(prep.Config.Output)

	r := &run{
		Service: s,
		plan:    plan,
		prep:    prep,
		rec:     rec,
		res:     Result{BuildID: rec.ID, Status: StatusPending, ImageName: prep.ImageName},
		log: s.logger().With(
			"build_id", rec.ID,
			"os", plan.OS.ShortID,
			"arch", string(prep.Config.Arch),
		),
	}
	if err != nil {
		return r.finish(err)
	}

	r.phase(PhaseSelectDelegate, "selecting build delegate")
	caps, err := s.Client.Capabilities(ctx)
	if err != nil {
		return r.finish(fmt.Errorf("query backend capabilities: %w", err))
	}
	workDir, err := s.workDir()
	if err != nil {
		return r.finish(err)
	}
	r.delegate, err = newDelegate(plan, prep, Env{
		BuildID: rec.ID,
		Client:  s.Client,
		Caps:    caps,
		Cache:   s.Cache,
		Images:  s.Images,
		Ready:   s.Ready,
		WorkDir: workDir,
		Logger:  r.log,
		Keep:    r.keep,
	})
	if err != nil {
		return r.finish(err)
	}
	r.res.Status = StatusRunning

	err = r.install(ctx)
	r.cleanup(ctx, err)
	return r.finish(err)
}

func (s *Service) workDir() (string, error) {
	dir := s.Config.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work directory %s: %w", dir, err)
	}
	return dir, nil
}

func (r *run) install(ctx context.Context) error {
	d := r.delegate

	r.phase(PhasePrepare, "preparing install media")
	if err := d.PrepareInstallInstance(ctx); err != nil {
		return fmt.Errorf("prepare install: %w", err)
	}

	r.phase(PhaseStart, "starting install instance")
	if name := scriptFileName(r.plan.OS.Family); name != "" {
		r.keep(name, []byte(r.prep.Script), artifacts.ScriptArtifact)
	}
	inst, err := d.StartInstallInstance(ctx)
	if err != nil {
		return fmt.Errorf("start install: %w", err)
	}
	r.instance = &inst
	r.res.InstanceID = inst.ID
	r.rec.InstanceID = inst.ID
	r.rec.AddRemote("instance", inst.ID)
	r.log = r.log.With("instance_id", inst.ID)

	r.phase(PhaseMonitor, "waiting for the install to finish")
	stopHint := r.consoleHint(ctx, inst)
	settled, err := lifecycle.WaitForInactivity(ctx, r.Client, inst, lifecycle.InactivityOptions{
		Budget:   r.Config.InactivityBudget,
		Interval: r.Config.PollInterval,
		MaxPolls: r.Config.MaxPolls,
		Logger:   r.log,
	})
	stopHint()
	if err != nil {
		return err
	}
	r.log.Info("install finished", "status", string(settled.Status))

	r.phase(PhaseSnapshot, "snapshotting install")
	if r.prep.Config.Output == OutputVolume {
		return r.snapshotVolume(ctx)
	}
	return r.snapshotImage(ctx)
}

// snapshotImage captures the instance while it still exists, then
// terminates it.
func (r *run) snapshotImage(ctx context.Context) error {
	id := r.instance.ID
	img, err := r.Client.SnapshotInstance(ctx, id, r.prep.ImageName)
	if err != nil {
		return fmt.Errorf("snapshot instance %s: %w", id, err)
	}
	r.res.ImageID = img.ID
	r.rec.ImageID = img.ID
	r.rec.AddRemote("image", img.ID)
	r.log.Info("snapshot requested", "image_id", img.ID)

	if err := lifecycle.WaitForImage(ctx, r.Client, img.ID, r.Ready); err != nil {
		return err
	}
	if err := r.Client.ClearBootProperties(ctx, img.ID); err != nil {
		return fmt.Errorf("clear boot properties of %s: %w", img.ID, err)
	}
	return r.terminate(ctx)
}

// snapshotVolume terminates the instance first so the root volume is
// quiescent, then snapshots it.
func (r *run) snapshotVolume(ctx context.Context) error {
	if err := r.terminate(ctx); err != nil {
		return err
	}
	root := r.instance.RootVolumeID
	if root == "" {
		return errors.New("install instance has no root volume to snapshot")
	}
	r.rec.VolumeID = root
	snap, err := r.Client.SnapshotVolume(ctx, root, r.prep.ImageName)
	if err != nil {
		return fmt.Errorf("snapshot volume %s: %w", root, err)
	}
	r.res.ImageID = snap.ID
	r.rec.ImageID = snap.ID
	r.rec.AddRemote("volume-snapshot", snap.ID)
	r.log.Info("volume snapshot requested", "volume_id", root, "snapshot_id", snap.ID)
	return lifecycle.WaitForImage(ctx, r.Client, snap.ID, r.Ready)
}

func (r *run) terminate(ctx context.Context) error {
	id := r.instance.ID
	if err := r.Client.TerminateInstance(ctx, id); err != nil {
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	if err := lifecycle.WaitForTermination(ctx, r.Client, id, r.Terminate); err != nil {
		return err
	}
	r.terminated = true
	return nil
}

// cleanup runs every cleanup step regardless of earlier failures and of
// cancellation. Failures become warnings on the result.
func (r *run) cleanup(ctx context.Context, buildErr error) {
	ctx = context.WithoutCancel(ctx)
	r.phase(PhaseCleanup, "cleaning up")

	left := r.delegate.Artifacts()
	for _, res := range left {
		r.rec.AddRemote(string(res.Kind), res.ID)
	}

	unresolved := faults.IsAmbiguous(buildErr)
	if r.plan.LeaveMess || unresolved {
		for _, res := range left {
			r.log.Warn("leaving resource behind", "resource", res.String())
		}
		if r.instance != nil && !r.terminated {
			r.log.Warn("leaving install instance running", "instance_id", r.instance.ID)
		}
		return
	}

	var errs []error
	if r.instance != nil && !r.terminated && r.delegate.UpdateStatus() == StatusRunning {
		if err := r.delegate.Abort(ctx); err != nil {
			errs = append(errs, err)
		} else if err := lifecycle.WaitForTermination(ctx, r.Client, r.instance.ID, r.Terminate); err != nil {
			errs = append(errs, err)
		} else {
			r.terminated = true
		}
	}
	if err := r.delegate.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.instance != nil && r.instance.RootVolumeID != "" && r.terminated {
		if err := r.Client.DeleteVolume(ctx, r.instance.RootVolumeID); err != nil {
			errs = append(errs, fmt.Errorf("remove root volume %s: %w", r.instance.RootVolumeID, err))
		}
	}

	r.res.CleanupWarnings = errors.Join(errs...)
	if r.res.CleanupWarnings != nil {
		r.rec.CleanupWarnings = r.res.CleanupWarnings.Error()
		r.log.Warn("cleanup incomplete", "error", r.res.CleanupWarnings)
	}
}

func (r *run) finish(err error) (Result, error) {
	switch {
	case err == nil:
		r.res.Status = StatusComplete
		r.log.Info("build complete", "image_id", r.res.ImageID, "name", r.res.ImageName)
	case faults.IsAmbiguous(err):
		r.res.Status = StatusUnresolved
		r.log.Error("install did not settle; inspect the instance", "error", err)
	default:
		r.res.Status = StatusFailed
		r.log.Error("build failed", "error", err)
	}
	if err != nil {
		r.rec.Error = err.Error()
	}
	r.rec.Transition(string(r.res.Status), "", r.clock())
	r.save()
	return r.res, err
}

func (r *run) phase(p Phase, message string) {
	r.rec.Transition(string(p), message, r.clock())
	r.save()
	r.log.Info(message, "phase", string(p))
}

func (r *run) save() {
	if r.Records == nil {
		return
	}
	if err := r.Records.Save(r.rec); err != nil {
		r.log.Warn("could not save build record", "error", err)
	}
}

func (r *run) keep(name string, data []byte, kind artifacts.Kind) {
	if r.Artifacts == nil {
		return
	}
	a, err := r.Artifacts.StoreBytes(name, data, kind, map[string]any{"build_id": r.rec.ID, "name": name})
	if err != nil {
		r.log.Warn("could not store build artifact", "name", name, "error", err)
		return
	}
	r.rec.Artifacts = append(r.rec.Artifacts, a)
}

// consoleHint reports how to reach the installer console once the guest
// has an address. The returned func stops waiting.
func (r *run) consoleHint(ctx context.Context, inst lifecycle.Instance) func() {
	facts := r.prep.Facts
	if facts.ConsoleCommand == "" {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		addr, err := lifecycle.WaitForAddress(hctx, r.Client, inst.ID, r.Address)
		if err != nil {
			r.log.Debug("no console address", "error", err)
			return
		}
		r.log.Info("installer console available", "command", facts.ConsoleHint(addr))
	}()
	return func() {
		cancel()
		<-done
	}
}

func scriptFileName(family osinfo.Family) string {
	switch family {
	case osinfo.FamilyRedHat:
		return "ks.cfg"
	case osinfo.FamilyDebian:
		return "preseed.cfg"
	default:
		return ""
	}
}
