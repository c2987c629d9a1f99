package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/logging"
)

// baseDelegate holds the bookkeeping every family shares: the tracked
// transient resources and the launched instance.
type baseDelegate struct {
	plan InstallPlan
	prep prepared
	env  Env

	mu        sync.Mutex
	status    Status
	resources []Resource
	instance  *lifecycle.Instance
}

func newBase(plan InstallPlan, prep prepared, env Env) baseDelegate {
	return baseDelegate{plan: plan, prep: prep, env: env, status: StatusPending}
}

func (d *baseDelegate) logger() *slog.Logger {
	return logging.Component(logging.Ensure(d.env.Logger), string(d.plan.OS.Family))
}

func (d *baseDelegate) cacheKey(object string) cache.Key {
	return cache.Key{OSVersionArch: d.plan.OS.CacheName(d.prep.Config.Arch), Object: object}
}

func (d *baseDelegate) publisher() *lifecycle.Publisher {
	return &lifecycle.Publisher{Client: d.env.Client, Ready: d.env.Ready, Logger: d.env.Logger}
}

func (d *baseDelegate) track(kind ResourceKind, id, note string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources = append(d.resources, Resource{Kind: kind, ID: id, Note: note})
}

func (d *baseDelegate) setStatus(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

func (d *baseDelegate) UpdateStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *baseDelegate) Artifacts() []Resource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.resources)
}

// launch starts the instance and remembers it for Abort.
func (d *baseDelegate) launch(ctx context.Context, spec lifecycle.LaunchSpec) (lifecycle.Instance, error) {
	spec.Name = "kiln-" + shortID(d.env.BuildID)
	spec.Flavor = d.prep.Config.Flavor
	spec.Arch = string(d.prep.Config.Arch)
	spec.Root.Persistent = d.prep.Config.Output == OutputVolume

	d.logger().Info("launching install instance", "name", spec.Name, "flavor", spec.Flavor)
	inst, err := d.env.Client.LaunchInstance(ctx, spec)
	if err != nil {
		d.setStatus(StatusFailed)
		return lifecycle.Instance{}, fmt.Errorf("launch install instance: %w", err)
	}
	d.mu.Lock()
	d.instance = &inst
	d.status = StatusRunning
	d.mu.Unlock()
	d.logger().Info("launched install instance", "instance_id", inst.ID, "root_volume_id", inst.RootVolumeID)
	return inst, nil
}

func (d *baseDelegate) Abort(ctx context.Context) error {
	d.mu.Lock()
	inst := d.instance
	d.instance = nil
	d.status = StatusFailed
	d.mu.Unlock()
	if inst == nil {
		return nil
	}
	d.logger().Warn("terminating install instance", "instance_id", inst.ID)
	if err := d.env.Client.TerminateInstance(ctx, inst.ID); err != nil {
		return fmt.Errorf("terminate instance %s: %w", inst.ID, err)
	}
	return nil
}

// Cleanup removes tracked resources newest first. Backends treat deleting a
// missing resource as success, so repeated cleanup is harmless.
func (d *baseDelegate) Cleanup(ctx context.Context) error {
	d.mu.Lock()
	resources := slices.Clone(d.resources)
	d.mu.Unlock()

	var errs []error
	var kept []Resource
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if err := d.remove(ctx, r); err != nil {
			d.logger().Warn("cleanup step failed", "resource", r.String(), "error", err)
			errs = append(errs, fmt.Errorf("remove %s: %w", r, err))
			kept = append(kept, r)
			continue
		}
		d.logger().Debug("removed transient resource", "resource", r.String())
	}

	slices.Reverse(kept)
	d.mu.Lock()
	d.resources = kept
	d.mu.Unlock()
	return errors.Join(errs...)
}

func (d *baseDelegate) remove(ctx context.Context, r Resource) error {
	switch r.Kind {
	case ResourceImage:
		return d.env.Client.DeleteImage(ctx, r.ID)
	case ResourceVolume:
		return d.env.Client.DeleteVolume(ctx, r.ID)
	case ResourceLocalFile:
		if err := os.Remove(r.ID); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown resource kind %q", r.Kind)
	}
}

// mediaID prefers the volume form of a published artifact.
func mediaID(p lifecycle.Published) string {
	return firstNonEmpty(p.VolumeID, p.ImageID)
}

func locationID(l cache.Locations, wantVolume bool) string {
	if wantVolume && l.RemoteVolume != "" {
		return l.RemoteVolume
	}
	return l.RemoteImage
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
