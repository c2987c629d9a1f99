package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/logging"
)

// NetNoiseBytes is the network traffic tolerated between samples without
// counting as activity. Installers chatter on the network long after the
// disk has gone quiet.
const NetNoiseBytes = 4096

// Detector tracks install activity across samples. A sample counts as
// active when disk counters changed at all or network counters grew by at
// least NetNoiseBytes since the last active sample. The baseline starts at
// zero counters. Every active sample resets the countdown to Budget; every
// stale one decrements it.
type Detector struct {
	Budget int

	countdown int
	last      ActivitySample
}

// NewDetector returns a detector with a full countdown.
func NewDetector(budget int) *Detector {
	if budget < 1 {
		budget = 1
	}
	return &Detector{Budget: budget, countdown: budget}
}

// Observe feeds one sample and reports whether activity has settled. ok is
// false when the sample could not be taken, which counts as stale.
func (d *Detector) Observe(sample ActivitySample, ok bool) bool {
	if ok && d.active(sample) {
		d.last = sample
		d.countdown = d.Budget
		return false
	}
	d.countdown--
	return d.countdown <= 0
}

// Remaining returns the stale samples left before settling.
func (d *Detector) Remaining() int {
	return d.countdown
}

func (d *Detector) active(s ActivitySample) bool {
	if s.DiskBytes != d.last.DiskBytes {
		return true
	}
	return s.NetBytes >= d.last.NetBytes+NetNoiseBytes
}

// InactivityOptions bounds WaitForInactivity.
type InactivityOptions struct {
	Budget   int
	Interval time.Duration
	// MaxPolls caps the number of polls before the install is declared
	// ambiguous.
	MaxPolls int
	Logger   *slog.Logger
}

// WaitForInactivity polls inst until it powers off or its activity settles
// and returns the instance ready for snapshotting. If neither happens within
// MaxPolls it returns a nil instance and an ambiguous-completion error; the
// instance is not touched.
func WaitForInactivity(ctx context.Context, c Client, inst Instance, opts InactivityOptions) (*Instance, error) {
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 1200
	}
	logger := logging.Ensure(opts.Logger).With("instance_id", inst.ID)

	detector := NewDetector(opts.Budget)
	for poll := 1; poll <= opts.MaxPolls; poll++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, err := c.InstanceStatus(ctx, inst.ID)
		if err != nil {
			return nil, faults.Transientf(err, "query status of instance %s", inst.ID)
		}
		switch status {
		case StatusShutoff:
			logger.Info("install instance powered off", "poll", poll)
			inst.Status = status
			return &inst, nil
		case StatusError:
			return nil, faults.Transientf(nil, "instance %s entered error state", inst.ID)
		case StatusDeleted:
			return nil, faults.Transientf(nil, "instance %s disappeared during install", inst.ID)
		}

		sample, err := c.InstanceActivity(ctx, inst.ID)
		if err != nil {
			logger.Debug("activity sample unavailable", "poll", poll, "error", err)
		}
		if detector.Observe(sample, err == nil) {
			logger.Info("install activity settled", "poll", poll, "budget", detector.Budget)
			inst.Status = status
			return &inst, nil
		}
		if poll%10 == 0 {
			logger.Info("waiting for install to finish", "poll", poll, "remaining", detector.Remaining())
		}

		if poll < opts.MaxPolls {
			if err := sleep(ctx, opts.Interval); err != nil {
				return nil, err
			}
		}
	}

	logger.Warn("install never settled; instance remains running", "polls", opts.MaxPolls)
	return nil, fmt.Errorf("monitor install: %w", faults.Ambiguous(inst.ID))
}
