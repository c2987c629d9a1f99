package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/kiln/internal/faults"
)

// ReadyOptions bounds a readiness poll.
type ReadyOptions struct {
	Interval time.Duration
	Ceiling  time.Duration
}

func (o ReadyOptions) withDefaults() ReadyOptions {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Ceiling <= 0 {
		o.Ceiling = 2 * time.Hour
	}
	return o
}

// WaitForImage polls an image until it leaves the pending state. An error
// state is a transient remote failure; exceeding the ceiling is a timeout.
func WaitForImage(ctx context.Context, c Client, id string, opts ReadyOptions) error {
	return waitActive(ctx, "image "+id, opts, func(ctx context.Context) (Status, error) {
		return c.ImageStatus(ctx, id)
	})
}

// WaitForVolume is WaitForImage for volumes.
func WaitForVolume(ctx context.Context, c Client, id string, opts ReadyOptions) error {
	return waitActive(ctx, "volume "+id, opts, func(ctx context.Context) (Status, error) {
		return c.VolumeStatus(ctx, id)
	})
}

// WaitForTermination polls until the instance no longer exists.
func WaitForTermination(ctx context.Context, c Client, id string, opts ReadyOptions) error {
	return poll(ctx, "termination of instance "+id, opts, func(ctx context.Context) (bool, error) {
		exists, err := c.InstanceExists(ctx, id)
		if err != nil {
			return false, faults.Transientf(err, "look up instance %s", id)
		}
		return !exists, nil
	})
}

// WaitForAddress returns the first address reported for the instance. It
// fails with a validation error when the backend cannot report addresses.
func WaitForAddress(ctx context.Context, c Client, id string, opts ReadyOptions) (string, error) {
	lister, ok := c.(AddressLister)
	if !ok {
		return "", faults.Validation("backend does not report instance addresses")
	}
	var address string
	err := poll(ctx, "address of instance "+id, opts, func(ctx context.Context) (bool, error) {
		addrs, err := lister.InstanceAddresses(ctx, id)
		if err != nil {
			// Addresses appear only after DHCP; lookups fail until then.
			return false, nil
		}
		if len(addrs) == 0 {
			return false, nil
		}
		address = addrs[0]
		return true, nil
	})
	return address, err
}

func waitActive(ctx context.Context, what string, opts ReadyOptions, probe func(context.Context) (Status, error)) error {
	return poll(ctx, what, opts, func(ctx context.Context) (bool, error) {
		status, err := probe(ctx)
		if err != nil {
			return false, faults.Transientf(err, "query %s", what)
		}
		switch status {
		case StatusActive:
			return true, nil
		case StatusError:
			return false, faults.Transientf(nil, "%s entered error state", what)
		default:
			return false, nil
		}
	})
}

// poll calls check every interval until it reports done, fails, the ceiling
// passes or ctx is cancelled. Cancellation of the caller's context is
// returned as is so it stays distinguishable from a timeout.
func poll(ctx context.Context, what string, opts ReadyOptions, check func(context.Context) (bool, error)) error {
	opts = opts.withDefaults()
	deadline, cancel := context.WithTimeout(ctx, opts.Ceiling)
	defer cancel()

	for {
		done, err := check(deadline)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if deadline.Err() != nil {
				return fmt.Errorf("wait for %s: %w", what, faults.Timeout(what, opts.Ceiling))
			}
			return err
		}
		if done {
			return nil
		}

		if err := sleep(deadline, opts.Interval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("wait for %s: %w", what, faults.Timeout(what, opts.Ceiling))
			}
			return err
		}
	}
}
