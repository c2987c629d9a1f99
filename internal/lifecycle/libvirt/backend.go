// Package libvirt implements lifecycle.Client on a local or remote libvirt
// daemon. Instances are persistent domains, the image store and the volume
// store are directory storage pools, and long-running copies are tracked in
// an in-process job table.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/retry"
)

var (
	_ lifecycle.Client        = (*Backend)(nil)
	_ lifecycle.AddressLister = (*Backend)(nil)
)

// Backend drives libvirt through a single shared connection.
type Backend struct {
	cfg     config.LifecycleConfig
	workDir string
	logger  *slog.Logger

	conn  *libvirt.Connect
	jobs  *jobTable
	props *propertyStore

	poolsOnce sync.Once
	poolsErr  error

	clock func() time.Time
}

// New connects to cfg.ConnectURI, retrying transient failures. workDir holds
// per-instance config drives.
func New(ctx context.Context, cfg config.LifecycleConfig, workDir string, logger *slog.Logger) (*Backend, error) {
	if cfg.ConnectURI == "" {
		return nil, faults.Validation("libvirt connection URI is not configured")
	}
	if workDir == "" {
		return nil, faults.Validation("libvirt backend work directory is not configured")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory %s: %w", workDir, err)
	}

	logger = logging.Component(logging.Ensure(logger), "libvirt").With("connect_uri", cfg.ConnectURI)

	var conn *libvirt.Connect
	err := retry.Do(ctx, func(context.Context) error {
		c, err := libvirt.NewConnect(cfg.ConnectURI)
		if err != nil {
			logger.Warn("libvirt connection failed", "error", err)
			return faults.Transientf(err, "open libvirt connection %s", cfg.ConnectURI)
		}
		conn = c
		return nil
	}, retry.WithMaxRetries(3), retry.WithInitialDelay(2*time.Second))
	if err != nil {
		return nil, err
	}

	return &Backend{
		cfg:     cfg,
		workDir: workDir,
		logger:  logger,
		conn:    conn,
		jobs:    newJobTable(),
		props:   newPropertyStore(cfg.PoolDir),
	}, nil
}

func (b *Backend) now() time.Time {
	if b.clock != nil {
		return b.clock()
	}
	return time.Now()
}

// Close waits for outstanding copy jobs and closes the connection.
func (b *Backend) Close() error {
	b.jobs.wait()
	if _, err := b.conn.Close(); err != nil {
		return fmt.Errorf("close libvirt connection: %w", err)
	}
	return nil
}

// Capabilities reports what this host offers. Direct kernel boot and floppy
// drives are opt-in because not every machine type exposes them.
func (b *Backend) Capabilities(context.Context) (lifecycle.Capabilities, error) {
	return capabilitiesFor(b.cfg), nil
}

func capabilitiesFor(cfg config.LifecycleConfig) lifecycle.Capabilities {
	return lifecycle.Capabilities{
		DirectBoot:  cfg.DirectBoot,
		CDROM:       true,
		Floppy:      cfg.Floppy,
		Volumes:     true,
		UserDataURL: cfg.UserDataURL,
	}
}

// isLibvirtError reports whether err is a libvirt error with one of codes.
func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}

func isNotFound(err error) bool {
	return isLibvirtError(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_NO_STORAGE_VOL)
}

// remote classifies a failed libvirt call. Missing objects are validation
// errors; everything else may succeed on a later attempt.
func remote(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), faults.Validation(err.Error()))
	}
	return faults.Transientf(err, format, args...)
}
