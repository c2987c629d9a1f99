package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/build/records"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/osinfo"
	"github.com/cochaviz/kiln/internal/script"
)

type buildFlags struct {
	adminPassword string
	osID          string
	archName      string
	distro        string
	imageName     string
	output        string
	installType   string
	flavor        string
	diskSizeGB    int
	license       string
	leaveMess     bool
	media         build.Media
}

func newBuildCommand(a *app) *cobra.Command {
	var f buildFlags

	cmd := &cobra.Command{
		Use:   "build [install-script]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Install an operating system on a throwaway instance and snapshot it",
		Long: `Build boots an installer on the configured backend, waits for the guest to
power off and publishes its disk as an image or volume. Without an install
script the catalog's generated script for --os is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := a.logger.With("command", "build", "os", f.osID)
			if err := a.verifySetup(logger); err != nil {
				return err
			}

			plan, err := f.plan(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			backend, err := a.backend(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			objectCache, err := a.objectCache(ctx, backend)
			if err != nil {
				return err
			}

			svc := &build.Service{
				Client:    backend,
				Cache:     objectCache,
				Images:    a.assembler(),
				Records:   &records.Store{BaseDir: a.cfg.Build.RecordDir},
				Artifacts: &artifacts.LocalStore{BaseDir: a.cfg.Build.ArtifactDir},
				Config:    a.cfg.Build,
				Ready:     a.readyOptions(),
				Terminate: lifecycle.ReadyOptions{
					Interval: a.cfg.Lifecycle.TerminateInterval,
					Ceiling:  a.cfg.Lifecycle.TerminateCeiling,
				},
				Address: lifecycle.ReadyOptions{
					Interval: a.cfg.Lifecycle.ReadyInterval,
					Ceiling:  a.cfg.Lifecycle.AddressTimeout,
				},
				Logger: a.logger,
			}

			return runBuild(ctx, svc, plan, cmd.OutOrStdout(), logger)
		},
	}

	flags := cmd.Flags()
	flags.String("auth-url", "", "Backend endpoint; the libvirt connection URI (env KILN_CREDENTIALS_AUTH_URL, OS_AUTH_URL)")
	flags.String("username", "", "Backend user name (env OS_USERNAME)")
	flags.String("password", "", "Backend password (env OS_PASSWORD)")
	flags.String("tenant", "", "Backend tenant (env OS_TENANT_NAME)")
	flags.String("image-url", "", "Image service endpoint override (env OS_IMAGE_URL)")
	flags.Int("inactivity-budget", config.Defaults().Build.InactivityBudget, "Consecutive idle polls before the install is considered done")
	for flag, key := range map[string]string{
		"auth-url":          "credentials.auth_url",
		"username":          "credentials.username",
		"password":          "credentials.password",
		"tenant":            "credentials.tenant",
		"image-url":         "credentials.image_url",
		"inactivity-budget": "build.inactivity_budget",
	} {
		// BindPFlag only fails on a nil flag.
		_ = a.viper.BindPFlag(key, flags.Lookup(flag))
	}

	flags.StringVar(&f.adminPassword, "admin-password", "", "Administrator password baked into the image")
	flags.StringVar(&f.osID, "os", "", "Catalog short id of the operating system to install (see 'kiln os list')")
	flags.StringVar(&f.archName, "arch", "", "Target architecture (default x86_64)")
	flags.StringVar(&f.distro, "distro", "", "Install script dialect or distro when it cannot be detected (rpm, debian)")
	flags.StringVar(&f.imageName, "image-name", "", "Name of the published image")
	flags.StringVar(&f.output, "output", string(build.OutputImage), "Publish the result as an image or a volume")
	flags.StringVar(&f.installType, "install-type", "", "Force an iso or tree install")
	flags.StringVar(&f.flavor, "flavor", "", "Instance size for the install (<vcpus> or <vcpus>x<memory MiB>)")
	flags.IntVar(&f.diskSizeGB, "disk-size", 0, "Root disk size in GB")
	flags.StringVar(&f.license, "license", "", "Windows product key")
	flags.BoolVar(&f.leaveMess, "leave-mess", false, "Keep every transient resource for inspection")
	flags.StringVar(&f.media.TreeURL, "install-tree-url", "", "Network install tree to boot the installer from")
	flags.StringVar(&f.media.ISOURL, "install-iso-url", "", "URL of the install ISO")
	flags.StringVar(&f.media.ISOFile, "install-iso-file", "", "Local install ISO")
	flags.StringVar(&f.media.ISOSnapshot, "install-iso-snapshot", "", "Backend snapshot holding the install ISO")
	cmd.MarkFlagsMutuallyExclusive("install-iso-url", "install-iso-file", "install-iso-snapshot")
	_ = cmd.MarkFlagRequired("admin-password")

	return cmd
}

type buildRunner interface {
	Run(ctx context.Context, plan build.InstallPlan) (build.Result, error)
}

// runBuild runs the plan and prints the published identifiers. Cleanup
// warnings are logged whether or not the build succeeded.
func runBuild(ctx context.Context, runner buildRunner, plan build.InstallPlan, out io.Writer, logger *slog.Logger) error {
	res, err := runner.Run(ctx, plan)
	if res.CleanupWarnings != nil {
		logger.Warn("cleanup left resources behind", "build_id", res.BuildID, "warnings", res.CleanupWarnings.Error())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%s\t%s\n", res.BuildID, res.ImageID, res.ImageName)
	return nil
}

// plan turns the flags and the optional script into an install plan.
func (f buildFlags) plan(args []string) (build.InstallPlan, error) {
	var a arch.Architecture
	if f.archName != "" {
		parsed, err := arch.Parse(f.archName)
		if err != nil {
			return build.InstallPlan{}, faults.Validation(err.Error())
		}
		a = parsed
	}

	catalog, err := osinfo.NewEmbeddedCatalog()
	if err != nil {
		return build.InstallPlan{}, err
	}
	o, err := build.LookupOS(catalog, strings.TrimSpace(f.osID), a)
	if err != nil {
		return build.InstallPlan{}, err
	}

	output, err := build.ParseOutputMode(f.output)
	if err != nil {
		return build.InstallPlan{}, err
	}
	dialect, err := script.ParseDialect(f.distro)
	if err != nil {
		return build.InstallPlan{}, err
	}

	plan := build.InstallPlan{
		OS:    o,
		Media: f.media,
		Config: build.InstallConfig{
			AdminPassword: f.adminPassword,
			Arch:          a,
			DiskSizeGB:    f.diskSizeGB,
			Flavor:        f.flavor,
			Name:          f.imageName,
			Output:        output,
			License:       f.license,
		},
		Dialect:   dialect,
		LeaveMess: f.leaveMess,
	}
	switch build.InstallType(f.installType) {
	case "", build.InstallISO, build.InstallTree:
		plan.Type = build.InstallType(f.installType)
	default:
		return build.InstallPlan{}, faults.Validationf("unknown install type %q (iso, tree)", f.installType)
	}

	if len(args) == 1 {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return build.InstallPlan{}, fmt.Errorf("read install script: %w", err)
		}
		plan.Script = string(content)
		plan.ScriptName = filepath.Base(args[0])
	}
	return plan, nil
}

func newRecordsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect persisted build records",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List builds, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := &records.Store{BaseDir: a.cfg.Build.RecordDir}
			recs, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "no builds")
				return nil
			}
			for _, r := range recs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Phase, r.OS, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Name)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <build-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Print one build record as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := &records.Store{BaseDir: a.cfg.Build.RecordDir}
			r, err := store.Get(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if r == nil {
				return faults.Validationf("no build record %s", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
