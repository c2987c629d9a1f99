package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/bootimage"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/osinfo"
	"github.com/cochaviz/kiln/internal/script"
	"github.com/cochaviz/kiln/internal/setup"
)

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the shared install media cache",
	}
	cmd.AddCommand(newCacheListCommand(a), newCacheEvictCommand(a), newCacheFetchCommand(a))
	return cmd
}

func newCacheListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every cache entry and where it lives",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.objectCache(cmd.Context(), nil)
			if err != nil {
				return err
			}
			doc, err := c.Index.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "KEY\tLOCAL\tIMAGE\tVOLUME")
			groups := make([]string, 0, len(doc))
			for group := range doc {
				groups = append(groups, group)
			}
			sort.Strings(groups)
			for _, group := range groups {
				objects := make([]string, 0, len(doc[group]))
				for object := range doc[group] {
					objects = append(objects, object)
				}
				sort.Strings(objects)
				for _, object := range objects {
					key := cache.Key{OSVersionArch: group, Object: object}
					entry := doc[group][object]
					if entry.Pending {
						fmt.Fprintf(out, "%s\tpending\t-\t-\n", key)
						continue
					}
					l := entry.Locations
					fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", key, orDash(l.Local), orDash(l.RemoteImage), orDash(l.RemoteVolume))
				}
			}
			return out.Flush()
		},
	}
}

func newCacheEvictCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "evict <os-version-arch> <object>",
		Args:  cobra.ExactArgs(2),
		Short: "Drop an entry so the next build fetches it again",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.objectCache(cmd.Context(), nil)
			if err != nil {
				return err
			}
			key := cache.Key{OSVersionArch: args[0], Object: args[1]}
			found, err := c.Evict(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !found {
				a.logger.Warn("no such cache entry", "key", key.String())
			}
			return nil
		},
	}
}

func newCacheFetchCommand(a *app) *cobra.Command {
	var (
		parallel int
		remote   bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <os-version-arch> <object>=<source>...",
		Args:  cobra.MinimumNArgs(2),
		Short: "Warm the cache with one or more objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			group := args[0]
			type job struct {
				key    cache.Key
				source string
			}
			jobs := make([]job, 0, len(args)-1)
			for _, arg := range args[1:] {
				object, source, ok := strings.Cut(arg, "=")
				if !ok || object == "" || source == "" {
					return faults.Validationf("expected <object>=<source>, got %q", arg)
				}
				jobs = append(jobs, job{key: cache.Key{OSVersionArch: group, Object: object}, source: source})
			}

			var client lifecycle.Client
			if remote {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				defer backend.Close()
				client = backend
			}
			c, err := a.objectCache(ctx, client)
			if err != nil {
				return err
			}

			results := make([]cache.Locations, len(jobs))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(parallel, 1))
			for i, j := range jobs {
				g.Go(func() error {
					locs, err := c.RetrieveWith(gctx, j.key, j.source, cache.Options{WantLocal: true})
					if err != nil {
						return err
					}
					results[i] = locs
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for i, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", j.key, results[i].Local, orDash(results[i].RemoteImage))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&parallel, "parallel", 2, "Number of objects fetched at once")
	cmd.Flags().BoolVar(&remote, "remote", false, "Also publish each object to the backend")
	return cmd
}

func newStubCommand(a *app) *cobra.Command {
	var req bootimage.StubRequest

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Build a bootable disk stub from a kernel and initrd",
		RunE: func(cmd *cobra.Command, args []string) error {
			disk, err := a.assembler().BuildBootStub(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", disk.Path, disk.Format)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Kernel, "kernel", "", "Installer kernel")
	cmd.Flags().StringVar(&req.Ramdisk, "ramdisk", "", "Installer initrd")
	cmd.Flags().StringVar(&req.Cmdline, "cmdline", "", "Kernel command line")
	cmd.Flags().StringVar(&req.Label, "label", "kiln-stub", "Output file and volume label")
	_ = cmd.MarkFlagRequired("kernel")
	_ = cmd.MarkFlagRequired("ramdisk")
	return cmd
}

func newRespinCommand(a *app) *cobra.Command {
	var (
		req        bootimage.RespinRequest
		generation string
		archName   string
	)

	cmd := &cobra.Command{
		Use:   "respin",
		Short: "Rebuild a Windows install ISO with an answer file injected",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Generation = bootimage.Generation(generation)
			target, err := arch.Parse(archName)
			if err != nil {
				return faults.Validation(err.Error())
			}
			req.Arch = target
			out, err := a.assembler().RespinOpticalMedia(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Source, "source", "", "Install ISO to respin")
	cmd.Flags().StringVar(&req.AnswerFile, "answer-file", "", "winnt.sif or autounattend.xml to inject")
	cmd.Flags().StringVar(&generation, "generation", string(bootimage.GenerationV6), "Media layout (v5, v6)")
	cmd.Flags().StringVar(&archName, "arch", string(arch.X86_64), "Architecture of the install media")
	cmd.Flags().StringVar(&req.Output, "output", "", "Output path (default a unique name in the work directory)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("answer-file")
	return cmd
}

func newScriptCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Work with install scripts",
	}

	var distro string
	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Args:  cobra.ExactArgs(1),
		Short: "Show what a build would learn from an install script",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read install script: %w", err)
			}
			dialect, err := script.ParseDialect(distro)
			if err != nil {
				return err
			}
			if dialect == script.DialectNone {
				dialect = script.Detect(string(content))
			}
			facts := script.Extract(string(content), dialect)

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(out, "dialect\t%s\n", orDash(string(facts.Dialect)))
			fmt.Fprintf(out, "install url\t%s\n", orDash(facts.InstallURL))
			fmt.Fprintf(out, "console\t%s\n", orDash(facts.ConsoleHint("<address>")))
			fmt.Fprintf(out, "poweroff\t%t\n", facts.Poweroff)
			if err := out.Flush(); err != nil {
				return err
			}
			return facts.Validate()
		},
	}
	inspect.Flags().StringVar(&distro, "distro", "", "Dialect to assume instead of detecting it")

	cmd.AddCommand(inspect)
	return cmd
}

func newOSCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "os",
		Short: "Browse the operating system catalog",
	}

	var (
		archFilter  string
		minVersions map[string]string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List installable operating systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := osinfo.NewEmbeddedCatalog()
			if err != nil {
				return err
			}
			entries := catalog.ListAll()
			if archFilter != "" {
				if entries, err = catalog.FilterByArchitecture(archFilter); err != nil {
					return faults.Validation(err.Error())
				}
			}
			if len(minVersions) > 0 {
				keep := map[string]bool{}
				for _, id := range catalog.FilterByDistro(minVersions) {
					keep[id] = true
				}
				filtered := entries[:0]
				for _, o := range entries {
					if keep[o.ShortID] {
						filtered = append(filtered, o)
					}
				}
				entries = filtered
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "ID\tFAMILY\tNAME\tARCHES")
			for _, o := range entries {
				arches := make([]string, len(o.Arches))
				for i, ar := range o.Arches {
					arches[i] = string(ar)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", o.ShortID, o.Family, o.Name, strings.Join(arches, ","))
			}
			return out.Flush()
		},
	}
	list.Flags().StringVar(&archFilter, "arch", "", "Only systems installable on this architecture")
	list.Flags().StringToStringVar(&minVersions, "min", nil, "Minimum version per distro, e.g. --min fedora=38,debian=12")

	cmd.AddCommand(list)
	return cmd
}

func newSetupCommand(a *app) *cobra.Command {
	var (
		bridge      setup.Bridge
		clearWork   bool
		skipNetwork bool
		teardown    bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the state directories and the build bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := a.logger.With("command", "setup")
			if bridge.Name == "" {
				bridge.Name = a.cfg.Lifecycle.Bridge
			}
			if bridge.Name == "" {
				bridge.Name = setup.DefaultBridge.Name
			}

			if teardown {
				return setup.TeardownBridge(cmd.Context(), bridge)
			}

			if clearWork {
				logger.Info("clearing work directory", "dir", a.cfg.Build.WorkDir)
				if err := setup.ClearWorkDir(a.cfg); err != nil {
					return fmt.Errorf("clear work directory: %w", err)
				}
			}
			if err := setup.EnsureLayout(a.cfg); err != nil {
				return err
			}
			if skipNetwork {
				logger.Info("skipping bridge setup")
				return nil
			}
			if err := setup.SetupBridge(cmd.Context(), bridge); err != nil {
				return fmt.Errorf("initialize networking: %w", err)
			}
			logger.Info("setup completed", "bridge", bridge.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&bridge.Name, "bridge", "", "Bridge name (default lifecycle.bridge or "+setup.DefaultBridge.Name+")")
	cmd.Flags().StringVar(&bridge.GatewayCIDR, "gateway", setup.DefaultBridge.GatewayCIDR, "Gateway address of the bridge in CIDR form")
	cmd.Flags().StringVar(&bridge.Namespace, "namespace", "", "Create the bridge inside this network namespace")
	cmd.Flags().BoolVarP(&clearWork, "clear", "C", false, "Empty the work directory first")
	cmd.Flags().BoolVar(&skipNetwork, "skip-network", false, "Only create the state directories")
	cmd.Flags().BoolVar(&teardown, "teardown", false, "Delete the bridge instead")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
