package build

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/osinfo"
	"github.com/cochaviz/kiln/internal/script"
)

func TestPreflightJoinsEveryProblem(t *testing.T) {
	t.Parallel()

	plan := InstallPlan{
		OS: catalogOS(t, "fedora38"),
		Media: Media{
			ISOURL:  "https://a.example/x.iso",
			ISOFile: "/tmp/x.iso",
		},
		Script: "%packages\n@core\n%end\n",
	}
	err := Preflight(plan, config.Defaults().Build, testNow)
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
	for _, want := range []string{"admin password", "only one of install ISO", "poweroff"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPreflightDialect(t *testing.T) {
	t.Parallel()

	plan := fedoraPlan(t)
	plan.Script = "install\npoweroff\n"
	err := Preflight(plan, config.Defaults().Build, testNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialect")

	plan.Dialect = script.DialectRPM
	assert.NoError(t, Preflight(plan, config.Defaults().Build, testNow))

	plan.Dialect = script.DialectDebian
	err = Preflight(plan, config.Defaults().Build, testNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot install fedora38")
}

func TestPreflightSubstitutesPassword(t *testing.T) {
	t.Parallel()

	plan := fedoraPlan(t)
	plan.Script = "rootpw $adminpw\n%packages\n%end\npoweroff\n"
	prep, err := preflight(plan, config.Defaults().Build, testNow)
	require.NoError(t, err)
	assert.Equal(t, "rootpw hunter2\n%packages\n%end\npoweroff\n", prep.Script)
	assert.Equal(t, InstallTree, prep.Type)
	assert.Equal(t, catalogOS(t, "fedora38").TreeURL(arch.X86_64), prep.TreeURL)
}

func TestPreflightTreeFromScript(t *testing.T) {
	t.Parallel()

	plan := fedoraPlan(t)
	plan.Script = "url --url=http://mirror.example/f38/\n%packages\n%end\npoweroff\n"
	prep, err := preflight(plan, config.Defaults().Build, testNow)
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.example/f38/", prep.TreeURL)

	plan.Media.TreeURL = "http://cli.example/f38/"
	prep, err = preflight(plan, config.Defaults().Build, testNow)
	require.NoError(t, err)
	assert.Equal(t, "http://cli.example/f38/", prep.TreeURL)
}

func TestPreflightDefaults(t *testing.T) {
	t.Parallel()

	defaults := config.Defaults().Build
	plan := fedoraPlan(t)
	plan.Config.Arch = ""
	plan.ScriptName = "server.ks"
	prep, err := preflight(plan, defaults, testNow)
	require.NoError(t, err)
	assert.Equal(t, arch.X86_64, prep.Config.Arch)
	assert.Equal(t, defaults.DiskSizeGB, prep.Config.DiskSizeGB)
	assert.Equal(t, defaults.Flavor, prep.Config.Flavor)
	assert.Equal(t, OutputImage, prep.Config.Output)
	assert.Equal(t, "Image from ks file: server.ks - Date: Tue, 05 Mar 2024 16:04:09 +0000", prep.ImageName)
}

func TestPreflightWindowsNeedsMedia(t *testing.T) {
	t.Parallel()

	plan := windowsPlan(t)
	plan.Media = Media{}
	err := Preflight(plan, config.Defaults().Build, testNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no install ISO known")

	plan.Type = InstallTree
	err = Preflight(plan, config.Defaults().Build, testNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only be installed from an ISO")
}

func TestPreflightUnsupportedArch(t *testing.T) {
	t.Parallel()

	plan := windowsPlan(t)
	plan.Config.Arch = arch.S390X
	err := Preflight(plan, config.Defaults().Build, testNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available for s390x")
}

func TestInstallTypeDerivation(t *testing.T) {
	t.Parallel()

	fedora := catalogOS(t, "fedora38")
	mediaOnly := osinfo.OS{ShortID: "media-only", Media: map[arch.Architecture]string{arch.X86_64: "https://a.example/x.iso"}}
	cases := []struct {
		plan InstallPlan
		want InstallType
	}{
		{InstallPlan{OS: fedora}, InstallTree},
		{InstallPlan{OS: fedora, Media: Media{ISOFile: "x.iso"}}, InstallISO},
		{InstallPlan{OS: fedora, Type: InstallISO}, InstallISO},
		{InstallPlan{OS: catalogOS(t, "rhel9.2")}, InstallTree},
		{InstallPlan{OS: mediaOnly}, InstallISO},
		{InstallPlan{OS: catalogOS(t, "win2k12r2")}, InstallISO},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.plan.InstallType(), tc.plan.OS.ShortID)
	}
}

func TestParseOutputMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]OutputMode{"": OutputImage, "image": OutputImage, "volume": OutputVolume} {
		got, err := ParseOutputMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOutputMode("tarball")
	assert.True(t, faults.IsValidation(err))
}

func TestDefaultImageName(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 5, 17, 4, 9, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "Image from ks file: ks.cfg - Date: Tue, 05 Mar 2024 16:04:09 +0000", DefaultImageName("ks.cfg", at))
}

func TestCacheUploader(t *testing.T) {
	t.Parallel()

	client := newFakeClient(testCaps)
	up := CacheUploader{Publisher: &lifecycle.Publisher{
		Client: client,
		Ready:  lifecycle.ReadyOptions{Interval: time.Millisecond, Ceiling: time.Second},
	}}
	locs, err := up.Upload(context.Background(), cache.UploadRequest{
		Key:             cache.Key{OSVersionArch: "fedora38-x86_64", Object: objectISO},
		Path:            "/cache/x.iso",
		DiskFormat:      "iso",
		ContainerFormat: "bare",
		WantVolume:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "img-1", locs.RemoteImage)
	assert.Equal(t, "vol-img-1", locs.RemoteVolume)
	require.Len(t, client.uploads, 1)
	assert.Equal(t, "fedora38-x86_64/install-iso", client.uploads[0].Properties["kiln_cache_key"])
	assert.Equal(t, "iso", client.uploads[0].DiskFormat)
}

func TestLookupOS(t *testing.T) {
	t.Parallel()

	c, err := osinfo.NewEmbeddedCatalog()
	require.NoError(t, err)

	o, err := LookupOS(c, "debian12", arch.AArch64)
	require.NoError(t, err)
	assert.Equal(t, osinfo.FamilyDebian, o.Family)

	_, err = LookupOS(c, "win2k19", arch.AArch64)
	assert.True(t, faults.IsValidation(err))
	_, err = LookupOS(c, "", arch.X86_64)
	assert.True(t, faults.IsValidation(err))
}
