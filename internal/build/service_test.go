package build

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/osinfo"
)

func catalogOS(t *testing.T, id string) osinfo.OS {
	t.Helper()
	c, err := osinfo.NewEmbeddedCatalog()
	require.NoError(t, err)
	o, err := c.Get(id)
	require.NoError(t, err)
	return o
}

func fedoraPlan(t *testing.T) InstallPlan {
	return InstallPlan{
		OS:     catalogOS(t, "fedora38"),
		Config: InstallConfig{AdminPassword: "hunter2", Arch: arch.X86_64},
	}
}

func TestSnapshotOrderingImageMode(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, im := newTestService(t, client)

	res, err := s.Run(context.Background(), fedoraPlan(t))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, "snap-i-1", res.ImageID)
	assert.NoError(t, res.CleanupWarnings)

	assert.True(t, client.before("SnapshotInstance:i-1", "ClearBootProperties:snap-i-1"))
	assert.True(t, client.before("ClearBootProperties:snap-i-1", "TerminateInstance:i-1"))
	assert.False(t, client.called("SnapshotVolume:vol-root"))

	require.Len(t, client.launched, 1)
	spec := client.launched[0]
	assert.Equal(t, "img-1", spec.Root.ImageID)
	assert.Equal(t, 10, spec.Root.SizeGB)
	assert.False(t, spec.Root.Persistent)
	assert.Contains(t, string(spec.UserData), "url --url=https://dl.fedoraproject.org/")
	assert.Contains(t, string(spec.UserData), "\npoweroff")

	require.Len(t, im.stubs, 1)
	assert.Equal(t, "ks="+testCaps.UserDataURL, im.stubs[0].Cmdline)
	assert.True(t, strings.HasPrefix(client.uploads[0].Name, "INSTALL for: Image from ks file: fedora38 - Date: Tue, 05 Mar 2024 16:04:09 +0000"))

	// The boot stub is transient.
	assert.True(t, client.called("DeleteImage:img-1"))
	_, statErr := os.Stat(im.outputs[0])
	assert.True(t, os.IsNotExist(statErr))
}

func TestSnapshotOrderingVolumeMode(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, _ := newTestService(t, client)

	plan := fedoraPlan(t)
	plan.Config.Output = OutputVolume
	res, err := s.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, "vsnap-vol-root", res.ImageID)

	assert.True(t, client.launched[0].Root.Persistent)
	assert.True(t, client.before("TerminateInstance:i-1", "SnapshotVolume:vol-root"))
	assert.True(t, client.before("SnapshotVolume:vol-root", "DeleteVolume:vol-root"))
	assert.False(t, client.called("SnapshotInstance:i-1"))
}

func TestRunRecordsBuild(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, _ := newTestService(t, client)

	res, err := s.Run(context.Background(), fedoraPlan(t))
	require.NoError(t, err)

	rec, err := s.Records.Get(res.BuildID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, string(StatusComplete), rec.Phase)
	assert.Equal(t, "i-1", rec.InstanceID)
	assert.Equal(t, "snap-i-1", rec.ImageID)

	var phases []string
	for _, tr := range rec.Transitions {
		phases = append(phases, tr.Phase)
	}
	assert.Equal(t, []string{"SELECT_DELEGATE", "PREPARE", "START", "MONITOR", "SNAPSHOT", "CLEANUP", "COMPLETE"}, phases)

	kinds := map[artifacts.Kind]bool{}
	for _, a := range rec.Artifacts {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds[artifacts.ScriptArtifact])
	assert.True(t, kinds[artifacts.BootConfigArtifact])
}

func TestRunRejectsScriptWithoutPoweroff(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, _ := newTestService(t, client)

	plan := fedoraPlan(t)
	plan.Script = "text\n%packages\n@core\n%end\nreboot\n"
	plan.ScriptName = "ks.cfg"
	res, err := s.Run(context.Background(), plan)
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
	assert.Contains(t, err.Error(), "poweroff")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, client.calls, "no remote call may precede validation")
}

func TestRunUnknownFamily(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, _ := newTestService(t, client)

	_, err := s.Run(context.Background(), InstallPlan{
		OS:     osinfo.OS{ShortID: "plan9", Family: "plan9", Arches: []arch.Architecture{arch.X86_64}},
		Config: InstallConfig{AdminPassword: "pw"},
	})
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
	assert.Contains(t, err.Error(), "plan9")
	assert.Empty(t, client.calls)
}

func TestRunUnresolvedLeavesInstanceRunning(t *testing.T) {
	client := newFakeClient(testCaps)
	client.neverSettle = true
	s, _, _ := newTestService(t, client)

	res, err := s.Run(context.Background(), fedoraPlan(t))
	require.Error(t, err)
	assert.True(t, faults.IsAmbiguous(err))
	assert.Equal(t, StatusUnresolved, res.Status)
	assert.Equal(t, "i-1", res.InstanceID)
	assert.Empty(t, res.ImageID)

	assert.False(t, client.called("SnapshotInstance:i-1"))
	assert.False(t, client.called("TerminateInstance:i-1"))
	assert.False(t, client.called("DeleteImage:img-1"))
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	client := newFakeClient(testCaps)
	client.failDelete = map[string]error{"img-1": errors.New("image busy")}
	s, _, im := newTestService(t, client)

	res, err := s.Run(context.Background(), fedoraPlan(t))
	require.NoError(t, err, "cleanup failures never fail the build")
	assert.Equal(t, StatusComplete, res.Status)
	require.Error(t, res.CleanupWarnings)
	assert.Contains(t, res.CleanupWarnings.Error(), "image busy")

	// The local stub was tracked first but is still removed.
	_, statErr := os.Stat(im.outputs[0])
	assert.True(t, os.IsNotExist(statErr))
}

func TestLeaveMessSkipsCleanup(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, im := newTestService(t, client)

	plan := fedoraPlan(t)
	plan.LeaveMess = true
	_, err := s.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, client.called("DeleteImage:img-1"))
	assert.FileExists(t, im.outputs[0])
}

func TestRunDirectBoot(t *testing.T) {
	caps := testCaps
	caps.DirectBoot = true
	client := newFakeClient(caps)
	s, c, im := newTestService(t, client)

	_, err := s.Run(context.Background(), fedoraPlan(t))
	require.NoError(t, err)
	assert.Empty(t, im.stubs)

	spec := client.launched[0]
	assert.Equal(t, "img-install-url-kernel", spec.KernelImageID)
	assert.Equal(t, "img-install-url-initrd", spec.RamdiskImageID)
	assert.Equal(t, "ks="+caps.UserDataURL, spec.Cmdline)
	assert.Equal(t, 10, spec.Root.BlankGB)

	kernel, ok := c.request(objectTreeKernel)
	require.True(t, ok)
	assert.False(t, kernel.Opts.WantLocal)
	assert.Equal(t, "https://dl.fedoraproject.org/pub/fedora/linux/releases/38/Everything/x86_64/os/images/pxeboot/vmlinuz", kernel.Source)
	assert.Equal(t, "fedora38-x86_64", kernel.Key.OSVersionArch)
}

func TestRunISOInstallUnpacksMedia(t *testing.T) {
	client := newFakeClient(testCaps)
	s, c, _ := newTestService(t, client)

	plan := fedoraPlan(t)
	plan.Media.ISOURL = "https://mirror.example/fedora.iso"
	_, err := s.Run(context.Background(), plan)
	require.NoError(t, err)

	iso, ok := c.request(objectISO)
	require.True(t, ok)
	assert.True(t, iso.Opts.WantLocal)
	assert.Equal(t, "/images/pxeboot/vmlinuz", iso.Opts.Manifest[objectISOKernel])

	kernel, ok := c.request(objectISOKernel)
	require.True(t, ok)
	assert.Equal(t, cache.ISOMemberSource("/cache/fedora38-x86_64-install-iso", "/images/pxeboot/vmlinuz"), kernel.Source)
	assert.Equal(t, "vol-install-iso", client.launched[0].InstallCD)
}

func TestRunISOSnapshotBootsFromTree(t *testing.T) {
	client := newFakeClient(testCaps)
	s, c, _ := newTestService(t, client)

	plan := fedoraPlan(t)
	plan.Media.ISOSnapshot = "snap-media"
	_, err := s.Run(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, "vol-snap-media", client.launched[0].InstallCD)
	_, ok := c.request(objectTreeKernel)
	assert.True(t, ok)
	assert.True(t, client.called("DeleteVolume:vol-snap-media"))
}

func TestRunDebianRejectsISO(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, _ := newTestService(t, client)

	_, err := s.Run(context.Background(), InstallPlan{
		OS:     catalogOS(t, "debian12"),
		Media:  Media{ISOURL: "https://cdimage.example/debian.iso"},
		Config: InstallConfig{AdminPassword: "pw"},
	})
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
	assert.False(t, client.called("LaunchInstance"))
}

func TestRunDebianPreseed(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, im := newTestService(t, client)

	_, err := s.Run(context.Background(), InstallPlan{
		OS:     catalogOS(t, "debian12"),
		Config: InstallConfig{AdminPassword: "pw"},
	})
	require.NoError(t, err)
	require.Len(t, im.stubs, 1)
	assert.True(t, strings.HasPrefix(im.stubs[0].Cmdline, "preseed/url="+testCaps.UserDataURL+" "))
	assert.True(t, strings.HasSuffix(im.stubs[0].Cmdline, "priority=critical --"))
	assert.Contains(t, string(client.launched[0].UserData), "debian-installer/exit/poweroff boolean true")
}

func windowsPlan(t *testing.T) InstallPlan {
	return InstallPlan{
		OS:     catalogOS(t, "win2k19"),
		Media:  Media{ISOURL: "https://media.example/win2k19.iso"},
		Config: InstallConfig{AdminPassword: "Passw0rd!"},
	}
}

func TestWindowsAnswerFloppy(t *testing.T) {
	caps := testCaps
	caps.Floppy = true
	client := newFakeClient(caps)
	s, c, im := newTestService(t, client)

	_, err := s.Run(context.Background(), windowsPlan(t))
	require.NoError(t, err)
	require.Len(t, im.floppies, 1)
	assert.Empty(t, im.respins)

	spec := client.launched[0]
	assert.Equal(t, "vol-install-iso", spec.InstallCD)
	assert.Equal(t, "vol-driver-iso", spec.SecondaryCD)
	assert.Equal(t, "vol-img-1", spec.Floppy)
	assert.Empty(t, spec.UserData)

	iso, _ := c.request(objectISO)
	assert.False(t, iso.Opts.WantLocal)

	assert.True(t, client.called("DeleteVolume:vol-img-1"))
	assert.True(t, client.called("DeleteImage:img-1"))
	_, statErr := os.Stat(im.floppies[0])
	assert.True(t, os.IsNotExist(statErr), "answer file is removed")
}

func TestWindowsRespinWithoutFloppy(t *testing.T) {
	client := newFakeClient(testCaps)
	s, _, im := newTestService(t, client)

	_, err := s.Run(context.Background(), windowsPlan(t))
	require.NoError(t, err)
	require.Len(t, im.respins, 1)
	assert.Empty(t, im.floppies)

	req := im.respins[0]
	assert.Equal(t, "/cache/win2k19-x86_64-install-iso", req.Source)
	assert.Equal(t, "v6", string(req.Generation))
	assert.True(t, strings.HasSuffix(req.AnswerFile, "autounattend.xml"))

	spec := client.launched[0]
	assert.Equal(t, "vol-img-1", spec.InstallCD)
	assert.Empty(t, spec.Floppy)
	assert.True(t, client.called("DeleteVolume:vol-img-1"))
}

func TestWindowsRequiresCDROM(t *testing.T) {
	caps := testCaps
	caps.CDROM = false
	client := newFakeClient(caps)
	s, _, _ := newTestService(t, client)

	_, err := s.Run(context.Background(), windowsPlan(t))
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
	assert.Equal(t, []string(nil), client.mutations())
}

func TestRunCancelled(t *testing.T) {
	client := newFakeClient(testCaps)
	client.neverSettle = true
	s, _, _ := newTestService(t, client)
	s.Config.MaxPolls = 1000000

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for !client.called("LaunchInstance") {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	res, err := s.Run(ctx, fedoraPlan(t))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, res.Status)
	// Cleanup still runs after cancellation.
	assert.True(t, client.called("TerminateInstance:i-1"))
	assert.True(t, client.called("DeleteImage:img-1"))
}
