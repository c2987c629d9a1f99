package libvirt

import (
	"bytes"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"text/template"

	"github.com/cochaviz/kiln/internal/arch"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/faults"
	"github.com/cochaviz/kiln/internal/lifecycle"
)

//go:embed domain.xml.tmpl
var domainTemplateSource string

var domainTemplate = template.Must(template.New("domain").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(domainTemplateSource))

func xmlEscape(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type diskAttachment struct {
	Path   string
	Format string
	Target string
	Bus    string
	Device string
}

type domainTemplateData struct {
	Name      string
	VirtType  string
	Arch      string
	Machine   string
	MemoryMB  int
	VCPUs     int
	Kernel    string
	Initrd    string
	Cmdline   string
	BootOrder []string
	Root      diskAttachment
	Removable []diskAttachment
	Network   string
	Bridge    string
}

// resolvedLaunch is a LaunchSpec with every id turned into a host path.
type resolvedLaunch struct {
	Spec       lifecycle.LaunchSpec
	RootPath   string
	RootFormat string
	InstallCD  string
	Secondary  string
	ConfigCD   string
	Floppy     string
	Kernel     string
	Ramdisk    string
}

// buildDomainTemplateData lays out devices: the root disk on virtio, CDs on
// SATA in a fixed order and the floppy on fdc.
func buildDomainTemplateData(cfg config.LifecycleConfig, r resolvedLaunch) (domainTemplateData, error) {
	if r.Spec.Name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	if r.RootPath == "" {
		return domainTemplateData{}, errors.New("root disk path is required")
	}

	guestArch := arch.X86_64
	if r.Spec.Arch != "" {
		a, err := arch.Parse(r.Spec.Arch)
		if err != nil {
			return domainTemplateData{}, faults.Validation(err.Error())
		}
		guestArch = a
	}

	vcpus, memory, err := parseFlavor(r.Spec.Flavor, cfg.VCPUs, cfg.MemoryMB)
	if err != nil {
		return domainTemplateData{}, err
	}

	data := domainTemplateData{
		Name:     r.Spec.Name,
		VirtType: virtType(guestArch),
		Arch:     guestArch.String(),
		Machine:  defaultMachine(guestArch),
		MemoryMB: memory,
		VCPUs:    vcpus,
		Root: diskAttachment{
			Path:   r.RootPath,
			Format: r.RootFormat,
			Target: "vda",
			Bus:    "virtio",
		},
		Network: cfg.Network,
		Bridge:  cfg.Bridge,
	}
	if data.Root.Format == "" {
		data.Root.Format = "qcow2"
	}
	if data.Network == "" {
		data.Network = "default"
	}

	cdTargets := []string{"sda", "sdb", "sdc"}
	for _, path := range []string{r.InstallCD, r.Secondary, r.ConfigCD} {
		if path == "" {
			continue
		}
		data.Removable = append(data.Removable, diskAttachment{
			Path:   path,
			Target: cdTargets[0],
			Bus:    "sata",
			Device: "cdrom",
		})
		cdTargets = cdTargets[1:]
	}
	if r.Floppy != "" {
		data.Removable = append(data.Removable, diskAttachment{Path: r.Floppy, Target: "fda", Bus: "fdc", Device: "floppy"})
	}

	switch {
	case r.Kernel != "":
		if r.Ramdisk == "" {
			return domainTemplateData{}, faults.Validation("direct kernel boot needs a ramdisk")
		}
		data.Kernel = r.Kernel
		data.Initrd = r.Ramdisk
		data.Cmdline = strings.TrimSpace(r.Spec.Cmdline)
	case r.InstallCD != "":
		data.BootOrder = []string{"hd", "cdrom"}
	default:
		data.BootOrder = []string{"hd"}
	}
	return data, nil
}

func renderDomainXML(data domainTemplateData) (string, error) {
	var buf bytes.Buffer
	if err := domainTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute domain template: %w", err)
	}
	return buf.String(), nil
}

// parseFlavor reads "<vcpus>" or "<vcpus>x<memory MiB>". Empty keeps the
// configured sizes.
func parseFlavor(flavor string, vcpus, memoryMB int) (int, int, error) {
	flavor = strings.TrimSpace(flavor)
	if flavor != "" {
		cpuPart, memPart, hasMem := strings.Cut(strings.ToLower(flavor), "x")
		n, err := strconv.Atoi(cpuPart)
		if err != nil || n <= 0 {
			return 0, 0, faults.Validationf("flavor %q: want <vcpus> or <vcpus>x<memory MiB>", flavor)
		}
		vcpus = n
		if hasMem {
			m, err := strconv.Atoi(memPart)
			if err != nil || m <= 0 {
				return 0, 0, faults.Validationf("flavor %q: invalid memory size", flavor)
			}
			memoryMB = m
		}
	}
	if vcpus <= 0 {
		vcpus = 1
	}
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	return vcpus, memoryMB, nil
}

// virtType picks KVM only when the guest matches the host.
func virtType(guest arch.Architecture) string {
	if arch.Normalize(runtime.GOARCH) == guest {
		return "kvm"
	}
	return "qemu"
}

func defaultMachine(a arch.Architecture) string {
	switch a {
	case arch.X86_64, arch.I686:
		return "pc"
	case arch.AArch64:
		return "virt"
	default:
		return ""
	}
}

// domainDevices is the subset of a live domain description activity
// sampling needs.
type domainDevices struct {
	Disks []struct {
		Device string `xml:"device,attr"`
		Source struct {
			File string `xml:"file,attr"`
		} `xml:"source"`
		Target struct {
			Dev string `xml:"dev,attr"`
		} `xml:"target"`
	} `xml:"devices>disk"`
	Interfaces []struct {
		Target struct {
			Dev string `xml:"dev,attr"`
		} `xml:"target"`
	} `xml:"devices>interface"`
}

func parseDomainDevices(desc string) (domainDevices, error) {
	var d domainDevices
	if err := xml.Unmarshal([]byte(desc), &d); err != nil {
		return domainDevices{}, fmt.Errorf("parse domain xml: %w", err)
	}
	return d, nil
}

// diskTargets lists the writable disk devices, skipping CDs and floppies.
func (d domainDevices) diskTargets() []string {
	var out []string
	for _, disk := range d.Disks {
		if disk.Device == "disk" && disk.Target.Dev != "" {
			out = append(out, disk.Target.Dev)
		}
	}
	return out
}

func (d domainDevices) interfaceTargets() []string {
	var out []string
	for _, iface := range d.Interfaces {
		if iface.Target.Dev != "" {
			out = append(out, iface.Target.Dev)
		}
	}
	return out
}

// rootSource is the file behind the first writable disk.
func (d domainDevices) rootSource() string {
	for _, disk := range d.Disks {
		if disk.Device == "disk" {
			return disk.Source.File
		}
	}
	return ""
}
