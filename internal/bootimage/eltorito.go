package bootimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cochaviz/kiln/internal/faults"
)

const isoSectorSize = 2048

// Each malformed field has a sentinel so callers can tell them apart with
// errors.Is. All are wrapped as structural errors.
var (
	ErrDescriptorType       = errors.New("primary volume descriptor has wrong type")
	ErrDescriptorIdentifier = errors.New("primary volume descriptor identifier is not CD001")
	ErrDescriptorReserved   = errors.New("primary volume descriptor has data in unused field")
	ErrNotElTorito          = errors.New("no el torito boot record")
	ErrValidationEntry      = errors.New("invalid boot catalog validation entry")
	ErrChecksum             = errors.New("boot catalog checksum mismatch")
	ErrBootIndicator        = errors.New("initial boot entry is not bootable")
	ErrMediaType            = errors.New("unknown boot media type")
)

var (
	standardID   = []byte("CD001")
	elToritoSpec = []byte("EL TORITO SPECIFICATION")
)

// BootImage is the default boot entry of an El Torito catalog.
type BootImage struct {
	Platform    byte
	MediaType   byte
	LoadSegment uint16
	SectorCount uint32 // 512 byte virtual sectors
	ImageLBA    uint32
	Data        []byte
}

func structural(sentinel error, format string, args ...any) error {
	return faults.Structural(sentinel, fmt.Sprintf(format, args...))
}

// ReadElTorito validates the volume descriptors and boot catalog of an
// optical image and returns its initial boot entry with payload.
func ReadElTorito(r io.ReaderAt) (BootImage, error) {
	pvd, err := readSector(r, 16, ErrDescriptorType)
	if err != nil {
		return BootImage{}, err
	}
	if pvd[0] != 0x01 {
		return BootImage{}, structural(ErrDescriptorType, "descriptor type 0x%02x at sector 16", pvd[0])
	}
	if !bytes.Equal(pvd[1:6], standardID) {
		return BootImage{}, structural(ErrDescriptorIdentifier, "identifier %q", pvd[1:6])
	}
	if pvd[7] != 0 || !allZero(pvd[72:80]) {
		return BootImage{}, structural(ErrDescriptorReserved, "unused descriptor fields are not zero")
	}

	br, err := readSector(r, 17, ErrNotElTorito)
	if err != nil {
		return BootImage{}, err
	}
	if br[0] != 0x00 || !bytes.Equal(br[1:6], standardID) || br[6] != 0x01 || !bytes.Equal(br[7:30], elToritoSpec) {
		return BootImage{}, structural(ErrNotElTorito, "sector 17 is not an el torito boot record")
	}
	catalogLBA := binary.LittleEndian.Uint32(br[71:75])

	catalog, err := readSector(r, int64(catalogLBA), ErrValidationEntry)
	if err != nil {
		return BootImage{}, err
	}
	validation := catalog[:32]
	switch {
	case validation[0] != 0x01:
		return BootImage{}, structural(ErrValidationEntry, "header id 0x%02x", validation[0])
	case validation[1] > 2:
		return BootImage{}, structural(ErrValidationEntry, "platform id %d", validation[1])
	case validation[2] != 0 || validation[3] != 0:
		return BootImage{}, structural(ErrValidationEntry, "reserved field is not zero")
	case validation[30] != 0x55 || validation[31] != 0xaa:
		return BootImage{}, structural(ErrValidationEntry, "key bytes 0x%02x 0x%02x", validation[30], validation[31])
	}
	if sum := catalogChecksum(validation); sum != 0 {
		return BootImage{}, structural(ErrChecksum, "validation entry sums to 0x%04x", sum)
	}

	initial := catalog[32:64]
	if initial[0] != 0x88 {
		return BootImage{}, structural(ErrBootIndicator, "boot indicator 0x%02x", initial[0])
	}
	if initial[5] != 0 || initial[12] != 0 {
		return BootImage{}, structural(ErrBootIndicator, "reserved initial entry bytes are not zero")
	}

	img := BootImage{
		Platform:    validation[1],
		MediaType:   initial[1],
		LoadSegment: binary.LittleEndian.Uint16(initial[2:4]),
		ImageLBA:    binary.LittleEndian.Uint32(initial[8:12]),
	}
	switch img.MediaType {
	case 0, 4:
		img.SectorCount = uint32(binary.LittleEndian.Uint16(initial[6:8]))
	case 1:
		img.SectorCount = 1200 * 1024 / sectorSize
	case 2:
		img.SectorCount = 1440 * 1024 / sectorSize
	case 3:
		img.SectorCount = 2880 * 1024 / sectorSize
	default:
		return BootImage{}, structural(ErrMediaType, "media type %d", img.MediaType)
	}

	img.Data = make([]byte, int(img.SectorCount)*sectorSize)
	if _, err := r.ReadAt(img.Data, int64(img.ImageLBA)*isoSectorSize); err != nil {
		return BootImage{}, fmt.Errorf("read boot image at sector %d: %w", img.ImageLBA, err)
	}
	return img, nil
}

// catalogChecksum adds the entry as little-endian words, discarding carries.
func catalogChecksum(entry []byte) uint16 {
	var sum uint16
	for i := 0; i+1 < len(entry); i += 2 {
		sum += binary.LittleEndian.Uint16(entry[i : i+2])
	}
	return sum
}

// readSector reports a truncated image as short, wrapped with sentinel.
func readSector(r io.ReaderAt, lba int64, short error) ([]byte, error) {
	buf := make([]byte, isoSectorSize)
	if _, err := r.ReadAt(buf, lba*isoSectorSize); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, structural(short, "image too short for sector %d", lba)
		}
		return nil, fmt.Errorf("read sector %d: %w", lba, err)
	}
	return buf, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
