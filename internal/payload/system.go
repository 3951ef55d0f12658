package payload

import (
	"fmt"
	"os"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/apex"
)

// virtApexEtcDir holds the initrd images shipped with the
// virtualization APEX.
const virtApexEtcDir = "/apex/com.android.virt/etc"

// SystemImagesDisk builds the writable sibling disk carrying the
// per-instance state partition and, when a storage image is supplied,
// the encrypted-storage partition. This is the only writable disk a
// guest receives; the payload disk itself is strictly read-only.
func SystemImagesDisk(instance *os.File, storage *os.File) *DiskImage {
	partitions := []Partition{{
		Label:    InstanceLabel,
		Image:    instance,
		Writable: true,
	}}

	if storage != nil {
		partitions = append(partitions, Partition{
			Label:    EncStoreLabel,
			Image:    storage,
			Writable: true,
		})
	}

	return &DiskImage{Partitions: partitions, Writable: true}
}

// VendorDisk wraps a vendor image in a single-partition read-only disk.
func VendorDisk(vendor *os.File) *DiskImage {
	return &DiskImage{Partitions: []Partition{{
		Label: VendorLabel,
		Image: vendor,
	}}}
}

// InitrdPath picks the initrd variant matching the debug level.
func InitrdPath(osName string, debug apex.DebugLevel) (string, error) {
	var suffix string
	switch debug {
	case apex.DebugNone:
		suffix = "normal"
	case apex.DebugFull:
		suffix = "debuggable"
	default:
		return "", fmt.Errorf("unsupported debug level: %d", debug)
	}
	return fmt.Sprintf("%s/%s_initrd_%s.img", virtApexEtcDir, osName, suffix), nil
}
