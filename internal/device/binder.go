// Package device manages hardware passthrough for guests: rebinding a
// platform device between its normal kernel driver and the VFIO
// passthrough driver, and extracting device-tree overlays that describe
// passed-through devices.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// VfioPlatformDriver is the passthrough driver name on the platform bus.
const VfioPlatformDriver = "vfio-platform"

// To remove the override and match the device driver by "compatible"
// string again, driver_override must be cleared. Writing an empty
// string (same as `echo -n "" > driver_override`) won't clear the file,
// so a newline char is written instead.
const defaultDriver = "\n"

// Paths relative to the sysfs root.
const (
	platformDevicesDir    = "devices/platform"
	vfioPlatformDriverDir = "bus/platform/drivers/vfio-platform"
	platformProbeFile     = "bus/platform/drivers_probe"
)

// vfioContainerPath is the VFIO container device node; its presence
// signals VFIO support on the host.
const vfioContainerPath = "/dev/vfio/vfio"

// ErrNotSupported is returned when the host lacks VFIO platform support.
var ErrNotSupported = errors.New("VFIO-platform not supported")

// InvalidDeviceError reports a path that does not name a platform
// device the binder may act on.
type InvalidDeviceError struct {
	Path   string
	Reason string
}

func (e *InvalidDeviceError) Error() string {
	return fmt.Sprintf("invalid device %s: %s", e.Path, e.Reason)
}

// BindError reports a failed driver rebind. The device's driver state
// is unspecified afterwards: the caller retries or treats it as fatal.
type BindError struct {
	Path string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Path, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// NoIommuGroupError means driver binding nominally succeeded but the
// device belongs to no IOMMU group. Passthrough without isolation is
// unsafe, so this fails the whole bind.
type NoIommuGroupError struct {
	Path string
}

func (e *NoIommuGroupError) Error() string {
	return fmt.Sprintf("no iommu group for %s", e.Path)
}

// Binder rebinds platform devices between their default driver and the
// VFIO passthrough driver.
type Binder struct {
	sysfsRoot string
	vfioDev   string
	logger    *slog.Logger

	// writeFile performs sysfs control writes. Tests replace it with a
	// fake that simulates the kernel's reaction.
	writeFile func(path string, data []byte) error
}

// NewBinder creates a binder rooted at the given sysfs mount point
// (normally /sys). vfioDev is the VFIO container device node; pass ""
// for the usual /dev/vfio/vfio.
func NewBinder(sysfsRoot, vfioDev string, logger *slog.Logger) *Binder {
	if vfioDev == "" {
		vfioDev = vfioContainerPath
	}
	return &Binder{
		sysfsRoot: sysfsRoot,
		vfioDev:   vfioDev,
		logger:    logger,
		writeFile: func(path string, data []byte) error {
			return os.WriteFile(path, data, 0o200)
		},
	}
}

func (b *Binder) devicesRoot() string {
	return filepath.Join(b.sysfsRoot, platformDevicesDir)
}

func (b *Binder) probePath() string {
	return filepath.Join(b.sysfsRoot, platformProbeFile)
}

// Supported reports whether the host can do VFIO platform passthrough.
func (b *Binder) Supported() bool {
	if _, err := os.Stat(b.vfioDev); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(b.sysfsRoot, vfioPlatformDriverDir)); err != nil {
		return false
	}
	return true
}

// checkPlatformDevice validates the canonical path: it must exist and
// lie under the platform device bus root.
func (b *Binder) checkPlatformDevice(path string) error {
	if _, err := os.Stat(path); err != nil {
		return &InvalidDeviceError{Path: path, Reason: "no such device"}
	}
	root := b.devicesRoot()
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return &InvalidDeviceError{Path: path, Reason: "not a platform device"}
	}
	return nil
}

// currentDriver returns the name of the driver the device is bound to,
// or "" when none is attached.
func (b *Binder) currentDriver(devPath string) string {
	target, err := os.Readlink(filepath.Join(devPath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// iommuGroup returns the device's IOMMU group number.
func (b *Binder) iommuGroup(devPath string) (uint64, bool) {
	target, err := os.Readlink(filepath.Join(devPath, "iommu_group"))
	if err != nil {
		return 0, false
	}
	group, err := strconv.ParseUint(filepath.Base(target), 10, 64)
	if err != nil {
		return 0, false
	}
	return group, true
}

// tryBindDriver rebinds the device at devPath to driver by writing its
// name to driver_override and triggering a bus probe. Passing the
// defaultDriver sentinel restores "compatible"-string matching.
// Idempotent when the device is already on the target driver.
func (b *Binder) tryBindDriver(devPath, driver string) error {
	if b.currentDriver(devPath) == driver {
		// already bound
		return nil
	}

	device := filepath.Base(devPath)

	// Unbind from the current driver, if any.
	unbindPath := filepath.Join(devPath, "driver", "unbind")
	if _, err := os.Stat(unbindPath); err == nil {
		if err := b.writeFile(unbindPath, []byte(device)); err != nil {
			return fmt.Errorf("unbind %s: %w", device, err)
		}
	}
	if _, err := os.Lstat(filepath.Join(devPath, "driver")); err == nil {
		return fmt.Errorf("could not unbind %s", device)
	}

	// Bind to the new driver.
	if err := b.writeFile(filepath.Join(devPath, "driver_override"), []byte(driver)); err != nil {
		return fmt.Errorf("bind %s to %q: %w", device, driver, err)
	}
	if err := b.writeFile(b.probePath(), []byte(device)); err != nil {
		return fmt.Errorf("probe %s: %w", device, err)
	}

	// Final check: the device must have come up on the requested driver
	// (any driver at all when restoring the default).
	newDriver := b.currentDriver(devPath)
	if newDriver == "" || newDriver != driver && driver != defaultDriver {
		return fmt.Errorf("%s still not bound to %q driver", devPath, driver)
	}

	return nil
}

// canonicalize resolves symlinks and relative segments.
func (b *Binder) canonicalize(path string) (string, error) {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", &InvalidDeviceError{Path: path, Reason: err.Error()}
	}
	return canonical, nil
}

// Bind moves the device at sysfsPath onto the VFIO passthrough driver
// and verifies it belongs to an IOMMU group. On success the returned
// handle exclusively owns the rebind-back action; releasing it restores
// the default driver exactly once.
func (b *Binder) Bind(sysfsPath, dtboLabel string) (*BoundDevice, error) {
	if !b.Supported() {
		return nil, ErrNotSupported
	}

	path, err := b.canonicalize(sysfsPath)
	if err != nil {
		return nil, err
	}
	if err := b.checkPlatformDevice(path); err != nil {
		return nil, err
	}
	if err := b.tryBindDriver(path, VfioPlatformDriver); err != nil {
		return nil, &BindError{Path: path, Err: err}
	}
	if _, ok := b.iommuGroup(path); !ok {
		return nil, &NoIommuGroupError{Path: path}
	}

	b.logger.Info("device bound to passthrough driver",
		"device", path,
		"dtbo_label", dtboLabel,
	)
	return &BoundDevice{sysfsPath: path, dtboLabel: dtboLabel, binder: b}, nil
}

// unbind restores the device's default driver and verifies it left the
// passthrough driver.
func (b *Binder) unbind(sysfsPath string) error {
	path, err := b.canonicalize(sysfsPath)
	if err != nil {
		return err
	}
	if err := b.checkPlatformDevice(path); err != nil {
		return err
	}
	if err := b.tryBindDriver(path, defaultDriver); err != nil {
		return &BindError{Path: path, Err: err}
	}
	if b.currentDriver(path) == VfioPlatformDriver {
		return fmt.Errorf("%s still bound to %s driver", path, VfioPlatformDriver)
	}
	return nil
}

// BoundDevice is a live passthrough grant. While it exists the device
// sits on the passthrough driver; Release restores the default driver.
type BoundDevice struct {
	sysfsPath   string
	dtboLabel   string
	binder      *Binder
	releaseOnce sync.Once
}

// SysfsPath returns the canonical device path.
func (d *BoundDevice) SysfsPath() string { return d.sysfsPath }

// DtboLabel returns the overlay label assigned to the device.
func (d *BoundDevice) DtboLabel() string { return d.dtboLabel }

// Release restores the device's default driver. It runs at most once
// and is best-effort: by the time a grant is torn down there may be no
// caller left to receive a failure, so it is only logged.
func (d *BoundDevice) Release() {
	d.releaseOnce.Do(func() {
		if err := d.binder.unbind(d.sysfsPath); err != nil {
			d.binder.logger.Error("did not restore device driver",
				"device", d.sysfsPath,
				"error", err,
			)
			return
		}
		d.binder.logger.Info("device driver restored", "device", d.sysfsPath)
	})
}
