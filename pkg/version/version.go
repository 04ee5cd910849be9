package version

import (
	"errors"
	"fmt"
)

var ErrNoUpdate = errors.New("no new image available")

// InstalledImage describes the firmware currently running on a device.
type InstalledImage struct {
	FileVersion      uint32 `json:"fileVersion"`
	ImageType        uint16 `json:"imageType"`
	ManufacturerCode uint16 `json:"manufacturerCode"`
}

// Compare returns the sign of installed.FileVersion - candidate.
// -1 means an update is available, 0 means the device is current and 1
// means the device is ahead of the catalog.
func Compare(installed InstalledImage, candidate uint32) int {
	switch {
	case installed.FileVersion < candidate:
		return -1
	case installed.FileVersion > candidate:
		return 1
	default:
		return 0
	}
}

// AssertNewer fails with ErrNoUpdate unless candidate is strictly newer
// than the installed version.
func AssertNewer(installed InstalledImage, candidate uint32) error {
	if candidate > installed.FileVersion {
		return nil
	}
	return fmt.Errorf("%w (installed=0x%08x candidate=0x%08x)", ErrNoUpdate, installed.FileVersion, candidate)
}
