package devices

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity is what we know about the one device being worked on. It is
// filled in once per run, either from lockdown (Normal mode) or from the
// iBoot serial string (Recovery/DFU).
type Identity struct {
	// ChipID as a lowercase 0x-prefixed hex string, eg. "0x8010".
	ChipID string
	// BoardConfig, eg. "d10ap".
	BoardConfig string
	// ProductType, eg. "iPhone9,1".
	ProductType    string
	ProductVersion string
	ECID           uint64
	UDID           string
	Arm64e         bool
}

// DeviceID is the key under which per-device artifacts (blobs, boot images)
// are stored.
func (i *Identity) DeviceID() string {
	if i.ProductType != "" {
		return i.ProductType
	}
	return fmt.Sprintf("%x", i.ECID)
}

// NormalizeChipID turns "8010", "0x8010", 0x8010 formatted variants into the
// canonical "0x8010" form.
func NormalizeChipID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

// RequiresGo returns whether the boot ROM needs an explicit "go" after the
// second bootloader stage is uploaded.
func RequiresGo(chipID string) bool {
	switch NormalizeChipID(chipID) {
	case "0x8010", "0x8011", "0x8012", "0x8015":
		return true
	}
	return false
}

// RequiresRestoreArg returns whether the ramdisk iBEC must be booted with
// -restore.
func RequiresRestoreArg(chipID string) bool {
	switch NormalizeChipID(chipID) {
	case "0x8960", "0x7000", "0x7001":
		return true
	}
	return false
}

// IsArm64e returns whether the SoC is A12 (0x8020) or newer. These have
// pointer authentication and a boot ROM checkm8 cannot exploit.
func IsArm64e(chipID string) bool {
	v, err := strconv.ParseUint(strings.TrimPrefix(NormalizeChipID(chipID), "0x"), 16, 32)
	if err != nil {
		return false
	}
	return v >= 0x8020
}
