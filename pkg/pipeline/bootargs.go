package pipeline

import (
	"strings"
)

// BootArgs are the kernel boot arguments baked into iBEC or handed to
// PongoOS. iBoot parses them verbatim, so String always emits tokens in the
// same order.
type BootArgs struct {
	// Serial enables the serial console (serial=3); it takes precedence over
	// Verbose (-v).
	Serial  bool
	Verbose bool
	// Ramdisk is the rd= root device, eg. "md0".
	Ramdisk string
	// RootDev is the rootdev= device, eg. "md0".
	RootDev string
	// NoWatchdog disables the watchdog (wdt=-1).
	NoWatchdog bool
	// Restore boots the ramdisk as a restore environment (-restore).
	Restore bool
	Extra   []string
}

func (b BootArgs) String() string {
	var t []string
	switch {
	case b.Serial:
		t = append(t, "serial=3")
	case b.Verbose:
		t = append(t, "-v")
	}
	if b.Ramdisk != "" {
		t = append(t, "rd="+b.Ramdisk)
	}
	if b.RootDev != "" {
		t = append(t, "rootdev="+b.RootDev)
	}
	if b.NoWatchdog {
		t = append(t, "wdt=-1")
	}
	if b.Restore {
		t = append(t, "-restore")
	}
	t = append(t, b.Extra...)
	return strings.Join(t, " ")
}

// SecondStageTag returns the IM4P type of the second bootloader stage.
// iPhone8, iPad5 and iPad6 devices load it as "ibec", everything else as
// "ibss".
func SecondStageTag(productType string) string {
	for _, f := range []string{"iPhone8", "iPad5", "iPad6"} {
		if strings.Contains(productType, f) {
			return "ibec"
		}
	}
	return "ibss"
}
