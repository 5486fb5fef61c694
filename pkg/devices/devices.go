package devices

import (
	"fmt"
	"regexp"

	"github.com/google/gousb"
)

// AppleVID is the USB vendor ID of every mode we care about.
const AppleVID gousb.ID = 0x05ac

// Mode is the state a device advertises itself in over USB.
type Mode string

const (
	None               Mode = "none"
	Normal             Mode = "normal"
	Recovery           Mode = "recovery"
	DFU                Mode = "dfu"
	Diag               Mode = "diag"
	Pongo              Mode = "pongo"
	CheckraPongoStage2 Mode = "checkra1n_stage2"
	Ramdisk            Mode = "ramdisk"
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Normal:
		return "normal"
	case Recovery:
		return "recovery"
	case DFU:
		return "DFU"
	case Diag:
		return "diag"
	case Pongo:
		return "pongoOS"
	case CheckraPongoStage2:
		return "checkra1n stage 2"
	case Ramdisk:
		return "ramdisk"
	}
	return "UNKNOWN"
}

// Modes maps product IDs of special boot stages to their Mode.
var Modes = map[gousb.ID]Mode{
	0x1281: Recovery,
	0x1227: DFU,
	0x1222: Diag,
	0x1338: CheckraPongoStage2,
	0x4141: Pongo,
}

// normalPIDs are product IDs advertised by a booted iPhone/iPad/iPod. A
// ramdisk booted by us also shows up with one of these.
var normalPIDs = map[gousb.ID]bool{
	0x1290: true, 0x1291: true, 0x1292: true, 0x1293: true, 0x1294: true,
	0x1295: true, 0x1296: true, 0x1297: true, 0x1299: true, 0x129a: true,
	0x129b: true, 0x129c: true, 0x129d: true, 0x129e: true, 0x129f: true,
	0x12a0: true, 0x12a2: true, 0x12a3: true, 0x12a4: true, 0x12a5: true,
	0x12a6: true, 0x12a8: true, 0x12a9: true, 0x12aa: true, 0x12ab: true,
}

// ramdiskSerial matches the serial string the SSH ramdisk sets, eg.
// "ramdisk tool Sep 10 2022 21:43:21".
var ramdiskSerial = regexp.MustCompile(`ramdisk tool [A-Z][a-z]{2} +[0-9]{1,2} [0-9]{4}`)

// RamdiskCapable returns whether pid is in the normal class, ie. whether the
// serial number needs to be consulted to tell Normal and Ramdisk apart.
func RamdiskCapable(pid gousb.ID) bool {
	return normalPIDs[pid]
}

// Classify maps a single attached USB device to a Mode. Non-Apple or
// unknown devices are None.
func Classify(vid, pid gousb.ID, serial string) Mode {
	if vid != AppleVID {
		return None
	}
	if m, ok := Modes[pid]; ok {
		return m
	}
	if normalPIDs[pid] {
		if ramdiskSerial.MatchString(serial) {
			return Ramdisk
		}
		return Normal
	}
	return None
}

// Attached is a USB device as seen during enumeration.
type Attached struct {
	VID, PID gousb.ID
	// Serial is only filled in for ramdisk capable product IDs.
	Serial string
}

func (a Attached) Mode() Mode {
	return Classify(a.VID, a.PID, a.Serial)
}

func (a Attached) String() string {
	return fmt.Sprintf("%s:%s (%s)", a.VID, a.PID, a.Mode())
}
