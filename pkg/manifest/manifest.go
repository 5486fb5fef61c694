// Package manifest resolves firmware components from an IPSW's
// BuildManifest.plist.
package manifest

import (
	"fmt"
	"strings"

	"howett.net/plist"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
)

// RestoreBehavior selects between an erase install and an update install
// identity.
type RestoreBehavior string

const (
	Erase  RestoreBehavior = "Erase"
	Update RestoreBehavior = "Update"
)

// Component names as they appear in an identity's Manifest dictionary.
const (
	IBSS               = "iBSS"
	IBEC               = "iBEC"
	IBoot              = "iBoot"
	DeviceTree         = "DeviceTree"
	KernelCache        = "KernelCache"
	RestoreKernelCache = "RestoreKernelCache"
	RestoreRamDisk     = "RestoreRamDisk"
	RestoreTrustCache  = "RestoreTrustCache"
)

type BuildManifest struct {
	BuildIdentities       []BuildIdentity `plist:"BuildIdentities"`
	ManifestVersion       int             `plist:"ManifestVersion"`
	ProductBuildVersion   string          `plist:"ProductBuildVersion"`
	ProductVersion        string          `plist:"ProductVersion"`
	SupportedProductTypes []string        `plist:"SupportedProductTypes"`
}

type BuildIdentity struct {
	ApBoardID string                      `plist:"ApBoardID"`
	ApChipID  string                      `plist:"ApChipID"`
	Info      IdentityInfo                `plist:"Info"`
	Manifest  map[string]IdentityManifest `plist:"Manifest"`
}

type IdentityInfo struct {
	BuildNumber     string `plist:"BuildNumber"`
	DeviceClass     string `plist:"DeviceClass"`
	RestoreBehavior string `plist:"RestoreBehavior"`
	Variant         string `plist:"Variant"`
}

type IdentityManifest struct {
	Info ComponentInfo `plist:"Info"`
}

type ComponentInfo struct {
	Path        string `plist:"Path"`
	Personalize bool   `plist:"Personalize"`
}

func Parse(data []byte) (*BuildManifest, error) {
	var bm BuildManifest
	if _, err := plist.Unmarshal(data, &bm); err != nil {
		return nil, errs.New(errs.Manifest, "parse BuildManifest", err)
	}
	return &bm, nil
}

func (b *BuildManifest) find(op string, match func(*BuildIdentity) bool) (*BuildIdentity, error) {
	var found []*BuildIdentity
	for i := range b.BuildIdentities {
		if match(&b.BuildIdentities[i]) {
			found = append(found, &b.BuildIdentities[i])
		}
	}
	switch len(found) {
	case 0:
		return nil, errs.Errorf(errs.Manifest, op, "no build identity found")
	case 1:
		return found[0], nil
	}
	return nil, errs.Errorf(errs.Manifest, op, "%d build identities match", len(found))
}

// Resolve returns the single identity for the given chip and restore
// behavior.
func (b *BuildManifest) Resolve(chipID string, behavior RestoreBehavior) (*BuildIdentity, error) {
	want := devices.NormalizeChipID(chipID)
	return b.find(fmt.Sprintf("resolve %s/%s", want, behavior), func(bi *BuildIdentity) bool {
		return devices.NormalizeChipID(bi.ApChipID) == want && bi.Info.RestoreBehavior == string(behavior)
	})
}

// ResolveBoard is Resolve keyed on the board config (eg. "d10ap") instead of
// the chip ID, for SoCs shared by several board configs.
func (b *BuildManifest) ResolveBoard(boardConfig string, behavior RestoreBehavior) (*BuildIdentity, error) {
	return b.find(fmt.Sprintf("resolve %s/%s", boardConfig, behavior), func(bi *BuildIdentity) bool {
		return strings.EqualFold(bi.Info.DeviceClass, boardConfig) && bi.Info.RestoreBehavior == string(behavior)
	})
}

// PathFor returns the archive relative path of a component.
func (bi *BuildIdentity) PathFor(component string) (string, error) {
	m, ok := bi.Manifest[component]
	if !ok || m.Info.Path == "" {
		return "", errs.Errorf(errs.Manifest, "path for "+component, "component not in identity for %s", bi.Info.DeviceClass)
	}
	return m.Info.Path, nil
}

// DFUPrefix is stripped from boot-stage paths when they are extracted into a
// flat workspace directory.
const DFUPrefix = "Firmware/dfu/"

// Flatten strips DFUPrefix from an archive path.
func Flatten(path string) string {
	return strings.TrimPrefix(path, DFUPrefix)
}

// Unflatten is the inverse of Flatten for paths that lived under
// Firmware/dfu/: bare file names get the prefix back, nested paths are
// returned unchanged.
func Unflatten(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return DFUPrefix + name
}
