package manifest

import (
	"reflect"
	"testing"

	"howett.net/plist"

	"github.com/palera1n/palera1n/pkg/errs"
)

func identity(chip, board string, behavior RestoreBehavior) BuildIdentity {
	return BuildIdentity{
		ApChipID:  chip,
		ApBoardID: "0x08",
		Info: IdentityInfo{
			DeviceClass:     board,
			RestoreBehavior: string(behavior),
		},
		Manifest: map[string]IdentityManifest{
			IBSS:               {Info: ComponentInfo{Path: "Firmware/dfu/iBSS." + board + ".RELEASE.im4p", Personalize: true}},
			IBEC:               {Info: ComponentInfo{Path: "Firmware/dfu/iBEC." + board + ".RELEASE.im4p", Personalize: true}},
			DeviceTree:         {Info: ComponentInfo{Path: "Firmware/all_flash/DeviceTree." + board + ".im4p"}},
			RestoreKernelCache: {Info: ComponentInfo{Path: "kernelcache.release.iphone9"}},
			RestoreRamDisk:     {Info: ComponentInfo{Path: "038-1234-001.dmg"}},
		},
	}
}

func fixture(t *testing.T, ids ...BuildIdentity) *BuildManifest {
	t.Helper()
	data, err := plist.Marshal(&BuildManifest{
		ProductVersion:      "15.7",
		ProductBuildVersion: "19H12",
		BuildIdentities:     ids,
	}, plist.XMLFormat)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	bm, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return bm
}

func TestResolve(t *testing.T) {
	bm := fixture(t,
		identity("0x8010", "d10ap", Erase),
		identity("0x8010", "d10ap", Update),
		identity("0x8015", "d20ap", Erase),
	)

	bi, err := bm.Resolve("8010", Erase)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if bi.Info.RestoreBehavior != "Erase" || bi.ApChipID != "0x8010" {
		t.Errorf("wrong identity %+v", bi.Info)
	}

	again, err := bm.Resolve("0x8010", Erase)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(bi, again) {
		t.Errorf("Resolve is not idempotent")
	}

	p, err := bi.PathFor(IBSS)
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if want := "Firmware/dfu/iBSS.d10ap.RELEASE.im4p"; p != want {
		t.Errorf("PathFor: got %q, want %q", p, want)
	}
}

func TestResolveErrors(t *testing.T) {
	for _, te := range []struct {
		name string
		bm   []BuildIdentity
		chip string
	}{
		{"only update identity", []BuildIdentity{identity("0x8010", "d10ap", Update)}, "0x8010"},
		{"unknown chip", []BuildIdentity{identity("0x8015", "d20ap", Erase)}, "0x8010"},
		{"ambiguous", []BuildIdentity{identity("0x8010", "d10ap", Erase), identity("0x8010", "d11ap", Erase)}, "0x8010"},
	} {
		t.Run(te.name, func(t *testing.T) {
			bm := fixture(t, te.bm...)
			if _, err := bm.Resolve(te.chip, Erase); !errs.Is(err, errs.Manifest) {
				t.Fatalf("expected manifest error, got %v", err)
			}
		})
	}
}

func TestResolveBoard(t *testing.T) {
	bm := fixture(t,
		identity("0x8010", "d10ap", Erase),
		identity("0x8010", "d11ap", Erase),
	)
	bi, err := bm.ResolveBoard("D11AP", Erase)
	if err != nil {
		t.Fatalf("ResolveBoard: %v", err)
	}
	if bi.Info.DeviceClass != "d11ap" {
		t.Errorf("got %q", bi.Info.DeviceClass)
	}
}

func TestPathForMissing(t *testing.T) {
	bi := identity("0x8010", "d10ap", Erase)
	if _, err := bi.PathFor(RestoreTrustCache); !errs.Is(err, errs.Manifest) {
		t.Fatalf("expected manifest error, got %v", err)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	bi := identity("0x8010", "d10ap", Erase)
	for _, c := range []string{IBSS, IBEC, DeviceTree} {
		p, err := bi.PathFor(c)
		if err != nil {
			t.Fatalf("PathFor(%s): %v", c, err)
		}
		if got := Unflatten(Flatten(p)); got != p {
			t.Errorf("%s: round trip got %q, want %q", c, got, p)
		}
	}
	if got, want := Flatten("Firmware/dfu/iBEC.d10ap.RELEASE.im4p"), "iBEC.d10ap.RELEASE.im4p"; got != want {
		t.Errorf("Flatten: got %q, want %q", got, want)
	}
}
