// Package pipeline builds signed boot-chain images: it pwns the device,
// then takes every component from Fetched through Decrypted and Patched to
// Repackaged, in that order, with the external tools.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/klauspost/compress/gzip"

	"github.com/palera1n/palera1n/pkg/cache"
	"github.com/palera1n/palera1n/pkg/cfw"
	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
	"github.com/palera1n/palera1n/pkg/img4"
	"github.com/palera1n/palera1n/pkg/manifest"
	"github.com/palera1n/palera1n/pkg/tools"
)

// Built image names, as stored in the boot image cache.
const (
	ImageIBSS       = "iBSS.img4"
	ImageIBEC       = "iBEC.img4"
	ImageBootLogo   = "bootlogo.img4"
	ImageRamdisk    = "ramdisk.img4"
	ImageDeviceTree = "devicetree.img4"
	ImageTrustCache = "trustcache.img4"
	ImageKernel     = "kernelcache.img4"
)

var (
	// RamdiskImages boot the SSH ramdisk.
	RamdiskImages = []string{ImageIBSS, ImageIBEC, ImageBootLogo, ImageRamdisk, ImageDeviceTree, ImageTrustCache, ImageKernel}
	// LocalBootImages boot the installed system.
	LocalBootImages = []string{ImageIBSS, ImageIBEC}
)

// Files expected in the data directory.
const (
	// DataSSHPayload is unpacked into the restore ramdisk to make it serve
	// SSH.
	DataSSHPayload = "ramdisk.tar.gz"
	DataBootLogo   = "ramdisklogo.im4p"
)

// RamdiskSize is what the restore ramdisk volume is grown to before the SSH
// payload is unpacked into it.
const RamdiskSize = 256 << 20

// Source provides archive members, eg. an open IPSW.
type Source interface {
	Extract(name, dir string) (string, error)
}

// Pwner tells whether the boot ROM has already been exploited.
type Pwner interface {
	Pwned(ctx context.Context) (bool, error)
}

type Pipeline struct {
	Gaster        tools.Gaster
	IBootPatcher  tools.IBoot64Patcher
	KernelPatcher tools.Kernel64Patcher
	IBootpatch2   tools.IBootpatch2
	Hfsplus       tools.Hfsplus
	Pwn           Pwner

	Device   devices.Identity
	Identity *manifest.BuildIdentity
	Source   Source
	// Ticket is the IM4M every image is signed with.
	Ticket []byte
	// Data is the directory holding the SSH payload and boot logo.
	Data string
	// TempDir is where workspaces are created. Empty means the system
	// default.
	TempDir string

	// Tracker holds the stages of the current or last build.
	Tracker *Tracker
	ws      *Workspace
}

// EnsurePwned runs gaster pwn and gaster reset unless the device is already
// pwned.
func (p *Pipeline) EnsurePwned(ctx context.Context) error {
	pwned, err := p.Pwn.Pwned(ctx)
	if err != nil {
		return err
	}
	if pwned {
		glog.Infof("Device is already pwned")
		return nil
	}
	glog.Infof("Pwning device")
	if err := p.Gaster.Pwn(ctx); err != nil {
		return err
	}
	return p.Gaster.Reset(ctx)
}

func (p *Pipeline) begin() (func(), error) {
	ws, err := NewWorkspace(p.TempDir)
	if err != nil {
		return nil, err
	}
	p.ws = ws
	p.Tracker = NewTracker()
	return func() {
		if err := ws.Close(); err != nil {
			glog.Warningf("Could not remove workspace: %v", err)
		}
		p.ws = nil
	}, nil
}

func (p *Pipeline) fetch(c Component, name string) (*Artifact, error) {
	if err := p.Tracker.Check(c, Fetched); err != nil {
		return nil, err
	}
	path, err := p.Identity.PathFor(name)
	if err != nil {
		return nil, err
	}
	return p.fetchPath(c, path)
}

func (p *Pipeline) fetchPath(c Component, archivePath string) (*Artifact, error) {
	local, err := p.Source.Extract(archivePath, p.ws.Dir)
	if err != nil {
		return nil, err
	}
	return p.advance(c, Fetched, local)
}

// fetchData takes a component from the data directory instead of the
// archive.
func (p *Pipeline) fetchData(c Component, name string) (*Artifact, error) {
	path := filepath.Join(p.Data, name)
	if _, err := os.Stat(path); err != nil {
		return nil, errs.New(errs.Dependency, fmt.Sprintf("%s %s", c, Fetched), err)
	}
	return p.advance(c, Fetched, path)
}

func (p *Pipeline) advance(c Component, s Stage, path string) (*Artifact, error) {
	if err := p.Tracker.Advance(c, s); err != nil {
		return nil, err
	}
	glog.V(1).Infof("%s %s: %s", c, s, path)
	return &Artifact{Component: c, Stage: s, Path: path}, nil
}

func (p *Pipeline) decrypt(ctx context.Context, a *Artifact) (*Artifact, error) {
	if err := p.Tracker.Check(a.Component, Decrypted); err != nil {
		return nil, err
	}
	out := p.ws.Path(string(a.Component) + ".dec")
	if err := p.Gaster.Decrypt(ctx, a.Path, out); err != nil {
		return nil, err
	}
	return p.advance(a.Component, Decrypted, out)
}

func (p *Pipeline) patchBoot(ctx context.Context, a *Artifact, opts tools.IBootOptions) (*Artifact, error) {
	if err := p.Tracker.Check(a.Component, Patched); err != nil {
		return nil, err
	}
	out := p.ws.Path(string(a.Component) + ".patched")
	if err := p.IBootPatcher.Patch(ctx, a.Path, out, opts); err != nil {
		return nil, errs.New(errs.Patch, "iBoot64Patcher "+string(a.Component), err)
	}
	return p.advance(a.Component, Patched, out)
}

func (p *Pipeline) repackage(a *Artifact, tag string, store cache.Images, name string) error {
	if err := p.Tracker.Check(a.Component, Repackaged); err != nil {
		return err
	}
	out := p.ws.Path(name)
	if err := img4.Repackage(a.Path, out, tag, p.Ticket); err != nil {
		return errs.New(errs.Pipeline, fmt.Sprintf("repackage %s", a.Component), err)
	}
	if _, err := p.advance(a.Component, Repackaged, out); err != nil {
		return err
	}
	return store.Store(out, name)
}

// BuildRamdisk pwns the device and builds the images that boot the SSH
// ramdisk into store. A complete store from an earlier run is reused.
func (p *Pipeline) BuildRamdisk(ctx context.Context, store cache.Images, args BootArgs) error {
	if err := p.EnsurePwned(ctx); err != nil {
		return err
	}
	if store.Complete(RamdiskImages...) {
		return nil
	}
	done, err := p.begin()
	if err != nil {
		return err
	}
	defer done()

	glog.Infof("Patching iBSS and iBEC")
	ibss, err := p.fetch(IBSS, manifest.IBSS)
	if err != nil {
		return err
	}
	if ibss, err = p.decrypt(ctx, ibss); err != nil {
		return err
	}
	if ibss, err = p.patchBoot(ctx, ibss, tools.IBootOptions{}); err != nil {
		return err
	}
	if err := p.repackage(ibss, "ibss", store, ImageIBSS); err != nil {
		return err
	}

	ibec, err := p.fetch(IBEC, manifest.IBEC)
	if err != nil {
		return err
	}
	if ibec, err = p.decrypt(ctx, ibec); err != nil {
		return err
	}
	args.Ramdisk = "md0"
	args.NoWatchdog = true
	args.Restore = devices.RequiresRestoreArg(p.Device.ChipID)
	if ibec, err = p.patchBoot(ctx, ibec, tools.IBootOptions{BootArgs: args.String(), UnlockNVRAM: true}); err != nil {
		return err
	}
	if err := p.repackage(ibec, "ibec", store, ImageIBEC); err != nil {
		return err
	}

	glog.Infof("Packing DeviceTree")
	dt, err := p.fetch(DeviceTree, manifest.DeviceTree)
	if err != nil {
		return err
	}
	if err := p.repackage(dt, "rdtr", store, ImageDeviceTree); err != nil {
		return err
	}

	glog.Infof("Patching kernel")
	if err := p.buildKernel(ctx, store); err != nil {
		return err
	}

	glog.Infof("Packing trustcache and ramdisk")
	rdPath, err := p.Identity.PathFor(manifest.RestoreRamDisk)
	if err != nil {
		return err
	}
	tcPath, err := p.Identity.PathFor(manifest.RestoreTrustCache)
	if err != nil {
		tcPath = rdPath + ".trustcache"
	}
	tc, err := p.fetchPath(TrustCache, tcPath)
	if err != nil {
		return err
	}
	if err := p.repackage(tc, "rtsc", store, ImageTrustCache); err != nil {
		return err
	}

	if err := p.buildRamdiskImage(ctx, store, rdPath); err != nil {
		return err
	}

	logo, err := p.fetchData(BootLogo, DataBootLogo)
	if err != nil {
		return err
	}
	return p.repackage(logo, "rlgo", store, ImageBootLogo)
}

// buildRamdiskImage turns the restore ramdisk into the SSH ramdisk: the raw
// HFS+ volume is grown and the SSH payload unpacked into it.
func (p *Pipeline) buildRamdiskImage(ctx context.Context, store cache.Images, rdPath string) error {
	rd, err := p.fetchPath(RamDisk, rdPath)
	if err != nil {
		return err
	}
	if err := p.Tracker.Check(RamDisk, Decrypted); err != nil {
		return err
	}
	dmg := p.ws.Path("ramdisk.dmg")
	if err := img4.ExtractRaw(rd.Path, dmg); err != nil {
		return errs.New(errs.Pipeline, "extract ramdisk", err)
	}
	if rd, err = p.advance(RamDisk, Decrypted, dmg); err != nil {
		return err
	}
	if err := p.Tracker.Check(RamDisk, Patched); err != nil {
		return err
	}
	payload, err := p.unpackPayload()
	if err != nil {
		return err
	}
	if err := p.Hfsplus.Grow(ctx, rd.Path, RamdiskSize); err != nil {
		return errs.New(errs.Patch, "hfsplus grow", err)
	}
	if err := p.Hfsplus.Untar(ctx, rd.Path, payload); err != nil {
		return errs.New(errs.Patch, "hfsplus untar", err)
	}
	if rd, err = p.advance(RamDisk, Patched, rd.Path); err != nil {
		return err
	}
	return p.repackage(rd, "rdsk", store, ImageRamdisk)
}

// unpackPayload decompresses the SSH payload tarball into the workspace.
func (p *Pipeline) unpackPayload() (string, error) {
	src := filepath.Join(p.Data, DataSSHPayload)
	f, err := os.Open(src)
	if err != nil {
		return "", errs.New(errs.Dependency, "ssh payload", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return "", errs.New(errs.Dependency, "ssh payload", fmt.Errorf("%s: %w", src, err))
	}
	defer zr.Close()

	out := p.ws.Path("ramdisk.tar")
	w, err := os.Create(out)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(w, zr)
	if err != nil {
		w.Close()
		return "", errs.New(errs.Dependency, "ssh payload", fmt.Errorf("%s: %w", src, err))
	}
	glog.V(1).Infof("Unpacked %s (%s)", src, humanize.Bytes(uint64(n)))
	return out, w.Close()
}

func (p *Pipeline) buildKernel(ctx context.Context, store cache.Images) error {
	kc, err := p.fetch(Kernel, manifest.RestoreKernelCache)
	if err != nil {
		return err
	}
	if err := p.Tracker.Check(Kernel, Decrypted); err != nil {
		return err
	}
	raw := p.ws.Path("kcache.raw")
	if err := img4.ExtractRaw(kc.Path, raw); err != nil {
		return errs.New(errs.Pipeline, "extract kernel", err)
	}
	if kc, err = p.advance(Kernel, Decrypted, raw); err != nil {
		return err
	}
	if err := p.Tracker.Check(Kernel, Patched); err != nil {
		return err
	}
	patched := p.ws.Path("kcache.patched")
	if err := p.KernelPatcher.Patch(ctx, kc.Path, patched, tools.PatchAMFI); err != nil {
		return errs.New(errs.Patch, "Kernel64Patcher", err)
	}
	if kc, err = p.advance(Kernel, Patched, patched); err != nil {
		return err
	}
	return p.repackage(kc, "rkrn", store, ImageKernel)
}

type LocalBootOptions struct {
	// SemiTethered boots the fakefs instead of the stock system volume.
	SemiTethered bool
	// Shadow loads the patched kernelcachd left by the installer.
	Shadow   bool
	BootArgs BootArgs
}

// BuildLocalBoot pwns the device and builds the iBSS and iBEC that boot the
// installed system from disk into store.
func (p *Pipeline) BuildLocalBoot(ctx context.Context, store cache.Images, opts LocalBootOptions) error {
	if err := p.EnsurePwned(ctx); err != nil {
		return err
	}
	if store.Complete(LocalBootImages...) {
		return nil
	}
	done, err := p.begin()
	if err != nil {
		return err
	}
	defer done()

	ibss, err := p.fetch(IBSS, manifest.IBSS)
	if err != nil {
		return err
	}
	if ibss, err = p.decrypt(ctx, ibss); err != nil {
		return err
	}
	if ibss, err = p.patchBoot(ctx, ibss, tools.IBootOptions{}); err != nil {
		return err
	}
	if err := p.repackage(ibss, "ibss", store, ImageIBSS); err != nil {
		return err
	}

	ibec, err := p.fetch(IBEC, manifest.IBEC)
	if err != nil {
		return err
	}
	if ibec, err = p.decrypt(ctx, ibec); err != nil {
		return err
	}
	args := opts.BootArgs
	if opts.SemiTethered {
		args.Ramdisk = "disk0s1s8"
	}
	iopts := tools.IBootOptions{
		BootArgs:    args.String(),
		UnlockNVRAM: true,
		FSBoot:      opts.SemiTethered,
		LocalBoot:   !opts.SemiTethered,
	}
	if ibec, err = p.patchBoot(ctx, ibec, iopts); err != nil {
		return err
	}
	if iopts.LocalBoot && p.IBootpatch2.Supported(p.Device.ChipID) {
		out := p.ws.Path("iBEC.patched2")
		if err := p.IBootpatch2.Patch(ctx, p.Device.ChipID, ibec.Path, out); err != nil {
			return errs.New(errs.Patch, "iBootpatch2", err)
		}
		ibec.Path = out
	}
	if opts.Shadow {
		if err := cfw.ApplyFile(ibec.Path, ibec.Path, cfw.ShadowKernel); err != nil {
			return errs.New(errs.Patch, "shadow kernel", err)
		}
	}
	return p.repackage(ibec, SecondStageTag(p.Device.ProductType), store, ImageIBEC)
}
