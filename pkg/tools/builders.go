package tools

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/errs"
)

// PwnTimeout bounds gaster pwn, which hangs forever if the device drops out
// of DFU mode halfway.
const PwnTimeout = 5 * time.Second

type Gaster struct{ Tool }

func (g Gaster) Pwn(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PwnTimeout)
	defer cancel()
	_, err := g.run(ctx, "pwn")
	return err
}

func (g Gaster) Reset(ctx context.Context) error {
	_, err := g.run(ctx, "reset")
	return err
}

// Decrypt decrypts an iBSS or iBEC IM4P with the device's GID key.
func (g Gaster) Decrypt(ctx context.Context, in, out string) error {
	_, err := g.run(ctx, "decrypt", in, out)
	return err
}

// Hfsplus edits HFS+ disk images in place.
type Hfsplus struct{ Tool }

// Grow resizes the volume in image to size bytes.
func (h Hfsplus) Grow(ctx context.Context, image string, size int64) error {
	_, err := h.run(ctx, image, "grow", strconv.FormatInt(size, 10))
	return err
}

// Untar extracts an uncompressed tar archive into the root of image.
func (h Hfsplus) Untar(ctx context.Context, image, tar string) error {
	_, err := h.run(ctx, image, "untar", tar)
	return err
}

type IBoot64Patcher struct{ Tool }

type IBootOptions struct {
	// BootArgs are baked in with -b when not empty.
	BootArgs string
	// UnlockNVRAM allows setting any NVRAM variable (-n).
	UnlockNVRAM bool
	// FSBoot boots from the fakefs (-f).
	FSBoot bool
	// LocalBoot boots the local kernel instead of waiting for an upload (-l).
	LocalBoot bool
}

func (o IBootOptions) args() []string {
	var res []string
	if o.BootArgs != "" {
		res = append(res, "-b", o.BootArgs)
	}
	if o.UnlockNVRAM {
		res = append(res, "-n")
	}
	if o.FSBoot {
		res = append(res, "-f")
	}
	if o.LocalBoot {
		res = append(res, "-l")
	}
	return res
}

func (p IBoot64Patcher) Patch(ctx context.Context, in, out string, opts IBootOptions) error {
	_, err := p.run(ctx, append([]string{in, out}, opts.args()...)...)
	return err
}

// KernelPatch is a set of Kernel64Patcher patches.
type KernelPatch uint

const (
	PatchAMFI KernelPatch = 1 << iota
	PatchRootHash
	PatchSealBroken
	PatchRootVPAuth
	PatchUpdateRootfsRW
	PatchAFUImg4
	PatchSPUValidation
)

var kernelFlags = []struct {
	p    KernelPatch
	flag string
}{
	{PatchAMFI, "-a"},
	{PatchRootHash, "-o"},
	{PatchSealBroken, "-e"},
	{PatchRootVPAuth, "-r"},
	{PatchUpdateRootfsRW, "-u"},
	{PatchAFUImg4, "-f"},
	{PatchSPUValidation, "-s"},
}

func (k KernelPatch) args() []string {
	var res []string
	for _, f := range kernelFlags {
		if k&f.p != 0 {
			res = append(res, f.flag)
		}
	}
	return res
}

type Kernel64Patcher struct{ Tool }

func (p Kernel64Patcher) Patch(ctx context.Context, in, out string, patches KernelPatch) error {
	if patches == 0 {
		return errs.Errorf(errs.Patch, "Kernel64Patcher", "no patches selected")
	}
	_, err := p.run(ctx, append([]string{in, out}, patches.args()...)...)
	return err
}

type IBootpatch2 struct{ Tool }

// Supported returns whether iBootpatch2 knows the local boot patch for the
// chip.
func (IBootpatch2) Supported(chipID string) bool {
	switch devices.NormalizeChipID(chipID) {
	case "0x8010", "0x8015":
		return true
	}
	return false
}

func (p IBootpatch2) Patch(ctx context.Context, chipID, in, out string) error {
	var flag string
	switch devices.NormalizeChipID(chipID) {
	case "0x8010":
		flag = "--t8010"
	case "0x8015":
		flag = "--t8015"
	default:
		return errs.Errorf(errs.Patch, "iBootpatch2", "unsupported chip %s", chipID)
	}
	_, err := p.run(ctx, flag, in, out)
	return err
}

// Irecovery drives iBoot in Recovery and DFU mode through the irecovery
// binary.
type Irecovery struct{ Tool }

// Info returns the fields printed by irecovery -q, eg. CPID, ECID or PWND.
func (i Irecovery) Info(ctx context.Context) (map[string]string, error) {
	out, err := i.run(ctx, "-q")
	if err != nil {
		return nil, err
	}
	res := make(map[string]string)
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		res[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return res, nil
}

// Pwned returns whether the boot ROM has been exploited, ie. whether
// irecovery reports a PWND field.
func (i Irecovery) Pwned(ctx context.Context) (bool, error) {
	info, err := i.Info(ctx)
	if err != nil {
		return false, err
	}
	return info["PWND"] != "", nil
}

func (i Irecovery) SendFile(ctx context.Context, path string) error {
	_, err := i.run(ctx, "-f", path)
	return err
}

func (i Irecovery) SendCommand(ctx context.Context, cmd string) error {
	_, err := i.run(ctx, "-c", cmd)
	return err
}

type Checkra1n struct{ Tool }

type Checkra1nOptions struct {
	Ramdisk string
	Overlay string
	KPF     string
	Pongo   string
	// BootArgs are passed to the booted kernel.
	BootArgs    string
	ForceRevert bool
	SafeMode    bool
	// ExitEarly stops once PongoOS is up.
	ExitEarly bool
	// PongoShell boots to the PongoOS shell (-p).
	PongoShell bool
	// PongoFull boots to a full PongoOS (-P).
	PongoFull bool
}

func (o Checkra1nOptions) args() []string {
	var res []string
	for _, a := range []struct{ flag, v string }{
		{"-r", o.Ramdisk}, {"-o", o.Overlay}, {"-K", o.KPF}, {"-k", o.Pongo}, {"-e", o.BootArgs},
	} {
		if a.v != "" {
			res = append(res, a.flag, a.v)
		}
	}
	for _, b := range []struct {
		flag string
		v    bool
	}{
		{"--force-revert", o.ForceRevert}, {"-s", o.SafeMode}, {"-E", o.ExitEarly}, {"-p", o.PongoShell}, {"-P", o.PongoFull},
	} {
		if b.v {
			res = append(res, b.flag)
		}
	}
	return res
}

func (c Checkra1n) Run(ctx context.Context, opts Checkra1nOptions) error {
	_, err := c.run(ctx, opts.args()...)
	return err
}
