package boot

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/cache"
	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/pipeline"
)

// Settle is how long iBoot gets to act on each file or command before the
// next one is sent.
const Settle = 4 * time.Second

// Direct boots images from the image store through iBoot, without PongoOS.
type Direct struct {
	Channel Channel
	Images  cache.Images
	ChipID  string
	Sleep   Sleeper
}

type step struct {
	image string
	cmd   string
}

func (d *Direct) run(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if s.image != "" {
			if err := sendFile(ctx, d.Channel, d.Images.Path(s.image)); err != nil {
				return err
			}
			if err := d.Sleep.Wait(ctx, Settle); err != nil {
				return err
			}
		}
		if s.cmd != "" {
			glog.V(1).Infof("Running %q", s.cmd)
			if err := d.Channel.SendCommand(ctx, s.cmd); err != nil {
				return err
			}
			if err := d.Sleep.Wait(ctx, Settle); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Direct) bootloader() []step {
	steps := []step{{image: pipeline.ImageIBSS}, {image: pipeline.ImageIBEC}}
	if devices.RequiresGo(d.ChipID) {
		steps = append(steps, step{cmd: "go"})
	}
	return steps
}

// Ramdisk boots the SSH ramdisk. The device must be pwned and in DFU mode.
func (d *Direct) Ramdisk(ctx context.Context) error {
	steps := append(d.bootloader(),
		step{pipeline.ImageBootLogo, "setpicture 0x0"},
		step{pipeline.ImageRamdisk, "ramdisk"},
		step{pipeline.ImageDeviceTree, "devicetree"},
		step{pipeline.ImageTrustCache, "firmware"},
		step{pipeline.ImageKernel, "bootx"},
	)
	glog.Infof("Booting ramdisk")
	return d.run(ctx, steps)
}

// LocalBoot boots the installed system through the patched bootloader.
func (d *Direct) LocalBoot(ctx context.Context) error {
	glog.Infof("Booting device")
	return d.run(ctx, d.bootloader())
}
