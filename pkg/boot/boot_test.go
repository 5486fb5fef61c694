package boot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/palera1n/palera1n/pkg/cache"
	"github.com/palera1n/palera1n/pkg/devices"
	"github.com/palera1n/palera1n/pkg/devices/fakeusb"
	"github.com/palera1n/palera1n/pkg/errs"
	"github.com/palera1n/palera1n/pkg/pipeline"
	"github.com/palera1n/palera1n/pkg/pongo"
	"github.com/palera1n/palera1n/pkg/tools"
	"github.com/palera1n/palera1n/pkg/tools/faketools"
)

type fakeOpener struct {
	mode   devices.Mode
	dev    *fakeusb.Device
	waited [][]devices.Mode
	opened int
}

func (f *fakeOpener) WaitFor(ctx context.Context, modes ...devices.Mode) (devices.Mode, error) {
	f.waited = append(f.waited, modes)
	return f.mode, nil
}

func (f *fakeOpener) Open(ctx context.Context, mode devices.Mode) (devices.Usb, error) {
	f.opened++
	return f.dev, nil
}

type clock struct{ slept []time.Duration }

func (c *clock) sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func store(t *testing.T, names ...string) cache.Images {
	t.Helper()
	im := cache.Images{Dir: t.TempDir()}
	for _, n := range names {
		if err := os.WriteFile(im.Path(n), []byte(n), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return im
}

func TestDirectRamdisk(t *testing.T) {
	im := store(t, pipeline.RamdiskImages...)
	r := &faketools.Runner{}
	c := &clock{}
	d := &Direct{
		Channel: tools.Irecovery{Tool: tools.Tool{Runner: r, Bin: "irecovery"}},
		Images:  im,
		ChipID:  "0x8010",
		Sleep:   c.sleep,
	}
	if err := d.Ramdisk(context.Background()); err != nil {
		t.Fatalf("Ramdisk: %v", err)
	}
	f := func(name string) string { return "irecovery -f " + im.Path(name) }
	want := []string{
		f("iBSS.img4"),
		f("iBEC.img4"),
		"irecovery -c go",
		f("bootlogo.img4"),
		"irecovery -c setpicture 0x0",
		f("ramdisk.img4"),
		"irecovery -c ramdisk",
		f("devicetree.img4"),
		"irecovery -c devicetree",
		f("trustcache.img4"),
		"irecovery -c firmware",
		f("kernelcache.img4"),
		"irecovery -c bootx",
	}
	if got := r.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("got\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	if len(c.slept) != len(want) {
		t.Errorf("%d settles, want %d", len(c.slept), len(want))
	}
	for _, s := range c.slept {
		if s != Settle {
			t.Errorf("settle of %v", s)
		}
	}
}

func TestDirectLocalBootNoGo(t *testing.T) {
	im := store(t, pipeline.LocalBootImages...)
	r := &faketools.Runner{}
	d := &Direct{
		Channel: tools.Irecovery{Tool: tools.Tool{Runner: r, Bin: "irecovery"}},
		Images:  im,
		ChipID:  "0x8000",
		Sleep:   (&clock{}).sleep,
	}
	if err := d.LocalBoot(context.Background()); err != nil {
		t.Fatalf("LocalBoot: %v", err)
	}
	want := []string{"irecovery -f " + im.Path("iBSS.img4"), "irecovery -f " + im.Path("iBEC.img4")}
	if got := r.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDirectMissingImage(t *testing.T) {
	im := store(t, pipeline.ImageIBSS)
	r := &faketools.Runner{}
	d := &Direct{
		Channel: tools.Irecovery{Tool: tools.Tool{Runner: r, Bin: "irecovery"}},
		Images:  im,
		ChipID:  "0x8010",
		Sleep:   (&clock{}).sleep,
	}
	if err := d.LocalBoot(context.Background()); !errs.Is(err, errs.Dependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(r.Calls) != 1 {
		t.Errorf("calls: %v", r.Lines())
	}
}

func TestNativeCommand(t *testing.T) {
	dev := &fakeusb.Device{}
	o := &fakeOpener{mode: devices.Recovery, dev: dev}
	n := &Native{Devices: o}
	if err := n.SendCommand(context.Background(), "go"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if len(dev.Transfers) != 1 || dev.Transfers[0].RType != 0x40 || string(dev.Transfers[0].Data) != "go\x00" {
		t.Errorf("transfers: %v", dev.Transfers)
	}
	if !dev.Closed {
		t.Errorf("device left open")
	}
	if len(o.waited) != 1 || !reflect.DeepEqual(o.waited[0], []devices.Mode{devices.DFU, devices.Recovery}) {
		t.Errorf("waited for %v", o.waited)
	}
}

func payloads(t *testing.T) PongoFiles {
	t.Helper()
	dir := t.TempDir()
	f := DataFiles(dir)
	for _, p := range []string{f.Pongo, f.KPF, f.Ramdisk, f.Overlay} {
		if err := os.WriteFile(p, []byte(filepath.Base(p)), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestPongoBoot(t *testing.T) {
	files := payloads(t)
	dev := &fakeusb.Device{}
	o := &fakeOpener{mode: devices.Pongo, dev: dev}
	r := &faketools.Runner{}
	c := &clock{}
	p := &Pongo{
		Checkra1n: tools.Checkra1n{Tool: tools.Tool{Runner: r, Bin: "checkra1n"}},
		Devices:   o,
		Files:     files,
		Client:    func(u devices.Usb) *pongo.Client { return &pongo.Client{Usb: u} },
		Sleep:     c.sleep,
	}
	if err := p.Boot(context.Background(), PongoOptions{ForceRevert: true}); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if want := []string{"checkra1n -k " + files.Pongo + " --force-revert -E -P"}; !reflect.DeepEqual(r.Lines(), want) {
		t.Errorf("checkra1n: got %v, want %v", r.Lines(), want)
	}
	if len(o.waited) != 1 || o.waited[0][0] != devices.Pongo {
		t.Errorf("waited for %v", o.waited)
	}
	want := []string{"modload", "ramdisk", "overlay", "kpf", "fuse lock", "xargs -v rootdev=md0", "xfb", "sep auto", "bootux"}
	if got := dev.Commands(0x21, 3); !reflect.DeepEqual(got, want) {
		t.Errorf("commands: got %v, want %v", got, want)
	}
	var bulk int
	for _, tr := range dev.Transfers {
		if tr.Bulk {
			bulk++
		}
	}
	if bulk != 3 {
		t.Errorf("%d uploads, want 3", bulk)
	}
	if !dev.Closed {
		t.Errorf("device left open")
	}
}

func TestPongoConsole(t *testing.T) {
	files := payloads(t)
	reads := 0
	dev := &fakeusb.Device{In: func(request uint8, val, idx uint16, length int) ([]byte, error) {
		// Progress requests report nothing further pending.
		if request == 2 {
			return []byte{0}, nil
		}
		reads++
		return []byte(fmt.Sprintf("pongoOS> %d\n", reads)), nil
	}}
	var console strings.Builder
	p := &Pongo{
		Checkra1n: tools.Checkra1n{Tool: tools.Tool{Runner: &faketools.Runner{}, Bin: "checkra1n"}},
		Devices:   &fakeOpener{mode: devices.Pongo, dev: dev},
		Files:     files,
		Client:    func(u devices.Usb) *pongo.Client { return &pongo.Client{Usb: u} },
		Sleep:     (&clock{}).sleep,
		Console:   &console,
	}
	if err := p.Boot(context.Background(), PongoOptions{}); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	// Three payloads and every command but the final bootux.
	if reads != 8 {
		t.Errorf("console read %d times, want 8", reads)
	}
	if !strings.HasPrefix(console.String(), "pongoOS> 1\n") || !strings.Contains(console.String(), "pongoOS> 8\n") {
		t.Errorf("console output %q", console.String())
	}
}

func TestPongoSerialArgs(t *testing.T) {
	if got := (PongoOptions{Serial: true}).BootArgs().String(); got != "serial=3 rootdev=md0" {
		t.Errorf("got %q", got)
	}
}

func TestPongoMissingPayload(t *testing.T) {
	files := payloads(t)
	os.Remove(files.Overlay)
	r := &faketools.Runner{}
	p := &Pongo{
		Checkra1n: tools.Checkra1n{Tool: tools.Tool{Runner: r, Bin: "checkra1n"}},
		Devices:   &fakeOpener{},
		Files:     files,
	}
	if err := p.Boot(context.Background(), PongoOptions{}); !errs.Is(err, errs.Dependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(r.Calls) != 0 {
		t.Errorf("checkra1n ran: %v", r.Lines())
	}
}
