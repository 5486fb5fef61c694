package tools

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Set is the full tool chain, ready to run.
type Set struct {
	Gaster          Gaster
	IBoot64Patcher  IBoot64Patcher
	Kernel64Patcher Kernel64Patcher
	IBootpatch2     IBootpatch2
	Hfsplus         Hfsplus
	Irecovery       Irecovery
	Checkra1n       Checkra1n
	// KPF is the path to the on-device kernel patchfinder.
	KPF string
}

// EnsureAll fetches every managed tool into dir and returns them bound to r.
// Tools are fetched in parallel, and tools shipped in the same bundle share
// one download.
func (f *Fetcher) EnsureAll(ctx context.Context, dir string, r Runner) (*Set, error) {
	paths, err := f.ensureEach(ctx, dir, []*Managed{
		GasterTool(),
		IBoot64PatcherTool(),
		Kernel64PatcherTool(),
		IBootpatch2Tool(),
		HfsplusTool(),
		IrecoveryTool(),
		Checkra1nTool(),
		KPFTool(),
	})
	if err != nil {
		return nil, err
	}
	bind := func(name string) Tool { return Tool{Runner: r, Bin: paths[name]} }
	return &Set{
		Gaster:          Gaster{bind("gaster")},
		IBoot64Patcher:  IBoot64Patcher{bind("iBoot64Patcher")},
		Kernel64Patcher: Kernel64Patcher{bind("Kernel64Patcher")},
		IBootpatch2:     IBootpatch2{bind("iBootpatch2")},
		Hfsplus:         Hfsplus{bind("hfsplus")},
		Irecovery:       Irecovery{bind("irecovery")},
		Checkra1n:       Checkra1n{bind("checkra1n")},
		KPF:             paths["kpf"],
	}, nil
}

// EnsureDFU fetches only what is needed to walk a device into DFU mode. The
// returned Set has just Irecovery bound.
func (f *Fetcher) EnsureDFU(ctx context.Context, dir string, r Runner) (*Set, error) {
	paths, err := f.ensureEach(ctx, dir, []*Managed{IrecoveryTool()})
	if err != nil {
		return nil, err
	}
	return &Set{Irecovery: Irecovery{Tool{Runner: r, Bin: paths["irecovery"]}}}, nil
}

// ensureEach runs Ensure for every tool in parallel and returns their paths
// by name.
func (f *Fetcher) ensureEach(ctx context.Context, dir string, ms []*Managed) (map[string]string, error) {
	sf := &Fetcher{Client: f.Client, Platform: f.Platform, shared: &downloads{}}
	paths := make([]string, len(ms))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range ms {
		i, m := i, m
		g.Go(func() error {
			p, err := sf.Ensure(gctx, m, dir)
			paths[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := make(map[string]string, len(ms))
	for i, m := range ms {
		res[m.Name] = paths[i]
	}
	return res, nil
}

// downloads remembers the responses of one EnsureAll run by URL.
type downloads struct {
	mu sync.Mutex
	m  map[string]*download
}

type download struct {
	once sync.Once
	body []byte
	err  error
}

func (d *downloads) entry(url string) *download {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = make(map[string]*download)
	}
	e, ok := d.m[url]
	if !ok {
		e = &download{}
		d.m[url] = e
	}
	return e
}
