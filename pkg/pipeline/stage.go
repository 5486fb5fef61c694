package pipeline

import (
	"fmt"
	"sync"

	"github.com/palera1n/palera1n/pkg/errs"
)

// Component is a boot-chain image moving through the pipeline.
type Component string

const (
	IBSS       Component = "iBSS"
	IBEC       Component = "iBEC"
	Kernel     Component = "kernel"
	DeviceTree Component = "devicetree"
	TrustCache Component = "trustcache"
	RamDisk    Component = "ramdisk"
	BootLogo   Component = "bootlogo"
)

// PassThrough components are only repackaged, never decrypted or patched.
func (c Component) PassThrough() bool {
	switch c {
	case DeviceTree, TrustCache, BootLogo:
		return true
	}
	return false
}

type Stage int

const (
	Fetched Stage = iota + 1
	Decrypted
	Patched
	Repackaged
)

func (s Stage) String() string {
	switch s {
	case Fetched:
		return "fetched"
	case Decrypted:
		return "decrypted"
	case Patched:
		return "patched"
	case Repackaged:
		return "repackaged"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Tracker records the stage of every component and rejects out of order
// transitions.
type Tracker struct {
	mu     sync.Mutex
	stages map[Component]Stage
}

func NewTracker() *Tracker {
	return &Tracker{stages: make(map[Component]Stage)}
}

// Advance moves c to stage s. A component starts at Fetched and moves one
// stage at a time; pass-through components go straight from Fetched to
// Repackaged.
func (t *Tracker) Advance(c Component, s Stage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(c, s); err != nil {
		return err
	}
	t.stages[c] = s
	return nil
}

// Check returns the error Advance would return, without moving c.
func (t *Tracker) Check(c Component, s Stage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.check(c, s)
}

func (t *Tracker) check(c Component, s Stage) error {
	cur, ok := t.stages[c]
	var legal bool
	switch {
	case !ok:
		legal = s == Fetched
	case c.PassThrough():
		legal = cur == Fetched && s == Repackaged
	default:
		legal = s == cur+1
	}
	if !legal {
		from := "nothing"
		if ok {
			from = cur.String()
		}
		return errs.Errorf(errs.Pipeline, fmt.Sprintf("%s %s", c, s), "cannot go from %s to %s", from, s)
	}
	return nil
}

// Stage returns the current stage of c, or 0 if it was never fetched.
func (t *Tracker) Stage(c Component) Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stages[c]
}
