// Package tools runs the external exploit and patch binaries, and keeps
// their managed copies in the data directory up to date.
package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/golang/glog"

	"github.com/palera1n/palera1n/pkg/errs"
)

// Runner executes a binary and returns its combined output.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) ([]byte, error)
}

// Exec is the Runner backed by os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	glog.V(1).Infof("Running %s %s", bin, strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", err, ctx.Err())
		}
		return out, errs.New(errs.Tool, commandName(bin, args), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return out, nil
}

func commandName(bin string, args []string) string {
	name := bin
	if i := strings.LastIndex(bin, "/"); i != -1 {
		name = bin[i+1:]
	}
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") && !strings.Contains(args[0], "/") {
		name += " " + args[0]
	}
	return name
}

// Tool is a single binary run through a Runner.
type Tool struct {
	Runner Runner
	// Bin is the path to the binary.
	Bin string
}

func (t Tool) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := t.Runner.Run(ctx, t.Bin, args...)
	if err != nil && !errs.Is(err, errs.Tool) {
		err = errs.New(errs.Tool, commandName(t.Bin, args), err)
	}
	return out, err
}
