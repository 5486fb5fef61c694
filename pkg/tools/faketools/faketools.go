// Package faketools is a scripted tools.Runner for tests.
package faketools

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Bin  string
	Args []string
}

// String renders the call as "bin arg arg", using the binary's base name.
func (c Call) String() string {
	return strings.Join(append([]string{filepath.Base(c.Bin)}, c.Args...), " ")
}

// Runner records calls. Handler, if set, produces the output of a call; by
// default calls succeed with no output.
type Runner struct {
	mu      sync.Mutex
	Calls   []Call
	Handler func(ctx context.Context, c Call) ([]byte, error)
}

func (r *Runner) Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	c := Call{Bin: bin, Args: append([]string(nil), args...)}
	r.mu.Lock()
	r.Calls = append(r.Calls, c)
	r.mu.Unlock()
	if r.Handler != nil {
		return r.Handler(ctx, c)
	}
	return nil, nil
}

// Lines returns every call rendered with Call.String.
func (r *Runner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		res[i] = c.String()
	}
	return res
}
