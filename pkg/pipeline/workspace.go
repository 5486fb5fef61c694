package pipeline

import (
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// Workspace is the scratch directory of one pipeline run. It is owned by the
// run and removed by Close whatever the outcome.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a workspace under base, or under the system temp
// directory if base is empty.
func NewWorkspace(base string) (*Workspace, error) {
	dir, err := os.MkdirTemp(base, "palera1n-")
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("Workspace at %s", dir)
	return &Workspace{Dir: dir}, nil
}

func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

func (w *Workspace) Close() error {
	glog.V(1).Infof("Removing workspace %s", w.Dir)
	return os.RemoveAll(w.Dir)
}

// Artifact is a file produced by a pipeline stage.
type Artifact struct {
	Component Component
	Stage     Stage
	Path      string
}
