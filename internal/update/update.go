// Package update rebuilds and relaunches the daemon after a task has
// modified its own source tree.
package update

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// Rebuilder relaunches the daemon from a modified source tree.
type Rebuilder struct {
	logger *zap.Logger
}

func NewRebuilder(logger *zap.Logger) *Rebuilder {
	return &Rebuilder{logger: logger}
}

// Trigger spawns a detached rebuild of the tree at path. The child
// process outlives this one; the caller exits once in-flight work
// drains. Failures are logged, never fatal, since the running binary
// keeps working either way.
func (r *Rebuilder) Trigger(treePath string) error {
	script := filepath.Join(treePath, "scripts", "rebuild.sh")
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("no rebuild script in tree: %w", err)
	}

	cmd := exec.Command(script)
	cmd.Dir = treePath
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting rebuild: %w", err)
	}
	r.logger.Info("self-rebuild started",
		zap.String("tree", treePath),
		zap.Int("pid", cmd.Process.Pid))

	// Detach so the rebuild survives our exit.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("detaching rebuild process: %w", err)
	}
	return nil
}
