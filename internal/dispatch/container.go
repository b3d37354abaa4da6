package dispatch

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/catalog"
)

// containerRuntime is the container runtime binary. Overridable in tests.
var containerRuntime = "docker"

// runContainer executes an isolated image run with the same argument and
// volume contract as the cli backend: the workspace is mounted at
// /workspace and templated args are appended after the image name. It
// draws from the same subprocess semaphore as cli.
func (d *Dispatcher) runContainer(ctx context.Context, desc catalog.Descriptor, params map[string]any) (map[string]any, error) {
	release, err := d.enforcer.AcquireProcess(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if desc.Backend.PullPolicy == "always" {
		pull := exec.CommandContext(ctx, containerRuntime, "pull", desc.Backend.Image)
		if out, err := pull.CombinedOutput(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.log.Warn("image pull failed, running with local image",
				zap.String("image", desc.Backend.Image),
				zap.String("output", truncate(string(out), 512)))
		}
	}

	limits := d.enforcer.Limits()
	args := []string{"run", "--rm",
		"--network", "none",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"-v", d.enforcer.WorkspaceRoot() + ":/workspace",
		"-w", "/workspace",
	}
	for _, env := range limits.Env() {
		args = append(args, "-e", env)
	}
	args = append(args, desc.Backend.Image)
	if desc.Backend.Command != "" {
		args = append(args, desc.Backend.Command)
	}
	args = append(args, expandArgs(desc.Backend.Args, params)...)

	return d.runCommand(ctx, desc, containerRuntime, args)
}
