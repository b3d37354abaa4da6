package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/catalog"
)

// runCLI spawns a subprocess under the shared semaphore. Arguments are
// templated from parameters; stdout is parsed as JSON when the manifest
// declares it, stderr is log-only and never part of the result.
func (d *Dispatcher) runCLI(ctx context.Context, desc catalog.Descriptor, params map[string]any) (map[string]any, error) {
	release, err := d.enforcer.AcquireProcess(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	args := expandArgs(desc.Backend.Args, params)
	return d.runCommand(ctx, desc, desc.Backend.Command, args)
}

// runCommand executes a prepared command line and normalizes its output.
// Shared by the cli and container backends.
func (d *Dispatcher) runCommand(ctx context.Context, desc catalog.Descriptor, name string, args []string) (map[string]any, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = d.enforcer.WorkspaceRoot()
	cmd.Env = append(os.Environ(), d.enforcer.Limits().Env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if stderr.Len() > 0 {
		d.log.Debug("backend stderr",
			zap.String("capability", desc.Name),
			zap.String("stderr", truncate(stderr.String(), 2048)))
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return nil, &BackendError{
				Kind:    desc.Backend.Kind,
				Message: fmt.Sprintf("exit status %d", exitErr.ExitCode()),
				Detail:  truncate(stderr.String(), 1024),
			}
		}
		return nil, &BackendError{
			Kind:    desc.Backend.Kind,
			Message: "failed to start",
			Detail:  runErr.Error(),
		}
	}

	if err := d.enforcer.CheckOutputSize(int64(stdout.Len())); err != nil {
		return nil, err
	}

	return parseOutput(desc, stdout.String())
}

// expandArgs substitutes {{name}} placeholders with parameter values.
// Unreferenced placeholders expand to the empty string.
func expandArgs(tmpl []string, params map[string]any) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = expandTemplate(a, params)
	}
	return out
}

var placeholderRE = regexp.MustCompile(`\{\{([A-Za-z0-9_.-]+)\}\}`)

// expandTemplate substitutes each {{name}} in the manifest template
// exactly once. Substituted values are never rescanned, so parameter
// values containing {{...}} stay literal instead of pulling in other
// parameters. Placeholders for absent params expand to the empty string.
func expandTemplate(s string, params map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := params[m[2:len(m)-2]]
		if !ok {
			return ""
		}
		return paramString(v)
	})
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

// parseOutput converts stdout into result data. JSON output must decode
// to an object; text output is wrapped under "output".
func parseOutput(desc catalog.Descriptor, stdout string) (map[string]any, error) {
	if desc.Backend.Output == "json" {
		var data map[string]any
		if err := json.Unmarshal([]byte(stdout), &data); err != nil {
			return nil, &BackendError{
				Kind:    desc.Backend.Kind,
				Message: "declared JSON output is not a JSON object",
				Detail:  err.Error(),
			}
		}
		return data, nil
	}
	return map[string]any{"output": strings.TrimRight(stdout, "\n")}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
