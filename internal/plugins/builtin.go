// Package plugins provides the built-in inprocess plugin set: workspace
// file operations and an echo capability. They demonstrate the inprocess
// backend contract and give the one-shot CLI something to execute without
// external binaries.
package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/dispatch"
	"github.com/ppiankov/capgate/internal/model"
	"github.com/ppiankov/capgate/internal/sandbox"
)

// Register binds the built-in plugins to the dispatcher.
func Register(d *dispatch.Dispatcher, enforcer *sandbox.Enforcer) {
	fs := &filesystem{enforcer: enforcer}
	d.RegisterInprocess("filesystem", fs.run)
	d.RegisterInprocess("echo", runEcho)
}

// Manifests returns the manifests describing the built-in plugins, for
// catalogs built programmatically rather than from a manifest directory.
func Manifests() []*catalog.Manifest {
	return []*catalog.Manifest{FilesystemManifest(), EchoManifest()}
}

// FilesystemManifest describes the workspace file plugin. delete_file
// requires confirmation: destructive operations never run unattended.
func FilesystemManifest() *catalog.Manifest {
	return &catalog.Manifest{
		SchemaVersion: "1.0",
		Plugin: catalog.PluginMeta{
			Name:        "filesystem",
			Version:     "1.0.0",
			Description: "workspace file operations",
			RiskLevel:   model.RiskMedium,
		},
		Backend: catalog.BackendSpec{Kind: model.BackendInprocess},
		Capabilities: []catalog.CapabilitySpec{
			{
				Name:        "read_file",
				Description: "read a file from the workspace or an allowed read path",
				RiskLevel:   model.RiskLow,
				Permissions: []string{"fs:read"},
				Params: []catalog.ParamSpec{
					{Name: "path", Type: "string", Required: true, Description: "file path, relative paths resolve inside the workspace"},
				},
			},
			{
				Name:        "write_file",
				Description: "write a file inside the workspace",
				RiskLevel:   model.RiskMedium,
				Permissions: []string{"fs:write"},
				Params: []catalog.ParamSpec{
					{Name: "path", Type: "string", Required: true},
					{Name: "content", Type: "string", Required: true},
				},
			},
			{
				Name:                 "delete_file",
				Description:          "delete a file inside the workspace",
				RiskLevel:            model.RiskMedium,
				ConfirmationRequired: true,
				Permissions:          []string{"fs:write"},
				Params: []catalog.ParamSpec{
					{Name: "path", Type: "string", Required: true},
				},
			},
		},
	}
}

// EchoManifest describes the echo plugin used for smoke tests.
func EchoManifest() *catalog.Manifest {
	return &catalog.Manifest{
		SchemaVersion: "1.0",
		Plugin: catalog.PluginMeta{
			Name:        "echo",
			Version:     "1.0.0",
			Description: "returns its input",
			RiskLevel:   model.RiskLow,
		},
		Backend: catalog.BackendSpec{Kind: model.BackendInprocess},
		Capabilities: []catalog.CapabilitySpec{
			{
				Name:        "say",
				Description: "echo a message back",
				RiskLevel:   model.RiskLow,
				Params: []catalog.ParamSpec{
					{Name: "message", Type: "string", Required: true},
				},
			},
		},
	}
}

type filesystem struct {
	enforcer *sandbox.Enforcer
}

func (f *filesystem) run(ctx context.Context, capability string, params map[string]any) (map[string]any, error) {
	path, _ := params["path"].(string)

	switch capability {
	case "read_file":
		if err := f.enforcer.CheckRead(path); err != nil {
			return nil, err
		}
		full := f.resolve(path)
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := f.enforcer.CheckOutputSize(info.Size()); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return map[string]any{"content": string(data), "size": info.Size()}, nil

	case "write_file":
		if err := f.enforcer.CheckWrite(path); err != nil {
			return nil, err
		}
		content, _ := params["content"].(string)
		if max := int64(f.enforcer.Limits().MaxFileSizeMB) << 20; max > 0 && int64(len(content)) > max {
			return nil, &sandbox.ViolationError{Op: "write", Path: path, Rule: "content exceeds file size ceiling"}
		}
		full := f.resolve(path)
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return nil, fmt.Errorf("create parent directory: %w", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o640); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return map[string]any{"written": len(content)}, nil

	case "delete_file":
		if err := f.enforcer.CheckWrite(path); err != nil {
			return nil, err
		}
		if err := os.Remove(f.resolve(path)); err != nil {
			return nil, fmt.Errorf("delete %s: %w", path, err)
		}
		return map[string]any{"deleted": true}, nil

	default:
		return nil, fmt.Errorf("unknown capability %q", capability)
	}
}

func (f *filesystem) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(f.enforcer.WorkspaceRoot(), path)
}

func runEcho(ctx context.Context, capability string, params map[string]any) (map[string]any, error) {
	if capability != "say" {
		return nil, fmt.Errorf("unknown capability %q", capability)
	}
	msg, _ := params["message"].(string)
	return map[string]any{"message": msg}, nil
}
