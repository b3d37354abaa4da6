package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/dispatch"
	"github.com/ppiankov/capgate/internal/sandbox"
)

func setup(t *testing.T) (*dispatch.Dispatcher, *catalog.Catalog, string) {
	t.Helper()
	ws := t.TempDir()
	enforcer, err := sandbox.NewEnforcer(ws, nil, sandbox.Limits{})
	if err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(enforcer, nil)
	Register(d, enforcer)
	cat := catalog.FromManifests(Manifests(), nil)
	return d, cat, enforcer.WorkspaceRoot()
}

func dispatchCap(t *testing.T, d *dispatch.Dispatcher, cat *catalog.Catalog, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	desc, ok := cat.Describe(name)
	if !ok {
		t.Fatalf("capability %s not in catalog", name)
	}
	return d.Dispatch(context.Background(), desc, params)
}

func TestManifestsValidate(t *testing.T) {
	for _, m := range Manifests() {
		if err := m.Validate(); err != nil {
			t.Errorf("manifest %s: %v", m.Plugin.Name, err)
		}
	}
}

func TestFilesystemRoundTrip(t *testing.T) {
	d, cat, ws := setup(t)

	if _, err := dispatchCap(t, d, cat, "filesystem_write_file",
		map[string]any{"path": "notes/a.txt", "content": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := dispatchCap(t, d, cat, "filesystem_read_file",
		map[string]any{"path": "notes/a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if data["content"] != "hello" {
		t.Errorf("content = %q", data["content"])
	}

	if _, err := dispatchCap(t, d, cat, "filesystem_delete_file",
		map[string]any{"path": "notes/a.txt"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "notes/a.txt")); !os.IsNotExist(err) {
		t.Error("file survived delete")
	}
}

func TestFilesystemWriteOutsideWorkspace(t *testing.T) {
	d, cat, _ := setup(t)

	for _, path := range []string{"/tmp/evil.txt", "../escape.txt"} {
		_, err := dispatchCap(t, d, cat, "filesystem_write_file",
			map[string]any{"path": path, "content": "x"})
		var viol *sandbox.ViolationError
		if !errors.As(err, &viol) {
			t.Errorf("write %q: err = %v, want sandbox violation", path, err)
		}
	}
}

func TestFilesystemReadMissingFile(t *testing.T) {
	d, cat, _ := setup(t)

	_, err := dispatchCap(t, d, cat, "filesystem_read_file",
		map[string]any{"path": "nope.txt"})
	var be *dispatch.BackendError
	if !errors.As(err, &be) {
		t.Errorf("err = %v, want backend error", err)
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	_, cat, _ := setup(t)
	desc, ok := cat.Describe("filesystem_delete_file")
	if !ok {
		t.Fatal("delete_file missing")
	}
	if !desc.ConfirmationRequired {
		t.Error("delete_file does not require confirmation")
	}
}

func TestEcho(t *testing.T) {
	d, cat, _ := setup(t)
	data, err := dispatchCap(t, d, cat, "echo_say", map[string]any{"message": "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if data["message"] != "ping" {
		t.Errorf("data = %+v", data)
	}
}
