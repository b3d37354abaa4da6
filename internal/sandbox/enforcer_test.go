package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestEnforcer(t *testing.T, limits Limits) (*Enforcer, string, string) {
	t.Helper()
	ws := t.TempDir()
	extra := t.TempDir()
	e, err := NewEnforcer(ws, []string{extra}, limits)
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	return e, e.WorkspaceRoot(), extra
}

func TestCheckWrite(t *testing.T) {
	e, ws, extra := newTestEnforcer(t, Limits{})

	if err := e.CheckWrite(filepath.Join(ws, "out.txt")); err != nil {
		t.Errorf("write inside workspace rejected: %v", err)
	}
	if err := e.CheckWrite("relative/out.txt"); err != nil {
		t.Errorf("relative write rejected: %v", err)
	}

	outside := []string{
		"/etc/passwd",
		filepath.Join(extra, "f.txt"), // read-allowed is not write-allowed
		filepath.Join(ws, "..", "escape.txt"),
		"../escape.txt",
	}
	for _, p := range outside {
		err := e.CheckWrite(p)
		if err == nil {
			t.Errorf("CheckWrite(%q) allowed", p)
			continue
		}
		var viol *ViolationError
		if !errors.As(err, &viol) {
			t.Errorf("CheckWrite(%q) returned %T, want *ViolationError", p, err)
		}
	}
}

func TestCheckWriteSymlinkEscape(t *testing.T) {
	e, ws, _ := newTestEnforcer(t, Limits{})
	outside := t.TempDir()

	// A link inside the workspace pointing outside must not launder the
	// destination, even when the write target does not exist yet.
	if err := os.Symlink(outside, filepath.Join(ws, "link")); err != nil {
		t.Fatal(err)
	}

	err := e.CheckWrite("link/evil.txt")
	if err == nil {
		t.Fatal("CheckWrite through symlinked directory allowed")
	}
	var viol *ViolationError
	if !errors.As(err, &viol) || viol.Op != "write" {
		t.Errorf("got %v, want write violation", err)
	}

	// A link that stays inside the workspace is fine.
	if err := os.Mkdir(filepath.Join(ws, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(ws, "real"), filepath.Join(ws, "alias")); err != nil {
		t.Fatal(err)
	}
	if err := e.CheckWrite("alias/ok.txt"); err != nil {
		t.Errorf("internal symlink rejected: %v", err)
	}
}

func TestCheckReadSymlinkEscape(t *testing.T) {
	e, ws, _ := newTestEnforcer(t, Limits{})
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(ws, "peek.txt")); err != nil {
		t.Fatal(err)
	}

	err := e.CheckRead("peek.txt")
	if err == nil {
		t.Fatal("CheckRead through symlink to outside file allowed")
	}
	var viol *ViolationError
	if !errors.As(err, &viol) || viol.Op != "read" {
		t.Errorf("got %v, want read violation", err)
	}
}

func TestCheckRead(t *testing.T) {
	e, ws, extra := newTestEnforcer(t, Limits{})

	allowed := []string{
		filepath.Join(ws, "in.txt"),
		filepath.Join(extra, "ref.txt"),
		"relative.txt",
	}
	for _, p := range allowed {
		if err := e.CheckRead(p); err != nil {
			t.Errorf("CheckRead(%q) rejected: %v", p, err)
		}
	}

	if err := e.CheckRead("/etc/shadow"); err == nil {
		t.Error("CheckRead outside all roots allowed")
	}
	// Sibling directory with a shared name prefix is outside.
	if err := e.CheckRead(ws + "2/file.txt"); err == nil {
		t.Error("CheckRead on prefix-sibling allowed")
	}
}

func TestCheckOutputSize(t *testing.T) {
	e, _, _ := newTestEnforcer(t, Limits{MaxOutputBytes: 100})

	if err := e.CheckOutputSize(100); err != nil {
		t.Errorf("at ceiling rejected: %v", err)
	}
	err := e.CheckOutputSize(101)
	if err == nil {
		t.Fatal("over ceiling allowed")
	}
	var viol *ViolationError
	if !errors.As(err, &viol) || viol.Op != "output" {
		t.Errorf("got %v, want output violation", err)
	}
}

func TestAcquireProcess(t *testing.T) {
	e, _, _ := newTestEnforcer(t, Limits{MaxSubprocesses: 2})
	ctx := context.Background()

	r1, err := e.AcquireProcess(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.AcquireProcess(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Third slot blocks until one frees or the context gives up.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := e.AcquireProcess(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("third acquire = %v, want deadline exceeded", err)
	}

	r1()
	r3, err := e.AcquireProcess(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	r3()
	r2()
}

func TestWithDeadline(t *testing.T) {
	e, _, _ := newTestEnforcer(t, Limits{Timeout: 30 * time.Millisecond})

	ctx, cancel := e.WithDeadline(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context done immediately")
	default:
	}

	select {
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			t.Errorf("ctx.Err() = %v", ctx.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestZeroLimitsGetDefaults(t *testing.T) {
	e, _, _ := newTestEnforcer(t, Limits{})
	l := e.Limits()
	if l.Timeout <= 0 || l.MaxSubprocesses <= 0 || l.MaxOutputBytes <= 0 {
		t.Errorf("zero limits not defaulted: %+v", l)
	}
}
