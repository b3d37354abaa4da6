package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/capgate/internal/audit"
	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/confirm"
	"github.com/ppiankov/capgate/internal/dispatch"
	"github.com/ppiankov/capgate/internal/model"
	"github.com/ppiankov/capgate/internal/plugins"
	"github.com/ppiankov/capgate/internal/sandbox"
)

type testEnv struct {
	gw       *Gateway
	auditDir string
	ws       string
}

type envConfig struct {
	safeMode  bool
	policy    string
	limits    sandbox.Limits
	manifests []*catalog.Manifest
	allowlist []string
	register  func(*dispatch.Dispatcher)
}

func newEnv(t *testing.T, ec envConfig) *testEnv {
	t.Helper()
	base := t.TempDir()
	ws := filepath.Join(base, "workspace")
	if err := os.MkdirAll(ws, 0o750); err != nil {
		t.Fatal(err)
	}

	policyPath := ""
	if ec.policy != "" {
		policyPath = filepath.Join(base, "policy.yaml")
		if err := os.WriteFile(policyPath, []byte(ec.policy), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	enforcer, err := sandbox.NewEnforcer(ws, nil, ec.limits)
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := dispatch.New(enforcer, nil)
	plugins.Register(dispatcher, enforcer)
	if ec.register != nil {
		ec.register(dispatcher)
	}

	manifests := append(plugins.Manifests(), ec.manifests...)
	cat := catalog.FromManifests(manifests, ec.allowlist)

	store, err := confirm.Open(filepath.Join(base, "confirmations.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	auditDir := filepath.Join(base, "audit")
	log, err := audit.Open(auditDir, audit.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	gw, err := New(Options{
		Catalog:    cat,
		Store:      store,
		Enforcer:   enforcer,
		Dispatcher: dispatcher,
		AuditLog:   log,
		PolicyPath: policyPath,
		SafeMode:   ec.safeMode,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{gw: gw, auditDir: auditDir, ws: ws}
}

func (e *testEnv) trail(t *testing.T, requestID string) []audit.Entry {
	t.Helper()
	entries, err := audit.Reconstruct(e.auditDir, requestID)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	return entries
}

func stages(entries []audit.Entry) []model.Stage {
	out := make([]model.Stage, len(entries))
	for i, e := range entries {
		out[i] = e.Stage
	}
	return out
}

func operator() model.Identity {
	return model.Identity{Role: "operator", Scopes: []string{"*"}}
}

func echoReq(msg string) *model.ExecutionRequest {
	return &model.ExecutionRequest{
		Capability: "echo_say",
		Params:     map[string]any{"message": msg},
		Identity:   operator(),
	}
}

func TestSubmitAllowCompletes(t *testing.T) {
	env := newEnv(t, envConfig{})
	ctx := context.Background()

	res, err := env.gw.Submit(ctx, echoReq("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != model.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if !res.Outcome.Success || res.Outcome.Data["message"] != "hello" {
		t.Errorf("outcome = %+v", res.Outcome)
	}

	got := stages(env.trail(t, res.RequestID))
	want := []model.Stage{model.StageRequest, model.StagePolicyDecision, model.StageResult}
	if len(got) != len(want) {
		t.Fatalf("trail stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSubmitDenied(t *testing.T) {
	env := newEnv(t, envConfig{policy: `
default_action: allow
rules:
  - name: no-echo
    capability: "echo_*"
    action: deny
    priority: 1
    reason: echoes are forbidden here
`})
	res, err := env.gw.Submit(context.Background(), echoReq("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusDenied {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Outcome.ErrorCode != model.CodePolicyDenied {
		t.Errorf("code = %s", res.Outcome.ErrorCode)
	}
	if res.Decision.Rule != "no-echo" {
		t.Errorf("rule = %s", res.Decision.Rule)
	}

	// The deny decision is the terminal trail entry; nothing executed.
	entries := env.trail(t, res.RequestID)
	last := entries[len(entries)-1]
	if last.Stage != model.StagePolicyDecision || last.Decision.Action != "deny" {
		t.Errorf("terminal entry = %+v", last)
	}
}

func TestSubmitUnknownCapability(t *testing.T) {
	env := newEnv(t, envConfig{})
	res, err := env.gw.Submit(context.Background(), &model.ExecutionRequest{
		Capability: "ghost_walk",
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome == nil || res.Outcome.ErrorCode != model.CodeValidation {
		t.Errorf("result = %+v", res)
	}

	got := stages(env.trail(t, res.RequestID))
	if len(got) != 2 || got[1] != model.StageResult {
		t.Errorf("trail = %v, want REQUEST then RESULT", got)
	}
}

func TestSubmitInvalidParams(t *testing.T) {
	env := newEnv(t, envConfig{})

	res, err := env.gw.Submit(context.Background(), &model.ExecutionRequest{
		Capability: "echo_say",
		Params:     map[string]any{"volume": 11.0},
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome == nil || res.Outcome.ErrorCode != model.CodeValidation {
		t.Errorf("result = %+v", res)
	}
}

func TestSafeModeDeniesHighRiskByDefault(t *testing.T) {
	risky := &catalog.Manifest{
		SchemaVersion: "1.0",
		Plugin:        catalog.PluginMeta{Name: "launcher", Version: "1.0", RiskLevel: model.RiskHigh},
		Backend:       catalog.BackendSpec{Kind: model.BackendInprocess},
		Capabilities:  []catalog.CapabilitySpec{{Name: "fire", Description: "launch"}},
	}
	env := newEnv(t, envConfig{
		safeMode:  true,
		manifests: []*catalog.Manifest{risky},
		allowlist: []string{"launcher"},
		register: func(d *dispatch.Dispatcher) {
			d.RegisterInprocess("launcher", func(ctx context.Context, capability string, params map[string]any) (map[string]any, error) {
				return map[string]any{"fired": true}, nil
			})
		},
	})

	res, err := env.gw.Submit(context.Background(), &model.ExecutionRequest{
		Capability: "launcher_fire",
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusDenied {
		t.Fatalf("status = %s, want denied", res.Status)
	}
	if res.Decision.Rule != "default.safe_mode" {
		t.Errorf("rule = %s", res.Decision.Rule)
	}

	// Low risk still passes under safe mode.
	res, err = env.gw.Submit(context.Background(), echoReq("still fine"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusCompleted {
		t.Errorf("low-risk status = %s", res.Status)
	}
}

func TestConfirmApproveExecutesExactlyOnce(t *testing.T) {
	env := newEnv(t, envConfig{})
	ctx := context.Background()

	target := filepath.Join(env.ws, "doomed.txt")
	if err := os.WriteFile(target, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	res, err := env.gw.Submit(ctx, &model.ExecutionRequest{
		Capability: "filesystem_delete_file",
		Params:     map[string]any{"path": "doomed.txt"},
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusPendingConfirmation || res.ConfirmationID == "" {
		t.Fatalf("result = %+v, want pending_confirmation", res)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatal("file deleted before approval")
	}

	outcome, err := env.gw.ResolveConfirmation(ctx, res.ConfirmationID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("file survived approval")
	}

	// Re-resolving never re-executes, whatever the verdict.
	for _, approve := range []bool{true, false} {
		outcome, err := env.gw.ResolveConfirmation(ctx, res.ConfirmationID, approve)
		if err != nil {
			t.Fatal(err)
		}
		if outcome.ErrorCode != model.CodeConfirmationResolved {
			t.Errorf("repeat resolve(approve=%v) code = %s", approve, outcome.ErrorCode)
		}
	}

	got := stages(env.trail(t, res.RequestID))
	want := []model.Stage{
		model.StageRequest, model.StagePolicyDecision,
		model.StageConfirmation, model.StageConfirmation, model.StageResult,
	}
	if len(got) != len(want) {
		t.Fatalf("trail = %v, want %v", got, want)
	}
}

func TestConfirmDeny(t *testing.T) {
	env := newEnv(t, envConfig{})
	ctx := context.Background()

	target := filepath.Join(env.ws, "safe.txt")
	if err := os.WriteFile(target, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	res, err := env.gw.Submit(ctx, &model.ExecutionRequest{
		Capability: "filesystem_delete_file",
		Params:     map[string]any{"path": "safe.txt"},
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := env.gw.ResolveConfirmation(ctx, res.ConfirmationID, false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Success || outcome.ErrorCode != model.CodePolicyDenied {
		t.Errorf("outcome = %+v", outcome)
	}
	if _, err := os.Stat(target); err != nil {
		t.Error("file deleted despite denial")
	}
}

func TestConfirmExpires(t *testing.T) {
	env := newEnv(t, envConfig{})
	env.gw.confirmTTL = 10 * time.Millisecond
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(env.ws, "f.txt"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	res, err := env.gw.Submit(ctx, &model.ExecutionRequest{
		Capability: "filesystem_delete_file",
		Params:     map[string]any{"path": "f.txt"},
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	outcome, err := env.gw.ResolveConfirmation(ctx, res.ConfirmationID, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.ErrorCode != model.CodeConfirmationExpired {
		t.Errorf("code = %s, want CONFIRMATION_EXPIRED", outcome.ErrorCode)
	}
	if _, err := os.Stat(filepath.Join(env.ws, "f.txt")); err != nil {
		t.Error("expired approval still executed")
	}
}

func TestIndependentConfirmations(t *testing.T) {
	env := newEnv(t, envConfig{})
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(env.ws, name), []byte("x"), 0o640); err != nil {
			t.Fatal(err)
		}
	}

	submit := func(name string) *SubmitResult {
		res, err := env.gw.Submit(ctx, &model.ExecutionRequest{
			Capability: "filesystem_delete_file",
			Params:     map[string]any{"path": name},
			Identity:   operator(),
		})
		if err != nil {
			t.Fatal(err)
		}
		return res
	}
	ra, rb := submit("a.txt"), submit("b.txt")
	if ra.ConfirmationID == rb.ConfirmationID {
		t.Fatal("confirmation ids collide")
	}

	if _, err := env.gw.ResolveConfirmation(ctx, ra.ConfirmationID, false); err != nil {
		t.Fatal(err)
	}
	outcome, err := env.gw.ResolveConfirmation(ctx, rb.ConfirmationID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Success {
		t.Errorf("independent approval failed: %+v", outcome)
	}
	if _, err := os.Stat(filepath.Join(env.ws, "a.txt")); err != nil {
		t.Error("denied request's file deleted")
	}
	if _, err := os.Stat(filepath.Join(env.ws, "b.txt")); !os.IsNotExist(err) {
		t.Error("approved request's file survived")
	}
}

func TestCancelPendingConfirmation(t *testing.T) {
	env := newEnv(t, envConfig{})
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(env.ws, "c.txt"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	res, err := env.gw.Submit(ctx, &model.ExecutionRequest{
		Capability: "filesystem_delete_file",
		Params:     map[string]any{"path": "c.txt"},
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := env.gw.Cancel(ctx, res.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Fatal("nothing cancelled")
	}

	outcome, err := env.gw.ResolveConfirmation(ctx, res.ConfirmationID, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.ErrorCode != model.CodeConfirmationResolved {
		t.Errorf("resolve after cancel = %+v", outcome)
	}

	entries := env.trail(t, res.RequestID)
	last := entries[len(entries)-1]
	if last.Stage != model.StageResult || last.Outcome.ErrorCode != string(model.CodeCancelled) {
		t.Errorf("terminal entry = %+v", last)
	}

	// Cancelling an unknown request is a no-op.
	cancelled, err = env.gw.Cancel(ctx, "nope")
	if err != nil || cancelled {
		t.Errorf("cancel unknown = (%v, %v)", cancelled, err)
	}
}

func TestSandboxViolationOutcome(t *testing.T) {
	env := newEnv(t, envConfig{})

	res, err := env.gw.Submit(context.Background(), &model.ExecutionRequest{
		Capability: "filesystem_write_file",
		Params:     map[string]any{"path": "/etc/evil.txt", "content": "x"},
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.ErrorCode != model.CodeSandboxViolation {
		t.Errorf("code = %s, want SANDBOX_VIOLATION", res.Outcome.ErrorCode)
	}
	if len(res.Outcome.Data) != 0 {
		t.Errorf("violation outcome carries data: %+v", res.Outcome.Data)
	}
}

func TestExecutionTimeout(t *testing.T) {
	slow := &catalog.Manifest{
		SchemaVersion: "1.0",
		Plugin:        catalog.PluginMeta{Name: "slowpoke", Version: "1.0", RiskLevel: model.RiskLow},
		Backend:       catalog.BackendSpec{Kind: model.BackendInprocess},
		Capabilities:  []catalog.CapabilitySpec{{Name: "nap", Description: "sleeps"}},
	}
	env := newEnv(t, envConfig{
		limits:    sandbox.Limits{Timeout: 50 * time.Millisecond},
		manifests: []*catalog.Manifest{slow},
		register: func(d *dispatch.Dispatcher) {
			d.RegisterInprocess("slowpoke", func(ctx context.Context, capability string, params map[string]any) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
		},
	})

	res, err := env.gw.Submit(context.Background(), &model.ExecutionRequest{
		Capability: "slowpoke_nap",
		Identity:   operator(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.ErrorCode != model.CodeTimeout {
		t.Errorf("code = %s, want TIMEOUT", res.Outcome.ErrorCode)
	}
}

func TestAuditParamsRedacted(t *testing.T) {
	env := newEnv(t, envConfig{})

	res, err := env.gw.Submit(context.Background(), echoReq("my password=hunter2secret"))
	if err != nil {
		t.Fatal(err)
	}

	entries := env.trail(t, res.RequestID)
	if entries[0].Stage != model.StageRequest {
		t.Fatalf("first entry = %s", entries[0].Stage)
	}
	got := entries[0].Params["message"]
	if got != "my password=[REDACTED:SECRET]" {
		t.Errorf("audited param = %q", got)
	}
}

func TestReloadPolicySwapsRules(t *testing.T) {
	env := newEnv(t, envConfig{policy: "default_action: allow\n"})
	ctx := context.Background()

	res, err := env.gw.Submit(ctx, echoReq("first"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusCompleted {
		t.Fatalf("status before reload = %s", res.Status)
	}
	oldHash := env.gw.PolicyHash()

	policyPath := env.gw.policyPath
	deny := "default_action: allow\nrules:\n  - name: block\n    capability: \"echo_*\"\n    action: deny\n    priority: 1\n"
	if err := os.WriteFile(policyPath, []byte(deny), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := env.gw.ReloadPolicy(); err != nil {
		t.Fatal(err)
	}
	if env.gw.PolicyHash() == oldHash {
		t.Error("policy hash unchanged after reload")
	}

	res, err = env.gw.Submit(ctx, echoReq("second"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusDenied {
		t.Errorf("status after reload = %s", res.Status)
	}

	// A broken rewrite keeps the previous snapshot.
	if err := os.WriteFile(policyPath, []byte("rules: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := env.gw.ReloadPolicy(); err == nil {
		t.Error("reload of broken policy succeeded")
	}
	res, err = env.gw.Submit(ctx, echoReq("third"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != model.StatusDenied {
		t.Errorf("broken reload changed behavior: %s", res.Status)
	}
}

func TestResolveUnknownConfirmation(t *testing.T) {
	env := newEnv(t, envConfig{})
	_, err := env.gw.ResolveConfirmation(context.Background(), "does-not-exist", true)
	if !errors.Is(err, ErrConfirmationNotFound) {
		t.Errorf("err = %v, want ErrConfirmationNotFound", err)
	}
}

func TestAuditChainStaysValid(t *testing.T) {
	env := newEnv(t, envConfig{})
	ctx := context.Background()

	env.gw.Submit(ctx, echoReq("one"))
	env.gw.Submit(ctx, &model.ExecutionRequest{Capability: "nope", Identity: operator()})
	env.gw.Submit(ctx, echoReq("two"))

	res, err := audit.Verify(env.auditDir)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("audit chain broken: %+v", res)
	}
}
