// Package gateway orchestrates the execution pipeline: audit the request,
// validate parameters, evaluate policy, suspend on confirmation, dispatch
// under the sandbox, and audit the terminal outcome. All collaborators are
// injected; there are no package-level singletons.
package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/audit"
	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/confirm"
	"github.com/ppiankov/capgate/internal/dispatch"
	"github.com/ppiankov/capgate/internal/model"
	"github.com/ppiankov/capgate/internal/policy"
	"github.com/ppiankov/capgate/internal/sandbox"
)

// ErrConfirmationNotFound is returned by ResolveConfirmation for an
// unknown confirmation id.
var ErrConfirmationNotFound = confirm.ErrNotFound

// DefaultConfirmTTL bounds how long a suspended request waits for a
// confirmer before it expires.
const DefaultConfirmTTL = 15 * time.Minute

// policySnapshot pairs a compiled rule set with the hash of its source.
// Swapped atomically on reload; a request holds one snapshot end to end.
type policySnapshot struct {
	cfg  *policy.Config
	hash string
}

// Options wires a Gateway. Catalog, Store, Enforcer, Dispatcher, and
// AuditLog are required.
type Options struct {
	Catalog    *catalog.Catalog
	Store      *confirm.Store
	Enforcer   *sandbox.Enforcer
	Dispatcher *dispatch.Dispatcher
	AuditLog   *audit.Log
	Logger     *zap.Logger
	Metrics    *Metrics

	PolicyPath    string
	SafeMode      bool
	ConfirmTTL    time.Duration
	MaxConcurrent int
}

// Gateway is the execution pipeline orchestrator.
type Gateway struct {
	catalog    *catalog.Catalog
	store      *confirm.Store
	enforcer   *sandbox.Enforcer
	dispatcher *dispatch.Dispatcher
	auditLog   *audit.Log
	log        *zap.Logger
	metrics    *Metrics

	policyPath string
	safeMode   bool
	confirmTTL time.Duration

	snapshot atomic.Pointer[policySnapshot]
	slots    chan struct{}
	inflight sync.Map // request id -> context.CancelFunc
	now      func() time.Time
}

// New builds a gateway and loads the initial policy from PolicyPath. A
// missing policy file yields the built-in default rule set.
func New(opts Options) (*Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.ConfirmTTL <= 0 {
		opts.ConfirmTTL = DefaultConfirmTTL
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}

	g := &Gateway{
		catalog:    opts.Catalog,
		store:      opts.Store,
		enforcer:   opts.Enforcer,
		dispatcher: opts.Dispatcher,
		auditLog:   opts.AuditLog,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		policyPath: opts.PolicyPath,
		safeMode:   opts.SafeMode,
		confirmTTL: opts.ConfirmTTL,
		slots:      make(chan struct{}, opts.MaxConcurrent),
		now:        time.Now,
	}
	if err := g.ReloadPolicy(); err != nil {
		return nil, err
	}
	return g, nil
}

// ReloadPolicy reloads the rule set from disk and swaps it atomically.
// In-flight requests keep the snapshot they started with; a load error
// leaves the previous snapshot in place.
func (g *Gateway) ReloadPolicy() error {
	cfg, hash, err := policy.LoadWithHash(g.policyPath)
	if err != nil {
		return err
	}
	g.snapshot.Store(&policySnapshot{cfg: cfg, hash: hash})
	g.log.Info("policy loaded",
		zap.String("path", g.policyPath),
		zap.String("hash", hash),
		zap.Int("rules", len(cfg.Rules)))
	return nil
}

// PolicyHash returns the hash of the active rule set.
func (g *Gateway) PolicyHash() string {
	return g.snapshot.Load().hash
}

// Catalog returns the active capability catalog.
func (g *Gateway) Catalog() *catalog.Catalog {
	return g.catalog
}

// SubmitResult is the top-level response to one capability call.
type SubmitResult struct {
	RequestID      string                  `json:"request_id"`
	Status         model.SubmitStatus      `json:"status"`
	Decision       model.Decision          `json:"decision"`
	ConfirmationID string                  `json:"confirmation_id,omitempty"`
	Outcome        *model.ExecutionOutcome `json:"outcome,omitempty"`
}

// Submit runs one request through the pipeline. Every path returns a
// classified result; an error return means only that the audit trail
// itself could not be written, in which case nothing executes.
func (g *Gateway) Submit(ctx context.Context, req *model.ExecutionRequest) (*SubmitResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.now()
	}
	snap := g.snapshot.Load()
	start := g.now()

	if err := g.record(audit.Entry{
		CorrelationID: req.ID,
		Stage:         model.StageRequest,
		Capability:    req.Capability,
		Identity:      req.Identity.Role,
		Params:        audit.RedactParams(req.Params),
		PolicyHash:    snap.hash,
	}); err != nil {
		return nil, err
	}

	desc, ok := g.catalog.Describe(req.Capability)
	if !ok {
		return g.fail(req, desc, start, model.CodeValidation, "unknown capability "+req.Capability)
	}
	if err := catalog.ValidateParams(desc, req.Params); err != nil {
		return g.fail(req, desc, start, model.CodeValidation, err.Error())
	}

	dec := policy.Evaluate(req, desc, snap.cfg, g.safeMode)
	g.metrics.Decisions.WithLabelValues(string(dec.Action)).Inc()

	if err := g.record(audit.Entry{
		CorrelationID: req.ID,
		Stage:         model.StagePolicyDecision,
		Capability:    req.Capability,
		Plugin:        desc.Plugin,
		Decision: &audit.DecisionRecord{
			Action:         string(dec.Action),
			Rule:           dec.Rule,
			Reason:         dec.Reason,
			RequiresReview: dec.RequiresReview,
		},
		PolicyHash: snap.hash,
	}); err != nil {
		return nil, err
	}

	switch dec.Action {
	case model.Deny:
		g.log.Info("request denied",
			zap.String("request_id", req.ID),
			zap.String("capability", req.Capability),
			zap.String("rule", dec.Rule))
		g.metrics.RequestDuration.WithLabelValues("denied").Observe(g.now().Sub(start).Seconds())
		return &SubmitResult{
			RequestID: req.ID,
			Status:    model.StatusDenied,
			Decision:  dec,
			Outcome:   model.Failure(req.ID, model.CodePolicyDenied, dec.Reason, g.now().Sub(start)),
		}, nil

	case model.Confirm:
		return g.suspend(ctx, req, desc, dec)

	case model.Allow:
		outcome, err := g.execute(ctx, req, desc, start)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{
			RequestID: req.ID,
			Status:    model.StatusCompleted,
			Decision:  dec,
			Outcome:   outcome,
		}, nil

	default:
		// Evaluate never returns a raw AUDIT action.
		return g.fail(req, desc, start, model.CodeInternal, "unexpected decision action "+string(dec.Action))
	}
}

// suspend persists a pending confirmation and returns its id. The stored
// decision context is what resumes on approval; policy is not re-run.
func (g *Gateway) suspend(ctx context.Context, req *model.ExecutionRequest, desc catalog.Descriptor, dec model.Decision) (*SubmitResult, error) {
	id := uuid.NewString()
	rec := confirm.Record{
		ID:          id,
		RequestID:   req.ID,
		Capability:  req.Capability,
		Description: dec.Reason,
		Params:      req.Params,
		Identity:    req.Identity,
		Decision:    dec,
		CreatedAt:   g.now(),
		ExpiresAt:   g.now().Add(g.confirmTTL),
	}
	if err := g.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	if err := g.record(audit.Entry{
		CorrelationID: req.ID,
		Stage:         model.StageConfirmation,
		Capability:    req.Capability,
		Plugin:        desc.Plugin,
		Confirmation:  &audit.ConfirmationRecord{ID: id, Status: string(confirm.StatusPending)},
	}); err != nil {
		return nil, err
	}

	g.log.Info("request suspended for confirmation",
		zap.String("request_id", req.ID),
		zap.String("confirmation_id", id),
		zap.String("capability", req.Capability))

	return &SubmitResult{
		RequestID:      req.ID,
		Status:         model.StatusPendingConfirmation,
		Decision:       dec,
		ConfirmationID: id,
	}, nil
}

// ResolveConfirmation applies a confirmer's verdict. Approval executes the
// suspended request with its stored context; denial, expiry, and repeat
// resolutions all return classified outcomes without executing anything.
// Unknown ids return ErrConfirmationNotFound.
func (g *Gateway) ResolveConfirmation(ctx context.Context, id string, approve bool) (*model.ExecutionOutcome, error) {
	target := confirm.StatusDenied
	if approve {
		target = confirm.StatusApproved
	}

	rec, performed, err := g.store.Resolve(ctx, id, target)
	if err != nil {
		return nil, err
	}

	if performed != "" {
		g.metrics.Confirmations.WithLabelValues(string(performed)).Inc()
		if err := g.record(audit.Entry{
			CorrelationID: rec.RequestID,
			Stage:         model.StageConfirmation,
			Capability:    rec.Capability,
			Confirmation:  &audit.ConfirmationRecord{ID: id, Status: string(performed)},
		}); err != nil {
			return nil, err
		}
	}

	switch {
	case performed == confirm.StatusApproved:
		desc, ok := g.catalog.Describe(rec.Capability)
		if !ok {
			// Catalog changed while suspended. Fail closed.
			return g.resumeFailure(rec, model.CodeValidation, "capability no longer available")
		}
		req := &model.ExecutionRequest{
			ID:         rec.RequestID,
			Capability: rec.Capability,
			Params:     rec.Params,
			Identity:   rec.Identity,
			CreatedAt:  rec.CreatedAt,
		}
		return g.execute(ctx, req, desc, g.now())

	case performed == confirm.StatusDenied:
		return g.resumeFailure(rec, model.CodePolicyDenied, "denied by confirmer")

	case performed == confirm.StatusExpired || rec.Status == confirm.StatusExpired:
		out := model.Failure(rec.RequestID, model.CodeConfirmationExpired, "confirmation expired before resolution", 0)
		if performed != "" {
			return g.resumeOutcome(rec, out)
		}
		return out, nil

	default:
		// Already approved, denied, or cancelled. Never re-executes.
		return model.Failure(rec.RequestID, model.CodeConfirmationResolved,
			"confirmation already "+string(rec.Status), 0), nil
	}
}

// Cancel aborts a request: it cancels a running execution and terminates
// a still-pending confirmation. Reports whether anything was cancelled.
func (g *Gateway) Cancel(ctx context.Context, requestID string) (bool, error) {
	cancelled := false

	if v, ok := g.inflight.Load(requestID); ok {
		v.(context.CancelFunc)()
		cancelled = true
	}

	id, err := g.store.CancelByRequest(ctx, requestID)
	if err != nil {
		return cancelled, err
	}
	if id != "" {
		cancelled = true
		g.metrics.Confirmations.WithLabelValues(string(confirm.StatusCancelled)).Inc()
		if err := g.record(audit.Entry{
			CorrelationID: requestID,
			Stage:         model.StageConfirmation,
			Confirmation:  &audit.ConfirmationRecord{ID: id, Status: string(confirm.StatusCancelled)},
		}); err != nil {
			return cancelled, err
		}
		if err := g.record(resultEntry(requestID, "", "",
			model.Failure(requestID, model.CodeCancelled, "cancelled while awaiting confirmation", 0))); err != nil {
			return cancelled, err
		}
	}
	return cancelled, nil
}

// Pending lists unexpired pending confirmations.
func (g *Gateway) Pending(ctx context.Context) ([]*confirm.Record, error) {
	return g.store.ListPending(ctx)
}

// execute dispatches an allowed request under the sandbox deadline and
// audits the terminal RESULT entry. Outcomes never carry partial data on
// failure.
func (g *Gateway) execute(ctx context.Context, req *model.ExecutionRequest, desc catalog.Descriptor, start time.Time) (*model.ExecutionOutcome, error) {
	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	case <-ctx.Done():
		out := model.Failure(req.ID, model.CodeCancelled, "cancelled before execution", g.now().Sub(start))
		return out, g.record(resultEntry(req.ID, req.Capability, desc.Plugin, out))
	}

	runCtx, cancel := g.enforcer.WithDeadline(ctx)
	g.inflight.Store(req.ID, cancel)
	g.metrics.InFlight.Inc()
	defer func() {
		g.inflight.Delete(req.ID)
		g.metrics.InFlight.Dec()
		cancel()
	}()

	data, err := g.dispatcher.Dispatch(runCtx, desc, req.Params)
	elapsed := g.now().Sub(start)

	var out *model.ExecutionOutcome
	if err != nil {
		code, msg := classify(err)
		out = model.Failure(req.ID, code, msg, elapsed)
		g.log.Warn("execution failed",
			zap.String("request_id", req.ID),
			zap.String("capability", req.Capability),
			zap.String("code", string(code)),
			zap.Error(err))
	} else {
		out = &model.ExecutionOutcome{
			RequestID:  req.ID,
			Success:    true,
			Data:       data,
			DurationMs: elapsed.Milliseconds(),
		}
	}

	status := "completed"
	if !out.Success {
		status = string(out.ErrorCode)
	}
	g.metrics.RequestDuration.WithLabelValues(status).Observe(elapsed.Seconds())

	return out, g.record(resultEntry(req.ID, req.Capability, desc.Plugin, out))
}

// classify maps a dispatch error to a stable code. Deadline expiry beats
// every other classification; caller cancellation likewise.
func classify(err error) (model.ErrorCode, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.CodeTimeout, "execution exceeded wall-clock limit"
	case errors.Is(err, context.Canceled):
		return model.CodeCancelled, "execution cancelled"
	}

	var viol *sandbox.ViolationError
	if errors.As(err, &viol) {
		return model.CodeSandboxViolation, viol.Error()
	}
	var be *dispatch.BackendError
	if errors.As(err, &be) {
		return model.CodeBackendError, be.Error()
	}
	return model.CodeInternal, err.Error()
}

// fail records a pre-execution terminal failure and returns it.
func (g *Gateway) fail(req *model.ExecutionRequest, desc catalog.Descriptor, start time.Time, code model.ErrorCode, msg string) (*SubmitResult, error) {
	out := model.Failure(req.ID, code, msg, g.now().Sub(start))
	g.metrics.RequestDuration.WithLabelValues(string(code)).Observe(g.now().Sub(start).Seconds())
	if err := g.record(resultEntry(req.ID, req.Capability, desc.Plugin, out)); err != nil {
		return nil, err
	}
	return &SubmitResult{
		RequestID: req.ID,
		Status:    model.StatusCompleted,
		Outcome:   out,
	}, nil
}

// resumeFailure audits and returns a terminal failure for a resumed
// confirmation.
func (g *Gateway) resumeFailure(rec *confirm.Record, code model.ErrorCode, msg string) (*model.ExecutionOutcome, error) {
	return g.resumeOutcome(rec, model.Failure(rec.RequestID, code, msg, 0))
}

func (g *Gateway) resumeOutcome(rec *confirm.Record, out *model.ExecutionOutcome) (*model.ExecutionOutcome, error) {
	return out, g.record(resultEntry(rec.RequestID, rec.Capability, "", out))
}

func resultEntry(requestID, capability, plugin string, out *model.ExecutionOutcome) audit.Entry {
	return audit.Entry{
		CorrelationID: requestID,
		Stage:         model.StageResult,
		Capability:    capability,
		Plugin:        plugin,
		Outcome: &audit.OutcomeRecord{
			Success:    out.Success,
			ErrorCode:  string(out.ErrorCode),
			Message:    out.Message,
			DurationMs: out.DurationMs,
		},
	}
}

func (g *Gateway) record(e audit.Entry) error {
	return g.auditLog.Record(e)
}
