package policy

import (
	"fmt"

	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/model"
)

// Evaluate decides whether a capability call may execute.
//
// Evaluation order (must not be changed):
//  1. Identity scope check: insufficient scope denies regardless of rules
//  2. Rule matching: capability pattern AND all parameter conditions
//  3. Selection: highest priority wins, ties broken by declaration order
//  4. Default: safe mode denies high/critical risk, else configured default
//  5. Confirmation flag: a confirmation-required capability never completes
//     without explicit approval, whatever the matched rule said
//
// Pure: the decision depends only on the arguments. Callers snapshot cfg
// before evaluating so a concurrent reload cannot split a request across
// two rule sets.
func Evaluate(req *model.ExecutionRequest, desc catalog.Descriptor, cfg *Config, safeMode bool) model.Decision {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if missing, ok := req.Identity.HasAllScopes(desc.Permissions); !ok {
		return model.Decision{
			Action: model.Deny,
			Rule:   "identity.scope",
			Reason: fmt.Sprintf("identity %q lacks required scope %q", req.Identity.Role, missing),
		}
	}

	dec := selectRule(req, desc, cfg, safeMode)

	// AUDIT proceeds immediately but flags the trail for mandatory review.
	if dec.Action == model.Audit {
		dec.RequiresReview = true
		dec.Action = model.Allow
	}

	if desc.ConfirmationRequired && dec.Action == model.Allow {
		dec.Action = model.Confirm
		dec.Reason = fmt.Sprintf("capability %s requires confirmation (%s)", desc.Name, dec.Reason)
	}

	return dec
}

func selectRule(req *model.ExecutionRequest, desc catalog.Descriptor, cfg *Config, safeMode bool) model.Decision {
	best := -1
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if !matchCapability(r.Capability, req.Capability) {
			continue
		}
		if !conditionsHold(r.Conditions, req.Params) {
			continue
		}
		if best < 0 || r.Priority > cfg.Rules[best].Priority {
			best = i
		}
	}

	if best >= 0 {
		r := &cfg.Rules[best]
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("matched rule %q", r.Name)
		}
		return model.Decision{
			Action: model.ParseAction(r.Action),
			Rule:   r.Name,
			Reason: reason,
		}
	}

	// No rule matched: the implicit fallback covers every capability.
	if safeMode && desc.RiskLevel.Dangerous() {
		return model.Decision{
			Action: model.Deny,
			Rule:   "default.safe_mode",
			Reason: fmt.Sprintf("safe mode denies %s-risk capability %s absent an explicit allow rule", desc.RiskLevel, desc.Name),
		}
	}
	return model.Decision{
		Action: model.ParseAction(cfg.DefaultAction),
		Rule:   "default",
		Reason: fmt.Sprintf("no rule matched, default action is %s", cfg.DefaultAction),
	}
}

func conditionsHold(conds []Condition, params map[string]any) bool {
	for i := range conds {
		if !conds[i].holds(params) {
			return false
		}
	}
	return true
}
