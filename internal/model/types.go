package model

import "time"

// RiskLevel classifies how dangerous a capability is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskRank maps risk levels to comparable integers.
var RiskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether the risk level is one of the four known values.
func (r RiskLevel) Valid() bool {
	_, ok := RiskRank[r]
	return ok
}

// Dangerous reports whether the risk level is high or critical.
func (r RiskLevel) Dangerous() bool {
	return r == RiskHigh || r == RiskCritical
}

// Action is the policy enforcement outcome for a capability call.
type Action string

const (
	Allow   Action = "allow"
	Deny    Action = "deny"
	Confirm Action = "confirm"
	Audit   Action = "audit"
)

// ParseAction maps a string to an Action. Fail-closed: unknown strings deny.
func ParseAction(s string) Action {
	switch Action(s) {
	case Allow, Deny, Confirm, Audit:
		return Action(s)
	default:
		return Deny
	}
}

// BackendKind identifies how a plugin's capabilities execute. The set is
// closed: the dispatcher switches over it exhaustively.
type BackendKind string

const (
	BackendInprocess BackendKind = "inprocess"
	BackendCLI       BackendKind = "cli"
	BackendHTTP      BackendKind = "http"
	BackendContainer BackendKind = "container"
)

// Valid reports whether the backend kind is one of the four known values.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendInprocess, BackendCLI, BackendHTTP, BackendContainer:
		return true
	default:
		return false
	}
}

// Stage identifies a pipeline stage in the audit trail.
type Stage string

const (
	StageRequest        Stage = "REQUEST"
	StagePolicyDecision Stage = "POLICY_DECISION"
	StageConfirmation   Stage = "CONFIRMATION"
	StageResult         Stage = "RESULT"
)

// ErrorCode is a stable machine-readable failure classification. Every
// terminal state carries one; free-text messages are supplementary.
type ErrorCode string

const (
	CodeValidation           ErrorCode = "VALIDATION_ERROR"
	CodePolicyDenied         ErrorCode = "POLICY_DENIED"
	CodeConfirmationExpired  ErrorCode = "CONFIRMATION_EXPIRED"
	CodeConfirmationResolved ErrorCode = "CONFIRMATION_ALREADY_RESOLVED"
	CodeSandboxViolation     ErrorCode = "SANDBOX_VIOLATION"
	CodeBackendError         ErrorCode = "BACKEND_ERROR"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeCancelled            ErrorCode = "CANCELLED"
	CodeInternal             ErrorCode = "INTERNAL"
)

// ExecutionRequest is one proposed capability call. Created once per
// invocation and never mutated afterwards.
type ExecutionRequest struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params"`
	Identity   Identity       `json:"identity"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Decision is the result of policy evaluation for a request.
type Decision struct {
	Action         Action `json:"action"`
	Rule           string `json:"rule"`
	Reason         string `json:"reason"`
	RequiresReview bool   `json:"requires_review,omitempty"`
}

// ExecutionOutcome is the terminal result of a request. Written exactly once.
type ExecutionOutcome struct {
	RequestID  string         `json:"request_id"`
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	ErrorCode  ErrorCode      `json:"error_code,omitempty"`
	Message    string         `json:"message,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Failure builds a failed outcome with a stable error code.
func Failure(requestID string, code ErrorCode, message string, duration time.Duration) *ExecutionOutcome {
	return &ExecutionOutcome{
		RequestID:  requestID,
		Success:    false,
		ErrorCode:  code,
		Message:    message,
		DurationMs: duration.Milliseconds(),
	}
}

// SubmitStatus is the top-level status returned by Gateway.Submit.
type SubmitStatus string

const (
	StatusCompleted           SubmitStatus = "completed"
	StatusPendingConfirmation SubmitStatus = "pending_confirmation"
	StatusDenied              SubmitStatus = "denied"
)
