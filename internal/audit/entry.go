package audit

import "github.com/ppiankov/capgate/internal/model"

// timeLayout is the timestamp format for audit entries (ISO-8601, UTC).
const timeLayout = "2006-01-02T15:04:05.000Z"

// DecisionRecord is the POLICY_DECISION payload.
type DecisionRecord struct {
	Action         string `json:"action"`
	Rule           string `json:"rule"`
	Reason         string `json:"reason"`
	RequiresReview bool   `json:"requires_review,omitempty"`
}

// ConfirmationRecord is the CONFIRMATION payload.
type ConfirmationRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// OutcomeRecord is the RESULT payload.
type OutcomeRecord struct {
	Success    bool   `json:"success"`
	ErrorCode  string `json:"error_code,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Entry is one line in the hash-chained JSONL audit log. The correlation
// id equals the request id, so filtering on it reconstructs a request's
// full pipeline history. Payload params are redacted before they get here.
type Entry struct {
	Timestamp     string              `json:"ts"`
	CorrelationID string              `json:"correlation_id"`
	Stage         model.Stage         `json:"stage"`
	Capability    string              `json:"capability"`
	Plugin        string              `json:"plugin,omitempty"`
	Identity      string              `json:"identity,omitempty"`
	Params        map[string]any      `json:"redacted_params,omitempty"`
	Decision      *DecisionRecord     `json:"decision,omitempty"`
	Confirmation  *ConfirmationRecord `json:"confirmation,omitempty"`
	Outcome       *OutcomeRecord      `json:"outcome,omitempty"`
	PolicyHash    string              `json:"policy_hash,omitempty"`
	PrevHash      string              `json:"prev_hash"`
}
