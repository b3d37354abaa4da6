package mcp

import (
	"context"
	"errors"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/gateway"
	"github.com/ppiankov/capgate/internal/model"
)

// --- Input/Output types ---

// SubmitInput defines parameters for the capgate_submit tool.
type SubmitInput struct {
	Capability string         `json:"capability" jsonschema:"qualified capability name, e.g. filesystem_read_file"`
	Params     map[string]any `json:"params,omitempty" jsonschema:"capability parameters"`
}

// SubmitOutput is the classified submission result.
type SubmitOutput struct {
	RequestID      string         `json:"request_id"`
	Status         string         `json:"status"`
	Action         string         `json:"action,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	Success        bool           `json:"success,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// ResolveInput defines parameters for the capgate_resolve tool.
type ResolveInput struct {
	ConfirmationID string `json:"confirmation_id" jsonschema:"id returned by a pending_confirmation submission"`
	Approve        bool   `json:"approve" jsonschema:"true to approve, false to deny"`
}

// ResolveOutput is the outcome of resolving a confirmation.
type ResolveOutput struct {
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// PendingInput is empty; no parameters needed.
type PendingInput struct{}

// PendingOutput lists confirmations awaiting a decision.
type PendingOutput struct {
	Confirmations []PendingItem `json:"confirmations"`
}

// PendingItem describes one pending confirmation.
type PendingItem struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	Capability  string `json:"capability"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at"`
}

// CatalogInput is empty; no parameters needed.
type CatalogInput struct{}

// CatalogOutput is the Reasoner view of the catalog.
type CatalogOutput struct {
	Capabilities []CatalogItem `json:"capabilities"`
}

// CatalogItem is one capability with its parameter schema.
type CatalogItem struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema"`
}

// CancelInput defines parameters for the capgate_cancel tool.
type CancelInput struct {
	RequestID string `json:"request_id" jsonschema:"id of the request to cancel"`
}

// CancelOutput reports whether anything was cancelled.
type CancelOutput struct {
	Cancelled bool `json:"cancelled"`
}

// --- Handlers ---

func (s *Server) handleSubmit(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, SubmitOutput, error) {
	res, err := s.gw.Submit(ctx, &model.ExecutionRequest{
		Capability: input.Capability,
		Params:     input.Params,
		Identity:   s.identity,
	})
	if err != nil {
		s.log.Error("submit failed", zap.Error(err))
		return &mcpsdk.CallToolResult{IsError: true}, SubmitOutput{}, err
	}

	out := SubmitOutput{
		RequestID:      res.RequestID,
		Status:         string(res.Status),
		Action:         string(res.Decision.Action),
		Reason:         res.Decision.Reason,
		ConfirmationID: res.ConfirmationID,
	}
	if res.Outcome != nil {
		out.Success = res.Outcome.Success
		out.Data = res.Outcome.Data
		out.ErrorCode = string(res.Outcome.ErrorCode)
		out.Message = res.Outcome.Message
	}
	return &mcpsdk.CallToolResult{IsError: res.Status == model.StatusDenied}, out, nil
}

func (s *Server) handleResolve(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
	outcome, err := s.gw.ResolveConfirmation(ctx, input.ConfirmationID, input.Approve)
	if err != nil {
		if errors.Is(err, gateway.ErrConfirmationNotFound) {
			return &mcpsdk.CallToolResult{IsError: true}, ResolveOutput{
				ErrorCode: string(model.CodeValidation),
				Message:   "no confirmation with id " + input.ConfirmationID,
			}, nil
		}
		s.log.Error("resolve failed", zap.Error(err))
		return &mcpsdk.CallToolResult{IsError: true}, ResolveOutput{}, err
	}

	return &mcpsdk.CallToolResult{IsError: !outcome.Success}, ResolveOutput{
		RequestID: outcome.RequestID,
		Success:   outcome.Success,
		Data:      outcome.Data,
		ErrorCode: string(outcome.ErrorCode),
		Message:   outcome.Message,
	}, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	recs, err := s.gw.Pending(ctx)
	if err != nil {
		s.log.Error("list pending failed", zap.Error(err))
		return &mcpsdk.CallToolResult{IsError: true}, PendingOutput{}, err
	}

	out := PendingOutput{Confirmations: make([]PendingItem, 0, len(recs))}
	for _, r := range recs {
		out.Confirmations = append(out.Confirmations, PendingItem{
			ID:          r.ID,
			RequestID:   r.RequestID,
			Capability:  r.Capability,
			Description: r.Description,
			CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
			ExpiresAt:   r.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleCatalog(ctx context.Context, req *mcpsdk.CallToolRequest, input CatalogInput) (*mcpsdk.CallToolResult, CatalogOutput, error) {
	entries := s.gw.Catalog().ReasonerView()
	out := CatalogOutput{Capabilities: make([]CatalogItem, 0, len(entries))}
	for _, e := range entries {
		out.Capabilities = append(out.Capabilities, CatalogItem{
			Name:            e.Name,
			Description:     e.Description,
			ParameterSchema: e.ParameterSchema,
		})
	}
	return nil, out, nil
}

func (s *Server) handleCancel(ctx context.Context, req *mcpsdk.CallToolRequest, input CancelInput) (*mcpsdk.CallToolResult, CancelOutput, error) {
	cancelled, err := s.gw.Cancel(ctx, input.RequestID)
	if err != nil {
		s.log.Error("cancel failed", zap.Error(err))
		return &mcpsdk.CallToolResult{IsError: true}, CancelOutput{}, err
	}
	return nil, CancelOutput{Cancelled: cancelled}, nil
}
