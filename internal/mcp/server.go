// Package mcp exposes the gateway to a Reasoner over the Model Context
// Protocol. The tools mirror the gateway surface: submit a capability
// call, resolve a confirmation, list pending confirmations, and browse
// the catalog. All policy enforcement stays in the gateway; this layer
// only translates.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/gateway"
	"github.com/ppiankov/capgate/internal/model"
)

// Server wraps the MCP SDK server around a gateway.
type Server struct {
	mcpServer *mcpsdk.Server
	gw        *gateway.Gateway
	identity  model.Identity
	log       *zap.Logger
}

// New creates an MCP server. The identity is attached to every submitted
// request: the MCP transport carries no caller identity of its own, so
// the serving process decides what the connected Reasoner may do.
func New(gw *gateway.Gateway, identity model.Identity, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		gw:       gw,
		identity: identity,
		log:      log,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "capgate",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds the gateway tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_submit",
		Description: "Submit a capability call for policy evaluation and execution. May complete, deny, or suspend pending human confirmation.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_resolve",
		Description: "Approve or deny a pending confirmation. Approval executes the suspended request exactly once.",
	}, s.handleResolve)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_pending",
		Description: "List confirmations awaiting a decision.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_catalog",
		Description: "List the active capabilities with their parameter schemas.",
	}, s.handleCatalog)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "capgate_cancel",
		Description: "Cancel a running or suspended request by request id.",
	}, s.handleCancel)
}
