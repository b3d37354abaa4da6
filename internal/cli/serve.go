package cli

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/gateway"
	"github.com/ppiankov/capgate/internal/mcp"
	"github.com/ppiankov/capgate/internal/model"
)

var (
	serveRole   string
	serveScopes string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveRole, "role", "agent", "Identity role attached to every submitted request")
	serveCmd.Flags().StringVar(&serveScopes, "scopes", "fs:read,fs:write", "Comma-separated scopes granted to the connected Reasoner")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	Long: "Exposes the gateway to a Reasoner over the Model Context Protocol.\n" +
		"The connected client submits capability calls, resolves confirmations,\n" +
		"and browses the catalog; policy hot-reloads on file change.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloader, err := gateway.NewReloader(rt.gateway, rt.log)
	if err != nil {
		return err
	}
	if reloader != nil {
		go func() {
			if err := reloader.Run(ctx); err != nil {
				rt.log.Warn("policy reloader stopped", zap.Error(err))
			}
		}()
	}

	identity := model.Identity{
		Role:   serveRole,
		Scopes: splitScopes(serveScopes),
	}
	server := mcp.New(rt.gateway, identity, rt.log)

	rt.log.Info("mcp server starting",
		zap.String("role", identity.Role),
		zap.Strings("scopes", identity.Scopes),
		zap.Bool("safe_mode", rt.cfg.SafeMode),
		zap.Int("capabilities", rt.gateway.Catalog().Len()))

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func splitScopes(s string) []string {
	var out []string
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}
