package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/capgate/internal/model"
)

var (
	submitParams []string
	submitJSON   string
	submitRole   string
	submitScopes string
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringArrayVarP(&submitParams, "param", "p", nil, "Parameter as key=value (repeatable); values parse as JSON when possible")
	submitCmd.Flags().StringVar(&submitJSON, "json", "", "All parameters as one JSON object (overrides --param)")
	submitCmd.Flags().StringVar(&submitRole, "role", "operator", "Identity role for this request")
	submitCmd.Flags().StringVar(&submitScopes, "scopes", "*", "Comma-separated scopes for this request")
}

var submitCmd = &cobra.Command{
	Use:   "submit <capability>",
	Short: "Submit one capability call through the gateway",
	Long: "Runs a single request through the full pipeline and prints the\n" +
		"classified result. A confirm decision prints the confirmation id;\n" +
		"resolve it with 'capgate approve' or 'capgate deny'.",
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	params, err := parseParams()
	if err != nil {
		return err
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.gateway.Submit(cmd.Context(), &model.ExecutionRequest{
		Capability: args[0],
		Params:     params,
		Identity: model.Identity{
			Role:   submitRole,
			Scopes: splitScopes(submitScopes),
		},
	})
	if err != nil {
		return err
	}

	printJSON(res)
	return nil
}

// parseParams builds the parameter map from --json or repeated --param.
// Values that parse as JSON keep their type; everything else is a string.
func parseParams() (map[string]any, error) {
	if submitJSON != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(submitJSON), &params); err != nil {
			return nil, fmt.Errorf("parse --json: %w", err)
		}
		return params, nil
	}

	params := make(map[string]any, len(submitParams))
	for _, kv := range submitParams {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(val), &parsed); err == nil {
			params[key] = parsed
		} else {
			params[key] = val
		}
	}
	return params, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(out))
}
