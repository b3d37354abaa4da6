package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(denyCmd)
}

var denyCmd = &cobra.Command{
	Use:   "deny <confirmation-id>",
	Short: "Deny a pending confirmation",
	Long:  "Terminates a suspended request without executing it.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	return resolveConfirmation(cmd, args[0], false)
}
