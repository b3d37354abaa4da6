package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(approveCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve <confirmation-id>",
	Short: "Approve a pending confirmation",
	Long: "Approves a suspended request, executing it with the decision context\n" +
		"stored at suspension time. Policy is not re-evaluated. Resolving an\n" +
		"already-resolved or expired confirmation never re-executes.",
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	return resolveConfirmation(cmd, args[0], true)
}
